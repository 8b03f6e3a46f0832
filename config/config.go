/*
Copyright 2024 Trellis Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"

	// DefaultConsentValidityDays is the horizon applied to consents created by
	// auto-approval and to consents requested from counterparties.
	DefaultConsentValidityDays = 365

	// DefaultCacheTTLSeconds bounds how long a merged account snapshot stays
	// cached per client.
	DefaultCacheTTLSeconds = 300

	// DefaultCounterpartyTimeoutSeconds bounds every outbound counterparty call.
	DefaultCounterpartyTimeoutSeconds = 10

	// DefaultRebalanceEpsilon is the surplus/deficit matching tolerance. It is
	// an implementation default, not a business rule, hence configurable.
	DefaultRebalanceEpsilon = "0.01"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Secure    bool   `json:"secure" envconfig:"TRELLIS_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"TRELLIS_SERVER_SECRET_KEY"`
	Port      string `json:"port" envconfig:"TRELLIS_SERVER_PORT"`
	Ssl       bool   `json:"ssl" envconfig:"TRELLIS_SERVER_SSL"`
	Domain    string `json:"domain" envconfig:"TRELLIS_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"TRELLIS_SERVER_SSL_EMAIL"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"TRELLIS_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"TRELLIS_REDIS_DNS"`
}

// BankConfig identifies this institution when it acts as the requesting party
// toward counterparties.
type BankConfig struct {
	Code string `json:"code" envconfig:"TRELLIS_BANK_CODE"`
	Name string `json:"name" envconfig:"TRELLIS_BANK_NAME"`
}

// CounterpartyConfig describes one reachable counterpart institution.
// ClientID/ClientSecret are the client-credential pair used to obtain a
// bearer token from that counterparty.
type CounterpartyConfig struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	ApiUrl       string `json:"api_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type ConsentConfig struct {
	AutoApprove  bool `json:"auto_approve" envconfig:"TRELLIS_CONSENT_AUTO_APPROVE"`
	ValidityDays int  `json:"validity_days" envconfig:"TRELLIS_CONSENT_VALIDITY_DAYS"`
}

type AggregationConfig struct {
	CacheTTLSeconds            int `json:"cache_ttl_seconds" envconfig:"TRELLIS_AGGREGATION_CACHE_TTL_SECONDS"`
	CounterpartyTimeoutSeconds int `json:"counterparty_timeout_seconds" envconfig:"TRELLIS_AGGREGATION_TIMEOUT_SECONDS"`
}

type RebalanceConfig struct {
	Epsilon string `json:"epsilon" envconfig:"TRELLIS_REBALANCE_EPSILON"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"TRELLIS_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"TRELLIS_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"TRELLIS_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type Configuration struct {
	ProjectName    string               `json:"project_name" envconfig:"TRELLIS_PROJECT_NAME"`
	Server         ServerConfig         `json:"server"`
	DataSource     DataSourceConfig     `json:"data_source"`
	Redis          RedisConfig          `json:"redis"`
	Bank           BankConfig           `json:"bank"`
	Counterparties []CounterpartyConfig `json:"counterparties"`
	Consent        ConsentConfig        `json:"consent"`
	Aggregation    AggregationConfig    `json:"aggregation"`
	Rebalance      RebalanceConfig      `json:"rebalance"`
	RateLimit      RateLimitConfig      `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("trellis", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called trellis.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Trellis Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	if cnf.Bank.Code == "" {
		log.Println("Error: Bank code is empty. It's a required field.")
		return errors.New("bank code is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Bank.Code = strings.TrimSpace(cnf.Bank.Code)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Consent.ValidityDays <= 0 {
		cnf.Consent.ValidityDays = DefaultConsentValidityDays
	}

	if cnf.Aggregation.CacheTTLSeconds <= 0 {
		cnf.Aggregation.CacheTTLSeconds = DefaultCacheTTLSeconds
	}

	if cnf.Aggregation.CounterpartyTimeoutSeconds <= 0 {
		cnf.Aggregation.CounterpartyTimeoutSeconds = DefaultCounterpartyTimeoutSeconds
	}

	if cnf.Rebalance.Epsilon == "" {
		cnf.Rebalance.Epsilon = DefaultRebalanceEpsilon
	}

	for i, cp := range cnf.Counterparties {
		if cp.Code == "" || cp.ApiUrl == "" {
			log.Printf("Warning: counterparty at index %d is missing code or api_url and will be skipped", i)
		}
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
