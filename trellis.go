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

package trellis

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/trellis-finance/trellis/cache"
	"github.com/trellis-finance/trellis/config"
	"github.com/trellis-finance/trellis/database"
	redis_db "github.com/trellis-finance/trellis/internal/redis-db"
)

// Trellis is the main service struct: consent lifecycle, cross-party account
// aggregation and rebalancing plan computation hang off it. Collaborators are
// injected so tests can substitute fakes per call.
type Trellis struct {
	datasource     database.IDataSource
	cache          cache.Cache
	redis          redis.UniversalClient
	tokens         TokenSupplier
	clients        map[string]*CounterpartyClient
	counterparties []config.CounterpartyConfig

	projectName     string
	bankCode        string
	bankName        string
	autoApprove     bool
	consentValidity time.Duration
	cacheTTL        time.Duration
	epsilon         decimal.Decimal
}

// NewTrellis initializes a new instance with the provided datasource. It
// fetches the configuration and wires the redis-backed cache, the token
// supplier and one counterparty client per configured institution.
func NewTrellis(db database.IDataSource) (*Trellis, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)})
	if err != nil {
		return nil, err
	}
	newCache := cache.NewRedisCacheWithClient(redisClient.Client())
	timeout := time.Duration(configuration.Aggregation.CounterpartyTimeoutSeconds) * time.Second
	tokens := NewClientCredentialTokenSupplier(configuration.Counterparties, timeout)

	return NewTrellisWithDependencies(db, newCache, redisClient.Client(), tokens, configuration), nil
}

// NewTrellisWithDependencies assembles a service instance from explicit
// collaborators. Tests pass a miniredis cache, a fake token supplier and an
// httpmock-backed transport.
func NewTrellisWithDependencies(db database.IDataSource, ca cache.Cache, redisClient redis.UniversalClient, tokens TokenSupplier, cnf *config.Configuration) *Trellis {
	timeout := time.Duration(cnf.Aggregation.CounterpartyTimeoutSeconds) * time.Second

	clients := make(map[string]*CounterpartyClient, len(cnf.Counterparties))
	for _, cp := range cnf.Counterparties {
		if cp.Code == "" || cp.ApiUrl == "" {
			continue
		}
		clients[cp.Code] = NewCounterpartyClient(cp, cnf.Bank.Code, timeout)
	}

	epsilon, err := decimal.NewFromString(cnf.Rebalance.Epsilon)
	if err != nil || epsilon.IsNegative() {
		epsilon = decimal.RequireFromString(config.DefaultRebalanceEpsilon)
	}

	return &Trellis{
		datasource:      db,
		cache:           ca,
		redis:           redisClient,
		tokens:          tokens,
		clients:         clients,
		counterparties:  cnf.Counterparties,
		projectName:     cnf.ProjectName,
		bankCode:        cnf.Bank.Code,
		bankName:        cnf.Bank.Name,
		autoApprove:     cnf.Consent.AutoApprove,
		consentValidity: time.Duration(cnf.Consent.ValidityDays) * 24 * time.Hour,
		cacheTTL:        time.Duration(cnf.Aggregation.CacheTTLSeconds) * time.Second,
		epsilon:         epsilon,
	}
}
