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

package database

import (
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/trellis-finance/trellis/config"
)

// Package-level singleton so every caller shares one connection pool.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database connection error: %v", err)
		return nil, err
	}
	err = createConsentRequestTable(db)
	if err != nil {
		return nil, err
	}
	err = createConsentTable(db)
	if err != nil {
		return nil, err
	}
	err = createAllocationTargetTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// createConsentRequestTable creates a PostgreSQL table for consent requests.
func createConsentRequestTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS consent_requests (
			id SERIAL PRIMARY KEY,
			request_id TEXT NOT NULL UNIQUE,
			client_id TEXT NOT NULL,
			requesting_party TEXT NOT NULL,
			requesting_party_name TEXT,
			permissions TEXT[] NOT NULL,
			reason TEXT,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			responded_at TIMESTAMP
		)
	`)
	return err
}

// createConsentTable creates a PostgreSQL table for consents.
func createConsentTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS consents (
			id SERIAL PRIMARY KEY,
			consent_id TEXT NOT NULL UNIQUE,
			external_ref TEXT NOT NULL,
			request_id TEXT,
			client_id TEXT NOT NULL,
			counterparty_code TEXT,
			granted_to TEXT NOT NULL,
			permissions TEXT[] NOT NULL,
			status TEXT NOT NULL,
			expiration_date_time TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			status_updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			signed_at TIMESTAMP,
			revoked_at TIMESTAMP,
			used_at TIMESTAMP
		)
	`)
	return err
}

// createAllocationTargetTable creates a PostgreSQL table for allocation targets.
func createAllocationTargetTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS allocation_targets (
			id SERIAL PRIMARY KEY,
			allocation_id TEXT NOT NULL UNIQUE,
			client_id TEXT NOT NULL,
			counterparty_code TEXT NOT NULL,
			account_type TEXT NOT NULL,
			target_share NUMERIC(5,2),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (client_id, counterparty_code, account_type)
		)
	`)
	return err
}
