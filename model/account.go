package model

import (
	"github.com/shopspring/decimal"
)

// AggregationError is the closed set of per-counterparty failure codes an
// aggregation entry can carry instead of account data.
type AggregationError string

const (
	ErrCodeTokenUnavailable AggregationError = "TOKEN_UNAVAILABLE"
	ErrCodeConsentRequired  AggregationError = "CONSENT_REQUIRED"
	ErrCodeTimeout          AggregationError = "TIMEOUT"
	ErrCodeConnection       AggregationError = "CONNECTION_ERROR"
	ErrCodeUpstreamHTTP     AggregationError = "UPSTREAM_HTTP_ERROR"
)

// CounterpartyAccount is one account row as returned by a counterparty's
// accounts endpoint.
type CounterpartyAccount struct {
	AccountID      string `json:"account_id"`
	AccountSubType string `json:"account_sub_type"`
	Currency       string `json:"currency"`
}

// ExternalAccountEntry is one line of a merged aggregation snapshot. A
// counterparty contributes either one entry per account, or a single entry
// whose Error field is set. Balance is nil when the balance sub-fetch failed
// for that account. Entries live for one aggregation call and are cached as
// JSON, never persisted.
type ExternalAccountEntry struct {
	CounterpartyCode string           `json:"counterparty_code"`
	CounterpartyName string           `json:"counterparty_name"`
	AccountID        string           `json:"account_id,omitempty"`
	AccountSubType   string           `json:"account_sub_type,omitempty"`
	Balance          *decimal.Decimal `json:"balance,omitempty"`
	Currency         string           `json:"currency,omitempty"`
	Error            AggregationError `json:"error,omitempty"`
	ErrorDetail      string           `json:"error_detail,omitempty"`
}

// HasData reports whether the entry carries an account rather than an error.
func (e ExternalAccountEntry) HasData() bool {
	return e.Error == "" && e.AccountID != ""
}
