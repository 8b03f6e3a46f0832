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

package model

import (
	"time"
)

// ConsentStatus is the closed set of states a consent can be in. Active is the
// only non-terminal state.
type ConsentStatus string

const (
	ConsentStatusActive  ConsentStatus = "active"
	ConsentStatusRevoked ConsentStatus = "revoked"
	ConsentStatusExpired ConsentStatus = "expired"
	ConsentStatusUsed    ConsentStatus = "used"
)

// consentTransitions is the exhaustive transition table for ConsentStatus.
// Revoked, expired and used are terminal.
var consentTransitions = map[ConsentStatus][]ConsentStatus{
	ConsentStatusActive:  {ConsentStatusRevoked, ConsentStatusExpired, ConsentStatusUsed},
	ConsentStatusRevoked: {},
	ConsentStatusExpired: {},
	ConsentStatusUsed:    {},
}

// IsValid reports whether s is a known consent status.
func (s ConsentStatus) IsValid() bool {
	_, ok := consentTransitions[s]
	return ok
}

// CanTransition reports whether a consent in status s may move to target.
func (s ConsentStatus) CanTransition(target ConsentStatus) bool {
	for _, allowed := range consentTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// ConsentRequestStatus is the closed set of states a consent request can hold.
// Approved and rejected are terminal.
type ConsentRequestStatus string

const (
	ConsentRequestStatusPending  ConsentRequestStatus = "pending"
	ConsentRequestStatusApproved ConsentRequestStatus = "approved"
	ConsentRequestStatusRejected ConsentRequestStatus = "rejected"
)

var consentRequestTransitions = map[ConsentRequestStatus][]ConsentRequestStatus{
	ConsentRequestStatusPending:  {ConsentRequestStatusApproved, ConsentRequestStatusRejected},
	ConsentRequestStatusApproved: {},
	ConsentRequestStatusRejected: {},
}

// IsValid reports whether s is a known consent request status.
func (s ConsentRequestStatus) IsValid() bool {
	_, ok := consentRequestTransitions[s]
	return ok
}

// CanTransition reports whether a request in status s may move to target.
func (s ConsentRequestStatus) CanTransition(target ConsentRequestStatus) bool {
	for _, allowed := range consentRequestTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// DefaultPermissions is the fixed bundle requested from counterparties when
// the aggregator acquires a consent on a client's behalf.
var DefaultPermissions = []string{
	"ReadAccountsBasic",
	"ReadAccountsDetail",
	"ReadBalances",
	"ReadTransactionsDetail",
}

// ConsentRequest is a pending ask from a counterparty (or from this bank's
// own aggregator) to access a client's data. Requests are never deleted;
// they leave pending exactly once.
type ConsentRequest struct {
	RequestID           string               `json:"request_id"`
	ClientID            string               `json:"client_id"`
	RequestingParty     string               `json:"requesting_party"`
	RequestingPartyName string               `json:"requesting_party_name"`
	Permissions         []string             `json:"permissions"`
	Reason              string               `json:"reason"`
	Status              ConsentRequestStatus `json:"status"`
	CreatedAt           time.Time            `json:"created_at"`
	RespondedAt         *time.Time           `json:"responded_at,omitempty"`
}

// Consent is a scoped, time-bounded grant letting GrantedTo read the client's
// data. ExternalRef is the opaque reference exchanged with counterparties.
// RequestID is an optional back-reference to the originating request; a
// request never references a consent.
type Consent struct {
	ConsentID          string        `json:"consent_id"`
	ExternalRef        string        `json:"external_ref"`
	RequestID          string        `json:"request_id,omitempty"`
	ClientID           string        `json:"client_id"`
	CounterpartyCode   string        `json:"counterparty_code,omitempty"`
	GrantedTo          string        `json:"granted_to"`
	Permissions        []string      `json:"permissions"`
	Status             ConsentStatus `json:"status"`
	ExpirationDateTime time.Time     `json:"expiration_date_time"`
	CreatedAt          time.Time     `json:"created_at"`
	StatusUpdatedAt    time.Time     `json:"status_updated_at"`
	SignedAt           *time.Time    `json:"signed_at,omitempty"`
	RevokedAt          *time.Time    `json:"revoked_at,omitempty"`
	UsedAt             *time.Time    `json:"used_at,omitempty"`
}

// IsExpired reports whether the consent's expiration has passed at the given
// instant, regardless of the stored status. Stored rows are lazily updated,
// so callers must check the wall clock and not the status column alone.
func (c *Consent) IsExpired(now time.Time) bool {
	return !c.ExpirationDateTime.After(now)
}

// Usable reports whether the consent is active and unexpired at now.
func (c *Consent) Usable(now time.Time) bool {
	return c.Status == ConsentStatusActive && !c.IsExpired(now)
}

// CoversPermissions reports whether the consent's permission set is a
// superset of required.
func (c *Consent) CoversPermissions(required []string) bool {
	granted := make(map[string]struct{}, len(c.Permissions))
	for _, p := range c.Permissions {
		granted[p] = struct{}{}
	}
	for _, p := range required {
		if _, ok := granted[p]; !ok {
			return false
		}
	}
	return true
}
