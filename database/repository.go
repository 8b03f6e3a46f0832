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
	"context"
	"time"

	"github.com/trellis-finance/trellis/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	consentRequest // Consent request persistence
	consent        // Consent persistence
	allocation     // Allocation target persistence
}

// consentRequest defines methods for handling consent requests.
type consentRequest interface {
	CreateConsentRequest(ctx context.Context, request model.ConsentRequest) (model.ConsentRequest, error)                          // Inserts a pending request
	GetConsentRequest(ctx context.Context, requestID, clientID string) (*model.ConsentRequest, error)                              // Retrieves a request by (id, client)
	GetPendingConsentRequest(ctx context.Context, requestID, clientID string) (*model.ConsentRequest, error)                       // Retrieves only while still pending
	RespondToConsentRequest(ctx context.Context, requestID string, status model.ConsentRequestStatus, respondedAt time.Time) error // Transitions pending -> approved/rejected
	ListConsentRequests(ctx context.Context, clientID string, status model.ConsentRequestStatus) ([]model.ConsentRequest, error)   // Lists a client's requests, optionally filtered
}

// consent defines methods for handling consents.
type consent interface {
	CreateConsent(ctx context.Context, consent model.Consent) (model.Consent, error)                                        // Inserts a consent row
	GetConsentByID(ctx context.Context, consentID, clientID string) (*model.Consent, error)                                 // Retrieves a consent by (id, client)
	GetActiveConsents(ctx context.Context, clientID, grantedTo string) ([]model.Consent, error)                             // Active consents granted to a party
	GetActiveCounterpartyConsent(ctx context.Context, clientID, counterpartyCode, grantedTo string) (*model.Consent, error) // Aggregator lookup
	UpdateConsentStatus(ctx context.Context, consentID string, target model.ConsentStatus, at time.Time) (bool, error)      // Transition with table enforcement
	ListConsents(ctx context.Context, clientID string) ([]model.Consent, error)                                             // All of a client's consents
}

// allocation defines methods for handling allocation targets.
type allocation interface {
	CreateAllocationTarget(ctx context.Context, target model.AllocationTarget) (model.AllocationTarget, error)
	GetAllocationTarget(ctx context.Context, allocationID, clientID string) (*model.AllocationTarget, error)
	GetAllocationTargets(ctx context.Context, clientID string) ([]model.AllocationTarget, error)
	FindAllocationTarget(ctx context.Context, clientID, counterpartyCode, accountType string) (*model.AllocationTarget, error)
	UpdateAllocationTarget(ctx context.Context, target *model.AllocationTarget) error
	DeleteAllocationTarget(ctx context.Context, allocationID, clientID string) error
}
