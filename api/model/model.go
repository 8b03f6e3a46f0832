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
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

// CreateConsentRequest is the counterpart-facing payload asking a client to
// grant account access.
type CreateConsentRequest struct {
	ClientID            string   `json:"client_id"`
	RequestingParty     string   `json:"requesting_party"`
	RequestingPartyName string   `json:"requesting_party_name"`
	Permissions         []string `json:"permissions"`
	Reason              string   `json:"reason"`
}

func (r *CreateConsentRequest) ValidateCreateConsentRequest() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.ClientID, validation.Required),
		validation.Field(&r.RequestingParty, validation.Required),
	)
}

// SignConsentRequest carries the client's decision on a pending request.
type SignConsentRequest struct {
	Action    string `json:"action"`
	Signature string `json:"signature"`
}

func (r *SignConsentRequest) ValidateSignConsentRequest() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Action, validation.Required, validation.In("approve", "reject")),
		validation.Field(&r.Signature, validation.Required),
	)
}

// CreateAllocation declares a target share for one counterparty.
type CreateAllocation struct {
	CounterpartyCode string          `json:"counterparty_code"`
	AccountType      string          `json:"account_type"`
	TargetShare      decimal.Decimal `json:"target_share"`
}

func (a *CreateAllocation) ValidateCreateAllocation() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.CounterpartyCode, validation.Required),
		validation.Field(&a.TargetShare, validation.By(shareInRange(a.TargetShare))),
	)
}

// UpdateAllocation replaces the share of an existing allocation target.
type UpdateAllocation struct {
	TargetShare decimal.Decimal `json:"target_share"`
	AccountType string          `json:"account_type"`
}

func (a *UpdateAllocation) ValidateUpdateAllocation() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.TargetShare, validation.By(shareInRange(a.TargetShare))),
	)
}

func shareInRange(share decimal.Decimal) validation.RuleFunc {
	return func(interface{}) error {
		if share.IsNegative() || share.GreaterThan(decimal.NewFromInt(100)) {
			return validation.NewError("validation_share_range", "target share must be between 0 and 100")
		}
		return nil
	}
}
