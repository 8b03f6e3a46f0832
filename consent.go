package trellis

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trellis-finance/trellis/internal/apierror"
	"github.com/trellis-finance/trellis/model"
)

// CreateConsentRequest records a pending consent request from a requesting
// party. When auto-approval is enabled the request is promoted to an approved
// request with a signed consent in the same call, and the consent is returned
// alongside the request.
func (t *Trellis) CreateConsentRequest(ctx context.Context, clientID, requestingParty, requestingPartyName string, permissions []string, reason string) (model.ConsentRequest, *model.Consent, error) {
	if clientID == "" || requestingParty == "" {
		return model.ConsentRequest{}, nil, apierror.NewAPIError(apierror.ErrInvalidInput, "client id and requesting party are required", nil)
	}
	if len(permissions) == 0 {
		permissions = append([]string{}, model.DefaultPermissions...)
	}

	request, err := t.datasource.CreateConsentRequest(ctx, model.ConsentRequest{
		ClientID:            clientID,
		RequestingParty:     requestingParty,
		RequestingPartyName: requestingPartyName,
		Permissions:         permissions,
		Reason:              reason,
		Status:              model.ConsentRequestStatusPending,
	})
	if err != nil {
		return model.ConsentRequest{}, nil, err
	}

	if !t.autoApprove {
		return request, nil, nil
	}

	consent, err := t.approveRequest(ctx, &request)
	if err != nil {
		// The pending request survives; the client can still sign it.
		logrus.Errorf("auto-approval of consent request %s failed: %v", request.RequestID, err)
		return request, nil, nil
	}
	return request, consent, nil
}

// SignConsentRequest applies the client's decision to a pending request.
// Approval mints a signed consent; rejection closes the request. A request
// can only be signed once, any further attempt fails with not found.
func (t *Trellis) SignConsentRequest(ctx context.Context, requestID, clientID, action, signature string) (*model.ConsentRequest, *model.Consent, error) {
	if signature == "" {
		return nil, nil, apierror.NewAPIError(apierror.ErrInvalidInput, "a signature is required to respond to a consent request", nil)
	}
	// TODO: verify the signature against the client's registered signing key
	// once the key registry endpoint lands.

	request, err := t.datasource.GetPendingConsentRequest(ctx, requestID, clientID)
	if err != nil {
		return nil, nil, err
	}

	switch action {
	case "approve":
		consent, err := t.approveRequest(ctx, request)
		if err != nil {
			return nil, nil, err
		}
		return request, consent, nil
	case "reject":
		now := time.Now()
		if err := t.datasource.RespondToConsentRequest(ctx, request.RequestID, model.ConsentRequestStatusRejected, now); err != nil {
			return nil, nil, err
		}
		request.Status = model.ConsentRequestStatusRejected
		request.RespondedAt = &now
		return request, nil, nil
	default:
		return nil, nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown action %q, expected approve or reject", action), nil)
	}
}

// approveRequest transitions the request to approved and creates the backing
// consent granted to the requesting party.
func (t *Trellis) approveRequest(ctx context.Context, request *model.ConsentRequest) (*model.Consent, error) {
	now := time.Now()
	if err := t.datasource.RespondToConsentRequest(ctx, request.RequestID, model.ConsentRequestStatusApproved, now); err != nil {
		return nil, err
	}
	request.Status = model.ConsentRequestStatusApproved
	request.RespondedAt = &now

	consent, err := t.datasource.CreateConsent(ctx, model.Consent{
		RequestID:          request.RequestID,
		ClientID:           request.ClientID,
		GrantedTo:          request.RequestingParty,
		Permissions:        request.Permissions,
		Status:             model.ConsentStatusActive,
		ExpirationDateTime: now.Add(t.consentValidity),
		SignedAt:           &now,
	})
	if err != nil {
		return nil, err
	}
	return &consent, nil
}

// RevokeConsent moves an active consent to revoked. Revoking a consent that
// is missing, owned by another client or already terminal fails with not
// found so repeated revocations are visible to the caller.
func (t *Trellis) RevokeConsent(ctx context.Context, consentID, clientID string) (*model.Consent, error) {
	consent, err := t.datasource.GetConsentByID(ctx, consentID, clientID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	revoked, err := t.datasource.UpdateConsentStatus(ctx, consent.ConsentID, model.ConsentStatusRevoked, now)
	if err != nil {
		return nil, err
	}
	if !revoked {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("consent %s is not active and cannot be revoked", consentID), nil)
	}
	consent.Status = model.ConsentStatusRevoked
	consent.StatusUpdatedAt = now
	consent.RevokedAt = &now
	return consent, nil
}

// CheckConsent returns the first active, unexpired consent granted to the
// requesting party that covers every required permission, or nil when the
// client has granted no such consent. Wall-clock expiry wins over a stale
// active status in storage.
func (t *Trellis) CheckConsent(ctx context.Context, clientID, requestingParty string, required []string) (*model.Consent, error) {
	consents, err := t.datasource.GetActiveConsents(ctx, clientID, requestingParty)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for i := range consents {
		c := &consents[i]
		if c.IsExpired(now) {
			continue
		}
		if c.CoversPermissions(required) {
			return c, nil
		}
	}
	return nil, nil
}

// GetConsent retrieves one consent scoped to the client.
func (t *Trellis) GetConsent(ctx context.Context, consentID, clientID string) (*model.Consent, error) {
	return t.datasource.GetConsentByID(ctx, consentID, clientID)
}

// ListConsents returns every consent the client has granted.
func (t *Trellis) ListConsents(ctx context.Context, clientID string) ([]model.Consent, error) {
	return t.datasource.ListConsents(ctx, clientID)
}

// ListConsentRequests returns the client's consent requests, optionally
// filtered by status.
func (t *Trellis) ListConsentRequests(ctx context.Context, clientID string, status model.ConsentRequestStatus) ([]model.ConsentRequest, error) {
	if status != "" && !status.IsValid() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown consent request status %q", status), nil)
	}
	return t.datasource.ListConsentRequests(ctx, clientID, status)
}
