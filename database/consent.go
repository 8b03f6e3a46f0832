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
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/trellis-finance/trellis/internal/apierror"
	"github.com/trellis-finance/trellis/model"
)

const consentRequestColumns = `request_id, client_id, requesting_party, requesting_party_name, permissions, reason, status, created_at, responded_at`

const consentColumns = `consent_id, external_ref, COALESCE(request_id, ''), client_id, COALESCE(counterparty_code, ''), granted_to, permissions, status, expiration_date_time, created_at, status_updated_at, signed_at, revoked_at, used_at`

// CreateConsentRequest inserts a new pending consent request. The request id
// and creation timestamp are assigned here.
func (d Datasource) CreateConsentRequest(ctx context.Context, request model.ConsentRequest) (model.ConsentRequest, error) {
	request.RequestID = model.GenerateUUIDWithSuffix("req")
	request.CreatedAt = time.Now()
	request.Status = model.ConsentRequestStatusPending

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO consent_requests (request_id, client_id, requesting_party, requesting_party_name, permissions, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, request.RequestID, request.ClientID, request.RequestingParty, request.RequestingPartyName, pq.Array(request.Permissions), request.Reason, request.Status, request.CreatedAt)
	if err != nil {
		return request, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create consent request", err)
	}
	return request, nil
}

func scanConsentRequestRow(row *sql.Row) (*model.ConsentRequest, error) {
	request := &model.ConsentRequest{}
	var respondedAt sql.NullTime
	err := row.Scan(&request.RequestID, &request.ClientID, &request.RequestingParty, &request.RequestingPartyName,
		pq.Array(&request.Permissions), &request.Reason, &request.Status, &request.CreatedAt, &respondedAt)
	if err != nil {
		return nil, err
	}
	if respondedAt.Valid {
		request.RespondedAt = &respondedAt.Time
	}
	return request, nil
}

// GetConsentRequest retrieves a request scoped to a client.
func (d Datasource) GetConsentRequest(ctx context.Context, requestID, clientID string) (*model.ConsentRequest, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+consentRequestColumns+` FROM consent_requests WHERE request_id = $1 AND client_id = $2
	`, requestID, clientID)
	request, err := scanConsentRequestRow(row)
	if err == sql.ErrNoRows {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "Consent request not found", err)
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch consent request", err)
	}
	return request, nil
}

// GetPendingConsentRequest retrieves a request only while it is still pending.
// Responded requests are invisible here, which is what makes re-signing fail
// with NotFound.
func (d Datasource) GetPendingConsentRequest(ctx context.Context, requestID, clientID string) (*model.ConsentRequest, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+consentRequestColumns+` FROM consent_requests WHERE request_id = $1 AND client_id = $2 AND status = $3
	`, requestID, clientID, model.ConsentRequestStatusPending)
	request, err := scanConsentRequestRow(row)
	if err == sql.ErrNoRows {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "Consent request not found or already processed", err)
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch consent request", err)
	}
	return request, nil
}

// RespondToConsentRequest transitions a pending request to approved or
// rejected. The WHERE clause pins the source status so a request can leave
// pending exactly once.
func (d Datasource) RespondToConsentRequest(ctx context.Context, requestID string, status model.ConsentRequestStatus, respondedAt time.Time) error {
	if !model.ConsentRequestStatusPending.CanTransition(status) {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Illegal consent request transition", status)
	}
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE consent_requests SET status = $1, responded_at = $2 WHERE request_id = $3 AND status = $4
	`, status, respondedAt, requestID, model.ConsentRequestStatusPending)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update consent request", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update consent request", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Consent request not found or already processed", requestID)
	}
	return nil
}

// ListConsentRequests lists a client's requests, optionally filtered by status.
func (d Datasource) ListConsentRequests(ctx context.Context, clientID string, status model.ConsentRequestStatus) ([]model.ConsentRequest, error) {
	query := `SELECT ` + consentRequestColumns + ` FROM consent_requests WHERE client_id = $1`
	args := []interface{}{clientID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list consent requests", err)
	}
	defer func() { _ = rows.Close() }()

	var requests []model.ConsentRequest
	for rows.Next() {
		request := model.ConsentRequest{}
		var respondedAt sql.NullTime
		err := rows.Scan(&request.RequestID, &request.ClientID, &request.RequestingParty, &request.RequestingPartyName,
			pq.Array(&request.Permissions), &request.Reason, &request.Status, &request.CreatedAt, &respondedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan consent request", err)
		}
		if respondedAt.Valid {
			request.RespondedAt = &respondedAt.Time
		}
		requests = append(requests, request)
	}
	return requests, rows.Err()
}

// CreateConsent inserts a consent row. The consent id and timestamps are
// assigned here; the external reference defaults to the consent id when the
// consent was issued locally rather than by a counterparty.
func (d Datasource) CreateConsent(ctx context.Context, consent model.Consent) (model.Consent, error) {
	consent.ConsentID = model.GenerateUUIDWithSuffix("cns")
	if consent.ExternalRef == "" {
		consent.ExternalRef = consent.ConsentID
	}
	consent.CreatedAt = time.Now()
	consent.StatusUpdatedAt = consent.CreatedAt
	if consent.Status == "" {
		consent.Status = model.ConsentStatusActive
	}
	if !consent.Status.IsValid() {
		return consent, apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid consent status", consent.Status)
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO consents (consent_id, external_ref, request_id, client_id, counterparty_code, granted_to, permissions, status, expiration_date_time, created_at, status_updated_at, signed_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12)
	`, consent.ConsentID, consent.ExternalRef, consent.RequestID, consent.ClientID, consent.CounterpartyCode, consent.GrantedTo,
		pq.Array(consent.Permissions), consent.Status, consent.ExpirationDateTime, consent.CreatedAt, consent.StatusUpdatedAt, consent.SignedAt)
	if err != nil {
		return consent, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create consent", err)
	}
	return consent, nil
}

func scanConsent(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Consent, error) {
	consent := &model.Consent{}
	var signedAt, revokedAt, usedAt sql.NullTime
	err := scanner.Scan(&consent.ConsentID, &consent.ExternalRef, &consent.RequestID, &consent.ClientID, &consent.CounterpartyCode,
		&consent.GrantedTo, pq.Array(&consent.Permissions), &consent.Status, &consent.ExpirationDateTime,
		&consent.CreatedAt, &consent.StatusUpdatedAt, &signedAt, &revokedAt, &usedAt)
	if err != nil {
		return nil, err
	}
	if signedAt.Valid {
		consent.SignedAt = &signedAt.Time
	}
	if revokedAt.Valid {
		consent.RevokedAt = &revokedAt.Time
	}
	if usedAt.Valid {
		consent.UsedAt = &usedAt.Time
	}
	return consent, nil
}

// GetConsentByID retrieves a consent scoped to a client.
func (d Datasource) GetConsentByID(ctx context.Context, consentID, clientID string) (*model.Consent, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+consentColumns+` FROM consents WHERE consent_id = $1 AND client_id = $2
	`, consentID, clientID)
	consent, err := scanConsent(row)
	if err == sql.ErrNoRows {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "Consent not found", err)
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch consent", err)
	}
	return consent, nil
}

// GetActiveConsents returns every consent with stored status active granted
// to a party for a client. Expiry is deliberately left to the caller: rows
// past their expiration may still read active here.
func (d Datasource) GetActiveConsents(ctx context.Context, clientID, grantedTo string) ([]model.Consent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+consentColumns+` FROM consents WHERE client_id = $1 AND granted_to = $2 AND status = $3 ORDER BY created_at DESC
	`, clientID, grantedTo, model.ConsentStatusActive)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list active consents", err)
	}
	defer func() { _ = rows.Close() }()

	var consents []model.Consent
	for rows.Next() {
		consent, err := scanConsent(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan consent", err)
		}
		consents = append(consents, *consent)
	}
	return consents, rows.Err()
}

// GetActiveCounterpartyConsent finds the stored active consent the aggregator
// holds for (client, counterparty, grantee). Returns nil without error when
// none exists.
func (d Datasource) GetActiveCounterpartyConsent(ctx context.Context, clientID, counterpartyCode, grantedTo string) (*model.Consent, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+consentColumns+` FROM consents WHERE client_id = $1 AND counterparty_code = $2 AND granted_to = $3 AND status = $4 ORDER BY created_at DESC LIMIT 1
	`, clientID, counterpartyCode, grantedTo, model.ConsentStatusActive)
	consent, err := scanConsent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch counterparty consent", err)
	}
	return consent, nil
}

// UpdateConsentStatus transitions a consent to target. Active is the only
// non-terminal status, so the WHERE clause pins it as the source; the
// transition table rejects unknown targets before SQL runs. Returns false
// when no active row matched.
func (d Datasource) UpdateConsentStatus(ctx context.Context, consentID string, target model.ConsentStatus, at time.Time) (bool, error) {
	if !model.ConsentStatusActive.CanTransition(target) {
		return false, apierror.NewAPIError(apierror.ErrInvalidInput, "Illegal consent transition", target)
	}

	query := `UPDATE consents SET status = $1, status_updated_at = $2`
	switch target {
	case model.ConsentStatusRevoked:
		query += `, revoked_at = $2`
	case model.ConsentStatusUsed:
		query += `, used_at = $2`
	}
	query += ` WHERE consent_id = $3 AND status = $4`

	result, err := d.Conn.ExecContext(ctx, query, target, at, consentID, model.ConsentStatusActive)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update consent status", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update consent status", err)
	}
	return affected > 0, nil
}

// ListConsents lists every consent belonging to a client.
func (d Datasource) ListConsents(ctx context.Context, clientID string) ([]model.Consent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+consentColumns+` FROM consents WHERE client_id = $1 ORDER BY created_at DESC
	`, clientID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list consents", err)
	}
	defer func() { _ = rows.Close() }()

	var consents []model.Consent
	for rows.Next() {
		consent, err := scanConsent(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan consent", err)
		}
		consents = append(consents, *consent)
	}
	return consents, rows.Err()
}
