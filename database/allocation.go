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
	"github.com/shopspring/decimal"

	"github.com/trellis-finance/trellis/internal/apierror"
	"github.com/trellis-finance/trellis/model"
)

const allocationColumns = `allocation_id, client_id, counterparty_code, account_type, target_share, created_at, updated_at`

// CreateAllocationTarget inserts a new allocation target. The unique
// constraint on (client, counterparty, account type) maps to a Conflict error.
func (d Datasource) CreateAllocationTarget(ctx context.Context, target model.AllocationTarget) (model.AllocationTarget, error) {
	target.AllocationID = model.GenerateUUIDWithSuffix("alc")
	target.CreatedAt = time.Now()
	target.UpdatedAt = target.CreatedAt

	var share interface{}
	if target.TargetShare != nil {
		share = target.TargetShare.String()
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO allocation_targets (allocation_id, client_id, counterparty_code, account_type, target_share, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, target.AllocationID, target.ClientID, target.CounterpartyCode, target.AccountType, share, target.CreatedAt, target.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return target, apierror.NewAPIError(apierror.ErrConflict, "Allocation target for this counterparty and account type already exists", err)
		}
		return target, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create allocation target", err)
	}
	return target, nil
}

func scanAllocation(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.AllocationTarget, error) {
	target := &model.AllocationTarget{}
	var share sql.NullString
	err := scanner.Scan(&target.AllocationID, &target.ClientID, &target.CounterpartyCode, &target.AccountType,
		&share, &target.CreatedAt, &target.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if share.Valid {
		parsed, err := decimal.NewFromString(share.String)
		if err != nil {
			return nil, err
		}
		target.TargetShare = &parsed
	}
	return target, nil
}

// GetAllocationTarget retrieves one allocation target scoped to a client.
func (d Datasource) GetAllocationTarget(ctx context.Context, allocationID, clientID string) (*model.AllocationTarget, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+allocationColumns+` FROM allocation_targets WHERE allocation_id = $1 AND client_id = $2
	`, allocationID, clientID)
	target, err := scanAllocation(row)
	if err == sql.ErrNoRows {
		return nil, apierror.NewAPIError(apierror.ErrAllocationNotFound, "Allocation target not found", err)
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch allocation target", err)
	}
	return target, nil
}

// GetAllocationTargets lists a client's allocation targets ordered by
// counterparty for deterministic downstream processing.
func (d Datasource) GetAllocationTargets(ctx context.Context, clientID string) ([]model.AllocationTarget, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+allocationColumns+` FROM allocation_targets WHERE client_id = $1 ORDER BY counterparty_code
	`, clientID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list allocation targets", err)
	}
	defer func() { _ = rows.Close() }()

	var targets []model.AllocationTarget
	for rows.Next() {
		target, err := scanAllocation(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan allocation target", err)
		}
		targets = append(targets, *target)
	}
	return targets, rows.Err()
}

// FindAllocationTarget looks up the unique row for (client, counterparty,
// account type). Returns nil without error when none exists.
func (d Datasource) FindAllocationTarget(ctx context.Context, clientID, counterpartyCode, accountType string) (*model.AllocationTarget, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+allocationColumns+` FROM allocation_targets WHERE client_id = $1 AND counterparty_code = $2 AND account_type = $3
	`, clientID, counterpartyCode, accountType)
	target, err := scanAllocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch allocation target", err)
	}
	return target, nil
}

// UpdateAllocationTarget persists share and account type changes and bumps
// the updated timestamp.
func (d Datasource) UpdateAllocationTarget(ctx context.Context, target *model.AllocationTarget) error {
	target.UpdatedAt = time.Now()

	var share interface{}
	if target.TargetShare != nil {
		share = target.TargetShare.String()
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE allocation_targets SET target_share = $1, account_type = $2, updated_at = $3 WHERE allocation_id = $4 AND client_id = $5
	`, share, target.AccountType, target.UpdatedAt, target.AllocationID, target.ClientID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update allocation target", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update allocation target", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrAllocationNotFound, "Allocation target not found", target.AllocationID)
	}
	return nil
}

// DeleteAllocationTarget removes a target scoped to a client.
func (d Datasource) DeleteAllocationTarget(ctx context.Context, allocationID, clientID string) error {
	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM allocation_targets WHERE allocation_id = $1 AND client_id = $2
	`, allocationID, clientID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete allocation target", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete allocation target", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrAllocationNotFound, "Allocation target not found", allocationID)
	}
	return nil
}
