package trellis

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/trellis-finance/trellis/internal/apierror"
	"github.com/trellis-finance/trellis/model"
)

// DefaultAccountType groups allocation targets when the caller does not name
// an account type.
const DefaultAccountType = "checking"

// ListAllocations merges the client's stored allocation targets with the live
// snapshot. Counterparties holding reachable accounts appear even when no
// target row exists yet, with a nil share.
func (t *Trellis) ListAllocations(ctx context.Context, clientID string) ([]model.AllocationView, error) {
	snapshot, err := t.GetExternalAccounts(ctx, clientID, false)
	if err != nil {
		return nil, err
	}
	targets, err := t.datasource.GetAllocationTargets(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return t.mergeAllocations(clientID, targets, snapshot), nil
}

// CreateAllocation stores a new target share after validating it against a
// fresh snapshot. The (counterparty, account type) pair must be unused.
func (t *Trellis) CreateAllocation(ctx context.Context, clientID, counterpartyCode, accountType string, share decimal.Decimal) (*model.AllocationView, error) {
	if _, ok := t.clients[counterpartyCode]; !ok {
		return nil, apierror.NewAPIError(apierror.ErrCounterpartyNotFound, fmt.Sprintf("counterparty %s is not configured", counterpartyCode), nil)
	}
	if accountType == "" {
		accountType = DefaultAccountType
	}

	existing, err := t.datasource.FindAllocationTarget(ctx, clientID, counterpartyCode, accountType)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("an allocation for counterparty %s and account type %s already exists", counterpartyCode, accountType), nil)
	}

	snapshot, err := t.GetExternalAccounts(ctx, clientID, false)
	if err != nil {
		return nil, err
	}
	ok, message, _, err := t.ValidateShare(ctx, clientID, counterpartyCode, share, snapshot, "", "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrShareSumExceeded, message, nil)
	}

	target, err := t.datasource.CreateAllocationTarget(ctx, model.AllocationTarget{
		ClientID:         clientID,
		CounterpartyCode: counterpartyCode,
		AccountType:      accountType,
		TargetShare:      &share,
	})
	if err != nil {
		return nil, err
	}
	t.invalidateAfterAllocationChange(ctx, clientID)

	view := t.viewForTarget(clientID, target, snapshot)
	return &view, nil
}

// UpdateAllocation replaces the share (and optionally the account type) of an
// existing target, re-validating the share with the row itself excluded.
func (t *Trellis) UpdateAllocation(ctx context.Context, clientID, allocationID string, share decimal.Decimal, accountType string) (*model.AllocationView, error) {
	target, err := t.datasource.GetAllocationTarget(ctx, allocationID, clientID)
	if err != nil {
		return nil, err
	}

	snapshot, err := t.GetExternalAccounts(ctx, clientID, false)
	if err != nil {
		return nil, err
	}
	ok, message, _, err := t.ValidateShare(ctx, clientID, target.CounterpartyCode, share, snapshot, allocationID, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrShareSumExceeded, message, nil)
	}

	target.TargetShare = &share
	if accountType != "" {
		target.AccountType = accountType
	}
	if err := t.datasource.UpdateAllocationTarget(ctx, target); err != nil {
		return nil, err
	}
	t.invalidateAfterAllocationChange(ctx, clientID)

	view := t.viewForTarget(clientID, *target, snapshot)
	return &view, nil
}

// DeleteAllocation removes a stored target.
func (t *Trellis) DeleteAllocation(ctx context.Context, clientID, allocationID string) error {
	if err := t.datasource.DeleteAllocationTarget(ctx, allocationID, clientID); err != nil {
		return err
	}
	t.invalidateAfterAllocationChange(ctx, clientID)
	return nil
}

func (t *Trellis) invalidateAfterAllocationChange(ctx context.Context, clientID string) {
	if _, err := t.InvalidateExternalAccounts(ctx, clientID); err != nil {
		logrus.Warnf("cache invalidation after allocation change failed for client %s: %v", clientID, err)
	}
}

// mergeAllocations joins stored targets with live per-counterparty amounts.
func (t *Trellis) mergeAllocations(clientID string, targets []model.AllocationTarget, snapshot []model.ExternalAccountEntry) []model.AllocationView {
	amounts := make(map[string]decimal.Decimal)
	var liveOrder []string
	total := decimal.Zero
	for _, entry := range snapshot {
		if !entry.HasData() {
			continue
		}
		if _, seen := amounts[entry.CounterpartyCode]; !seen {
			liveOrder = append(liveOrder, entry.CounterpartyCode)
		}
		balance := entryBalance(entry)
		amounts[entry.CounterpartyCode] = amounts[entry.CounterpartyCode].Add(balance)
		total = total.Add(balance)
	}

	views := make([]model.AllocationView, 0, len(targets)+len(liveOrder))
	targeted := make(map[string]bool, len(targets))
	for _, target := range targets {
		targeted[target.CounterpartyCode] = true
		created, updated := target.CreatedAt, target.UpdatedAt
		views = append(views, model.AllocationView{
			AllocationID:     target.AllocationID,
			ClientID:         clientID,
			CounterpartyCode: target.CounterpartyCode,
			CounterpartyName: t.counterpartyName(target.CounterpartyCode),
			AccountType:      target.AccountType,
			TargetShare:      target.TargetShare,
			ActualAmount:     amounts[target.CounterpartyCode],
			ActualShare:      actualShare(amounts[target.CounterpartyCode], total),
			CreatedAt:        &created,
			UpdatedAt:        &updated,
		})
	}
	for _, code := range liveOrder {
		if targeted[code] {
			continue
		}
		views = append(views, model.AllocationView{
			ClientID:         clientID,
			CounterpartyCode: code,
			CounterpartyName: t.counterpartyName(code),
			AccountType:      DefaultAccountType,
			ActualAmount:     amounts[code],
			ActualShare:      actualShare(amounts[code], total),
		})
	}
	return views
}

func (t *Trellis) viewForTarget(clientID string, target model.AllocationTarget, snapshot []model.ExternalAccountEntry) model.AllocationView {
	for _, view := range t.mergeAllocations(clientID, []model.AllocationTarget{target}, snapshot) {
		if view.AllocationID == target.AllocationID {
			return view
		}
	}
	created, updated := target.CreatedAt, target.UpdatedAt
	return model.AllocationView{
		AllocationID:     target.AllocationID,
		ClientID:         clientID,
		CounterpartyCode: target.CounterpartyCode,
		CounterpartyName: t.counterpartyName(target.CounterpartyCode),
		AccountType:      target.AccountType,
		TargetShare:      target.TargetShare,
		CreatedAt:        &created,
		UpdatedAt:        &updated,
	}
}

func (t *Trellis) counterpartyName(code string) string {
	if client, ok := t.clients[code]; ok {
		return client.Name()
	}
	return code
}

func actualShare(amount, total decimal.Decimal) decimal.Decimal {
	if total.IsZero() {
		return decimal.Zero
	}
	return amount.Div(total).Mul(oneHundred).Round(2)
}
