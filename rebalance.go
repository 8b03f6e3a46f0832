package trellis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/trellis-finance/trellis/internal/apierror"
	"github.com/trellis-finance/trellis/model"
)

var oneHundred = decimal.NewFromInt(100)

// ValidateShare checks one candidate target share against what the client has
// already allocated. Only counterparties with error-free entries in the
// snapshot count. excludeAllocationID removes the row being replaced from the
// existing sum; excludeCounterpartyCode removes a counterparty wholesale, used
// when a delete is being previewed. The returned decimal is the remaining
// headroom when the verdict is negative because the sum would exceed 100.
func (t *Trellis) ValidateShare(ctx context.Context, clientID, counterpartyCode string, candidate decimal.Decimal, snapshot []model.ExternalAccountEntry, excludeAllocationID, excludeCounterpartyCode string) (bool, string, decimal.Decimal, error) {
	if candidate.IsNegative() || candidate.GreaterThan(oneHundred) {
		return false, "target share must be between 0 and 100", oneHundred, nil
	}

	live := liveCounterparties(snapshot)
	if _, ok := live[counterpartyCode]; !ok {
		return false, fmt.Sprintf("counterparty %s holds no reachable accounts for this client", counterpartyCode), decimal.Zero, nil
	}

	targets, err := t.datasource.GetAllocationTargets(ctx, clientID)
	if err != nil {
		return false, "", decimal.Zero, err
	}

	existingSum := decimal.Zero
	covered := map[string]bool{counterpartyCode: true}
	for _, target := range targets {
		if target.TargetShare == nil {
			continue
		}
		if _, ok := live[target.CounterpartyCode]; !ok {
			continue
		}
		if target.AllocationID == excludeAllocationID && excludeAllocationID != "" {
			continue
		}
		if target.CounterpartyCode == excludeCounterpartyCode && excludeCounterpartyCode != "" {
			continue
		}
		existingSum = existingSum.Add(*target.TargetShare)
		covered[target.CounterpartyCode] = true
	}

	total := existingSum.Add(candidate)
	if total.GreaterThan(oneHundred) {
		headroom := oneHundred.Sub(existingSum)
		if headroom.IsNegative() {
			headroom = decimal.Zero
		}
		return false, fmt.Sprintf("allocated shares would total %s%%, only %s%% remains available", total.String(), headroom.String()), headroom, nil
	}

	fullCoverage := true
	for code := range live {
		if code == excludeCounterpartyCode {
			continue
		}
		if !covered[code] {
			fullCoverage = false
			break
		}
	}
	if fullCoverage && !total.Equal(oneHundred) {
		remainder := oneHundred.Sub(total)
		return false, fmt.Sprintf("every counterparty has a share but %s%% is left unallocated, shares must total exactly 100", remainder.String()), remainder, nil
	}

	return true, "", oneHundred.Sub(total), nil
}

// ComputePlan derives an advisory transfer plan moving the client's balances
// toward the stored target shares. It refreshes the aggregation snapshot,
// resolves exact per-counterparty target amounts and greedily matches surplus
// accounts against deficit accounts. Nothing is moved; the plan is output.
func (t *Trellis) ComputePlan(ctx context.Context, clientID string) (model.RebalancePlan, error) {
	ctx, span := tracer.Start(ctx, "ComputingRebalancePlan")
	defer span.End()

	snapshot, err := t.GetExternalAccounts(ctx, clientID, true)
	if err != nil {
		return model.RebalancePlan{}, err
	}

	plan, err := t.planFromSnapshot(ctx, clientID, snapshot)
	if err != nil {
		span.RecordError(err)
		return model.RebalancePlan{}, err
	}
	span.SetAttributes(attribute.Int("transfers.count", len(plan.TransferInstructions)))
	return plan, nil
}

// planFromSnapshot is the pure computation: a function of the snapshot and
// the stored target shares, mutating nothing.
func (t *Trellis) planFromSnapshot(ctx context.Context, clientID string, snapshot []model.ExternalAccountEntry) (model.RebalancePlan, error) {
	plan := model.RebalancePlan{ClientID: clientID, ComputedAt: time.Now()}

	accounts := liveAccounts(snapshot)
	byCounterparty := make(map[string][]model.ExternalAccountEntry)
	var order []string
	for _, entry := range accounts {
		if _, seen := byCounterparty[entry.CounterpartyCode]; !seen {
			order = append(order, entry.CounterpartyCode)
		}
		byCounterparty[entry.CounterpartyCode] = append(byCounterparty[entry.CounterpartyCode], entry)
	}
	if len(order) <= 1 {
		return plan, nil
	}

	shares, err := t.resolveShares(ctx, clientID, order)
	if err != nil {
		return model.RebalancePlan{}, err
	}

	total := decimal.Zero
	for _, entry := range accounts {
		total = total.Add(entryBalance(entry))
	}
	plan.TotalBalance = total

	// Deterministic ordering; the last counterparty absorbs the rounding
	// remainder so targets always sum to the total exactly.
	sorted := append([]string{}, order...)
	sort.Strings(sorted)

	targetAmounts := make(map[string]decimal.Decimal, len(sorted))
	runningSum := decimal.Zero
	for i, code := range sorted {
		var target decimal.Decimal
		if i == len(sorted)-1 {
			target = total.Sub(runningSum)
		} else {
			target = total.Mul(shares[code]).Div(oneHundred).Round(2)
			runningSum = runningSum.Add(target)
		}
		targetAmounts[code] = target

		current := decimal.Zero
		for _, entry := range byCounterparty[code] {
			current = current.Add(entryBalance(entry))
		}
		plan.CounterpartyTargets = append(plan.CounterpartyTargets, model.CounterpartyTarget{
			CounterpartyCode: code,
			Share:            shares[code],
			CurrentAmount:    current,
			TargetAmount:     target,
		})
	}

	type queued struct {
		counterparty string
		accountID    string
		currency     string
		amount       decimal.Decimal
	}
	var surplus, deficit []queued

	// Accounts keep their discovery order so the greedy matcher is stable.
	for _, entry := range accounts {
		accountCount := decimal.NewFromInt(int64(len(byCounterparty[entry.CounterpartyCode])))
		target := targetAmounts[entry.CounterpartyCode].Div(accountCount).Round(2)
		current := entryBalance(entry)
		plan.AccountTargets = append(plan.AccountTargets, model.AccountTarget{
			CounterpartyCode: entry.CounterpartyCode,
			AccountID:        entry.AccountID,
			CurrentBalance:   current,
			TargetBalance:    target,
		})

		delta := current.Sub(target)
		switch {
		case delta.GreaterThan(t.epsilon):
			surplus = append(surplus, queued{entry.CounterpartyCode, entry.AccountID, entry.Currency, delta})
		case delta.LessThan(t.epsilon.Neg()):
			deficit = append(deficit, queued{entry.CounterpartyCode, entry.AccountID, entry.Currency, delta.Neg()})
		}
	}

	for len(surplus) > 0 && len(deficit) > 0 {
		src, dst := &surplus[0], &deficit[0]
		amount := decimal.Min(src.amount, dst.amount)
		if amount.GreaterThan(t.epsilon) && !(src.counterparty == dst.counterparty && src.accountID == dst.accountID) {
			plan.TransferInstructions = append(plan.TransferInstructions, model.TransferInstruction{
				SourceCounterparty:      src.counterparty,
				SourceAccountID:         src.accountID,
				DestinationCounterparty: dst.counterparty,
				DestinationAccountID:    dst.accountID,
				Amount:                  amount.Round(2),
				Currency:                src.currency,
			})
		}
		src.amount = src.amount.Sub(amount)
		dst.amount = dst.amount.Sub(amount)
		if src.amount.LessThanOrEqual(t.epsilon) {
			surplus = surplus[1:]
		}
		if dst.amount.LessThanOrEqual(t.epsilon) {
			deficit = deficit[1:]
		}
	}

	return plan, nil
}

// resolveShares loads the stored shares for the live counterparties. Exactly
// one counterparty may be missing a share; it receives the unallocated
// remainder. With full coverage the sum must be exactly 100.
func (t *Trellis) resolveShares(ctx context.Context, clientID string, live []string) (map[string]decimal.Decimal, error) {
	targets, err := t.datasource.GetAllocationTargets(ctx, clientID)
	if err != nil {
		return nil, err
	}
	// A counterparty may carry one row per account type; its share is the sum.
	stored := make(map[string]decimal.Decimal, len(targets))
	for _, target := range targets {
		if target.TargetShare != nil {
			stored[target.CounterpartyCode] = stored[target.CounterpartyCode].Add(*target.TargetShare)
		}
	}

	shares := make(map[string]decimal.Decimal, len(live))
	sum := decimal.Zero
	var missing []string
	for _, code := range live {
		share, ok := stored[code]
		if !ok {
			missing = append(missing, code)
			continue
		}
		shares[code] = share
		sum = sum.Add(share)
	}

	if len(missing) > 1 {
		return nil, apierror.NewAPIError(apierror.ErrShareSumIncomplete, "more than one counterparty lacks a target share", missing)
	}
	if sum.GreaterThan(oneHundred) {
		return nil, apierror.NewAPIError(apierror.ErrShareSumExceeded, fmt.Sprintf("stored target shares total %s%%, they must not exceed 100", sum.String()), nil)
	}
	if len(missing) == 1 {
		shares[missing[0]] = oneHundred.Sub(sum)
		return shares, nil
	}
	if !sum.Equal(oneHundred) {
		return nil, apierror.NewAPIError(apierror.ErrShareSumIncomplete, fmt.Sprintf("target shares total %s%%, they must total exactly 100", sum.String()), nil)
	}
	return shares, nil
}

func liveCounterparties(snapshot []model.ExternalAccountEntry) map[string]bool {
	live := make(map[string]bool)
	for _, entry := range snapshot {
		if entry.HasData() {
			live[entry.CounterpartyCode] = true
		}
	}
	return live
}

func liveAccounts(snapshot []model.ExternalAccountEntry) []model.ExternalAccountEntry {
	accounts := make([]model.ExternalAccountEntry, 0, len(snapshot))
	for _, entry := range snapshot {
		if entry.HasData() {
			accounts = append(accounts, entry)
		}
	}
	return accounts
}

func entryBalance(entry model.ExternalAccountEntry) decimal.Decimal {
	if entry.Balance == nil {
		return decimal.Zero
	}
	return *entry.Balance
}
