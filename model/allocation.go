package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AllocationTarget is a client-declared target share for one counterparty and
// account type. TargetShare is a percentage in [0, 100]; nil means the client
// has not set a share for this row yet. Unique per
// (client, counterparty, account type).
type AllocationTarget struct {
	AllocationID     string           `json:"allocation_id"`
	ClientID         string           `json:"client_id"`
	CounterpartyCode string           `json:"counterparty_code"`
	AccountType      string           `json:"account_type"`
	TargetShare      *decimal.Decimal `json:"target_share"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// AllocationView merges a stored target with the live position derived from
// the latest aggregation snapshot. Counterparties holding live accounts appear
// even when no target row exists; AllocationID is empty in that case.
type AllocationView struct {
	AllocationID     string           `json:"allocation_id,omitempty"`
	ClientID         string           `json:"client_id"`
	CounterpartyCode string           `json:"counterparty_code"`
	CounterpartyName string           `json:"counterparty_name"`
	AccountType      string           `json:"account_type"`
	TargetShare      *decimal.Decimal `json:"target_share"`
	ActualAmount     decimal.Decimal  `json:"actual_amount"`
	ActualShare      decimal.Decimal  `json:"actual_share"`
	CreatedAt        *time.Time       `json:"created_at,omitempty"`
	UpdatedAt        *time.Time       `json:"updated_at,omitempty"`
}

// CounterpartyTarget is the resolved target amount for one counterparty in a
// rebalance plan.
type CounterpartyTarget struct {
	CounterpartyCode string          `json:"counterparty_code"`
	Share            decimal.Decimal `json:"share"`
	CurrentAmount    decimal.Decimal `json:"current_amount"`
	TargetAmount     decimal.Decimal `json:"target_amount"`
}

// AccountTarget is the per-account breakdown of a counterparty target.
type AccountTarget struct {
	CounterpartyCode string          `json:"counterparty_code"`
	AccountID        string          `json:"account_id"`
	CurrentBalance   decimal.Decimal `json:"current_balance"`
	TargetBalance    decimal.Decimal `json:"target_balance"`
}

// TransferInstruction proposes moving Amount from the source account to the
// destination account. Amount is strictly positive with two fraction digits.
// Instructions are advisory; nothing in this system moves money.
type TransferInstruction struct {
	SourceCounterparty      string          `json:"source_counterparty"`
	SourceAccountID         string          `json:"source_account_id"`
	DestinationCounterparty string          `json:"destination_counterparty"`
	DestinationAccountID    string          `json:"destination_account_id"`
	Amount                  decimal.Decimal `json:"amount"`
	Currency                string          `json:"currency,omitempty"`
}

// RebalancePlan is the full output of one plan computation.
type RebalancePlan struct {
	ClientID             string                `json:"client_id"`
	TotalBalance         decimal.Decimal       `json:"total_balance"`
	CounterpartyTargets  []CounterpartyTarget  `json:"counterparty_targets"`
	AccountTargets       []AccountTarget       `json:"account_targets"`
	TransferInstructions []TransferInstruction `json:"transfer_instructions"`
	ComputedAt           time.Time             `json:"computed_at"`
}

// Empty reports whether the plan proposes no transfers.
func (p RebalancePlan) Empty() bool {
	return len(p.TransferInstructions) == 0
}
