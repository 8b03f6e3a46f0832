package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestConsentStatusTransitions(t *testing.T) {
	assert.True(t, ConsentStatusActive.CanTransition(ConsentStatusRevoked))
	assert.True(t, ConsentStatusActive.CanTransition(ConsentStatusExpired))
	assert.True(t, ConsentStatusActive.CanTransition(ConsentStatusUsed))

	// terminal states accept nothing
	for _, terminal := range []ConsentStatus{ConsentStatusRevoked, ConsentStatusExpired, ConsentStatusUsed} {
		assert.False(t, terminal.CanTransition(ConsentStatusActive), "%s should be terminal", terminal)
		assert.False(t, terminal.CanTransition(ConsentStatusRevoked))
	}

	assert.False(t, ConsentStatus("bogus").IsValid())
	assert.True(t, ConsentStatusActive.IsValid())
}

func TestConsentRequestStatusTransitions(t *testing.T) {
	assert.True(t, ConsentRequestStatusPending.CanTransition(ConsentRequestStatusApproved))
	assert.True(t, ConsentRequestStatusPending.CanTransition(ConsentRequestStatusRejected))
	assert.False(t, ConsentRequestStatusApproved.CanTransition(ConsentRequestStatusRejected))
	assert.False(t, ConsentRequestStatusRejected.CanTransition(ConsentRequestStatusApproved))
}

func TestConsentIsExpiredIgnoresStoredStatus(t *testing.T) {
	now := time.Now()
	consent := &Consent{
		Status:             ConsentStatusActive,
		ExpirationDateTime: now.Add(-time.Minute),
	}

	assert.True(t, consent.IsExpired(now))
	assert.False(t, consent.Usable(now))

	consent.ExpirationDateTime = now.Add(time.Hour)
	assert.True(t, consent.Usable(now))

	consent.Status = ConsentStatusRevoked
	assert.False(t, consent.Usable(now))
}

func TestConsentCoversPermissions(t *testing.T) {
	consent := &Consent{Permissions: DefaultPermissions}

	assert.True(t, consent.CoversPermissions([]string{"ReadBalances"}))
	assert.True(t, consent.CoversPermissions(DefaultPermissions))
	assert.True(t, consent.CoversPermissions(nil))
	assert.False(t, consent.CoversPermissions([]string{"ReadBalances", "InitiatePayments"}))
}

func TestExternalAccountEntryHasData(t *testing.T) {
	balance := decimal.RequireFromString("120.50")
	entry := ExternalAccountEntry{
		CounterpartyCode: "vbank",
		AccountID:        "acc-1",
		Balance:          &balance,
	}
	assert.True(t, entry.HasData())

	errEntry := ExternalAccountEntry{CounterpartyCode: "abank", Error: ErrCodeTimeout}
	assert.False(t, errEntry.HasData())
}

func TestGenerateUUIDWithSuffix(t *testing.T) {
	id := GenerateUUIDWithSuffix("cns")
	assert.Regexp(t, `^cns_[0-9a-f-]{36}$`, id)
}
