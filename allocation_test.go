package trellis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-finance/trellis/model"
)

// seedSnapshot primes the aggregation cache so allocation operations read a
// known snapshot without touching HTTP.
func seedSnapshot(t *testing.T, service *Trellis, clientID string, entries []model.ExternalAccountEntry) {
	t.Helper()
	err := service.cache.Set(context.Background(), service.externalAccountsCacheKey(clientID), entries, service.cacheTTL)
	require.NoError(t, err)
}

func twoBankSnapshot() []model.ExternalAccountEntry {
	return []model.ExternalAccountEntry{
		dataEntry(alphaCode, "acc-a1", "600.00"),
		dataEntry(betaCode, "acc-b1", "400.00"),
	}
}

func TestCreateAllocation(t *testing.T) {
	service, _ := newTestTrellis(t, nil)
	ctx := context.Background()
	seedSnapshot(t, service, "client-1", twoBankSnapshot())

	view, err := service.CreateAllocation(ctx, "client-1", alphaCode, "", dec("60"))
	require.NoError(t, err)
	assert.NotEmpty(t, view.AllocationID)
	assert.Equal(t, DefaultAccountType, view.AccountType)
	assert.Equal(t, "Alpha Bank", view.CounterpartyName)
	require.NotNil(t, view.TargetShare)
	assert.Equal(t, "60", view.TargetShare.String())
	assert.Equal(t, "600", view.ActualAmount.String())
	assert.Equal(t, "60", view.ActualShare.String())
}

func TestCreateAllocationUnknownCounterparty(t *testing.T) {
	service, _ := newTestTrellis(t, nil)

	_, err := service.CreateAllocation(context.Background(), "client-1", "OMEGA", "", dec("10"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestCreateAllocationConflict(t *testing.T) {
	service, _ := newTestTrellis(t, nil)
	ctx := context.Background()
	seedSnapshot(t, service, "client-1", twoBankSnapshot())

	_, err := service.CreateAllocation(ctx, "client-1", alphaCode, "", dec("30"))
	require.NoError(t, err)

	seedSnapshot(t, service, "client-1", twoBankSnapshot())
	_, err = service.CreateAllocation(ctx, "client-1", alphaCode, "", dec("10"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestCreateAllocationRejectsOverflow(t *testing.T) {
	service, _ := newTestTrellis(t, nil)
	ctx := context.Background()
	seedSnapshot(t, service, "client-1", twoBankSnapshot())

	_, err := service.CreateAllocation(ctx, "client-1", alphaCode, "", dec("60"))
	require.NoError(t, err)

	seedSnapshot(t, service, "client-1", twoBankSnapshot())
	_, err = service.CreateAllocation(ctx, "client-1", betaCode, "", dec("50"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remains available")
}

func TestCreateAllocationSecondAccountTypeStaysWithinBudget(t *testing.T) {
	service, _ := newTestTrellis(t, nil)
	ctx := context.Background()
	seedSnapshot(t, service, "client-1", twoBankSnapshot())

	_, err := service.CreateAllocation(ctx, "client-1", alphaCode, "", dec("60"))
	require.NoError(t, err)
	seedSnapshot(t, service, "client-1", twoBankSnapshot())
	_, err = service.CreateAllocation(ctx, "client-1", betaCode, "", dec("40"))
	require.NoError(t, err)

	seedSnapshot(t, service, "client-1", twoBankSnapshot())
	_, err = service.CreateAllocation(ctx, "client-1", alphaCode, "savings", dec("60"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remains available")
}

func TestUpdateAllocationExcludesItsOwnRow(t *testing.T) {
	service, _ := newTestTrellis(t, nil)
	ctx := context.Background()
	seedSnapshot(t, service, "client-1", twoBankSnapshot())

	created, err := service.CreateAllocation(ctx, "client-1", alphaCode, "", dec("60"))
	require.NoError(t, err)

	seedSnapshot(t, service, "client-1", twoBankSnapshot())
	updated, err := service.UpdateAllocation(ctx, "client-1", created.AllocationID, dec("80"), "")
	require.NoError(t, err)
	require.NotNil(t, updated.TargetShare)
	assert.Equal(t, "80", updated.TargetShare.String())

	seedSnapshot(t, service, "client-1", twoBankSnapshot())
	_, err = service.UpdateAllocation(ctx, "client-1", created.AllocationID, dec("101"), "")
	assert.Error(t, err)
}

func TestDeleteAllocation(t *testing.T) {
	service, ds := newTestTrellis(t, nil)
	ctx := context.Background()
	seedSnapshot(t, service, "client-1", twoBankSnapshot())

	created, err := service.CreateAllocation(ctx, "client-1", alphaCode, "", dec("60"))
	require.NoError(t, err)

	require.NoError(t, service.DeleteAllocation(ctx, "client-1", created.AllocationID))
	assert.Error(t, service.DeleteAllocation(ctx, "client-1", created.AllocationID))

	targets, err := ds.GetAllocationTargets(ctx, "client-1")
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestListAllocationsMergesLivePositions(t *testing.T) {
	service, ds := newTestTrellis(t, nil)
	ctx := context.Background()
	seedShare(t, ds, "client-1", alphaCode, "70")
	seedSnapshot(t, service, "client-1", twoBankSnapshot())

	views, err := service.ListAllocations(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, views, 2)

	byCode := make(map[string]model.AllocationView)
	for _, view := range views {
		byCode[view.CounterpartyCode] = view
	}

	alpha := byCode[alphaCode]
	require.NotNil(t, alpha.TargetShare)
	assert.Equal(t, "70", alpha.TargetShare.String())
	assert.Equal(t, "600", alpha.ActualAmount.String())
	assert.Equal(t, "60", alpha.ActualShare.String())

	// A live counterparty without a stored target still appears, share unset.
	beta := byCode[betaCode]
	assert.Empty(t, beta.AllocationID)
	assert.Nil(t, beta.TargetShare)
	assert.Equal(t, "400", beta.ActualAmount.String())
	assert.Equal(t, "40", beta.ActualShare.String())
}

func TestCreateAllocationInvalidatesSnapshotCache(t *testing.T) {
	service, _ := newTestTrellis(t, nil)
	ctx := context.Background()
	seedSnapshot(t, service, "client-1", twoBankSnapshot())

	_, err := service.CreateAllocation(ctx, "client-1", alphaCode, "", dec("60"))
	require.NoError(t, err)

	var cached []model.ExternalAccountEntry
	err = service.cache.Get(ctx, service.externalAccountsCacheKey("client-1"), &cached)
	assert.True(t, err != nil || len(cached) == 0, "the cached snapshot is gone after a mutation")
}
