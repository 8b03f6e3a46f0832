package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-finance/trellis/internal/apierror"
	"github.com/trellis-finance/trellis/model"
)

func allocationColumnsList() []string {
	return []string{"allocation_id", "client_id", "counterparty_code", "account_type", "target_share", "created_at", "updated_at"}
}

func TestCreateAllocationTarget(t *testing.T) {
	d, mock := newTestDatasource(t)
	share := decimal.RequireFromString("25.50")

	mock.ExpectExec("INSERT INTO allocation_targets").
		WithArgs(sqlmock.AnyArg(), "CLIENT123", "abank", "checking", "25.5", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	target, err := d.CreateAllocationTarget(context.Background(), model.AllocationTarget{
		ClientID:         "CLIENT123",
		CounterpartyCode: "abank",
		AccountType:      "checking",
		TargetShare:      &share,
	})
	assert.NoError(t, err)
	assert.Regexp(t, "^alc_", target.AllocationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAllocationTargets(t *testing.T) {
	d, mock := newTestDatasource(t)
	now := time.Now()

	rows := sqlmock.NewRows(allocationColumnsList()).
		AddRow("alc_1", "CLIENT123", "abank", "checking", "70", now, now).
		AddRow("alc_2", "CLIENT123", "vbank", "checking", nil, now, now)

	mock.ExpectQuery("SELECT .* FROM allocation_targets").
		WithArgs("CLIENT123").
		WillReturnRows(rows)

	targets, err := d.GetAllocationTargets(context.Background(), "CLIENT123")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	require.NotNil(t, targets[0].TargetShare)
	assert.True(t, targets[0].TargetShare.Equal(decimal.RequireFromString("70")))
	assert.Nil(t, targets[1].TargetShare)
}

func TestFindAllocationTargetMiss(t *testing.T) {
	d, mock := newTestDatasource(t)

	mock.ExpectQuery("SELECT .* FROM allocation_targets").
		WithArgs("CLIENT123", "abank", "checking").
		WillReturnRows(sqlmock.NewRows(allocationColumnsList()))

	target, err := d.FindAllocationTarget(context.Background(), "CLIENT123", "abank", "checking")
	assert.NoError(t, err)
	assert.Nil(t, target)
}

func TestUpdateAllocationTargetNotFound(t *testing.T) {
	d, mock := newTestDatasource(t)
	share := decimal.RequireFromString("30")

	mock.ExpectExec("UPDATE allocation_targets SET").
		WithArgs("30", "checking", sqlmock.AnyArg(), "alc_missing", "CLIENT123").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := d.UpdateAllocationTarget(context.Background(), &model.AllocationTarget{
		AllocationID: "alc_missing",
		ClientID:     "CLIENT123",
		AccountType:  "checking",
		TargetShare:  &share,
	})
	require.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrAllocationNotFound, apiErr.Code)
}

func TestDeleteAllocationTarget(t *testing.T) {
	d, mock := newTestDatasource(t)

	mock.ExpectExec("DELETE FROM allocation_targets").
		WithArgs("alc_1", "CLIENT123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, d.DeleteAllocationTarget(context.Background(), "alc_1", "CLIENT123"))

	mock.ExpectExec("DELETE FROM allocation_targets").
		WithArgs("alc_1", "CLIENT123").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := d.DeleteAllocationTarget(context.Background(), "alc_1", "CLIENT123")
	require.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrAllocationNotFound, apiErr.Code)
}
