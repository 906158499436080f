package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/syncd/pkg/types"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func TestUpsertSyncSettings(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO sync_settings").
		WithArgs("user-1", []byte("cipher"), "whsec", types.SyncStatusActive, nil, "", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpsertSyncSettings(context.Background(), &types.SyncSettings{
		UserID:         "user-1",
		TokenEncrypted: []byte("cipher"),
		WebhookSecret:  "whsec",
		SyncStatus:     types.SyncStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSyncSettings_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .* FROM sync_settings").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetSyncSettings(context.Background(), "missing")

	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestCountSyncSettingsByStatus(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"sync_status", "count"}).
		AddRow("ACTIVE", 3).
		AddRow("ERROR", 1)
	mock.ExpectQuery("SELECT sync_status, count").WillReturnRows(rows)

	counts, err := store.CountSyncSettingsByStatus(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, counts["ACTIVE"])
	assert.Equal(t, 1, counts["ERROR"])
}

func TestListActiveSyncUsers(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"user_id", "token_encrypted", "webhook_secret", "sync_status",
		"last_sync_at", "last_error", "created_at", "updated_at",
	}).AddRow("user-1", []byte("cipher"), "whsec", types.SyncStatusActive, nil, "", now, now)
	mock.ExpectQuery("SELECT .* FROM sync_settings WHERE sync_status").
		WithArgs(types.SyncStatusActive).
		WillReturnRows(rows)

	settings, err := store.ListActiveSyncUsers(context.Background())

	require.NoError(t, err)
	require.Len(t, settings, 1)
	assert.Equal(t, "user-1", settings[0].UserID)
}

func TestUpsertInventoryItem_SetsID(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO inventory_items").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	item := &types.InventoryItem{
		UserID:          "user-1",
		BlueprintID:     "bp-1",
		ExternalStockID: "ext-1",
		Quantity:        5,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := store.UpsertInventoryItem(context.Background(), nil, item)

	require.NoError(t, err)
	assert.Equal(t, int64(42), item.ID)
}

func TestLockInventoryItemForUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "blueprint_id", "external_stock_id", "quantity", "price_cents",
		"description", "user_data", "graded", "properties", "created_at", "updated_at",
	}).AddRow(int64(1), "user-1", "bp-1", "ext-1", int64(10), int64(500), "", "", false, []byte("{}"), now, now)
	mock.ExpectQuery("SELECT .* FROM inventory_items.*FOR UPDATE").WillReturnRows(rows)
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(tx *sql.Tx) error {
		item, err := store.LockInventoryItemForUpdate(context.Background(), tx, "user-1", "bp-1", "ext-1")
		if err != nil {
			return err
		}
		assert.Equal(t, int64(10), item.Quantity)
		return nil
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(tx *sql.Tx) error {
		return assert.AnError
	})

	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOperation(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO operations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.CreateOperation(context.Background(), &types.Operation{
		OperationID: "op-1",
		UserID:      "user-1",
		Type:        types.OperationBulkSync,
		Status:      types.OperationPending,
		CreatedAt:   now,
	})

	assert.NoError(t, err)
}

func TestCompleteOperation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE operations SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.CompleteOperation(context.Background(), "op-1", types.OperationCompleted, map[string]any{"processed": 10})

	assert.NoError(t, err)
}
