package writepath

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/syncd/pkg/breaker"
	"github.com/cuemby/syncd/pkg/marketplace"
	"github.com/cuemby/syncd/pkg/ratelimit"
	"github.com/cuemby/syncd/pkg/storage"
	"github.com/cuemby/syncd/pkg/syncerr"
	"github.com/cuemby/syncd/pkg/types"
)

func newTestReconciler(t *testing.T, handler http.HandlerFunc) (*Reconciler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := storage.FromDB(db)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })
	limiter := ratelimit.New(redisClient, ratelimit.Config{BaseCapacity: 1000, Window: time.Second})
	brk := breaker.New(redisClient, breaker.Config{Threshold: 5, Timeout: time.Minute})

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := marketplace.New(limiter, brk, marketplace.Config{BaseURL: server.URL, HTTPClient: server.Client()})

	return New(store, client), mock
}

func inventoryRow(quantity int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "user_id", "blueprint_id", "external_stock_id", "quantity", "price_cents",
		"description", "user_data", "graded", "properties", "created_at", "updated_at",
	}).AddRow(1, "user-1", "print-1", "ext-1", quantity, 500, "", "", false, []byte(`{}`), now, now)
}

// TestPurchase_LastUnit_InsufficientAfterConcurrentSale exercises scenario
// 3 from spec.md §8: the remote quantity has already dropped below what's
// requested (another purchase won the race between Reserve and the
// Decide-and-apply-remotely step), so the saga must refuse and refresh
// the local row rather than oversell.
func TestPurchase_LastUnit_InsufficientAfterConcurrentSale(t *testing.T) {
	reconciler, mock := newTestReconciler(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		json.NewEncoder(w).Encode(marketplace.Product{ID: "ext-1", Quantity: 0})
	})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM inventory_items").
		WillReturnRows(inventoryRow(1))
	mock.ExpectCommit()

	mock.ExpectQuery("INSERT INTO inventory_items").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	_, err := reconciler.Purchase(context.Background(), "user-1", "print-1", "ext-1", "tok", 1)
	require.Error(t, err)
	assert.True(t, syncerr.As(err, syncerr.KindValidation))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPurchase_CommitFailureTriggersCompensation exercises scenario 5: the
// remote decrement succeeds but the local commit transaction fails, so the
// saga must call Increment to restore the remote quantity.
func TestPurchase_CommitFailureTriggersCompensation(t *testing.T) {
	var incrementCalls int
	reconciler, mock := newTestReconciler(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(marketplace.Product{ID: "ext-1", Quantity: 5})
		case http.MethodPost:
			incrementCalls++
			w.WriteHeader(http.StatusOK)
		}
	})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM inventory_items").
		WillReturnRows(inventoryRow(5))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM inventory_items").
		WillReturnError(sqlmock.ErrCancelled)
	mock.ExpectRollback()

	_, err := reconciler.Purchase(context.Background(), "user-1", "print-1", "ext-1", "tok", 1)
	require.Error(t, err)
	assert.True(t, syncerr.As(err, syncerr.KindDatabaseError))
	assert.Equal(t, 2, incrementCalls) // one -1 decrement, one +1 compensation
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurchase_ExactDepletionDeletesRemote(t *testing.T) {
	var deleteCalled bool
	reconciler, mock := newTestReconciler(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(marketplace.Product{ID: "ext-1", Quantity: 1})
		case http.MethodDelete:
			deleteCalled = true
			w.WriteHeader(http.StatusNoContent)
		}
	})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM inventory_items").
		WillReturnRows(inventoryRow(1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM inventory_items").
		WillReturnRows(inventoryRow(1))
	mock.ExpectQuery("INSERT INTO inventory_items").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	result, err := reconciler.Purchase(context.Background(), "user-1", "print-1", "ext-1", "tok", 1)
	require.NoError(t, err)
	assert.True(t, deleteCalled)
	assert.Equal(t, int64(0), result.QuantityAfter)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_SignalsSyncOnlyWhenSyncedFieldChanges(t *testing.T) {
	reconciler, mock := newTestReconciler(t, func(w http.ResponseWriter, r *http.Request) {})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM inventory_items").
		WillReturnRows(inventoryRow(5))
	mock.ExpectQuery("INSERT INTO inventory_items").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	needsSync, err := reconciler.Update(context.Background(), "user-1", "print-1", "ext-1", func(item *types.InventoryItem) {
		item.Quantity = 10
	})
	require.NoError(t, err)
	assert.True(t, needsSync)
}

func TestUpdate_NoSyncWhenNoExternalStockID(t *testing.T) {
	reconciler, mock := newTestReconciler(t, func(w http.ResponseWriter, r *http.Request) {})
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "blueprint_id", "external_stock_id", "quantity", "price_cents",
		"description", "user_data", "graded", "properties", "created_at", "updated_at",
	}).AddRow(1, "user-1", "print-1", "", 5, 500, "", "", false, []byte(`{}`), now, now)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM inventory_items").WillReturnRows(rows)
	mock.ExpectQuery("INSERT INTO inventory_items").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	needsSync, err := reconciler.Update(context.Background(), "user-1", "print-1", "", func(item *types.InventoryItem) {
		item.Quantity = 10
	})
	require.NoError(t, err)
	assert.False(t, needsSync)
}

func TestDelete_SignalsSyncWhenExternalStockIDPresent(t *testing.T) {
	reconciler, mock := newTestReconciler(t, func(w http.ResponseWriter, r *http.Request) {})

	mock.ExpectQuery("SELECT .* FROM inventory_items").WillReturnRows(inventoryRow(5))
	mock.ExpectExec("DELETE FROM inventory_items").WillReturnResult(sqlmock.NewResult(0, 1))

	needsSync, err := reconciler.Delete(context.Background(), "user-1", "print-1", "ext-1")
	require.NoError(t, err)
	assert.True(t, needsSync)
}

func TestSyncDelete_TreatsNotFoundAsSuccess(t *testing.T) {
	reconciler, _ := newTestReconciler(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := reconciler.SyncDelete(context.Background(), "user-1", "tok", "ext-1")
	require.NoError(t, err)
}
