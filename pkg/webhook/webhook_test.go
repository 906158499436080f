package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/syncd/pkg/storage"
)

func newTestProcessor(t *testing.T) (*Processor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	return New(storage.FromDB(db), redisClient), mock
}

func inventoryRow(quantity int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "user_id", "blueprint_id", "external_stock_id", "quantity", "price_cents",
		"description", "user_data", "graded", "properties", "created_at", "updated_at",
	}).AddRow(1, "user-1", "print-1", "ext-1", quantity, 500, "", "", false, []byte(`{}`), now, now)
}

func TestVerifySignature_ValidAndInvalid(t *testing.T) {
	body := []byte(`{"id":"evt-1"}`)
	secret := "whsec"
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	valid := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifySignature(body, valid, secret))
	assert.False(t, VerifySignature(body, valid, "wrong-secret"))
	assert.False(t, VerifySignature(body, "not-base64!!", secret))
}

// TestProcess_OrderPaidThenCanceled exercises scenario 4 from spec.md §8:
// an order.create (paid) decrements quantity, and a subsequent
// order.update (canceled) restores it.
func TestProcess_OrderPaidThenCanceled(t *testing.T) {
	processor, mock := newTestProcessor(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM inventory_items").WillReturnRows(inventoryRow(10))
	mock.ExpectQuery("INSERT INTO inventory_items").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	created := Event{
		ID:    "evt-1",
		Cause: CauseOrderCreate,
		Data:  Order{State: StatePaid, Items: []OrderItem{{ProductID: "ext-1", Quantity: 3}}},
	}
	result, err := processor.Process(context.Background(), "user-1", created)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, 1, result.Applied)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM inventory_items").WillReturnRows(inventoryRow(7))
	mock.ExpectQuery("INSERT INTO inventory_items").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	canceled := Event{
		ID:    "evt-2",
		Cause: CauseOrderUpdate,
		Data:  Order{State: StateCanceled, PreviousState: StatePaid, Items: []OrderItem{{ProductID: "ext-1", Quantity: 3}}},
	}
	result, err = processor.Process(context.Background(), "user-1", canceled)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
}

func TestProcess_DuplicateDeliveryIsNoOp(t *testing.T) {
	processor, _ := newTestProcessor(t)

	event := Event{ID: "evt-dup", Cause: CauseOrderDestroy, Data: Order{Items: []OrderItem{{ProductID: "ext-1", Quantity: 1}}}}

	first, err := processor.Process(context.Background(), "user-1", event)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := processor.Process(context.Background(), "user-1", event)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 0, second.Applied)
}

func TestProcess_MissingItemRecordedNotFatal(t *testing.T) {
	processor, mock := newTestProcessor(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM inventory_items").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	event := Event{
		ID:    "evt-3",
		Cause: CauseOrderDestroy,
		Data:  Order{Items: []OrderItem{{ProductID: "ext-missing", Quantity: 1}}},
	}

	result, err := processor.Process(context.Background(), "user-1", event)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Applied)
	assert.Len(t, result.Errors, 1)
}

func TestDeltaForCause_UnpaidCreateIsNoop(t *testing.T) {
	_, ok := deltaForCause(Event{Cause: CauseOrderCreate, Data: Order{State: "pending"}})
	assert.False(t, ok)
}
