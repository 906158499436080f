package driftsync

import (
	"context"
	"database/sql"
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

	"github.com/cuemby/syncd/pkg/blueprint"
	"github.com/cuemby/syncd/pkg/breaker"
	"github.com/cuemby/syncd/pkg/marketplace"
	"github.com/cuemby/syncd/pkg/ratelimit"
	"github.com/cuemby/syncd/pkg/storage"
)

type fakeLookup struct {
	table map[string]blueprint.Blueprint
}

func (f *fakeLookup) LookupBlueprints(ctx context.Context, ids []string) (map[string]blueprint.Blueprint, error) {
	out := make(map[string]blueprint.Blueprint, len(ids))
	for _, id := range ids {
		if bp, ok := f.table[id]; ok {
			out[id] = bp
		}
	}
	return out, nil
}

func newTestReconciler(t *testing.T, products []marketplace.Product) (*Reconciler, sqlmock.Sqlmock) {
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
	limiter := ratelimit.New(redisClient, ratelimit.Config{BaseCapacity: 100000, Window: time.Second})
	brk := breaker.New(redisClient, breaker.Config{Threshold: 100, Timeout: time.Minute})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(products)
	}))
	t.Cleanup(server.Close)
	client := marketplace.New(limiter, brk, marketplace.Config{BaseURL: server.URL, HTTPClient: server.Client()})

	lookup := &fakeLookup{table: map[string]blueprint.Blueprint{
		"bp-valid": {MarketplaceID: "bp-valid", LocalPrintID: "print-valid", CatalogTable: "mtg_prints"},
		"bp-deny":  {MarketplaceID: "bp-deny", LocalPrintID: "print-deny", CatalogTable: "embargoed_prints"},
	}}
	mapper := blueprint.NewMapper(lookup, blueprint.Config{DenyTables: []string{"embargoed_prints"}})

	return New(store, mapper, client), mock
}

func TestRun_CorrectsChangedQuantityAndSkipsDenied(t *testing.T) {
	products := []marketplace.Product{
		{ID: "ext-1", BlueprintID: "bp-valid", Quantity: 4, PriceCents: 500},
		{ID: "ext-2", BlueprintID: "bp-deny", Quantity: 9},
		{ID: "ext-3", BlueprintID: "bp-unknown", Quantity: 1},
		{ID: "", BlueprintID: "bp-valid"},
	}

	reconciler, mock := newTestReconciler(t, products)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM inventory_items").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "blueprint_id", "external_stock_id", "quantity", "price_cents",
			"description", "user_data", "graded", "properties", "created_at", "updated_at",
		}).AddRow(1, "user-1", "print-valid", "ext-1", 7, 500, "", "", false, []byte(`{}`), time.Now().UTC(), time.Now().UTC()))
	mock.ExpectQuery("INSERT INTO inventory_items").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	err := reconciler.Run(context.Background(), "user-1", "tok", "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_NewLocalRowCountsAsCorrection(t *testing.T) {
	products := []marketplace.Product{
		{ID: "ext-new", BlueprintID: "bp-valid", Quantity: 3, PriceCents: 200},
	}

	reconciler, mock := newTestReconciler(t, products)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM inventory_items").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO inventory_items").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	err := reconciler.Run(context.Background(), "user-1", "tok", "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStartStop_StopsCleanly(t *testing.T) {
	reconciler, mock := newTestReconciler(t, nil)
	mock.MatchExpectationsInOrder(false)

	reconciler.Start(context.Background(), noopSource{}, time.Hour)
	reconciler.Stop()
	assert.Nil(t, reconciler.stopCh)
}

type noopSource struct{}

func (noopSource) ActiveUsers(ctx context.Context) ([]UserCredential, error) { return nil, nil }
