/*
Package storage provides PostgreSQL-backed persistence for syncd's relational
data: SyncSettings, InventoryItem and Operation.

The storage package wraps database/sql with the lib/pq driver, providing ACID
transactions for the three tables this service owns. InventoryItem rows carry
a uniqueness constraint on (user_id, blueprint_id, external_stock_id); Operation
rows are written before their task body executes so a status poll immediately
after enqueue can be authorized.

# Architecture

	┌──────────────────── POSTGRES STORAGE ─────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │               Store                          │          │
	│  │  - *sql.DB connection pool                  │          │
	│  │  - lib/pq driver                            │          │
	│  │  - 25 max open, 10 max idle connections     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Tables                          │          │
	│  │  sync_settings   (user_id PK)                │          │
	│  │  inventory_items (id PK, natural key unique) │          │
	│  │  operations      (operation_id PK)           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Transaction Management                │          │
	│  │  - WithTx: caller-scoped transactions       │          │
	│  │  - LockInventoryItemForUpdate: SELECT ...   │          │
	│  │    FOR UPDATE, bounded to one short tx      │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Row Locking Discipline

The write-path saga (G) needs a row lock on an InventoryItem only long enough
to decide what to reserve locally; the lock must never be held across the
outbound marketplace call. LockInventoryItemForUpdate always takes an explicit
*sql.Tx so the caller controls exactly when the transaction (and therefore the
lock) ends — typically before returning from the Reserve step.

# Usage

	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	settings, err := store.GetSyncSettings(ctx, userID)

	err = store.WithTx(ctx, func(tx *sql.Tx) error {
		item, err := store.LockInventoryItemForUpdate(ctx, tx, userID, blueprintID, externalStockID)
		if err != nil {
			return err
		}
		item.Quantity = types.ClampQuantity(item.Quantity - reserved)
		return store.UpsertInventoryItem(ctx, tx, item)
	})

# Integration Points

This package integrates with:

  - pkg/syncservice: reads/writes SyncSettings on connect/disconnect
  - pkg/bulksync, pkg/driftsync: upsert InventoryItem rows per chunk
  - pkg/writepath: locks and updates InventoryItem rows inside the saga
  - pkg/jobqueue, pkg/operations: create and complete Operation rows
  - pkg/metrics: CountSyncSettingsByStatus / CountInventoryItems for gauges

# Schema

Table definitions (DDL/migrations are out of scope for this package; the
columns below are what every query here assumes):

	CREATE TABLE sync_settings (
		user_id         TEXT PRIMARY KEY,
		token_encrypted BYTEA NOT NULL,
		webhook_secret  TEXT NOT NULL DEFAULT '',
		sync_status     TEXT NOT NULL,
		last_sync_at    TIMESTAMPTZ,
		last_error      TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE inventory_items (
		id                BIGSERIAL PRIMARY KEY,
		user_id           TEXT NOT NULL,
		blueprint_id      TEXT NOT NULL,
		external_stock_id TEXT NOT NULL,
		quantity          BIGINT NOT NULL DEFAULT 0,
		price_cents       BIGINT NOT NULL DEFAULT 0,
		description       TEXT NOT NULL DEFAULT '',
		user_data         TEXT NOT NULL DEFAULT '',
		graded            BOOLEAN NOT NULL DEFAULT false,
		properties        JSONB,
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, blueprint_id, external_stock_id)
	);

	CREATE TABLE operations (
		operation_id TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		type         TEXT NOT NULL,
		status       TEXT NOT NULL,
		metadata     JSONB,
		created_at   TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);

# See Also

  - pkg/types for the Go-side shape of each row
  - pkg/writepath for the saga that relies on LockInventoryItemForUpdate
*/
package storage
