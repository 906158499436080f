package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/cuemby/syncd/pkg/types"
)

// Store is the PostgreSQL-backed relational store for SyncSettings,
// InventoryItem and Operation. A single *sql.DB is shared across all
// callers; the pool handles connection reuse.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres using dsn (a standard libpq connection string)
// and verifies connectivity with a ping.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db}, nil
}

// FromDB wraps an already-open *sql.DB as a Store. Used by tests (sqlmock)
// and by callers that manage the connection pool themselves.
func FromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection pool for callers that need to share
// it with another package reading the same Postgres instance, such as the
// catalog lookup's read-only query against a table this store doesn't own.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. Saga steps (G) use this to bound row locks to a
// single short transaction rather than holding them across a marketplace
// call.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- SyncSettings ---

// GetSyncSettings returns the connection state for userID, or
// sql.ErrNoRows if the user has never connected.
func (s *Store) GetSyncSettings(ctx context.Context, userID string) (*types.SyncSettings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, token_encrypted, webhook_secret, sync_status,
		       last_sync_at, last_error, created_at, updated_at
		FROM sync_settings WHERE user_id = $1`, userID)
	return scanSyncSettings(row)
}

// UpsertSyncSettings inserts or replaces a user's connection state.
func (s *Store) UpsertSyncSettings(ctx context.Context, settings *types.SyncSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_settings
			(user_id, token_encrypted, webhook_secret, sync_status, last_sync_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			token_encrypted = EXCLUDED.token_encrypted,
			webhook_secret  = EXCLUDED.webhook_secret,
			sync_status     = EXCLUDED.sync_status,
			last_sync_at    = EXCLUDED.last_sync_at,
			last_error      = EXCLUDED.last_error,
			updated_at      = EXCLUDED.updated_at`,
		settings.UserID, settings.TokenEncrypted, settings.WebhookSecret, settings.SyncStatus,
		settings.LastSyncAt, settings.LastError, settings.CreatedAt, settings.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert sync settings: %w", err)
	}
	return nil
}

// UpdateSyncStatus transitions a user's coarse sync status, recording the
// error message (cleared on success) and refreshing last_sync_at when the
// transition represents a completed sync.
func (s *Store) UpdateSyncStatus(ctx context.Context, userID string, status types.SyncStatus, lastErr string, touchLastSync bool) error {
	if touchLastSync {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sync_settings SET sync_status = $2, last_error = $3, last_sync_at = $4, updated_at = $4
			WHERE user_id = $1`, userID, status, lastErr, time.Now().UTC())
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_settings SET sync_status = $2, last_error = $3, updated_at = $4
		WHERE user_id = $1`, userID, status, lastErr, time.Now().UTC())
	return err
}

// CountSyncSettingsByStatus returns the number of users in each SyncStatus,
// consumed by pkg/metrics.Collector.
func (s *Store) CountSyncSettingsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sync_status, count(*) FROM sync_settings GROUP BY sync_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListActiveSyncUsers returns every user whose sync_status is ACTIVE,
// the population the periodic drift sync (I) sweeps on its ticker.
func (s *Store) ListActiveSyncUsers(ctx context.Context) ([]*types.SyncSettings, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, token_encrypted, webhook_secret, sync_status,
		       last_sync_at, last_error, created_at, updated_at
		FROM sync_settings WHERE sync_status = $1`, types.SyncStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active sync users: %w", err)
	}
	defer rows.Close()

	var settings []*types.SyncSettings
	for rows.Next() {
		var s types.SyncSettings
		if err := rows.Scan(
			&s.UserID, &s.TokenEncrypted, &s.WebhookSecret, &s.SyncStatus,
			&s.LastSyncAt, &s.LastError, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, err
		}
		settings = append(settings, &s)
	}
	return settings, rows.Err()
}

func scanSyncSettings(row *sql.Row) (*types.SyncSettings, error) {
	var settings types.SyncSettings
	if err := row.Scan(
		&settings.UserID, &settings.TokenEncrypted, &settings.WebhookSecret, &settings.SyncStatus,
		&settings.LastSyncAt, &settings.LastError, &settings.CreatedAt, &settings.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &settings, nil
}

// --- InventoryItem ---

// GetInventoryItem looks up an item by its natural key: (userID,
// blueprintID, externalStockID). Returns sql.ErrNoRows if absent.
func (s *Store) GetInventoryItem(ctx context.Context, userID, blueprintID, externalStockID string) (*types.InventoryItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, blueprint_id, external_stock_id, quantity, price_cents,
		       description, user_data, graded, properties, created_at, updated_at
		FROM inventory_items
		WHERE user_id = $1 AND blueprint_id = $2 AND external_stock_id = $3`,
		userID, blueprintID, externalStockID)
	return scanInventoryItem(row)
}

// GetInventoryItemByExternalStockID looks up an item by (userID,
// externalStockID) alone, without knowing its blueprint id. The webhook
// processor (H) needs this: an incoming order's line items carry only the
// Marketplace product id, never a blueprint id (spec.md §4.H: "locate
// InventoryItem(user, external_stock_id = product_id)"). Returns
// sql.ErrNoRows if absent, or if external_stock_id matches more than one
// row the first by primary key is returned — external_stock_id is expected
// unique per user in practice, since it is the Marketplace's own listing id.
func (s *Store) GetInventoryItemByExternalStockID(ctx context.Context, userID, externalStockID string) (*types.InventoryItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, blueprint_id, external_stock_id, quantity, price_cents,
		       description, user_data, graded, properties, created_at, updated_at
		FROM inventory_items
		WHERE user_id = $1 AND external_stock_id = $2
		ORDER BY id LIMIT 1`,
		userID, externalStockID)
	return scanInventoryItem(row)
}

// GetInventoryItemByID looks up an item by its surrogate primary key.
func (s *Store) GetInventoryItemByID(ctx context.Context, id int64) (*types.InventoryItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, blueprint_id, external_stock_id, quantity, price_cents,
		       description, user_data, graded, properties, created_at, updated_at
		FROM inventory_items WHERE id = $1`, id)
	return scanInventoryItem(row)
}

// LockInventoryItemForUpdate locks an item row within tx using SELECT ...
// FOR UPDATE. It must be called inside a short-lived transaction (the
// caller commits or rolls back before making any outbound marketplace
// call) — see G's Reserve step.
func (s *Store) LockInventoryItemForUpdate(ctx context.Context, tx *sql.Tx, userID, blueprintID, externalStockID string) (*types.InventoryItem, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, blueprint_id, external_stock_id, quantity, price_cents,
		       description, user_data, graded, properties, created_at, updated_at
		FROM inventory_items
		WHERE user_id = $1 AND blueprint_id = $2 AND external_stock_id = $3
		FOR UPDATE`, userID, blueprintID, externalStockID)
	return scanInventoryItemRow(row)
}

// UpsertInventoryItem inserts or replaces an item, keyed by the natural key.
// Quantity is clamped at zero (types.ClampQuantity) before writing.
func (s *Store) UpsertInventoryItem(ctx context.Context, tx *sql.Tx, item *types.InventoryItem) error {
	properties, err := json.Marshal(item.Properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}

	exec := execer(s.db)
	if tx != nil {
		exec = tx
	}

	return exec.QueryRowContext(ctx, `
		INSERT INTO inventory_items
			(user_id, blueprint_id, external_stock_id, quantity, price_cents,
			 description, user_data, graded, properties, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, blueprint_id, external_stock_id) DO UPDATE SET
			quantity    = EXCLUDED.quantity,
			price_cents = EXCLUDED.price_cents,
			description = EXCLUDED.description,
			user_data   = EXCLUDED.user_data,
			graded      = EXCLUDED.graded,
			properties  = EXCLUDED.properties,
			updated_at  = EXCLUDED.updated_at
		RETURNING id`,
		item.UserID, item.BlueprintID, item.ExternalStockID, types.ClampQuantity(item.Quantity), item.PriceCents,
		item.Description, item.UserData, item.Graded, properties, item.CreatedAt, item.UpdatedAt,
	).Scan(&item.ID)
}

// ListInventoryItemsByUser pages through a user's mirrored catalog, newest
// first by primary key.
func (s *Store) ListInventoryItemsByUser(ctx context.Context, userID string, limit, offset int) ([]*types.InventoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, blueprint_id, external_stock_id, quantity, price_cents,
		       description, user_data, graded, properties, created_at, updated_at
		FROM inventory_items WHERE user_id = $1
		ORDER BY id DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*types.InventoryItem
	for rows.Next() {
		item, err := scanInventoryItemRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ExistingInventoryItemKeys reports which of the given (blueprintID,
// externalStockID) pairs already have a row for userID. The bulk-sync
// engine (F) uses this single tuple-membership query per chunk instead of
// one lookup per product, per spec.md §4.F step 4. The returned set's keys
// are built with InventoryItemKey.
func (s *Store) ExistingInventoryItemKeys(ctx context.Context, userID string, blueprintIDs, externalStockIDs []string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT blueprint_id, external_stock_id
		FROM inventory_items
		WHERE user_id = $1
		AND (blueprint_id, external_stock_id) IN (
			SELECT * FROM unnest($2::text[], $3::text[])
		)`, userID, pq.Array(blueprintIDs), pq.Array(externalStockIDs))
	if err != nil {
		return nil, fmt.Errorf("query existing inventory keys: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]struct{})
	for rows.Next() {
		var blueprintID, externalStockID string
		if err := rows.Scan(&blueprintID, &externalStockID); err != nil {
			return nil, err
		}
		existing[InventoryItemKey(blueprintID, externalStockID)] = struct{}{}
	}
	return existing, rows.Err()
}

// InventoryItemKey builds the composite key ExistingInventoryItemKeys uses,
// exported so callers can probe the returned set without re-deriving the
// separator convention.
func InventoryItemKey(blueprintID, externalStockID string) string {
	return blueprintID + "\x00" + externalStockID
}

// DeleteInventoryItem removes an item by its natural key. Idempotent.
func (s *Store) DeleteInventoryItem(ctx context.Context, tx *sql.Tx, userID, blueprintID, externalStockID string) error {
	exec := execer(s.db)
	if tx != nil {
		exec = tx
	}
	_, err := exec.ExecContext(ctx, `
		DELETE FROM inventory_items
		WHERE user_id = $1 AND blueprint_id = $2 AND external_stock_id = $3`,
		userID, blueprintID, externalStockID)
	return err
}

// CountInventoryItems returns the total mirrored item count, consumed by
// pkg/metrics.Collector.
func (s *Store) CountInventoryItems(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM inventory_items`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInventoryItem(row *sql.Row) (*types.InventoryItem, error) {
	return scanInventoryItemRow(row)
}

func scanInventoryItemRow(row rowScanner) (*types.InventoryItem, error) {
	var item types.InventoryItem
	var properties []byte
	if err := row.Scan(
		&item.ID, &item.UserID, &item.BlueprintID, &item.ExternalStockID, &item.Quantity, &item.PriceCents,
		&item.Description, &item.UserData, &item.Graded, &properties, &item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(properties) > 0 {
		if err := json.Unmarshal(properties, &item.Properties); err != nil {
			return nil, fmt.Errorf("unmarshal properties: %w", err)
		}
	}
	return &item, nil
}

func scanInventoryItemRows(rows *sql.Rows) (*types.InventoryItem, error) {
	return scanInventoryItemRow(rows)
}

// execer abstracts over *sql.DB and *sql.Tx so Upsert/Delete can run either
// standalone or as part of a caller-managed transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- Operation ---

// CreateOperation writes the Operation row before its task body begins
// executing (pre-registration), so a status poll immediately after enqueue
// can be authorized against OperationID/UserID per J and K.
func (s *Store) CreateOperation(ctx context.Context, op *types.Operation) error {
	metadata, err := json.Marshal(op.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operations (operation_id, user_id, type, status, metadata, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		op.OperationID, op.UserID, op.Type, op.Status, metadata, op.CreatedAt, op.CompletedAt)
	if err != nil {
		return fmt.Errorf("create operation: %w", err)
	}
	return nil
}

// GetOperation returns an operation by id, or sql.ErrNoRows if absent.
func (s *Store) GetOperation(ctx context.Context, operationID string) (*types.Operation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT operation_id, user_id, type, status, metadata, created_at, completed_at
		FROM operations WHERE operation_id = $1`, operationID)

	var op types.Operation
	var metadata []byte
	if err := row.Scan(&op.OperationID, &op.UserID, &op.Type, &op.Status, &metadata, &op.CreatedAt, &op.CompletedAt); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &op.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &op, nil
}

// UpdateOperationMetadata replaces an in-flight operation's metadata with
// the given progress information, used by F after each processed batch.
func (s *Store) UpdateOperationMetadata(ctx context.Context, operationID string, metadata map[string]any) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE operations SET metadata = $2 WHERE operation_id = $1`, operationID, data)
	return err
}

// CompleteOperation marks an operation terminal (completed or failed).
func (s *Store) CompleteOperation(ctx context.Context, operationID string, status types.OperationStatus, metadata map[string]any) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE operations SET status = $2, metadata = $3, completed_at = $4
		WHERE operation_id = $1`, operationID, status, data, now)
	return err
}

// ListOperationsByUser returns the most recent operations for a user, used
// to drive the operation journal's listing.
func (s *Store) ListOperationsByUser(ctx context.Context, userID string, limit int) ([]*types.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, user_id, type, status, metadata, created_at, completed_at
		FROM operations WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*types.Operation
	for rows.Next() {
		var op types.Operation
		var metadata []byte
		if err := rows.Scan(&op.OperationID, &op.UserID, &op.Type, &op.Status, &metadata, &op.CreatedAt, &op.CompletedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &op.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}
