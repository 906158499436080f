// Package bulksync implements the bulk-sync engine (component F): the
// initial full-catalog ingest dispatched as a durable background task when
// a user connects their Marketplace account.
package bulksync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/syncd/pkg/blueprint"
	"github.com/cuemby/syncd/pkg/events"
	"github.com/cuemby/syncd/pkg/log"
	"github.com/cuemby/syncd/pkg/marketplace"
	"github.com/cuemby/syncd/pkg/operations"
	"github.com/cuemby/syncd/pkg/storage"
	"github.com/cuemby/syncd/pkg/syncerr"
	"github.com/cuemby/syncd/pkg/types"
)

// DefaultChunkSize is the spec's CHUNK constant: products are partitioned
// into pages of this size before the per-chunk processing step.
const DefaultChunkSize = 5000

// DefaultConcurrency is the spec's P constant: the number of chunks
// processed concurrently.
const DefaultConcurrency = 3

// Engine runs the bulk-sync algorithm for one user at a time.
type Engine struct {
	store   *storage.Store
	mapper  *blueprint.Mapper
	client  *marketplace.Client
	journal *operations.Journal
	cfg     Config
	broker  *events.Broker
}

// Config tunes the chunking and concurrency of the engine.
type Config struct {
	ChunkSize   int
	Concurrency int
}

// New creates an Engine. Zero-valued Config fields fall back to
// DefaultChunkSize/DefaultConcurrency.
func New(store *storage.Store, mapper *blueprint.Mapper, client *marketplace.Client, journal *operations.Journal, cfg Config) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Engine{store: store, mapper: mapper, client: client, journal: journal, cfg: cfg}
}

// WithEvents attaches broker so Run publishes sync lifecycle notifications
// to it. Optional — a nil broker (the zero value) means Run simply skips
// publishing.
func (e *Engine) WithEvents(broker *events.Broker) *Engine {
	e.broker = broker
	return e
}

func (e *Engine) publish(eventType events.EventType, userID, message string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{Type: eventType, UserID: userID, Message: message})
}

// chunkResult aggregates the per-chunk counters spec.md §4.F step 5 wants
// folded into the owning Operation's progress metadata.
type chunkResult struct {
	processed, created, updated, skipped int
}

// Run executes the full bulk-sync algorithm for userID, reporting progress
// onto operationID and leaving SyncSettings in ACTIVE or ERROR on return.
// force bypasses the "already syncing" precondition, used for retries of a
// task that crashed mid-ingest.
func (e *Engine) Run(ctx context.Context, userID, accessToken, operationID string, force bool) error {
	logger := log.WithUserID(userID).With().Str("operation_id", operationID).Logger()

	settings, err := e.store.GetSyncSettings(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return syncerr.New(syncerr.KindSyncNotFound, "sync settings not found")
	}
	if err != nil {
		return syncerr.Wrap(syncerr.KindDatabaseError, "load sync settings", err)
	}
	if settings.SyncStatus == types.SyncStatusInitialSync && !force {
		return syncerr.New(syncerr.KindSyncInProgress, "bulk sync already in progress")
	}

	if err := e.store.UpdateSyncStatus(ctx, userID, types.SyncStatusInitialSync, "", false); err != nil {
		return syncerr.Wrap(syncerr.KindDatabaseError, "transition to initial sync", err)
	}
	e.publish(events.EventSyncStarted, userID, "bulk sync started")

	products, err := e.client.ProductsExport(ctx, userID, accessToken, marketplace.ExportFilters{})
	if err != nil {
		e.fail(ctx, userID, operationID, err)
		return err
	}

	chunks := chunkProducts(products, e.cfg.ChunkSize)
	totals := types.BulkSyncProgress{TotalProducts: len(products), TotalChunks: len(chunks)}
	var mu sync.Mutex

	for start := 0; start < len(chunks); start += e.cfg.Concurrency {
		end := start + e.cfg.Concurrency
		if end > len(chunks) {
			end = len(chunks)
		}

		group, groupCtx := errgroup.WithContext(ctx)
		for _, chunk := range chunks[start:end] {
			chunk := chunk
			group.Go(func() error {
				result, chunkErr := e.processChunk(groupCtx, userID, chunk)
				if chunkErr != nil {
					return chunkErr
				}
				mu.Lock()
				totals.ProcessedChunks++
				totals.Processed += result.processed
				totals.Created += result.created
				totals.Updated += result.updated
				totals.Skipped += result.skipped
				mu.Unlock()
				return nil
			})
		}

		if err := group.Wait(); err != nil {
			e.fail(ctx, userID, operationID, err)
			return err
		}

		totals.ProgressPercent = totals.ProcessedChunks * 100 / max(totals.TotalChunks, 1)
		if err := e.journal.UpdateProgress(ctx, operationID, progressMetadata(totals)); err != nil {
			logger.Warn().Err(err).Msg("failed to write bulk sync progress")
		}
	}

	if err := e.store.UpdateSyncStatus(ctx, userID, types.SyncStatusActive, "", true); err != nil {
		return syncerr.Wrap(syncerr.KindDatabaseError, "transition to active", err)
	}
	if err := e.journal.Complete(ctx, operationID, progressMetadata(totals)); err != nil {
		logger.Warn().Err(err).Msg("failed to mark bulk sync operation complete")
	}

	logger.Info().
		Int("total_products", totals.TotalProducts).
		Int("created", totals.Created).
		Int("updated", totals.Updated).
		Int("skipped", totals.Skipped).
		Msg("bulk sync complete")
	e.publish(events.EventSyncCompleted, userID, "bulk sync complete")
	return nil
}

// fail records an unrecoverable failure on both SyncSettings and the
// Operation. Per spec.md §4.F step 7 this write must succeed even when the
// primary path is compromised; both calls go through the same store
// connection pool rather than the failed path's context, so a canceled
// caller context does not also take down the status write.
func (e *Engine) fail(ctx context.Context, userID, operationID string, cause error) {
	fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.store.UpdateSyncStatus(fallbackCtx, userID, types.SyncStatusError, cause.Error(), false); err != nil {
		log.WithUserID(userID).Error().Err(err).Msg("failed to record sync error status")
	}
	if err := e.journal.Fail(fallbackCtx, operationID, map[string]any{"error": cause.Error()}); err != nil {
		log.WithUserID(userID).Error().Err(err).Msg("failed to mark bulk sync operation failed")
	}
	e.publish(events.EventSyncFailed, userID, cause.Error())
}

// processChunk runs the per-chunk algorithm from spec.md §4.F step 4 inside
// its own transaction: drop invalid/denied products, resolve blueprints,
// probe existing rows, then upsert.
func (e *Engine) processChunk(ctx context.Context, userID string, products []marketplace.Product) (chunkResult, error) {
	var result chunkResult

	valid := make([]marketplace.Product, 0, len(products))
	marketplaceIDs := make([]string, 0, len(products))
	for _, p := range products {
		if p.ID == "" || p.BlueprintID == "" {
			result.skipped++
			continue
		}
		valid = append(valid, p)
		marketplaceIDs = append(marketplaceIDs, p.BlueprintID)
	}

	resolved, err := e.mapper.ResolveBatch(ctx, marketplaceIDs)
	if err != nil {
		return chunkResult{}, fmt.Errorf("resolve blueprints: %w", err)
	}

	syncable := make([]marketplace.Product, 0, len(valid))
	blueprints := make(map[string]blueprint.Blueprint, len(valid))
	for _, p := range valid {
		bp, ok := resolved[p.BlueprintID]
		if !ok || e.mapper.IsDenied(bp.CatalogTable) {
			result.skipped++
			continue
		}
		syncable = append(syncable, p)
		blueprints[p.BlueprintID] = bp
	}

	if len(syncable) == 0 {
		return result, nil
	}

	blueprintIDs := make([]string, len(syncable))
	externalStockIDs := make([]string, len(syncable))
	for i, p := range syncable {
		blueprintIDs[i] = blueprints[p.BlueprintID].LocalPrintID
		externalStockIDs[i] = p.ID
	}

	existing, err := e.store.ExistingInventoryItemKeys(ctx, userID, blueprintIDs, externalStockIDs)
	if err != nil {
		return chunkResult{}, fmt.Errorf("probe existing inventory: %w", err)
	}

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, p := range syncable {
			localPrintID := blueprints[p.BlueprintID].LocalPrintID
			item := &types.InventoryItem{
				UserID:          userID,
				BlueprintID:     localPrintID,
				ExternalStockID: p.ID,
				Quantity:        p.Quantity,
				PriceCents:      p.PriceCents,
				Description:     p.Description,
				UserData:        p.UserDataField,
				Graded:          p.Graded,
				Properties:      p.Properties,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := e.store.UpsertInventoryItem(ctx, tx, item); err != nil {
				return fmt.Errorf("upsert inventory item %s: %w", p.ID, err)
			}

			if _, wasExisting := existing[storage.InventoryItemKey(localPrintID, p.ID)]; wasExisting {
				result.updated++
			} else {
				result.created++
			}
			result.processed++
		}
		return nil
	})
	if err != nil {
		return chunkResult{}, err
	}

	return result, nil
}

func chunkProducts(products []marketplace.Product, size int) [][]marketplace.Product {
	if len(products) == 0 {
		return nil
	}
	var chunks [][]marketplace.Product
	for start := 0; start < len(products); start += size {
		end := start + size
		if end > len(products) {
			end = len(products)
		}
		chunks = append(chunks, products[start:end])
	}
	return chunks
}

func progressMetadata(p types.BulkSyncProgress) map[string]any {
	return map[string]any{
		"total_products":   p.TotalProducts,
		"total_chunks":     p.TotalChunks,
		"processed_chunks": p.ProcessedChunks,
		"progress_percent": p.ProgressPercent,
		"processed":        p.Processed,
		"created":          p.Created,
		"updated":          p.Updated,
		"skipped":          p.Skipped,
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
