// Package driftsync implements the periodic drift sync (component I):
// a recurring reconciliation pass that pulls the current Marketplace
// catalog for a user and corrects the local store to match it, using the
// same normalization rules as the bulk-sync engine (F).
package driftsync

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/syncd/pkg/blueprint"
	"github.com/cuemby/syncd/pkg/log"
	"github.com/cuemby/syncd/pkg/marketplace"
	"github.com/cuemby/syncd/pkg/metrics"
	"github.com/cuemby/syncd/pkg/storage"
	"github.com/cuemby/syncd/pkg/syncerr"
	"github.com/cuemby/syncd/pkg/types"
)

// DefaultInterval is how often Reconciler runs a drift pass for each
// registered user when Start's ticker drives it, rather than an on-demand
// Run call.
const DefaultInterval = 15 * time.Minute

// Mapper is the subset of blueprint.Mapper driftsync needs, resolving one
// marketplace id per product (spec.md §4.I describes per-product lookup,
// unlike F's batched ResolveBatch).
type Mapper interface {
	Resolve(ctx context.Context, marketplaceID string) (*blueprint.Blueprint, error)
	IsDenied(catalogTable string) bool
}

// Reconciler runs drift passes. Unlike the teacher's reconciler, which
// reconciles cluster-wide state on a single ticker, Reconciler here is
// per-user: Run is called once per (user, token) pair, either on demand or
// from Start's ticker loop over a caller-supplied user list.
type Reconciler struct {
	store  *storage.Store
	mapper Mapper
	client *marketplace.Client

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Reconciler.
func New(store *storage.Store, mapper Mapper, client *marketplace.Client) *Reconciler {
	return &Reconciler{store: store, mapper: mapper, client: client}
}

// Source supplies the (user, token) pairs a scheduled drift pass should
// cover. syncservice implements this over its user/credential store.
type Source interface {
	ActiveUsers(ctx context.Context) ([]UserCredential, error)
}

// UserCredential pairs a user id with the access token driftsync needs to
// call the Marketplace on that user's behalf.
type UserCredential struct {
	UserID      string
	AccessToken string
}

// Start launches a ticker-driven loop that runs a drift pass over every
// user source.ActiveUsers returns, every interval. Stop blocks until the
// in-flight cycle (if any) finishes.
func (r *Reconciler) Start(ctx context.Context, source Source, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.runAllUsers(ctx, source)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the scheduled loop and waits for the current cycle to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	stopCh := r.stopCh
	r.stopCh = nil
	r.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	r.wg.Wait()
}

// runAllUsers is the ticker callback's body.
func (r *Reconciler) runAllUsers(ctx context.Context, source Source) {
	logger := log.WithComponent("driftsync")
	creds, err := source.ActiveUsers(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list active users for drift sync")
		return
	}
	for _, cred := range creds {
		if err := r.Run(ctx, cred.UserID, cred.AccessToken, ""); err != nil {
			logger.Error().Err(err).Str("user_id", cred.UserID).Msg("drift sync run failed")
		}
	}
}

// Run performs one drift pass for userID: export the current catalog
// (optionally filtered to blueprintFilter), and upsert every resolvable,
// non-denied product into the local store.
func (r *Reconciler) Run(ctx context.Context, userID, accessToken, blueprintFilter string) error {
	metrics.DriftSyncRunsTotal.Inc()
	logger := log.WithUserID(userID)

	products, err := r.client.ProductsExport(ctx, userID, accessToken, marketplace.ExportFilters{BlueprintID: blueprintFilter})
	if err != nil {
		return syncerr.Wrap(syncerr.KindMarketplaceAPIError, "products export for drift sync", err)
	}

	corrections := 0
	for _, product := range products {
		if product.ID == "" || product.BlueprintID == "" {
			continue
		}

		bp, err := r.mapper.Resolve(ctx, product.BlueprintID)
		if err != nil {
			if errors.Is(err, blueprint.ErrNotFound) {
				continue
			}
			logger.Warn().Err(err).Str("blueprint_id", product.BlueprintID).Msg("drift sync blueprint resolution failed")
			continue
		}
		if r.mapper.IsDenied(bp.CatalogTable) {
			continue
		}

		applied, err := r.upsert(ctx, userID, bp.LocalPrintID, product)
		if err != nil {
			logger.Warn().Err(err).Str("external_stock_id", product.ID).Msg("drift sync upsert failed")
			continue
		}
		if applied {
			corrections++
		}
	}

	metrics.DriftSyncCorrectionsTotal.Add(float64(corrections))
	logger.Info().Int("products", len(products)).Int("corrections", corrections).Msg("drift sync run complete")
	return nil
}

// upsert writes product into the local store under (userID, blueprintID),
// reporting applied=true when the local row's synced fields actually
// changed (a no-op write still succeeds, but isn't counted as a
// correction).
func (r *Reconciler) upsert(ctx context.Context, userID, blueprintID string, product marketplace.Product) (applied bool, err error) {
	err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
		existing, getErr := r.store.GetInventoryItem(ctx, userID, blueprintID, product.ID)
		switch {
		case errors.Is(getErr, sql.ErrNoRows):
			applied = true
		case getErr != nil:
			return syncerr.Wrap(syncerr.KindDatabaseError, "load inventory item for drift sync", getErr)
		default:
			applied = existing.Quantity != product.Quantity || existing.PriceCents != product.PriceCents
		}

		item := &types.InventoryItem{
			UserID:          userID,
			BlueprintID:     blueprintID,
			ExternalStockID: product.ID,
			Quantity:        product.Quantity,
			PriceCents:      product.PriceCents,
			Description:     product.Description,
			UserData:        product.UserDataField,
			Graded:          product.Graded,
			Properties:      product.Properties,
		}
		return r.store.UpsertInventoryItem(ctx, tx, item)
	})
	return applied, err
}
