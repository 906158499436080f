// Package writepath implements the write-path reconciler (component G):
// the three flows that originate from a local mutation — Update, Delete,
// and the purchase saga — each pairing a caller-visible local change with
// an enqueued or synchronous background sync back to the Marketplace.
package writepath

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cuemby/syncd/pkg/events"
	"github.com/cuemby/syncd/pkg/log"
	"github.com/cuemby/syncd/pkg/marketplace"
	"github.com/cuemby/syncd/pkg/normalize"
	"github.com/cuemby/syncd/pkg/storage"
	"github.com/cuemby/syncd/pkg/syncerr"
	"github.com/cuemby/syncd/pkg/types"
)

// Reconciler runs the Update/Delete/Purchase flows. Enqueuing the
// background sync tasks this package's flows signal for (SyncUpdate,
// SyncDelete) is the caller's responsibility — syncservice wires that
// through jobqueue.Queue directly, since Reconciler itself has no opinion
// about lanes, retries, or pre-registration.
type Reconciler struct {
	store  *storage.Store
	client *marketplace.Client
	broker *events.Broker
}

// New creates a Reconciler.
func New(store *storage.Store, client *marketplace.Client) *Reconciler {
	return &Reconciler{store: store, client: client}
}

// WithEvents attaches broker so Update/Delete/Purchase publish inventory
// notifications to it. Optional — a nil broker skips publishing.
func (r *Reconciler) WithEvents(broker *events.Broker) *Reconciler {
	r.broker = broker
	return r
}

func (r *Reconciler) publish(eventType events.EventType, userID, message string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{Type: eventType, UserID: userID, Message: message})
}

// Update applies a local field change to an InventoryItem and, when the
// item has a remote counterpart and the synced fields actually changed,
// returns true so the caller can enqueue a sync_update task. The
// background task itself is SyncUpdate below — it deliberately ignores its
// enqueue-time parameters and re-reads the current row, per spec.md §4.G.
func (r *Reconciler) Update(ctx context.Context, userID, blueprintID, externalStockID string, mutate func(item *types.InventoryItem)) (needsSync bool, err error) {
	err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
		item, getErr := r.store.GetInventoryItem(ctx, userID, blueprintID, externalStockID)
		if errors.Is(getErr, sql.ErrNoRows) {
			return syncerr.New(syncerr.KindInventoryItemNotFound, "inventory item not found")
		}
		if getErr != nil {
			return syncerr.Wrap(syncerr.KindDatabaseError, "load inventory item", getErr)
		}

		before := *item
		mutate(item)

		if uErr := r.store.UpsertInventoryItem(ctx, tx, item); uErr != nil {
			return syncerr.Wrap(syncerr.KindDatabaseError, "update inventory item", uErr)
		}

		needsSync = item.ExternalStockID != "" && syncedFieldsChanged(&before, item)
		return nil
	})
	if err == nil {
		r.publish(events.EventInventoryUpdated, userID, "inventory item updated")
	}
	return needsSync, err
}

// syncedFieldsChanged reports whether any field the Marketplace cares about
// changed between before and after.
func syncedFieldsChanged(before, after *types.InventoryItem) bool {
	return before.Quantity != after.Quantity ||
		before.PriceCents != after.PriceCents ||
		before.Description != after.Description ||
		before.UserData != after.UserData ||
		before.Graded != after.Graded
}

// SyncUpdate is the background task body for sync_update: re-reads the
// current row (ignoring whatever was on the task payload — spec.md §4.G
// is explicit that the task consults the latest DB row, not a stale
// snapshot) and pushes it to the Marketplace.
func (r *Reconciler) SyncUpdate(ctx context.Context, userID, blueprintID, externalStockID, accessToken string) error {
	item, err := r.store.GetInventoryItem(ctx, userID, blueprintID, externalStockID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // item was deleted after the task was enqueued; nothing to sync.
	}
	if err != nil {
		return syncerr.Wrap(syncerr.KindDatabaseError, "reload inventory item for sync", err)
	}
	if item.ExternalStockID == "" {
		return nil
	}

	bulkItem := normalize.BuildBulkItem(item)
	_, err = r.client.BulkUpdate(ctx, userID, accessToken, []marketplace.BulkItem{bulkItem})
	return err
}

// Delete removes a local row and, when it had a remote counterpart,
// returns true so the caller can enqueue a sync_delete task.
func (r *Reconciler) Delete(ctx context.Context, userID, blueprintID, externalStockID string) (needsSync bool, err error) {
	item, err := r.store.GetInventoryItem(ctx, userID, blueprintID, externalStockID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, syncerr.New(syncerr.KindInventoryItemNotFound, "inventory item not found")
	}
	if err != nil {
		return false, syncerr.Wrap(syncerr.KindDatabaseError, "load inventory item", err)
	}

	if err := r.store.DeleteInventoryItem(ctx, nil, userID, blueprintID, externalStockID); err != nil {
		return false, syncerr.Wrap(syncerr.KindDatabaseError, "delete inventory item", err)
	}

	r.publish(events.EventInventoryDeleted, userID, "inventory item deleted")
	return item.ExternalStockID != "", nil
}

// SyncDelete is the background task body for sync_delete. A 404 from the
// Marketplace is treated as success by Client.Delete already.
func (r *Reconciler) SyncDelete(ctx context.Context, userID, accessToken, externalStockID string) error {
	_, err := r.client.Delete(ctx, userID, accessToken, externalStockID)
	return err
}

// PurchaseResult reports the outcome of a successful Purchase call.
type PurchaseResult struct {
	QuantityBefore int64
	QuantityAfter  int64
}

// Purchase runs the three-step saga from spec.md §4.G: Reserve (lock +
// read), Decide & apply remotely (outside any local transaction), Commit
// locally (new short transaction), with explicit compensation if the
// commit fails after the remote call succeeded. The local row lock is
// never held across the outbound Marketplace call.
func (r *Reconciler) Purchase(ctx context.Context, userID, blueprintID, externalStockID, accessToken string, requested int64) (*PurchaseResult, error) {
	quantityBefore, err := r.reserve(ctx, userID, blueprintID, externalStockID, accessToken, requested)
	if err != nil {
		return nil, err
	}

	productID := externalStockID
	remoteDecremented, remoteDeleted, err := r.decideAndApplyRemotely(ctx, userID, blueprintID, accessToken, productID, requested)
	if err != nil {
		return nil, err
	}

	if err := r.commitLocally(ctx, userID, blueprintID, externalStockID, quantityBefore, requested); err != nil {
		r.compensate(ctx, userID, accessToken, productID, requested, remoteDecremented, remoteDeleted)
		return nil, syncerr.Wrap(syncerr.KindDatabaseError, "commit purchase locally", err)
	}

	r.publish(events.EventPurchaseSettled, userID, "purchase settled")
	return &PurchaseResult{
		QuantityBefore: quantityBefore,
		QuantityAfter:  types.ClampQuantity(quantityBefore - requested),
	}, nil
}

// reserve is step 1: lock the row, confirm enough local quantity exists.
// On insufficient local quantity it best-effort refreshes from the
// Marketplace before returning an error so the caller sees a fresh figure.
func (r *Reconciler) reserve(ctx context.Context, userID, blueprintID, externalStockID, accessToken string, requested int64) (int64, error) {
	var quantityBefore int64
	var insufficientLocally bool

	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		item, err := r.store.LockInventoryItemForUpdate(ctx, tx, userID, blueprintID, externalStockID)
		if errors.Is(err, sql.ErrNoRows) {
			return syncerr.New(syncerr.KindInventoryItemNotFound, "inventory item not found")
		}
		if err != nil {
			return syncerr.Wrap(syncerr.KindDatabaseError, "lock inventory item", err)
		}

		quantityBefore = item.Quantity
		if quantityBefore < requested {
			insufficientLocally = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if insufficientLocally {
		r.refreshFromRemoteBestEffort(ctx, userID, accessToken, blueprintID, externalStockID)
		return 0, syncerr.New(syncerr.KindValidation, fmt.Sprintf("insufficient local quantity: have %d, requested %d", quantityBefore, requested))
	}
	r.publish(events.EventPurchaseReserved, userID, "purchase reserved")
	return quantityBefore, nil
}

func (r *Reconciler) refreshFromRemoteBestEffort(ctx context.Context, userID, accessToken, blueprintID, externalStockID string) {
	if accessToken == "" {
		return
	}
	product, err := r.client.GetProduct(ctx, userID, accessToken, externalStockID)
	if err != nil {
		log.WithUserID(userID).Warn().Err(err).Msg("best-effort remote refresh after insufficient local quantity failed")
		return
	}
	item := &types.InventoryItem{
		UserID:          userID,
		BlueprintID:     blueprintID,
		ExternalStockID: externalStockID,
		Quantity:        product.Quantity,
		PriceCents:      product.PriceCents,
	}
	if err := r.store.UpsertInventoryItem(ctx, nil, item); err != nil {
		log.WithUserID(userID).Warn().Err(err).Msg("best-effort remote refresh upsert failed")
	}
}

// decideAndApplyRemotely is step 2: read authoritative remote quantity and
// either increment (partial reduction) or delete (exhausted) the remote
// listing. Runs entirely outside any local transaction.
func (r *Reconciler) decideAndApplyRemotely(ctx context.Context, userID, blueprintID, accessToken, productID string, requested int64) (decremented, deleted bool, err error) {
	product, err := r.client.GetProduct(ctx, userID, accessToken, productID)
	if err != nil {
		return false, false, err
	}

	if product.Quantity < requested {
		item := &types.InventoryItem{UserID: userID, BlueprintID: blueprintID, ExternalStockID: productID, Quantity: product.Quantity}
		if upsertErr := r.store.UpsertInventoryItem(ctx, nil, item); upsertErr != nil {
			log.WithUserID(userID).Warn().Err(upsertErr).Msg("failed to refresh local row to remote quantity")
		}
		return false, false, syncerr.New(syncerr.KindValidation, fmt.Sprintf("insufficient remote quantity: have %d, requested %d", product.Quantity, requested))
	}

	remaining := product.Quantity - requested
	if remaining > 0 {
		if err := r.client.Increment(ctx, userID, accessToken, productID, -requested); err != nil {
			return false, false, err
		}
		return true, false, nil
	}

	if _, err := r.client.Delete(ctx, userID, accessToken, productID); err != nil {
		return false, false, err
	}
	return false, true, nil
}

// commitLocally is step 3: a new short transaction that re-fetches the row
// and writes the post-purchase quantity.
func (r *Reconciler) commitLocally(ctx context.Context, userID, blueprintID, externalStockID string, quantityBefore, requested int64) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		item, err := r.store.LockInventoryItemForUpdate(ctx, tx, userID, blueprintID, externalStockID)
		if err != nil {
			return err
		}
		item.Quantity = types.ClampQuantity(quantityBefore - requested)
		return r.store.UpsertInventoryItem(ctx, tx, item)
	})
}

// compensate is step 4: best-effort reversal of the remote side-effect
// when the local commit fails after the remote call succeeded. It never
// retries — per spec.md §7, compensation is explicit and best-effort only.
func (r *Reconciler) compensate(ctx context.Context, userID, accessToken, productID string, requested int64, remoteDecremented, remoteDeleted bool) {
	logger := log.WithUserID(userID)
	switch {
	case remoteDecremented:
		if err := r.client.Increment(ctx, userID, accessToken, productID, requested); err != nil {
			logger.Error().Err(err).Str("product_id", productID).Msg("purchase compensation failed: could not restore remote quantity, inventory has diverged")
		}
	case remoteDeleted:
		logger.Error().Str("product_id", productID).Msg("purchase compensation impossible: remote listing was deleted before local commit failed, inventory has irrecoverably diverged")
	}
}
