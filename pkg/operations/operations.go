// Package operations is the operation journal (component K): the durable
// record of in-flight and completed background tasks that the HTTP surface
// (out of scope here) would use to report progress and authorize
// task-status polls by the caller who started them (spec.md §4.K, §9's
// task-ownership pre-registration note).
package operations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/syncd/pkg/log"
	"github.com/cuemby/syncd/pkg/storage"
	"github.com/cuemby/syncd/pkg/syncerr"
	"github.com/cuemby/syncd/pkg/types"
)

// Journal wraps storage.Store's Operation CRUD with the ownership check
// spec.md §3 requires: a status read is only authorized when the caller's
// user id matches the Operation's user_id.
type Journal struct {
	store *storage.Store
}

// New creates a Journal backed by store.
func New(store *storage.Store) *Journal {
	return &Journal{store: store}
}

// Register creates a pending Operation row for taskID, owned by userID.
// It is designed to be passed directly as a jobqueue.PreRegister callback
// so the row exists before the task body ever runs — spec.md §4.J's
// pre-registration requirement, re-stated in §9: "the Operation row must
// exist before the task body runs. Otherwise a fast status poll by the
// legitimate owner cannot be authorized and is indistinguishable from an
// unauthorized poll."
func (j *Journal) Register(opType types.OperationType, userID string) func(ctx context.Context, taskID string) error {
	return func(ctx context.Context, taskID string) error {
		op := &types.Operation{
			OperationID: taskID,
			UserID:      userID,
			Type:        opType,
			Status:      types.OperationPending,
			CreatedAt:   time.Now().UTC(),
		}
		if err := j.store.CreateOperation(ctx, op); err != nil {
			return fmt.Errorf("pre-register operation %s: %w", taskID, err)
		}
		logger := log.WithOperationID(taskID).With().Str("user_id", userID).Logger()
		logger.Info().
			Str("operation_type", string(opType)).
			Msg("operation pre-registered")
		return nil
	}
}

// UpdateProgress replaces operationID's metadata with metadata without
// changing its status. F's bulk-sync engine calls this after each batch of chunks
// (spec.md §4.F step 5).
func (j *Journal) UpdateProgress(ctx context.Context, operationID string, metadata map[string]any) error {
	if err := j.store.UpdateOperationMetadata(ctx, operationID, metadata); err != nil {
		return fmt.Errorf("update operation %s progress: %w", operationID, err)
	}
	return nil
}

// Complete transitions operationID to completed, recording final metadata.
func (j *Journal) Complete(ctx context.Context, operationID string, metadata map[string]any) error {
	if err := j.store.CompleteOperation(ctx, operationID, types.OperationCompleted, metadata); err != nil {
		return fmt.Errorf("complete operation %s: %w", operationID, err)
	}
	return nil
}

// Fail transitions operationID to failed. The status write is expected to
// go through even when the task's primary path is compromised — its caller,
// the bulk-sync engine (F), passes a fresh context with its own timeout
// rather than the failed path's context, per spec.md §4.F step 7.
func (j *Journal) Fail(ctx context.Context, operationID string, metadata map[string]any) error {
	if err := j.store.CompleteOperation(ctx, operationID, types.OperationFailed, metadata); err != nil {
		return fmt.Errorf("fail operation %s: %w", operationID, err)
	}
	return nil
}

// Status returns operationID's record, but only when callerUserID matches
// the operation's owner. A mismatch and a nonexistent id both surface as
// syncerr.KindNotFound — status and ownership errors must be
// indistinguishable to the caller, or an unauthorized poll could
// fingerprint valid task ids by timing or error-shape differences.
func (j *Journal) Status(ctx context.Context, operationID, callerUserID string) (*types.Operation, error) {
	op, err := j.store.GetOperation(ctx, operationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.New(syncerr.KindNotFound, "operation not found")
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindDatabaseError, "load operation", err)
	}
	if op.UserID != callerUserID {
		return nil, syncerr.New(syncerr.KindNotFound, "operation not found")
	}
	return op, nil
}

// ListForUser returns the most recent operations belonging to userID.
func (j *Journal) ListForUser(ctx context.Context, userID string, limit int) ([]*types.Operation, error) {
	ops, err := j.store.ListOperationsByUser(ctx, userID, limit)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindDatabaseError, "list operations", err)
	}
	return ops, nil
}
