// Package syncservice wires every component (A-K) into one object: the
// construction order, the dispatcher handler registrations, and the thin
// public methods an HTTP or CLI surface (out of scope here) would call.
// Nothing in this package invents new semantics — it only composes the
// packages that already implement spec.md's components.
package syncservice

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/syncd/pkg/blueprint"
	"github.com/cuemby/syncd/pkg/breaker"
	"github.com/cuemby/syncd/pkg/bulksync"
	"github.com/cuemby/syncd/pkg/driftsync"
	"github.com/cuemby/syncd/pkg/envelope"
	"github.com/cuemby/syncd/pkg/events"
	"github.com/cuemby/syncd/pkg/jobqueue"
	"github.com/cuemby/syncd/pkg/log"
	"github.com/cuemby/syncd/pkg/marketplace"
	"github.com/cuemby/syncd/pkg/operations"
	"github.com/cuemby/syncd/pkg/ratelimit"
	"github.com/cuemby/syncd/pkg/storage"
	"github.com/cuemby/syncd/pkg/syncerr"
	"github.com/cuemby/syncd/pkg/types"
	"github.com/cuemby/syncd/pkg/webhook"
	"github.com/cuemby/syncd/pkg/writepath"
)

// Retry ceilings per spec.md §7, by task type.
const (
	bulkSyncMaxAttempts  = 10
	writePathMaxAttempts = 5
	webhookMaxAttempts   = 3
)

// Config bundles everything Service needs to construct its component
// graph. Callers (cmd/syncd) are responsible for connecting to Postgres
// and Redis and supplying a blueprint.Lookup before calling New.
type Config struct {
	Store          *storage.Store
	Redis          *redis.Client
	Lookup         blueprint.Lookup
	MarketplaceURL string
	EncryptionKey  []byte // 32 bytes; see pkg/envelope
	DenyTables     []string
	DriftInterval  time.Duration
	WorkerCount    int
}

// Service is the wired-together syncd runtime: every component, plus the
// dispatcher handlers that let background tasks invoke them.
type Service struct {
	store      *storage.Store
	redis      *redis.Client
	envelope   *envelope.Envelope
	mapper     *blueprint.Mapper
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
	client     *marketplace.Client
	bulk       *bulksync.Engine
	write      *writepath.Reconciler
	hook       *webhook.Processor
	drift      *driftsync.Reconciler
	journal    *operations.Journal
	queue      *jobqueue.Queue
	dispatcher *jobqueue.Dispatcher
	broker     *events.Broker

	driftInterval time.Duration
}

// New builds the full component graph described in spec.md §3: A-K wired
// together, with the dispatcher's handlers bound but not yet started.
// Call Start to begin serving background work.
func New(cfg Config) (*Service, error) {
	env, err := envelope.New(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("construct envelope: %w", err)
	}

	mapper := blueprint.NewMapper(cfg.Lookup, blueprint.Config{DenyTables: cfg.DenyTables})
	limiter := ratelimit.New(cfg.Redis, ratelimit.Config{})
	brk := breaker.New(cfg.Redis, breaker.Config{})
	broker := events.NewBroker()
	brk = brk.WithEvents(broker)

	client := marketplace.New(limiter, brk, marketplace.Config{BaseURL: cfg.MarketplaceURL})

	journal := operations.New(cfg.Store)
	bulk := bulksync.New(cfg.Store, mapper, client, journal, bulksync.Config{}).WithEvents(broker)
	write := writepath.New(cfg.Store, client).WithEvents(broker)
	hook := webhook.New(cfg.Store, cfg.Redis).WithEvents(broker)
	drift := driftsync.New(cfg.Store, mapper, client)

	queue := jobqueue.New(cfg.Redis, jobqueue.Config{})
	dispatcher := jobqueue.NewDispatcher(queue, cfg.WorkerCount)

	interval := cfg.DriftInterval
	if interval <= 0 {
		interval = driftsync.DefaultInterval
	}

	s := &Service{
		store:         cfg.Store,
		redis:         cfg.Redis,
		envelope:      env,
		mapper:        mapper,
		limiter:       limiter,
		breaker:       brk,
		client:        client,
		bulk:          bulk,
		write:         write,
		hook:          hook,
		drift:         drift,
		journal:       journal,
		queue:         queue,
		dispatcher:    dispatcher,
		broker:        broker,
		driftInterval: interval,
	}

	s.registerHandlers()
	return s, nil
}

// registerHandlers binds every background task type to the component
// method that performs it. Task payloads only ever carry the identifiers
// needed to re-load state; none of them carry the access token, which is
// always reloaded and decrypted fresh (spec.md §9: never log or persist a
// decrypted token outside of the call that needs it).
func (s *Service) registerHandlers() {
	s.dispatcher.Register(string(types.OperationBulkSync), s.handleBulkSync)
	s.dispatcher.Register(string(types.OperationSyncUpdate), s.handleSyncUpdate)
	s.dispatcher.Register(string(types.OperationSyncDelete), s.handleSyncDelete)
	s.dispatcher.Register(string(types.OperationWebhook), s.handleWebhook)
}

// Start begins serving background work: the event broker, the dispatcher
// worker pool, and the periodic drift-sync ticker.
func (s *Service) Start(ctx context.Context) {
	s.broker.Start()
	s.dispatcher.Start()
	s.drift.Start(ctx, s, s.driftInterval)
}

// Stop winds down every started component, in the reverse of Start's
// order.
func (s *Service) Stop() {
	s.drift.Stop()
	s.dispatcher.Stop()
	s.broker.Stop()
}

// loadToken decrypts userID's stored Marketplace access token. Returned as
// a plain string only for the duration of the call that needs it; callers
// must not retain or log it.
func (s *Service) loadToken(ctx context.Context, userID string) (string, error) {
	settings, err := s.store.GetSyncSettings(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", syncerr.New(syncerr.KindSyncNotFound, "sync settings not found")
	}
	if err != nil {
		return "", syncerr.Wrap(syncerr.KindDatabaseError, "load sync settings", err)
	}
	if len(settings.TokenEncrypted) == 0 {
		return "", syncerr.New(syncerr.KindConfigurationError, "no access token on file")
	}

	plaintext, err := s.envelope.Open(settings.TokenEncrypted)
	if err != nil {
		return "", syncerr.Wrap(syncerr.KindConfigurationError, "decrypt access token", err)
	}
	return string(plaintext), nil
}

// Connect registers userID's Marketplace access token and kicks off the
// initial bulk sync, per spec.md §4's connect flow. accessToken is sealed
// before it ever touches disk.
func (s *Service) Connect(ctx context.Context, userID, accessToken string) (operationID string, err error) {
	sealed, err := s.envelope.Seal([]byte(accessToken))
	if err != nil {
		return "", syncerr.Wrap(syncerr.KindConfigurationError, "seal access token", err)
	}
	webhookSecret, err := envelope.NewWebhookSecret()
	if err != nil {
		return "", syncerr.Wrap(syncerr.KindConfigurationError, "generate webhook secret", err)
	}

	now := time.Now().UTC()
	settings := &types.SyncSettings{
		UserID:         userID,
		TokenEncrypted: sealed,
		WebhookSecret:  webhookSecret,
		SyncStatus:     types.SyncStatusIdle,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.UpsertSyncSettings(ctx, settings); err != nil {
		return "", syncerr.Wrap(syncerr.KindDatabaseError, "save sync settings", err)
	}

	return s.TriggerBulkSync(ctx, userID, false)
}

// TriggerBulkSync enqueues a bulk_sync task for userID. force bypasses the
// "already syncing" precondition bulksync.Engine.Run checks, used to retry
// a run that crashed mid-ingest.
func (s *Service) TriggerBulkSync(ctx context.Context, userID string, force bool) (operationID string, err error) {
	// Confirm a token is on file before enqueuing; the task handler reloads
	// and decrypts it itself when the task actually runs.
	if _, err := s.loadToken(ctx, userID); err != nil {
		return "", err
	}

	payload := map[string]any{"force": force}
	id, err := s.queue.Enqueue(ctx, jobqueue.BulkSync, string(types.OperationBulkSync), userID, payload,
		bulkSyncMaxAttempts, s.journal.Register(types.OperationBulkSync, userID))
	if err != nil {
		return "", syncerr.Wrap(syncerr.KindDatabaseError, "enqueue bulk sync", err)
	}

	logger := log.WithUserID(userID).With().Str("operation_id", id).Logger()
	logger.Info().Bool("force", force).Msg("bulk sync enqueued")
	return id, nil
}

func (s *Service) handleBulkSync(ctx context.Context, task jobqueue.Task) error {
	force, _ := task.Payload["force"].(bool)
	accessToken, err := s.loadToken(ctx, task.UserID)
	if err != nil {
		return err
	}
	return s.bulk.Run(ctx, task.UserID, accessToken, task.ID, force)
}

// Update applies mutate to an inventory item and, when the change needs to
// be pushed to the Marketplace, enqueues a sync_update task.
func (s *Service) Update(ctx context.Context, userID, blueprintID, externalStockID string, mutate func(*types.InventoryItem)) error {
	needsSync, err := s.write.Update(ctx, userID, blueprintID, externalStockID, mutate)
	if err != nil {
		return err
	}
	if !needsSync {
		return nil
	}

	payload := map[string]any{"blueprint_id": blueprintID, "external_stock_id": externalStockID}
	_, err = s.queue.Enqueue(ctx, jobqueue.HighPriority, string(types.OperationSyncUpdate), userID, payload,
		writePathMaxAttempts, nil)
	if err != nil {
		return syncerr.Wrap(syncerr.KindDatabaseError, "enqueue sync update", err)
	}
	return nil
}

func (s *Service) handleSyncUpdate(ctx context.Context, task jobqueue.Task) error {
	blueprintID, _ := task.Payload["blueprint_id"].(string)
	externalStockID, _ := task.Payload["external_stock_id"].(string)
	accessToken, err := s.loadToken(ctx, task.UserID)
	if err != nil {
		return err
	}
	return s.write.SyncUpdate(ctx, task.UserID, blueprintID, externalStockID, accessToken)
}

// Delete removes a local inventory item and, when it had a remote
// counterpart, enqueues a sync_delete task.
func (s *Service) Delete(ctx context.Context, userID, blueprintID, externalStockID string) error {
	needsSync, err := s.write.Delete(ctx, userID, blueprintID, externalStockID)
	if err != nil {
		return err
	}
	if !needsSync {
		return nil
	}

	payload := map[string]any{"external_stock_id": externalStockID}
	_, err = s.queue.Enqueue(ctx, jobqueue.HighPriority, string(types.OperationSyncDelete), userID, payload,
		writePathMaxAttempts, nil)
	if err != nil {
		return syncerr.Wrap(syncerr.KindDatabaseError, "enqueue sync delete", err)
	}
	return nil
}

func (s *Service) handleSyncDelete(ctx context.Context, task jobqueue.Task) error {
	externalStockID, _ := task.Payload["external_stock_id"].(string)
	accessToken, err := s.loadToken(ctx, task.UserID)
	if err != nil {
		return err
	}
	return s.write.SyncDelete(ctx, task.UserID, accessToken, externalStockID)
}

// Purchase runs the reserve/apply/commit/compensate saga synchronously,
// since the caller needs the settled quantity back in the response.
func (s *Service) Purchase(ctx context.Context, userID, blueprintID, externalStockID string, quantity int64) (*writepath.PurchaseResult, error) {
	accessToken, err := s.loadToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.write.Purchase(ctx, userID, blueprintID, externalStockID, accessToken, quantity)
}

// ProcessWebhook verifies signature against userID's stored webhook secret
// and, on success, enqueues the heavy per-item work rather than applying it
// inline, so the ingest surface can still acknowledge within its 100ms
// budget (spec.md §4.H).
func (s *Service) ProcessWebhook(ctx context.Context, userID string, body []byte, signature string) error {
	settings, err := s.store.GetSyncSettings(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return syncerr.New(syncerr.KindSyncNotFound, "sync settings not found")
	}
	if err != nil {
		return syncerr.Wrap(syncerr.KindDatabaseError, "load sync settings", err)
	}
	if !webhook.VerifySignature(body, signature, settings.WebhookSecret) {
		log.WithUserID(userID).Warn().Msg("webhook signature verification failed")
		return syncerr.New(syncerr.KindWebhookValidationError, "invalid webhook signature")
	}

	payload := map[string]any{"body": string(body)}
	_, err = s.queue.Enqueue(ctx, jobqueue.HighPriority, string(types.OperationWebhook), userID, payload,
		webhookMaxAttempts, nil)
	if err != nil {
		return syncerr.Wrap(syncerr.KindDatabaseError, "enqueue webhook", err)
	}
	return nil
}

func (s *Service) handleWebhook(ctx context.Context, task jobqueue.Task) error {
	body, _ := task.Payload["body"].(string)
	var event webhook.Event
	if err := json.Unmarshal([]byte(body), &event); err != nil {
		return syncerr.Wrap(syncerr.KindWebhookValidationError, "decode webhook payload", err)
	}
	result, err := s.hook.Process(ctx, task.UserID, event)
	if err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		log.WithUserID(task.UserID).Warn().
			Int("item_errors", len(result.Errors)).
			Msg("webhook processed with per-item errors")
	}
	return nil
}

// OperationStatus returns operationID's record, authorized against
// callerUserID.
func (s *Service) OperationStatus(ctx context.Context, operationID, callerUserID string) (*types.Operation, error) {
	return s.journal.Status(ctx, operationID, callerUserID)
}

// ListOperations returns userID's most recent background tasks.
func (s *Service) ListOperations(ctx context.Context, userID string, limit int) ([]*types.Operation, error) {
	return s.journal.ListForUser(ctx, userID, limit)
}

// ListInventory returns a page of userID's locally mirrored inventory.
func (s *Service) ListInventory(ctx context.Context, userID string, limit, offset int) ([]*types.InventoryItem, error) {
	items, err := s.store.ListInventoryItemsByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindDatabaseError, "list inventory", err)
	}
	return items, nil
}

// RunDriftSyncNow runs one on-demand drift pass for userID, outside of the
// scheduled ticker.
func (s *Service) RunDriftSyncNow(ctx context.Context, userID, blueprintFilter string) error {
	accessToken, err := s.loadToken(ctx, userID)
	if err != nil {
		return err
	}
	return s.drift.Run(ctx, userID, accessToken, blueprintFilter)
}

// ActiveUsers implements driftsync.Source over the relational store: every
// user whose sync is ACTIVE is a candidate for a scheduled drift pass. A
// user whose token fails to decrypt is skipped rather than failing the
// whole pass — one corrupted row shouldn't block every other user's drift
// sync.
func (s *Service) ActiveUsers(ctx context.Context) ([]driftsync.UserCredential, error) {
	settings, err := s.store.ListActiveSyncUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active sync users: %w", err)
	}

	creds := make([]driftsync.UserCredential, 0, len(settings))
	for _, setting := range settings {
		plaintext, err := s.envelope.Open(setting.TokenEncrypted)
		if err != nil {
			log.WithUserID(setting.UserID).Warn().Err(err).Msg("skipping drift sync: token decrypt failed")
			continue
		}
		creds = append(creds, driftsync.UserCredential{UserID: setting.UserID, AccessToken: string(plaintext)})
	}
	return creds, nil
}

// Broker exposes the shared event broker for an out-of-scope HTTP/SSE
// surface to subscribe to.
func (s *Service) Broker() *events.Broker { return s.broker }
