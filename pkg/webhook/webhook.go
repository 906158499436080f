// Package webhook implements the webhook processor (component H): HMAC
// signature verification (VerifySignature), and the order.create/
// order.update/order.destroy semantics from spec.md §4.H. The ingress
// endpoint (out of scope here) must acknowledge within 100ms, so the caller
// (syncservice) verifies the signature and enqueues the event; Processor
// runs later from the job queue, de-duplicates by event id and applies the
// per-item quantity changes. It never touches the Marketplace itself.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/syncd/pkg/events"
	"github.com/cuemby/syncd/pkg/log"
	"github.com/cuemby/syncd/pkg/storage"
	"github.com/cuemby/syncd/pkg/types"
)

// DedupTTL bounds how long a processed webhook id is remembered, matching
// the Marketplace's documented retry window (SPEC_FULL.md §5 item 1) so a
// redelivered event after an upstream retry doesn't double-apply.
const DedupTTL = 24 * time.Hour

// Cause identifies the upstream order lifecycle event a webhook reports.
type Cause string

const (
	CauseOrderCreate  Cause = "order.create"
	CauseOrderUpdate  Cause = "order.update"
	CauseOrderDestroy Cause = "order.destroy"
)

// OrderState is the lifecycle state of an order as reported by the
// Marketplace, used to gate order.update's precondition.
type OrderState string

const (
	StatePaid             OrderState = "paid"
	StateCanceled         OrderState = "canceled"
	StateRequestForCancel OrderState = "request_for_cancel"
)

// OrderItem is one line item within a webhook's order payload.
type OrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// Order is the data payload of an incoming webhook.
type Order struct {
	State         OrderState  `json:"state"`
	PreviousState OrderState  `json:"previous_state"`
	Items         []OrderItem `json:"order_item"`
}

// Event is the full webhook body: `{ id, cause, mode, data }`.
type Event struct {
	ID    string `json:"id"`
	Cause Cause  `json:"cause"`
	Mode  string `json:"mode"`
	Data  Order  `json:"data"`
}

// VerifySignature reports whether signature (base64-encoded) is a valid
// HMAC-SHA-256 of body under secret, using a constant-time compare so the
// check can't be used as a timing oracle.
func VerifySignature(body []byte, signature, secret string) bool {
	decoded, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	return hmac.Equal(decoded, expected)
}

// Processor applies a validated webhook's order-state semantics to local
// inventory. The caller (syncservice) is responsible for signature
// verification before calling Process — Processor assumes it has already
// been authenticated, per the precondition table in spec.md §4.H.
type Processor struct {
	store  *storage.Store
	redis  *redis.Client
	broker *events.Broker
}

// New creates a Processor.
func New(store *storage.Store, redisClient *redis.Client) *Processor {
	return &Processor{store: store, redis: redisClient}
}

// WithEvents attaches broker so Process publishes webhook-intake
// notifications to it. Optional — a nil broker skips publishing.
func (p *Processor) WithEvents(broker *events.Broker) *Processor {
	p.broker = broker
	return p
}

func (p *Processor) publish(eventType events.EventType, userID, message string) {
	if p.broker == nil {
		return
	}
	p.broker.Publish(&events.Event{Type: eventType, UserID: userID, Message: message})
}

// ItemError records a per-item failure that didn't block the rest of the
// order's items, per spec.md §4.H: "missing local items ... do not block
// other items in the same order."
type ItemError struct {
	ProductID string `json:"product_id"`
	Message   string `json:"message"`
}

// Result reports the outcome of processing one webhook event.
type Result struct {
	Duplicate bool        `json:"duplicate"`
	Applied   int         `json:"applied"`
	Errors    []ItemError `json:"errors,omitempty"`
}

// Process applies event's order-state semantics for userID's inventory.
// Duplicate delivery (by event.ID, within DedupTTL) is a no-op, reported
// via Result.Duplicate rather than an error — upstream delivery retries
// are expected, not exceptional.
func (p *Processor) Process(ctx context.Context, userID string, event Event) (*Result, error) {
	dedupKey := "webhook:seen:" + event.ID
	set, err := p.redis.SetNX(ctx, dedupKey, userID, DedupTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("webhook dedup check: %w", err)
	}
	if !set {
		p.publish(events.EventWebhookDuplicate, userID, "webhook id "+event.ID)
		return &Result{Duplicate: true}, nil
	}
	p.publish(events.EventWebhookReceived, userID, "webhook id "+event.ID)

	delta, ok := deltaForCause(event)
	if !ok {
		return &Result{}, nil
	}

	result := &Result{}
	for _, item := range event.Data.Items {
		if err := p.applyDelta(ctx, userID, item.ProductID, delta*item.Quantity); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				result.Errors = append(result.Errors, ItemError{ProductID: item.ProductID, Message: "inventory item not found"})
				continue
			}
			result.Errors = append(result.Errors, ItemError{ProductID: item.ProductID, Message: err.Error()})
			continue
		}
		result.Applied++
	}

	log.WithUserID(userID).Info().
		Str("webhook_id", event.ID).
		Str("cause", string(event.Cause)).
		Int("applied", result.Applied).
		Int("errors", len(result.Errors)).
		Msg("webhook processed")
	return result, nil
}

// deltaForCause maps a webhook's cause/state to the signed per-unit
// quantity adjustment spec.md §4.H's precondition table describes,
// reporting ok=false when the event's precondition isn't met (the event is
// accepted and acknowledged, just a no-op).
func deltaForCause(event Event) (delta int64, ok bool) {
	switch event.Cause {
	case CauseOrderCreate:
		if event.Data.State == StatePaid {
			return -1, true
		}
		return 0, false
	case CauseOrderUpdate:
		if event.Data.State == StateCanceled || event.Data.State == StateRequestForCancel {
			return 1, true
		}
		if event.Data.PreviousState == StatePaid && event.Data.State != StatePaid {
			return 1, true
		}
		return 0, false
	case CauseOrderDestroy:
		return 1, true
	default:
		return 0, false
	}
}

// applyDelta finds the local item by (user, external_stock_id=productID)
// and adjusts its quantity by delta, clamped at zero.
func (p *Processor) applyDelta(ctx context.Context, userID, productID string, delta int64) error {
	return p.store.WithTx(ctx, func(tx *sql.Tx) error {
		item, err := p.store.GetInventoryItemByExternalStockID(ctx, userID, productID)
		if err != nil {
			return err
		}
		item.Quantity = types.ClampQuantity(item.Quantity + delta)
		return p.store.UpsertInventoryItem(ctx, tx, item)
	})
}
