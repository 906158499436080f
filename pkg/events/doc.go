/*
Package events provides an in-memory, non-blocking pub/sub broker used to
broadcast inventory-sync notifications to interested subscribers inside
one process — cross-cutting observability, not a coordination mechanism.

# Architecture

A single Broker fans a buffered intake channel out to any number of
buffered subscriber channels:

	Publisher → Broker.eventCh (buffer: 100)
	                 │
	            broadcast loop
	                 │
	        ┌────────┼────────┐
	        ▼        ▼        ▼
	    Subscriber Subscriber Subscriber   (buffer: 50 each)

Publish never blocks on a slow subscriber: a full subscriber buffer simply
drops the event for that subscriber rather than stalling the broadcast
loop or the publisher. This mirrors the "broadcast is best-effort" posture
spec.md §9 already takes toward Operation metadata updates — events here
carry the same no-ordering, no-delivery-guarantee caveat.

# Event types

The bulk-sync engine (F), write-path reconciler (G), and webhook processor
(H) each publish events as they mutate state: sync lifecycle transitions
(EventSyncStarted/Completed/Failed), inventory mutations
(EventInventoryUpdated/Deleted), purchase saga milestones
(EventPurchaseReserved/Settled), webhook intake
(EventWebhookReceived/Duplicate), and circuit breaker transitions
(EventBreakerOpened/Closed) for operational visibility into component D.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
	    for event := range sub {
	        log.Info().Str("event_type", string(event.Type)).Msg("sync event")
	    }
	}()

	broker.Publish(&events.Event{Type: events.EventSyncCompleted, UserID: userID})

A subscriber must never treat the absence of an event as proof that the
underlying state didn't change — the relational store (pkg/storage) is
the only source of truth; this package only notifies.
*/
package events
