/*
Package types defines the core data structures shared across syncd.

This package holds the domain model that every other package operates on:
SyncSettings (per-user Marketplace connection state), InventoryItem (the
mirrored catalog row) and Operation (the durable record of a background
task). It also defines the small enums shared between the rate limiter,
the circuit breaker and the sync engines.

# Core Types

  - SyncSettings: one row per user; owns the encrypted Marketplace token,
    the webhook secret, and the coarse sync_status state machine.
  - InventoryItem: one row per (user, blueprint, external_stock_id); the
    locally mirrored product.
  - Operation: one row per background task, keyed by the job queue's task
    id; authorizes status polls by the owning user.

All types are plain structs intended for direct use with database/sql
scanning; JSON-shaped fields (Operation.Metadata, InventoryItem.Properties)
are typed as map[string]any and marshaled at the storage boundary.
*/
package types
