/*
Package syncerr defines the shared error taxonomy used across syncd.

Every component in the sync pipeline (the rate limiter, the circuit
breaker, the Marketplace client, the bulk-sync engine, the write-path
reconciler and the webhook processor) raises errors that the caller-facing
layer (out of scope here) must map to an HTTP status and a retry decision.
Rather than have each package invent its own sentinel errors, they all
build *Error values through this package so the taxonomy stays in one
place and stays consistent.
*/
package syncerr
