/*
Package log provides structured logging for syncd using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

syncd's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("bulksync")                │          │
	│  │  - WithUserID("user-abc123")                │          │
	│  │  - WithOperationID("op-def456")             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "bulksync",                 │          │
	│  │    "time": "2026-07-31T10:30:00Z",         │          │
	│  │    "message": "chunk processed"              │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2026-07-31T10:30:00Z INF chunk processed component=bulksync │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all syncd packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithUserID: Add user id context
  - WithOperationID: Add operation id context

# Log Levels

Debug Level:
  - Purpose: Detailed debugging information
  - Usage: Development and troubleshooting
  - Performance: Verbose, may impact production
  - Example: "Evaluating rate limiter factor: current=0.6, capacity=120"

Info Level:
  - Purpose: General informational messages
  - Usage: Default production level
  - Performance: Moderate volume
  - Example: "Bulk sync started: user=user-abc chunks=14"

Warn Level:
  - Purpose: Potential issues or unexpected conditions
  - Usage: Situations that may require attention
  - Performance: Low volume
  - Example: "Circuit breaker transitioning to half-open"

Error Level:
  - Purpose: Operation failures that need investigation
  - Usage: Failed operations, exceptions
  - Performance: Low volume
  - Example: "Failed to apply inventory update: marketplace returned 502"

Fatal Level:
  - Purpose: Critical errors causing process termination
  - Usage: Unrecoverable errors only
  - Behavior: Logs message and exits process (os.Exit(1))
  - Example: "Failed to connect to Postgres: %v"

# Usage

Initializing the Logger:

	import "github.com/cuemby/syncd/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

	// Custom output (file)
	file, _ := os.OpenFile("/var/log/syncd.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     file,
	})

Simple Logging:

	log.Info("Service started")
	log.Debug("Polling job queue")
	log.Warn("Rate limiter capacity near floor")
	log.Error("Failed to reach marketplace")
	log.Fatal("Cannot start without database") // Exits process

Structured Logging:

	log.Logger.Info().
		Str("user_id", "user-123").
		Int("chunks", 14).
		Msg("Bulk sync started")

	log.Logger.Error().
		Err(err).
		Str("operation_id", "op-abc").
		Msg("Operation failed")

Component Loggers:

	// Create component-specific logger
	bulkLog := log.WithComponent("bulksync")
	bulkLog.Info().Msg("Starting bulk sync run")
	bulkLog.Debug().Str("operation_id", "op-123").Msg("Dispatching chunk")

	// Multiple context fields
	opLog := log.WithComponent("webhook").
		With().Str("user_id", "user-abc").
		Str("operation_id", "op-123").Logger()
	opLog.Info().Msg("Processing order.update event")
	opLog.Error().Err(err).Msg("Event processing failed")

Context Logger Helpers:

	// User-specific logs
	userLog := log.WithUserID("user-abc123")
	userLog.Info().Msg("Sync settings connected")

	// Operation-specific logs
	opLog := log.WithOperationID("op-def456")
	opLog.Info().Msg("Operation started")

Complete Example:

	package main

	import (
		"errors"
		"os"
		"github.com/cuemby/syncd/pkg/log"
	)

	func main() {
		// Initialize logger
		log.Init(log.Config{
			Level:      log.InfoLevel,
			JSONOutput: true,
			Output:     os.Stdout,
		})

		log.Info("syncd starting")

		// Component-specific logging
		bulkLog := log.WithComponent("bulksync")
		bulkLog.Info().
			Str("user_id", "user-1").
			Int("chunk_count", 5).
			Msg("Scheduling chunks")

		// Error logging
		err := errors.New("connection refused")
		log.Logger.Error().
			Err(err).
			Str("component", "marketplace").
			Msg("Failed to reach marketplace")

		log.Info("syncd stopped")
	}

# Integration Points

This package integrates with:

  - pkg/syncservice: Logs sync settings transitions
  - pkg/bulksync: Logs chunk scheduling and progress
  - pkg/driftsync: Logs periodic reconciliation
  - pkg/jobqueue: Logs task dispatch and retries
  - pkg/webhook: Logs inbound event processing
  - pkg/ratelimit, pkg/breaker: Log capacity and state transitions

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"bulksync","time":"2026-07-31T10:30:00Z","message":"bulk sync started"}
	{"level":"info","component":"jobqueue","operation_id":"op-123","time":"2026-07-31T10:30:01Z","message":"task dispatched"}
	{"level":"error","component":"webhook","user_id":"user-abc","error":"invalid signature","time":"2026-07-31T10:30:02Z","message":"rejected webhook event"}

Console Format (Development):

	2026-07-31T10:30:00Z INF bulk sync started component=bulksync
	2026-07-31T10:30:01Z INF task dispatched component=jobqueue operation_id=op-123
	2026-07-31T10:30:02Z ERR rejected webhook event component=webhook user_id=user-abc error="invalid signature"

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields
  - Pass context loggers to functions
  - Automatically includes context in all logs
  - Avoids repetitive field specification

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err)
  - Enables log aggregation and querying
  - Better than string concatenation
  - Parseable by log analysis tools

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Records the error message under the "error" field (no stack trace)
  - Enables error tracking and alerting
  - Consistent error format across codebase

# Security

Log Content:
  - Never log secrets or sensitive data
  - Redact marketplace tokens and webhook secrets
  - Use log scrubbing for compliance (GDPR, PCI)
  - Review logs before sharing externally

Log Injection:
  - Use structured logging (prevents injection)
  - Never concatenate user input into log messages
  - Use typed fields (.Str, .Int) for user data

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() so the message lands in the "error" field
  - Include context (user id, operation id)

Don't:
  - Log sensitive data (tokens, secrets)
  - Use Debug level in production
  - Log in tight loops (use sampling)
  - Concatenate strings (use .Str, .Int)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
*/
package log
