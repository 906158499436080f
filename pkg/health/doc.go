/*
Package health provides the readiness probes syncd runs against its three
hard dependencies: the Marketplace API (component E), the PostgreSQL store
(pkg/storage), and the shared Redis instance backing the rate limiter (C),
breaker (D) and job queue (J).

# Architecture

A Checker is a small, side-effect-free probe:

	type Checker interface {
	    Check(ctx context.Context) Result
	    Type() CheckType
	}

Two concrete checkers exist:

  - HTTPChecker — GET the Marketplace's own /info endpoint and require a
    2xx/3xx status.
  - TCPChecker — dial the Postgres or Redis address and require the
    connection to succeed.

Monitor runs a Checker on a ticker, folds each Result into a Status
(consecutive-failure/success counters, matching the same "N consecutive
failures before unhealthy" discipline the teacher used for container
health checks), and passes the folded state to a callback after every
check. metrics.RegisterComponent fits that callback, so the in-process
readiness registry in pkg/metrics (GetReadiness) can reflect live
dependency state without this package importing metrics directly.
cmd/syncd does not start a Monitor; it registers fixed component states
at startup.

# Usage

	httpChecker := health.NewHTTPChecker(marketplaceBaseURL + "/info")
	go health.Monitor(ctx, "marketplace", httpChecker, health.DefaultConfig(), metrics.RegisterComponent)

	tcpChecker := health.NewTCPChecker(postgresAddr)
	go health.Monitor(ctx, "postgres", tcpChecker, health.DefaultConfig(), metrics.RegisterComponent)

This package never gates traffic itself — cmd/syncd reads
metrics.GetReadiness() wherever a liveness/readiness surface (out of scope
per spec.md §1) needs to consult it.
*/
package health
