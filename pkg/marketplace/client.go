// Package marketplace implements the Marketplace client (component E): an
// HTTP client wrapping the rate limiter (C) and circuit breaker (D) in
// front of the seller-catalog wire protocol documented in spec.md §6.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/syncd/pkg/breaker"
	"github.com/cuemby/syncd/pkg/log"
	"github.com/cuemby/syncd/pkg/metrics"
	"github.com/cuemby/syncd/pkg/ratelimit"
	"github.com/cuemby/syncd/pkg/syncerr"
)

// MaxRetries429 is R in spec.md §4.E: the number of 429 retries a single
// call attempts before giving up.
const MaxRetries429 = 3

// AcquireRetryBudget bounds how many times a call will sleep out a
// rate-limiter wait before failing rather than retry forever.
const AcquireRetryBudget = 5

const (
	exportTimeout  = 180 * time.Second
	defaultTimeout = 30 * time.Second
)

// Client is the Marketplace HTTP client. One Client is shared by every
// caller; per-user state (token bucket, auth token) is passed per call,
// not held on the struct.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
}

// Config configures a Client.
type Config struct {
	// BaseURL is the Marketplace API origin, e.g. "https://api.marketplace.example".
	BaseURL string
	// HTTPClient overrides the default *http.Client. Useful for tests.
	HTTPClient *http.Client
}

// New creates a Client wrapping limiter and breaker.
func New(limiter *ratelimit.Limiter, brk *breaker.Breaker, cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		limiter:    limiter,
		breaker:    brk,
	}
}

// Info calls GET /info.
func (c *Client) Info(ctx context.Context, user, token string) (*Info, error) {
	var info Info
	if err := c.do(ctx, user, token, "info", http.MethodGet, "/info", defaultTimeout, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ExportFilters narrows a ProductsExport call to a subset of the catalog.
type ExportFilters struct {
	BlueprintID  string
	ExpansionID  string
}

// ProductsExport calls GET /products/export. This is the slow, large call
// that backs the bulk-sync engine (F) and periodic drift sync (I); it gets
// its own 180s timeout (spec.md §4.E).
func (c *Client) ProductsExport(ctx context.Context, user, token string, filters ExportFilters) ([]Product, error) {
	path := "/products/export"
	q := make([]string, 0, 2)
	if filters.BlueprintID != "" {
		q = append(q, "blueprint_id="+filters.BlueprintID)
	}
	if filters.ExpansionID != "" {
		q = append(q, "expansion_id="+filters.ExpansionID)
	}
	if len(q) > 0 {
		path += "?" + q[0]
		for _, extra := range q[1:] {
			path += "&" + extra
		}
	}

	var products []Product
	if err := c.do(ctx, user, token, "products_export", http.MethodGet, path, exportTimeout, nil, &products); err != nil {
		return nil, err
	}
	return products, nil
}

// BulkUpdate calls POST /products/bulk_update.
func (c *Client) BulkUpdate(ctx context.Context, user, token string, items []BulkItem) (*BulkResponse, error) {
	var resp BulkResponse
	req := BulkRequest{Products: items}
	if err := c.do(ctx, user, token, "bulk_update", http.MethodPost, "/products/bulk_update", defaultTimeout, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BulkCreate calls POST /products/bulk_create.
func (c *Client) BulkCreate(ctx context.Context, user, token string, items []BulkItem) (*BulkResponse, error) {
	var resp BulkResponse
	req := BulkRequest{Products: items}
	if err := c.do(ctx, user, token, "bulk_create", http.MethodPost, "/products/bulk_create", defaultTimeout, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteResult reports the outcome of a Delete call.
type DeleteResult struct {
	// AlreadyDeleted is true when the Marketplace answered 404: per
	// spec.md §4.E this is treated as success, not an error.
	AlreadyDeleted bool
}

// Delete calls DELETE /products/{id}. A 404 is treated as success.
func (c *Client) Delete(ctx context.Context, user, token, productID string) (*DeleteResult, error) {
	err := c.do(ctx, user, token, "delete", http.MethodDelete, "/products/"+productID, defaultTimeout, nil, nil)
	if err == nil {
		return &DeleteResult{}, nil
	}
	if se, ok := err.(*syncerr.Error); ok && se.Kind == syncerr.KindNotFound {
		return &DeleteResult{AlreadyDeleted: true}, nil
	}
	return nil, err
}

// Increment calls POST /products/{id}/increment with a signed delta.
func (c *Client) Increment(ctx context.Context, user, token, productID string, delta int64) error {
	req := IncrementRequest{DeltaQuantity: delta}
	return c.do(ctx, user, token, "increment", http.MethodPost, "/products/"+productID+"/increment", defaultTimeout, req, nil)
}

// GetProduct calls GET /products/{id}, consulted by the purchase saga (G)
// to read the authoritative remote quantity before deciding how to apply
// the purchase remotely.
func (c *Client) GetProduct(ctx context.Context, user, token, productID string) (*Product, error) {
	var product Product
	if err := c.do(ctx, user, token, "get_product", http.MethodGet, "/products/"+productID, defaultTimeout, nil, &product); err != nil {
		return nil, err
	}
	return &product, nil
}

// JobStatus calls GET /jobs/{uuid}, used to poll the async job a
// bulk_update/bulk_create call returned.
func (c *Client) JobStatus(ctx context.Context, user, token, jobID string) (*Job, error) {
	var job Job
	if err := c.do(ctx, user, token, "job_status", http.MethodGet, "/jobs/"+jobID, defaultTimeout, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// do implements the shared call sequence from spec.md §4.E: consult the
// breaker, acquire a rate-limiter token, issue the request with 429 retry,
// and report the outcome back to both C and D.
//
// NOTE (spec.md §9, open question): every 429 both decays the rate
// limiter's adaptive factor (C) *and* counts as a failure against the
// circuit breaker (D). A sustained 429 storm can therefore trip the
// breaker open even though the Marketplace itself never actually failed —
// this is the spec's own documented double-counting, kept as specified
// rather than separated into two channels.
func (c *Client) do(ctx context.Context, user, token, operation, method, path string, timeout time.Duration, body, result any) error {
	logger := log.WithUserID(user)
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.MarketplaceRequestDuration, operation)

	state := c.breaker.Allow(ctx)
	if state == breaker.Open {
		metrics.BreakerRejectionsTotal.Inc()
		metrics.MarketplaceRequestsTotal.WithLabelValues(operation, "breaker_open").Inc()
		return syncerr.New(syncerr.KindMarketplaceUnavailable, "marketplace circuit breaker is open")
	}

	if err := c.acquireToken(ctx, user); err != nil {
		metrics.MarketplaceRequestsTotal.WithLabelValues(operation, "rate_limited").Inc()
		return err
	}

	var bodyBytes []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", operation, err)
		}
		bodyBytes = encoded
	}

	var lastErr error
	for attempt := 0; attempt <= MaxRetries429; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		status, header, respBody, err := c.roundtrip(reqCtx, method, path, token, bodyBytes)
		cancel()

		if err != nil {
			c.breaker.RecordFailure(ctx, breaker.FailureGeneric)
			metrics.MarketplaceRequestsTotal.WithLabelValues(operation, "network_error").Inc()
			return syncerr.Wrap(syncerr.KindMarketplaceAPIError, "marketplace request failed: "+operation, err)
		}

		if status == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(header)
			c.limiter.OnLimitExceeded(ctx, user)
			c.breaker.RecordFailure(ctx, breaker.FailureRateLimit)
			metrics.MarketplaceRequestsTotal.WithLabelValues(operation, "throttled").Inc()

			if attempt == MaxRetries429 {
				lastErr = syncerr.New(syncerr.KindRateLimitExceeded, "marketplace rate limit exceeded: "+operation)
				break
			}

			backoff := retryAfter + time.Duration(attempt)*2*time.Second + jitter()
			logger.Warn().Str("operation", operation).Int("attempt", attempt).Dur("backoff", backoff).Msg("marketplace 429, backing off")
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			continue
		}

		if status == http.StatusNotFound {
			c.breaker.RecordSuccess(ctx)
			c.limiter.OnSuccess(ctx, user)
			metrics.MarketplaceRequestsTotal.WithLabelValues(operation, "not_found").Inc()
			return syncerr.New(syncerr.KindNotFound, "marketplace resource not found: "+operation)
		}

		if status < 200 || status >= 300 {
			c.breaker.RecordFailure(ctx, breaker.FailureGeneric)
			metrics.MarketplaceRequestsTotal.WithLabelValues(operation, "api_error").Inc()
			return syncerr.New(syncerr.KindMarketplaceAPIError, fmt.Sprintf("marketplace returned %d for %s", status, operation))
		}

		c.breaker.RecordSuccess(ctx)
		c.limiter.OnSuccess(ctx, user)
		metrics.MarketplaceRequestsTotal.WithLabelValues(operation, "success").Inc()

		if result != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, result); err != nil {
				return fmt.Errorf("decode %s response: %w", operation, err)
			}
		}
		return nil
	}

	return lastErr
}

// acquireToken blocks (bounded by AcquireRetryBudget) until the rate
// limiter admits this user's call, or returns RATE_LIMIT_EXCEEDED.
func (c *Client) acquireToken(ctx context.Context, user string) error {
	for attempt := 0; attempt < AcquireRetryBudget; attempt++ {
		allowed, wait := c.limiter.Acquire(ctx, user, 1)
		if allowed {
			return nil
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	return syncerr.New(syncerr.KindRateLimitExceeded, "exhausted rate limiter acquire retries")
}

func (c *Client) roundtrip(ctx context.Context, method, path, token string, body []byte) (status int, header http.Header, respBody []byte, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, resp.Header, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, resp.Header, data, nil
}

// parseRetryAfter reads the Retry-After header the Marketplace includes on
// 429 responses (spec.md §6), defaulting to 1s when absent or unparsable.
func parseRetryAfter(header http.Header) time.Duration {
	raw := header.Get("Retry-After")
	if raw == "" {
		return time.Second
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return time.Second
	}
	return time.Duration(seconds) * time.Second
}

func jitter() time.Duration {
	return time.Duration(rand.Float64() * float64(time.Second))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
