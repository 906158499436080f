// Package blueprint implements the blueprint mapper (component B): resolving
// a Marketplace blueprint id to the local print id and catalog table that
// the rest of the service needs, with a TTL cache in front of the
// (comparatively expensive, out-of-process) catalog lookup.
package blueprint

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCacheTTL is the blueprint-mapping cache lifetime (spec: 24h).
const DefaultCacheTTL = 24 * time.Hour

// DefaultCacheSize bounds the number of cached blueprint entries. Catalogs
// run in the low hundreds of thousands of prints; this keeps the cache
// resident without unbounded growth.
const DefaultCacheSize = 200_000

// Blueprint is the resolved shape of a Marketplace blueprint id: the local
// print row it corresponds to, and the catalog table that print lives in.
type Blueprint struct {
	MarketplaceID string
	LocalPrintID  string
	CatalogTable  string
}

// Lookup is the read-only catalog data source a Mapper resolves against.
// It is expected to be a batched read against whatever reference-data store
// already holds the catalog (out of scope for this service); Mapper only
// adds caching and deny-list filtering on top of it.
type Lookup interface {
	LookupBlueprints(ctx context.Context, marketplaceIDs []string) (map[string]Blueprint, error)
}

// Mapper resolves Marketplace blueprint ids to Blueprint values, caching
// results for DefaultCacheTTL, and reports through IsDenied whether a
// resolved catalog table is on the deny-list (spec.md §4.F: such products
// are dropped and counted as skipped, never synced). Resolve and
// ResolveBatch return deny-listed entries too; the caller drops them.
type Mapper struct {
	lookup   Lookup
	cache    *lru.LRU[string, Blueprint]
	denylist map[string]struct{}
}

// Config configures a Mapper.
type Config struct {
	// CacheTTL overrides DefaultCacheTTL. Zero means use the default.
	CacheTTL time.Duration
	// CacheSize overrides DefaultCacheSize. Zero means use the default.
	CacheSize int
	// DenyTables lists catalog tables whose products are never synced.
	DenyTables []string
}

// NewMapper creates a Mapper backed by lookup, with the given deny-listed
// catalog tables.
func NewMapper(lookup Lookup, cfg Config) *Mapper {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}

	deny := make(map[string]struct{}, len(cfg.DenyTables))
	for _, t := range cfg.DenyTables {
		deny[t] = struct{}{}
	}

	return &Mapper{
		lookup:   lookup,
		cache:    lru.NewLRU[string, Blueprint](size, nil, ttl),
		denylist: deny,
	}
}

// IsDenied reports whether products resolved to catalogTable should be
// dropped rather than synced.
func (m *Mapper) IsDenied(catalogTable string) bool {
	_, denied := m.denylist[catalogTable]
	return denied
}

// Resolve resolves a single blueprint id, consulting the cache first.
func (m *Mapper) Resolve(ctx context.Context, marketplaceID string) (*Blueprint, error) {
	if bp, ok := m.cache.Get(marketplaceID); ok {
		return &bp, nil
	}

	resolved, err := m.lookup.LookupBlueprints(ctx, []string{marketplaceID})
	if err != nil {
		return nil, fmt.Errorf("lookup blueprint %s: %w", marketplaceID, err)
	}

	bp, ok := resolved[marketplaceID]
	if !ok {
		return nil, fmt.Errorf("blueprint %s: %w", marketplaceID, ErrNotFound)
	}

	m.cache.Add(marketplaceID, bp)
	return &bp, nil
}

// ResolveBatch resolves many blueprint ids in as few Lookup calls as
// possible: cached entries are served from memory, and only the cache
// misses go out to Lookup, in a single batched call. Blueprint ids that
// Lookup has no answer for are simply absent from the returned map; callers
// treat an absent id the same as a product with no blueprint_id (spec.md
// §4.F: dropped, counted as skipped).
func (m *Mapper) ResolveBatch(ctx context.Context, marketplaceIDs []string) (map[string]Blueprint, error) {
	result := make(map[string]Blueprint, len(marketplaceIDs))
	var misses []string

	seen := make(map[string]struct{}, len(marketplaceIDs))
	for _, id := range marketplaceIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if bp, ok := m.cache.Get(id); ok {
			result[id] = bp
			continue
		}
		misses = append(misses, id)
	}

	if len(misses) == 0 {
		return result, nil
	}

	resolved, err := m.lookup.LookupBlueprints(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("lookup %d blueprints: %w", len(misses), err)
	}

	for id, bp := range resolved {
		m.cache.Add(id, bp)
		result[id] = bp
	}

	return result, nil
}

// notFoundError is the type of ErrNotFound.
type notFoundError struct{}

func (notFoundError) Error() string { return "blueprint not found" }

// ErrNotFound is returned by Resolve when the catalog has no mapping for
// the requested blueprint id.
var ErrNotFound error = notFoundError{}
