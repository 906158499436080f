package blueprint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	calls int
	data  map[string]Blueprint
	err   error
}

func (f *fakeLookup) LookupBlueprints(ctx context.Context, ids []string) (map[string]Blueprint, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]Blueprint, len(ids))
	for _, id := range ids {
		if bp, ok := f.data[id]; ok {
			out[id] = bp
		}
	}
	return out, nil
}

func TestResolve_CachesResult(t *testing.T) {
	lookup := &fakeLookup{data: map[string]Blueprint{
		"bp-1": {MarketplaceID: "bp-1", LocalPrintID: "print-1", CatalogTable: "mtg_prints"},
	}}
	mapper := NewMapper(lookup, Config{})

	first, err := mapper.Resolve(context.Background(), "bp-1")
	require.NoError(t, err)
	assert.Equal(t, "print-1", first.LocalPrintID)

	second, err := mapper.Resolve(context.Background(), "bp-1")
	require.NoError(t, err)
	assert.Equal(t, "print-1", second.LocalPrintID)

	assert.Equal(t, 1, lookup.calls, "second Resolve should hit the cache, not Lookup again")
}

func TestResolve_NotFound(t *testing.T) {
	lookup := &fakeLookup{data: map[string]Blueprint{}}
	mapper := NewMapper(lookup, Config{})

	_, err := mapper.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveBatch_MixesCacheAndLookup(t *testing.T) {
	lookup := &fakeLookup{data: map[string]Blueprint{
		"bp-1": {MarketplaceID: "bp-1", LocalPrintID: "print-1", CatalogTable: "mtg_prints"},
		"bp-2": {MarketplaceID: "bp-2", LocalPrintID: "print-2", CatalogTable: "mtg_prints"},
	}}
	mapper := NewMapper(lookup, Config{})

	_, err := mapper.Resolve(context.Background(), "bp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, lookup.calls)

	result, err := mapper.ResolveBatch(context.Background(), []string{"bp-1", "bp-2", "bp-1"})
	require.NoError(t, err)

	assert.Len(t, result, 2)
	assert.Equal(t, "print-2", result["bp-2"].LocalPrintID)
	// bp-1 was already cached; only bp-2 should have gone out to Lookup.
	assert.Equal(t, 2, lookup.calls)
}

func TestResolveBatch_AllCached_NoLookupCall(t *testing.T) {
	lookup := &fakeLookup{data: map[string]Blueprint{
		"bp-1": {MarketplaceID: "bp-1", LocalPrintID: "print-1", CatalogTable: "mtg_prints"},
	}}
	mapper := NewMapper(lookup, Config{})

	_, err := mapper.Resolve(context.Background(), "bp-1")
	require.NoError(t, err)

	_, err = mapper.ResolveBatch(context.Background(), []string{"bp-1"})
	require.NoError(t, err)

	assert.Equal(t, 1, lookup.calls, "fully cached batch should not call Lookup")
}

func TestResolveBatch_UnresolvedIDsAbsentFromResult(t *testing.T) {
	lookup := &fakeLookup{data: map[string]Blueprint{
		"bp-1": {MarketplaceID: "bp-1", LocalPrintID: "print-1", CatalogTable: "mtg_prints"},
	}}
	mapper := NewMapper(lookup, Config{})

	result, err := mapper.ResolveBatch(context.Background(), []string{"bp-1", "bp-unknown"})
	require.NoError(t, err)

	assert.Contains(t, result, "bp-1")
	assert.NotContains(t, result, "bp-unknown")
}

func TestIsDenied(t *testing.T) {
	mapper := NewMapper(&fakeLookup{}, Config{DenyTables: []string{"sealed_products"}})

	assert.True(t, mapper.IsDenied("sealed_products"))
	assert.False(t, mapper.IsDenied("mtg_prints"))
}

func TestResolveBatch_LookupError(t *testing.T) {
	lookup := &fakeLookup{err: assert.AnError}
	mapper := NewMapper(lookup, Config{})

	_, err := mapper.ResolveBatch(context.Background(), []string{"bp-1"})
	assert.Error(t, err)
}
