/*
Package blueprint implements the blueprint mapper (component B).

The bulk-sync engine (F) and periodic drift sync (I) both receive raw
Marketplace products carrying a blueprint_id, but need to know which local
print that blueprint id maps to and which catalog table that print lives
in, before an InventoryItem row can reference it. That lookup is read-only
reference data owned outside this service, so Mapper wraps an injected
Lookup with:

  - a 24-hour TTL cache, since the catalog changes far less often than
    inventory does and the bulk-sync hot path would otherwise issue one
    lookup per product
  - deny-list filtering, so callers can drop products that resolve to a
    catalog table this service deliberately never syncs

# Usage

	mapper := blueprint.NewMapper(catalogLookup, blueprint.Config{
		DenyTables: []string{"sealed_products"},
	})

	resolved, err := mapper.ResolveBatch(ctx, blueprintIDs)
	for _, bp := range resolved {
		if mapper.IsDenied(bp.CatalogTable) {
			continue // skipped, not synced
		}
		// ...
	}
*/
package blueprint
