// Package catalog provides the default blueprint.Lookup implementation:
// a read-only query against a catalog table that some external system
// owns. spec.md §1 treats blueprint lookup as "an external cached lookup
// function" and explicitly keeps it out of scope; this package exists so
// cmd/syncd has something concrete to wire when no other catalog service
// is available. Any blueprint.Lookup works in its place.
package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/cuemby/syncd/pkg/blueprint"
)

// Store is a Postgres-backed blueprint.Lookup over a catalog table
// maintained outside this service's own migrations.
type Store struct {
	db *sql.DB
}

// New wraps an existing *sql.DB as a Store. Callers typically share the
// same connection pool pkg/storage.Store uses, since both point at the
// same Postgres instance in the simplest deployment.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// LookupBlueprints resolves a batch of marketplace blueprint ids in a
// single query, satisfying blueprint.Lookup. IDs with no matching row are
// simply absent from the result, per blueprint.Mapper's contract.
func (s *Store) LookupBlueprints(ctx context.Context, marketplaceIDs []string) (map[string]blueprint.Blueprint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT marketplace_id, local_print_id, catalog_table
		FROM catalog_blueprints
		WHERE marketplace_id = ANY($1)`, pq.Array(marketplaceIDs))
	if err != nil {
		return nil, fmt.Errorf("lookup blueprints: %w", err)
	}
	defer rows.Close()

	result := make(map[string]blueprint.Blueprint, len(marketplaceIDs))
	for rows.Next() {
		var bp blueprint.Blueprint
		if err := rows.Scan(&bp.MarketplaceID, &bp.LocalPrintID, &bp.CatalogTable); err != nil {
			return nil, err
		}
		result[bp.MarketplaceID] = bp
	}
	return result, rows.Err()
}
