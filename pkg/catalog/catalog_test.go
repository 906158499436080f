package catalog

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupBlueprints(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"marketplace_id", "local_print_id", "catalog_table"}).
		AddRow("mkt-1", "print-1", "base_set")
	mock.ExpectQuery("SELECT marketplace_id, local_print_id, catalog_table").
		WillReturnRows(rows)

	store := New(db)
	resolved, err := store.LookupBlueprints(context.Background(), []string{"mkt-1", "mkt-2"})

	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "print-1", resolved["mkt-1"].LocalPrintID)
	assert.Equal(t, "base_set", resolved["mkt-1"].CatalogTable)
	assert.NoError(t, mock.ExpectationsWereMet())
}
