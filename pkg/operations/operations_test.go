package operations

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/syncd/pkg/storage"
	"github.com/cuemby/syncd/pkg/syncerr"
	"github.com/cuemby/syncd/pkg/types"
)

func newTestJournal(t *testing.T) (*Journal, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(storage.FromDB(db)), mock
}

func TestRegister_CreatesOperationBeforeReturning(t *testing.T) {
	journal, mock := newTestJournal(t)

	mock.ExpectExec("INSERT INTO operations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	preRegister := journal.Register(types.OperationBulkSync, "user-1")
	err := preRegister(context.Background(), "task-1")

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatus_OwnerCanRead(t *testing.T) {
	journal, mock := newTestJournal(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"operation_id", "user_id", "type", "status", "metadata", "created_at", "completed_at"}).
		AddRow("task-1", "user-1", types.OperationBulkSync, types.OperationPending, []byte(`{}`), now, nil)
	mock.ExpectQuery("SELECT .* FROM operations").
		WithArgs("task-1").
		WillReturnRows(rows)

	op, err := journal.Status(context.Background(), "task-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", op.UserID)
}

func TestStatus_NonOwnerGetsNotFound(t *testing.T) {
	journal, mock := newTestJournal(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"operation_id", "user_id", "type", "status", "metadata", "created_at", "completed_at"}).
		AddRow("task-1", "user-1", types.OperationBulkSync, types.OperationPending, []byte(`{}`), now, nil)
	mock.ExpectQuery("SELECT .* FROM operations").
		WithArgs("task-1").
		WillReturnRows(rows)

	_, err := journal.Status(context.Background(), "task-1", "user-2")
	require.Error(t, err)
	assert.True(t, syncerr.As(err, syncerr.KindNotFound))
}

func TestStatus_MissingOperationGetsNotFound(t *testing.T) {
	journal, mock := newTestJournal(t)

	mock.ExpectQuery("SELECT .* FROM operations").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := journal.Status(context.Background(), "missing", "user-1")
	require.Error(t, err)
	assert.True(t, syncerr.As(err, syncerr.KindNotFound))
}

func TestUpdateProgress_WritesMetadata(t *testing.T) {
	journal, mock := newTestJournal(t)

	mock.ExpectExec("UPDATE operations SET metadata").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := journal.UpdateProgress(context.Background(), "task-1", map[string]any{"processed_chunks": 1})
	require.NoError(t, err)
}

func TestComplete_SetsTerminalStatus(t *testing.T) {
	journal, mock := newTestJournal(t)

	mock.ExpectExec("UPDATE operations SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := journal.Complete(context.Background(), "task-1", map[string]any{"processed": 100})
	require.NoError(t, err)
}
