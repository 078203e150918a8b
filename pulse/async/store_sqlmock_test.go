package async

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/slate/errors"
)

// --- Sqlmock Tests ---
// Failure paths that a real SQLite database will not produce on demand.

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db).WithClock(NewManualClock(epoch)), mock
}

func TestRefreshHeartbeat_Sqlmock(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE pulse_jobs SET heartbeat_ms = \?`).
		WithArgs(epoch.UnixMilli(), "JB1", tasBot).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pulse_jobs SET heartbeat_ms = \?`).
		WithArgs(epoch.UnixMilli(), "JB1", tasBot).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.RefreshHeartbeat(context.Background(), "JB1", tasBot))
	err := store.RefreshHeartbeat(context.Background(), "JB1", tasBot)
	assert.True(t, errors.Is(err, errors.ErrClaimLost))
	assert.Contains(t, errors.FlattenHints(err), "re-sync")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireClaimDatabaseError_Sqlmock(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := epoch.Add(-DefaultHeartbeatTimeout).UnixMilli()

	mock.ExpectExec(`UPDATE pulse_jobs SET claim_owner = \?, heartbeat_ms = \?`).
		WithArgs(kirby, epoch.UnixMilli(), "JB1", kirby, cutoff).
		WillReturnError(errors.New("disk I/O error"))

	err := store.AcquireClaim(context.Background(), "JB1", kirby)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to acquire claim on job JB1")
	assert.False(t, errors.Is(err, errors.ErrBusy))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueRollsBackOnError_Sqlmock(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE pulse_items SET status = 'pending'`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE pulse_jobs SET`).
		WithArgs("JB1").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, err := store.RequeueFailedItems(context.Background(), "JB1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to refresh counts")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitFailure_Sqlmock(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE pulse_items SET status = 'pending'`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE pulse_jobs SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	_, err := store.RequeueFailedItems(context.Background(), "JB1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit transaction")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupOldJobs_Sqlmock(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM pulse_jobs`).
		WithArgs(epoch.Add(-72 * time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.CleanupOldJobs(context.Background(), 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseClaimError_Sqlmock(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE pulse_jobs SET claim_owner = NULL`).
		WithArgs("JB1", tasBot).
		WillReturnError(errors.New("sql: database is closed"))

	err := store.ReleaseClaim(context.Background(), "JB1", tasBot)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
