package journal

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db")+"?_journal_mode=WAL")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func openJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "nested", "journal.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRunMigrations_FreshDB(t *testing.T) {
	db := testDB(t)
	require.NoError(t, RunMigrations(db, testLogger()))

	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := testDB(t)
	require.NoError(t, RunMigrations(db, testLogger()))
	require.NoError(t, RunMigrations(db, testLogger()))

	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)
}

func TestRunMigrations_ResumesPartialUpgrade(t *testing.T) {
	db := testDB(t)
	require.NoError(t, ensureVersionTable(db))
	require.NoError(t, applyMigrationStatements(db, migrations[0], testLogger()))
	// Simulate a v2 column that landed without its version row.
	_, err := db.Exec(`ALTER TABLE outcomes ADD COLUMN update_id INTEGER DEFAULT 0`)
	require.NoError(t, err)

	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	require.Equal(t, 1, version)

	require.NoError(t, RunMigrations(db, testLogger()))
	version, err = GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)

	// The rest of v2 still ran past the duplicate column.
	_, err = db.Exec(`INSERT INTO outcomes (task_id, decision, state, update_id, error_kind) VALUES ('t', 'direct', 'failed', 7, 'backend_unavailable')`)
	require.NoError(t, err)
	var idx string
	require.NoError(t, db.QueryRow(`SELECT name FROM sqlite_master WHERE type='index' AND name='idx_outcomes_state'`).Scan(&idx))
	assert.Equal(t, "idx_outcomes_state", idx)
}

func TestGetSchemaVersion_NoTable(t *testing.T) {
	version, err := GetSchemaVersion(testDB(t))
	require.NoError(t, err)
	assert.Equal(t, 0, version)
}

func TestJournal_RecordAndRecent(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, domain.Outcome{
		TaskID: "t1", SenderID: 7, ChatID: 70, Decision: "direct_reply",
		State: domain.StateDelivered, Latency: 1500 * time.Millisecond,
	}))
	require.NoError(t, j.Record(ctx, domain.Outcome{
		TaskID: "t2", SenderID: 8, ChatID: 80, Decision: "mention_reply",
		State: domain.StateFailed, ErrorKind: "backend_unavailable", Error: "connection refused",
	}))

	got, err := j.Recent(ctx, 10, false)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t2", got[0].TaskID, "newest first")
	assert.Equal(t, domain.StateFailed, got[0].State)
	assert.Equal(t, "backend_unavailable", got[0].ErrorKind)
	assert.Equal(t, "t1", got[1].TaskID)
	assert.Equal(t, 1500*time.Millisecond, got[1].Latency)
	assert.Equal(t, int64(70), got[1].ChatID)
}

func TestJournal_RecentFailedOnly(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	for i, state := range []domain.TaskState{domain.StateDelivered, domain.StateFailed, domain.StateSuppressed, domain.StateFailed} {
		require.NoError(t, j.Record(ctx, domain.Outcome{TaskID: string(rune('a' + i)), Decision: "direct_reply", State: state}))
	}

	got, err := j.Recent(ctx, 10, true)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, o := range got {
		assert.Equal(t, domain.StateFailed, o.State)
	}
}

func TestJournal_RecentLimit(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, j.Record(ctx, domain.Outcome{TaskID: "x", Decision: "direct_reply", State: domain.StateDelivered}))
	}

	got, err := j.Recent(ctx, 3, false)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestJournal_Prune(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, domain.Outcome{TaskID: "old", Decision: "direct_reply", State: domain.StateDelivered,
		CreatedAt: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, j.Record(ctx, domain.Outcome{TaskID: "new", Decision: "direct_reply", State: domain.StateDelivered}))

	n, err := j.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := j.Recent(ctx, 10, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].TaskID)
}

func TestSubscribe_RecordsTerminalOutcomes(t *testing.T) {
	j := openJournal(t)
	eb := bus.NewEventBus(0, testLogger())
	Subscribe(eb, j, testLogger())

	eb.EmitOutcome("test", domain.Outcome{TaskID: "a", Decision: "direct_reply", State: domain.StateDelivered})
	eb.EmitOutcome("test", domain.Outcome{TaskID: "b", Decision: "ignore", State: domain.StateIgnored})
	eb.Emit(bus.Event{Type: bus.EventRelayShed, Outcome: &domain.Outcome{
		TaskID: "c", Decision: "ignore", State: domain.StateFailed, ErrorKind: "queue_full",
	}})

	got, err := j.Recent(context.Background(), 10, false)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].TaskID)
	assert.Equal(t, "queue_full", got[0].ErrorKind)
	assert.Equal(t, "a", got[1].TaskID)
}
