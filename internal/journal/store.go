// Package journal records the terminal state of every unit of work in a
// local SQLite database so failures stay inspectable after the fact.
// Conversation context is never written here.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"relaybot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteJournal implements domain.OutcomeJournal using SQLite.
type SQLiteJournal struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*SQLiteJournal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create journal directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open journal: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal migration failed: %w", err)
	}

	return &SQLiteJournal{db: db, logger: logger}, nil
}

func (j *SQLiteJournal) Record(ctx context.Context, o domain.Outcome) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO outcomes (task_id, update_id, sender_id, chat_id, decision, state, error_kind, error, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.TaskID, o.UpdateID, o.SenderID, o.ChatID, o.Decision, string(o.State),
		o.ErrorKind, o.Error, o.Latency.Milliseconds(), o.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", o.TaskID, err)
	}
	return nil
}

// Recent returns the newest outcomes first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int, failedOnly bool) ([]domain.Outcome, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT task_id, update_id, sender_id, chat_id, decision, state, error_kind, error, latency_ms, created_at
		 FROM outcomes`
	args := []any{}
	if failedOnly {
		query += ` WHERE state = ?`
		args = append(args, string(domain.StateFailed))
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Outcome
	for rows.Next() {
		var o domain.Outcome
		var state string
		var errKind, errText sql.NullString
		var latencyMs int64
		if err := rows.Scan(&o.TaskID, &o.UpdateID, &o.SenderID, &o.ChatID, &o.Decision,
			&state, &errKind, &errText, &latencyMs, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.State = domain.TaskState(state)
		o.ErrorKind = errKind.String
		o.Error = errText.String
		o.Latency = time.Duration(latencyMs) * time.Millisecond
		out = append(out, o)
	}
	return out, rows.Err()
}

// Prune deletes outcomes recorded before olderThan and reports how many went.
func (j *SQLiteJournal) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM outcomes WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		j.logger.Info("journal pruned", "removed", n, "before", olderThan.Format(time.RFC3339))
	}
	return n, nil
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
