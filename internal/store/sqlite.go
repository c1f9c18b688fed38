package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/csiro-workspace/workspace-go/internal/model"

	_ "modernc.org/sqlite"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    skey        INTEGER NOT NULL,
    file        TEXT NOT NULL,
    state       TEXT NOT NULL,
    created_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    mode        TEXT NOT NULL,
    status      TEXT NOT NULL,
    message     TEXT NOT NULL DEFAULT '',
    started_at  DATETIME NOT NULL,
    finished_at DATETIME,
    duration_ms INTEGER
)`

// ErrNotFound is returned when a session or run is not found.
var ErrNotFound = errors.New("record not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createSessionsTable, createRunsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SessionStarted inserts a journal record for a newly connected session.
func (s *SQLiteStore) SessionStarted(ctx context.Context, sessionID string, key int, file string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, skey, file, state, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, key, file, model.SessionLive, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// SessionEnded marks a session terminated and stamps its finish time.
func (s *SQLiteStore) SessionEnded(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, finished_at = ? WHERE id = ?`,
		model.SessionTerminated, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession retrieves a session journal record by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	rec := &model.Session{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, skey, file, state, created_at, finished_at
		 FROM sessions WHERE id = ?`, sessionID,
	).Scan(&rec.ID, &rec.Key, &rec.File, &rec.State, &rec.CreatedAt, &rec.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

// ListSessions returns a paginated list of sessions ordered by created_at
// DESC, along with the total count.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, skey, file, state, created_at, finished_at
		 FROM sessions ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		rec := &model.Session{}
		if err := rows.Scan(&rec.ID, &rec.Key, &rec.File, &rec.State, &rec.CreatedAt, &rec.FinishedAt); err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, total, nil
}

// RunStarted inserts a journal record for a freshly issued execution.
func (s *SQLiteStore) RunStarted(ctx context.Context, runID, sessionID, mode string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, mode, status, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		runID, sessionID, mode, model.StatusRunning, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RunEnded closes a run record with its final status. The duration is
// computed from the stored start time. Closing an already-closed run is a
// no-op so late completion events cannot clobber a recorded outcome.
func (s *SQLiteStore) RunEnded(ctx context.Context, runID, status, message string) error {
	if !model.Terminal(status) {
		return fmt.Errorf("status %q is not terminal", status)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs
		 SET status = ?, message = ?, finished_at = ?,
		     duration_ms = CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER)
		 WHERE id = ? AND status = ?`,
		status, message, now, now, runID, model.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	return nil
}

// ListRuns returns every run journaled for a session, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, sessionID string) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, mode, status, message, started_at, finished_at, duration_ms
		 FROM runs WHERE session_id = ? ORDER BY started_at DESC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r := &model.Run{}
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Mode, &r.Status, &r.Message, &r.StartedAt, &r.FinishedAt, &r.DurationMS); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetRunStats aggregates run counts and the average duration of completed
// runs across the whole journal.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &RunStats{
		CountByStatus: make(map[string]int),
		CountByMode:   make(map[string]int),
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	rows, err = tx.QueryContext(ctx, "SELECT mode, COUNT(*) FROM runs GROUP BY mode")
	if err != nil {
		return nil, fmt.Errorf("count by mode: %w", err)
	}
	for rows.Next() {
		var mode string
		var count int
		if err := rows.Scan(&mode, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan mode count: %w", err)
		}
		stats.CountByMode[mode] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mode counts: %w", err)
	}

	var avg sql.NullFloat64
	err = tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM runs WHERE duration_ms IS NOT NULL",
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}
	return stats, nil
}
