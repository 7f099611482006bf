package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"bucketmigrate/internal/storage"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	runID   string
	closed  atomic.Bool
	writeMu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and creates if needed) the ledger at dbPath. A
// ledger created for one source/destination pair refuses any other.
func NewSQLiteStore(ctx context.Context, dbPath string, scope Scope) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	// synchronous(FULL) makes every committed write durable before Exec returns.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(60000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)", filepath.Clean(dbPath))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes statements; SQLite allows one writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := store.checkScope(ctx, scope); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transfers (
		key TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		md5 TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		run_id TEXT NOT NULL,
		outcome TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_state ON transfers(state);
	CREATE INDEX IF NOT EXISTS idx_transfers_run_id ON transfers(run_id);
	`

	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLiteStore) checkScope(ctx context.Context, scope Scope) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO ledger_meta (id, source, destination, created_at) VALUES (1, ?, ?, ?)`,
		scope.Source, scope.Destination, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record ledger scope: %w", err)
	}

	var source, destination string
	err = s.db.QueryRowContext(ctx, `SELECT source, destination FROM ledger_meta WHERE id = 1`).Scan(&source, &destination)
	if err != nil {
		return fmt.Errorf("failed to read ledger scope: %w", err)
	}
	if source != scope.Source || destination != scope.Destination {
		return fmt.Errorf("ledger belongs to %s -> %s, not %s -> %s",
			source, destination, scope.Source, scope.Destination)
	}
	return nil
}

// Begin starts a run and, unless resuming, resets attempt budgets.
func (s *SQLiteStore) Begin(ctx context.Context, runID string, resume bool) error {
	s.runID = runID
	if resume {
		return nil
	}
	return s.write(ctx, "begin", "", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE transfers SET attempts = 0 WHERE state != ?`, StateDone)
		return err
	})
}

// MarkInProgress records the start of an attempt. Pending keys, unknown keys
// and keys left in progress by an interrupted run are accepted.
func (s *SQLiteStore) MarkInProgress(ctx context.Context, desc storage.ObjectDescriptor) error {
	return s.write(ctx, "mark_in_progress", desc.Key, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		INSERT INTO transfers (key, size, content_hash, md5, state, attempts, last_error, run_id, outcome, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, NULL, ?, '', ?)
		ON CONFLICT(key) DO UPDATE SET
			size = excluded.size,
			content_hash = excluded.content_hash,
			md5 = excluded.md5,
			state = excluded.state,
			attempts = transfers.attempts + 1,
			run_id = excluded.run_id,
			outcome = '',
			updated_at = excluded.updated_at
		WHERE transfers.state IN (?, ?)
		`,
			desc.Key, desc.Size, desc.ContentHash, desc.MD5, StateInProgress, s.runID, time.Now().UTC(),
			StatePending, StateInProgress,
		)
		return expectOne(res, err)
	})
}

// MarkDone completes an in-progress record
func (s *SQLiteStore) MarkDone(ctx context.Context, key string) error {
	return s.write(ctx, "mark_done", key, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		UPDATE transfers SET state = ?, outcome = ?, last_error = NULL, updated_at = ?
		WHERE key = ? AND state = ?
		`, StateDone, OutcomeTransferred, time.Now().UTC(), key, StateInProgress)
		return expectOne(res, err)
	})
}

// MarkFailed fails an in-progress record and keeps the cause
func (s *SQLiteStore) MarkFailed(ctx context.Context, key string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.write(ctx, "mark_failed", key, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		UPDATE transfers SET state = ?, last_error = ?, updated_at = ?
		WHERE key = ? AND state = ?
		`, StateFailed, msg, time.Now().UTC(), key, StateInProgress)
		return expectOne(res, err)
	})
}

// MarkSkipped settles a key that needed no transfer in this run: the
// ledger already had it done, or the destination already held an identical
// copy once the key was claimed in progress.
func (s *SQLiteStore) MarkSkipped(ctx context.Context, key string) error {
	return s.write(ctx, "mark_skipped", key, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		UPDATE transfers SET state = ?, outcome = ?, last_error = NULL, run_id = ?, updated_at = ?
		WHERE key = ? AND state IN (?, ?)
		`, StateDone, OutcomeSkipped, s.runID, time.Now().UTC(), key, StateInProgress, StateDone)
		return expectOne(res, err)
	})
}

// Touch attributes an existing record to the current run without changing its state.
func (s *SQLiteStore) Touch(ctx context.Context, key string) error {
	return s.write(ctx, "touch", key, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE transfers SET run_id = ?, updated_at = ? WHERE key = ?`,
			s.runID, time.Now().UTC(), key)
		return expectOne(res, err)
	})
}

// Requeue moves a failed record back to pending.
func (s *SQLiteStore) Requeue(ctx context.Context, key string) error {
	return s.write(ctx, "requeue", key, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		UPDATE transfers SET state = ?, run_id = ?, updated_at = ?
		WHERE key = ? AND state = ?
		`, StatePending, s.runID, time.Now().UTC(), key, StateFailed)
		return expectOne(res, err)
	})
}

// Get retrieves a record; nil when the key is unknown.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("ledger is closed")
	}

	var result *Record
	err := s.retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx, selectColumns+` WHERE key = ?`, key)
		record, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			result = nil
			return nil
		}
		result = record
		return err
	})
	return result, err
}

// Retryable lists this run's failed records that still have attempts left.
func (s *SQLiteStore) Retryable(ctx context.Context, maxAttempts int) ([]*Record, error) {
	return s.query(ctx, selectColumns+` WHERE state = ? AND run_id = ? AND attempts < ? ORDER BY key`,
		StateFailed, s.runID, maxAttempts)
}

// Failed lists this run's failed records
func (s *SQLiteStore) Failed(ctx context.Context) ([]*Record, error) {
	return s.query(ctx, selectColumns+` WHERE state = ? AND run_id = ? ORDER BY key`, StateFailed, s.runID)
}

// Summary counts this run's records by state and outcome.
func (s *SQLiteStore) Summary(ctx context.Context) (Summary, error) {
	var sum Summary

	rows, err := s.db.QueryContext(ctx, `
	SELECT state, outcome, COUNT(*) FROM transfers WHERE run_id = ? GROUP BY state, outcome
	`, s.runID)
	if err != nil {
		return sum, err
	}
	defer rows.Close()

	for rows.Next() {
		var state State
		var outcome Outcome
		var n int64
		if err := rows.Scan(&state, &outcome, &n); err != nil {
			return sum, err
		}
		sum.Total += n
		switch {
		case state == StateDone && outcome == OutcomeSkipped:
			sum.Skipped += n
		case state == StateDone:
			sum.Succeeded += n
		case state == StateFailed:
			sum.Failed += n
		default:
			sum.Incomplete += n
		}
	}
	return sum, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

const selectColumns = `
	SELECT key, size, content_hash, md5, state, attempts, last_error, run_id, outcome, updated_at
	FROM transfers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var record Record
	var lastError sql.NullString

	err := row.Scan(
		&record.Key,
		&record.Size,
		&record.ContentHash,
		&record.MD5,
		&record.State,
		&record.Attempts,
		&lastError,
		&record.RunID,
		&record.Outcome,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}
	return &record, nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// write runs fn in a transaction and reports any failure as a WriteError.
func (s *SQLiteStore) write(ctx context.Context, op, key string, fn func(tx *sql.Tx) error) error {
	if s.closed.Load() {
		return &WriteError{Op: op, Key: key, Err: errors.New("ledger is closed")}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return &WriteError{Op: op, Key: key, Err: err}
	}
	return nil
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrInvalidTransition
	}
	return nil
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(ctx context.Context, operation func() error) error {
	const maxRetries = 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}

		delay := baseDelay * time.Duration(1<<uint(attempt))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}
