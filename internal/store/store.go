// Package store keeps a journal of runtime builds and executions in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	KindCreate    = "create"
	KindExecution = "execution"
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Record is one finished build or execution.
type Record struct {
	ID         int64         `json:"id"`
	Runtime    string        `json:"runtime"`
	Kind       string        `json:"kind"`
	Version    string        `json:"version"`
	StatusCode int           `json:"statusCode"`
	ErrorType  string        `json:"errorType,omitempty"`
	Duration   time.Duration `json:"duration"`
	CreatedAt  time.Time     `json:"createdAt"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS executions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	runtime     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	version     TEXT NOT NULL DEFAULT '',
	status_code INTEGER NOT NULL DEFAULT 0,
	error_type  TEXT NOT NULL DEFAULT '',
	duration_us INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_runtime ON executions(runtime);
CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at);
`

// DefaultMaxOpenConns is the default connection pool size.
const DefaultMaxOpenConns = 4

// dsnWithPragmas applies WAL, busy_timeout and perf pragmas to every new
// connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the journal. maxOpenConns controls the pool size (0 = default 4).
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	err := retryOnBusy(func() error {
		_, e := s.db.ExecContext(ctx,
			`INSERT INTO executions (runtime, kind, version, status_code, error_type, duration_us, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.Runtime, rec.Kind, rec.Version, rec.StatusCode, rec.ErrorType,
			rec.Duration.Microseconds(), rec.CreatedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}
	return nil
}

// Recent returns up to limit records for a runtime, newest first.
func (s *Store) Recent(ctx context.Context, runtime string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, runtime, kind, version, status_code, error_type, duration_us, created_at
		 FROM executions WHERE runtime = ? ORDER BY id DESC LIMIT ?`,
		runtime, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var durationUs int64
		if err := rows.Scan(
			&rec.ID, &rec.Runtime, &rec.Kind, &rec.Version, &rec.StatusCode,
			&rec.ErrorType, &durationUs, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		rec.Duration = time.Duration(durationUs) * time.Microsecond
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return records, nil
}

// Prune deletes records created before cutoff and reports how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.ExecContext(ctx, `DELETE FROM executions WHERE created_at < ?`, cutoff.UTC())
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("pruning records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
