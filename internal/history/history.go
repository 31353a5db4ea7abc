// Package history keeps a local SQLite index of finished runs.
//
// The index is purely observational: the coalescing protocol lives in
// the lock directory and the result store, and a missing or broken
// history database never fails a run. It exists so `onceover history`
// can answer "what ran, when, and did the cache help" without scraping
// the results directory.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Source records how a session obtained its exit code.
type Source string

const (
	// SourceRun means this process executed the command itself.
	SourceRun Source = "run"
	// SourceCache means the exit code came from a cached result replay.
	SourceCache Source = "cache"
	// SourceTail means this process followed another process's live run.
	SourceTail Source = "tail"
)

// Entry is one recorded session.
type Entry struct {
	ID          string
	Fingerprint string // empty when fingerprinting was unavailable
	Argv        []string
	ExitCode    int
	Source      Source
	Duration    time.Duration
	CreatedAt   time.Time
}

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database at path, applying pragmas
// and migrations. Idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect history db: %w", err)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY between the recorder and the list command.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts one finished session. ON CONFLICT(id) DO NOTHING keeps
// replays of the same entry idempotent.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	argvJSON, err := json.Marshal(e.Argv)
	if err != nil {
		return fmt.Errorf("record run: marshal argv: %w", err)
	}

	var fp any
	if e.Fingerprint != "" {
		fp = e.Fingerprint
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, fingerprint, argv, exit_code, source, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID,
		fp,
		string(argvJSON),
		e.ExitCode,
		string(e.Source),
		e.Duration.Milliseconds(),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// List returns up to limit entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fingerprint, argv, exit_code, source, duration_ms, created_at
		FROM runs
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			fp         sql.NullString
			argvJSON   string
			source     string
			durationMs int64
			createdAt  string
		)
		if err := rows.Scan(&e.ID, &fp, &argvJSON, &e.ExitCode, &source, &durationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if fp.Valid {
			e.Fingerprint = fp.String
		}
		if err := json.Unmarshal([]byte(argvJSON), &e.Argv); err != nil {
			return nil, fmt.Errorf("parse argv: %w", err)
		}
		e.Source = Source(source)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}
