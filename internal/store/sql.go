package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS course_sessions (
		session_id      TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		state           TEXT NOT NULL,
		context         TEXT NOT NULL DEFAULT '',
		title           TEXT NOT NULL,
		current_step    TEXT NOT NULL DEFAULT 'initial',
		messages_json   TEXT NOT NULL,
		collected_json  TEXT NOT NULL,
		metadata_json   TEXT NOT NULL,
		status_reason   TEXT NOT NULL DEFAULT '',
		tokens_used     BIGINT NOT NULL DEFAULT 0,
		cost_accrued    DOUBLE PRECISION NOT NULL DEFAULT 0,
		version         BIGINT NOT NULL DEFAULT 1,
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL,
		completed_at    BIGINT,
		checkpointed_at BIGINT NOT NULL DEFAULT 0,
		warned_at       BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_course_sessions_user ON course_sessions(user_id, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_course_sessions_state ON course_sessions(state, updated_at)`,
	`CREATE TABLE IF NOT EXISTS session_checkpoints (
		session_id         TEXT PRIMARY KEY,
		title              TEXT NOT NULL,
		current_step       TEXT NOT NULL,
		messages_json      TEXT NOT NULL,
		collected_json     TEXT NOT NULL,
		content_updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS lesson_drafts (
		session_id  TEXT NOT NULL,
		section_id  TEXT NOT NULL,
		lesson_id   TEXT NOT NULL,
		content     TEXT NOT NULL,
		order_index INTEGER NOT NULL DEFAULT 0,
		updated_at  BIGINT NOT NULL,
		PRIMARY KEY (session_id, section_id, lesson_id)
	)`,
}

// SQLStore implements Repository on database/sql for SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	driver  string
	now     func() time.Time
	writeMu sync.Mutex // serializes SQLite writers to avoid SQLITE_BUSY
}

// Option configures an SQLStore.
type Option func(*SQLStore)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) {
		s.now = now
	}
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, opts ...Option) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dsn := dbPath + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)"
	return Open(DriverSQLite, dsn, opts...)
}

// Open connects to the given driver and bootstraps the schema.
func Open(driver, dsn string, opts ...Option) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// lockWrites serializes writers on SQLite. Postgres handles its own locking.
func (s *SQLStore) lockWrites() func() {
	if s.driver != DriverSQLite {
		return func() {}
	}
	s.writeMu.Lock()
	return s.writeMu.Unlock
}

// rebind rewrites ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// inClause returns "?, ?, ?" and the matching args.
func inClause(ids []string) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return strings.Join(marks, ", "), args
}
