// Package store is the SQLite persistence layer: runs, logs, checkpoints,
// settings, conversations, session snapshots, and cost metrics live in a
// single database file shared by every component.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and key parameters.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithCipherKey sets the 32-byte key used to encrypt sensitive setting
// values at rest. Without a key, sensitive values are stored in plaintext.
func WithCipherKey(key []byte) Option {
	return func(s *Store) { s.cipherKey = key }
}

// Store wraps a single SQLite file. All goroutines serialize through one
// connection (SetMaxOpenConns(1)), which eliminates SQLITE_BUSY errors from
// concurrent writers opening independent connections.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	cipherKey []byte

	stmtMu sync.Mutex
	stmts  map[string]*sql.Stmt
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New opens (or creates) the database at dbPath.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger, stmts: make(map[string]*sql.Stmt)}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s, nil
}

// Close finalizes cached statements and closes the database.
func (s *Store) Close() error {
	s.stmtMu.Lock()
	for _, st := range s.stmts {
		_ = st.Close()
	}
	s.stmts = make(map[string]*sql.Stmt)
	s.stmtMu.Unlock()
	return s.db.Close()
}

// stmt returns a prepared statement for query, preparing it on first use.
// The cache is dropped on Close, so a reopened store rebuilds statements
// against the new handle.
func (s *Store) stmt(ctx context.Context, query string) (*sql.Stmt, error) {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	if st, ok := s.stmts[query]; ok {
		return st, nil
	}
	st, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	s.stmts[query] = st
	return st, nil
}

// Init applies pragmas and creates all required tables. Safe to call on an
// existing database; DDL is idempotent and migrations are best-effort.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("pragma: %w", err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			repo_path TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			project_id TEXT,
			user_goal TEXT NOT NULL,
			repo_path TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'implementation',
			final_report TEXT,
			error TEXT,
			progress TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			level TEXT NOT NULL,
			source TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS parallel_sessions (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shell_tabs (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cost_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			run_id TEXT PRIMARY KEY,
			messages TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			conversation_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_threads (
			id TEXT PRIMARY KEY,
			run_id TEXT,
			title TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS structured_specs (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_spec_links (
			run_id TEXT NOT NULL,
			spec_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, spec_id)
		)`,
		`CREATE TABLE IF NOT EXISTS spec_agent_sessions (
			id TEXT PRIMARY KEY,
			spec_id TEXT NOT NULL,
			session_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Migrations (best-effort, silent fail if already applied).
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE runs ADD COLUMN progress TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE runs ADD COLUMN mode TEXT NOT NULL DEFAULT 'implementation'")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE run_logs ADD COLUMN metadata TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE conversation_messages ADD COLUMN conversation_id TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE projects ADD COLUMN repo_path TEXT")

	// Indexes on frequently queried columns.
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_run ON run_logs(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_run_id ON run_logs(run_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run_created ON checkpoints(run_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_messages_run_seq ON conversation_messages(run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_messages_conv ON conversation_messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_run_spec_links_spec ON run_spec_links(spec_id)`,
		`CREATE INDEX IF NOT EXISTS idx_spec_sessions_spec ON spec_agent_sessions(spec_id)`,
	}
	for _, ddl := range indexes {
		_, _ = s.db.ExecContext(ctx, ddl)
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
