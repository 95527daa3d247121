// Package store is the embedded relational store. Every durable entity
// (sessions, messages, credentials, models, runs, scheduled tasks, memory)
// lives here behind typed DAOs guarded by a process-wide mutex.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lyqf/proxycast/internal/bus"
)

const (
	schemaVersionV1 = 1
	schemaVersionV2 = 2
	schemaVersionV3 = 3

	schemaVersionLatest = schemaVersionV3
)

// schemaChecksums pins each migration version to a ledger checksum so a
// downgrade or a divergent db is caught at startup.
var schemaChecksums = map[int]string{
	schemaVersionV1: "pc-v1-core-entities",
	schemaVersionV2: "pc-v2-unified-memory",
	schemaVersionV3: "pc-v3-model-registry-source",
}

// Store wraps the sqlite handle. All DAO methods take the mutex for the
// duration of their critical section and release it before any await point
// in callers.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// DefaultDBPath returns ~/.proxycast/proxycast.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".proxycast", "proxycast.db")
}

// Open opens (or creates) the database at path and applies migrations.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// migrate applies ordered, idempotent, monotonic migrations and records each
// version in schema_migrations with its ledger checksum.
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion > 0 {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := schemaChecksums[maxVersion]; existing != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existing, want)
		}
	}

	for version := maxVersion + 1; version <= schemaVersionLatest; version++ {
		stmts, ok := migrations[version]
		if !ok {
			return fmt.Errorf("missing migration for version %d", version)
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration v%d: %w", version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
			version, schemaChecksums[version],
		); err != nil {
			return fmt.Errorf("record migration v%d: %w", version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

var migrations = map[int][]string{
	schemaVersionV1: {
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL DEFAULT 'chat' CHECK(mode IN ('chat', 'agent')),
			title TEXT,
			system_prompt TEXT,
			model TEXT,
			workspace_id TEXT,
			strategy TEXT NOT NULL DEFAULT 'auto' CHECK(strategy IN ('react', 'code_orchestrated', 'auto')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL CHECK(role IN ('system', 'user', 'assistant', 'tool')),
			content JSON NOT NULL,
			parent_tool_call_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);`,
		`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			default_host TEXT NOT NULL,
			protocol TEXT NOT NULL DEFAULT 'openai' CHECK(protocol IN ('openai', 'anthropic')),
			auth_header TEXT NOT NULL DEFAULT 'Authorization',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL REFERENCES providers(id),
			api_host TEXT,
			secret TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			disabled_reason TEXT,
			last_used_at DATETIME,
			consecutive_errors INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_provider ON credentials(provider_id, enabled);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL CHECK(source IN ('chat', 'heartbeat', 'rpc', 'telegram', 'system')),
			source_ref TEXT,
			session_id TEXT,
			status TEXT NOT NULL CHECK(status IN ('running', 'success', 'error', 'timeout', 'canceled')),
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			duration_ms INTEGER,
			error_code TEXT,
			error_message TEXT,
			metadata JSON NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			payload TEXT NOT NULL,
			provider_id TEXT,
			model TEXT,
			schedule_kind TEXT NOT NULL CHECK(schedule_kind IN ('every', 'cron', 'at', 'every_anchor')),
			schedule_spec TEXT NOT NULL,
			scheduled_at DATETIME,
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
			enabled INTEGER NOT NULL DEFAULT 1,
			retry_count INTEGER NOT NULL DEFAULT 0,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			auto_disabled_until DATETIME,
			last_run_at DATETIME,
			last_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS memory_entries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL CHECK(kind IN ('task_plan', 'findings', 'progress', 'error_log')),
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			tags JSON NOT NULL DEFAULT '[]',
			priority INTEGER NOT NULL DEFAULT 5,
			archived INTEGER NOT NULL DEFAULT 0,
			attempted_solutions JSON,
			failure_count INTEGER NOT NULL DEFAULT 0,
			resolved INTEGER NOT NULL DEFAULT 0,
			resolution TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_session ON memory_entries(session_id, kind);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	},
	schemaVersionV2: {
		`CREATE TABLE IF NOT EXISTS unified_memory (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			category TEXT,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			summary TEXT,
			tags JSON NOT NULL DEFAULT '[]',
			confidence REAL NOT NULL DEFAULT 0.5,
			importance INTEGER NOT NULL DEFAULT 5,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at DATETIME,
			source TEXT NOT NULL DEFAULT 'manual' CHECK(source IN ('manual', 'auto_extracted')),
			archived INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_unified_memory_type ON unified_memory(type, archived);`,
	},
	schemaVersionV3: {
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			family TEXT,
			tier TEXT CHECK(tier IN ('mini', 'pro', 'max')),
			capabilities JSON NOT NULL DEFAULT '{}',
			pricing JSON,
			limits JSON,
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'deprecated')),
			source TEXT NOT NULL DEFAULT 'embedded' CHECK(source IN ('embedded', 'api', 'local')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (id, provider_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_models_status ON models(status);`,
	},
}
