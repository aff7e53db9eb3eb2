package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		settings TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		requested_outputs INTEGER NOT NULL,
		planned_outputs INTEGER NOT NULL,
		completed_plans INTEGER NOT NULL DEFAULT 0,
		succeeded_plans INTEGER NOT NULL DEFAULT 0,
		failed_plans INTEGER NOT NULL DEFAULT 0,
		credits_per_output INTEGER NOT NULL,
		credits_reserved INTEGER NOT NULL,
		credits_refunded INTEGER NOT NULL DEFAULT 0,
		settled BOOLEAN NOT NULL DEFAULT 0,
		cancel_requested BOOLEAN NOT NULL DEFAULT 0,
		claimed_by TEXT NOT NULL DEFAULT '',
		claimed_at DATETIME,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		error TEXT,
		state_transitions TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id);

	CREATE TABLE IF NOT EXISTS outputs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		plan_index INTEGER NOT NULL,
		path TEXT NOT NULL,
		filename TEXT NOT NULL,
		format TEXT NOT NULL,
		content_type TEXT NOT NULL,
		duration REAL NOT NULL,
		size_bytes INTEGER NOT NULL,
		metadata TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (job_id, plan_index)
	);

	CREATE TABLE IF NOT EXISTS plan_failures (
		job_id TEXT NOT NULL,
		plan_index INTEGER NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		diagnostics TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_plan_failures_job ON plan_failures(job_id);

	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL CHECK (balance >= 0),
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		job_id TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL,
		type TEXT NOT NULL,
		description TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id, created_at);
	`

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite connection string with parameters for concurrent access
	// - _journal_mode=WAL: Enable Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: Wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: Balance between safety and performance
	// - _cache_size=-8000: 8MB memory cache
	// - _txlock=immediate: Acquire write lock at transaction start, so
	//   read-then-write transactions serialize like row locks
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_cache_size=-8000&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1) // Serialize writes to avoid SQLITE_BUSY
	db.SetMaxIdleConns(1) // Keep one connection ready
	db.SetConnMaxLifetime(30 * time.Minute)

	store := newSQLiteStore(db)
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func newSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{sqlStore: &sqlStore{
		db: db,
		dialect: dialect{
			name:         "sqlite",
			createSchema: sqliteSchema,
		},
	}}
}
