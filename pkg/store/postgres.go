package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		settings JSONB NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		requested_outputs INTEGER NOT NULL,
		planned_outputs INTEGER NOT NULL,
		completed_plans INTEGER NOT NULL DEFAULT 0,
		succeeded_plans INTEGER NOT NULL DEFAULT 0,
		failed_plans INTEGER NOT NULL DEFAULT 0,
		credits_per_output BIGINT NOT NULL,
		credits_reserved BIGINT NOT NULL,
		credits_refunded BIGINT NOT NULL DEFAULT 0,
		settled BOOLEAN NOT NULL DEFAULT false,
		cancel_requested BOOLEAN NOT NULL DEFAULT false,
		claimed_by TEXT NOT NULL DEFAULT '',
		claimed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		error TEXT,
		state_transitions JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id);

	CREATE TABLE IF NOT EXISTS outputs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		plan_index INTEGER NOT NULL,
		path TEXT NOT NULL,
		filename TEXT NOT NULL,
		format TEXT NOT NULL,
		content_type TEXT NOT NULL,
		duration DOUBLE PRECISION NOT NULL,
		size_bytes BIGINT NOT NULL,
		metadata JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (job_id, plan_index)
	);

	CREATE TABLE IF NOT EXISTS plan_failures (
		id BIGSERIAL PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		plan_index INTEGER NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		diagnostics TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_plan_failures_job ON plan_failures(job_id);

	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL CHECK (balance >= 0),
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		job_id TEXT NOT NULL DEFAULT '',
		amount BIGINT NOT NULL,
		type TEXT NOT NULL,
		description TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id, created_at);
	`

// PostgreSQLStore implements Store using PostgreSQL. Read-modify-write
// operations take row locks with SELECT ... FOR UPDATE.
type PostgreSQLStore struct {
	*sqlStore
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25) // Default
	}

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5) // Default
	}

	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute) // Default
	}

	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute) // Default
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := newPostgreSQLStore(db)
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func newPostgreSQLStore(db *sql.DB) *PostgreSQLStore {
	return &PostgreSQLStore{sqlStore: &sqlStore{
		db: db,
		dialect: dialect{
			name:         "postgres",
			numbered:     true,
			forUpdate:    " FOR UPDATE",
			skipLocked:   " SKIP LOCKED",
			createSchema: postgresSchema,
		},
	}}
}
