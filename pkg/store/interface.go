package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reelmix/reelmix/pkg/mixerr"
	"github.com/reelmix/reelmix/pkg/models"
)

// Store defines the interface for data persistence.
// Memory, SQLite and PostgreSQL implement this interface.
type Store interface {
	JobStore
	OutputStore
	LedgerStore

	// Lifecycle
	Close() error
	HealthCheck(ctx context.Context) error
}

// JobFilter narrows ListJobs. Empty fields match everything.
type JobFilter struct {
	Status models.JobStatus
	UserID string
}

// JobStore persists jobs. Every mutation is atomic with respect to other
// writers, including other processes sharing the database.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)

	// ClaimNextPending marks the oldest pending job as owned by workerID. Jobs
	// whose claim was last renewed before staleBefore count as unclaimed.
	// Returns ErrNoPendingJobs when there is nothing to claim.
	ClaimNextPending(ctx context.Context, workerID string, staleBefore time.Time) (*models.Job, error)

	// ClaimJob claims one pending job for workerID. A terminal job is
	// returned unchanged. ErrJobClaimed when the job is processing or another
	// worker holds a live claim on it.
	ClaimJob(ctx context.Context, id, workerID string, staleBefore time.Time) (*models.Job, error)

	// RenewClaims refreshes the claims workerID holds on unfinished jobs
	RenewClaims(ctx context.Context, workerID string, at time.Time) (int, error)

	// ReleaseClaims clears claims on pending jobs. Claims another worker
	// renewed at or after staleBefore are kept.
	ReleaseClaims(ctx context.Context, self string, staleBefore time.Time) (int, error)

	// FailAbandoned fails processing jobs no live worker claims and returns
	// them. Jobs claimed by self count as abandoned.
	FailAbandoned(ctx context.Context, self string, staleBefore time.Time, reason, errMsg string) ([]*models.Job, error)

	// TransitionJob validates and applies a status change. A job already in
	// the target state is returned unchanged.
	TransitionJob(ctx context.Context, id string, to models.JobStatus, reason, errMsg string) (*models.Job, error)

	// RecordPlanResult stores the plan's output or failure and counts it in
	// one step. ErrJobEnded when the job is already terminal; nothing is
	// written then.
	RecordPlanResult(ctx context.Context, id string, result PlanResult) (*models.Job, error)

	// RequestCancel flags the job for cancellation
	RequestCancel(ctx context.Context, id string) (*models.Job, error)
}

// PlanResult is the outcome of one plan. Output is set when it succeeded;
// Failure may be set when it did not.
type PlanResult struct {
	Succeeded bool
	Output    *models.Output
	Failure   *models.PlanFailure
}

// OutputStore persists produced outputs and per-plan failures. SaveOutput
// refuses outputs of terminal jobs with ErrJobEnded.
type OutputStore interface {
	SaveOutput(ctx context.Context, output *models.Output) error
	GetOutput(ctx context.Context, id string) (*models.Output, error)
	ListOutputs(ctx context.Context, jobID string) ([]*models.Output, error)

	SavePlanFailure(ctx context.Context, failure *models.PlanFailure) error
	ListPlanFailures(ctx context.Context, jobID string) ([]*models.PlanFailure, error)
}

// BalanceStore reads credit balances
type BalanceStore interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
}

// Reservation debits credits for a job. When Job is set it is inserted in
// the same transaction, so a failed debit never leaves a job behind.
type Reservation struct {
	UserID      string
	JobID       string
	Amount      int64
	Description string
	Job         *models.Job
	At          time.Time
}

// LedgerStore holds balances and the append-only transaction log
type LedgerStore interface {
	BalanceStore

	// Reserve atomically debits Amount if the balance covers it and records
	// a USAGE transaction. InsufficientCredits otherwise.
	Reserve(ctx context.Context, r Reservation) (*models.CreditTransaction, error)

	// Settle refunds the unproduced plans of a terminal job exactly once.
	// It returns the refunded amount, 0 when already settled.
	Settle(ctx context.Context, jobID string, at time.Time) (int64, error)

	Purchase(ctx context.Context, userID string, amount int64, description string, at time.Time) (*models.CreditTransaction, error)
	ListTransactions(ctx context.Context, userID string) ([]*models.CreditTransaction, error)
}

// Config holds database configuration
type Config struct {
	Type string // "sqlite", "postgres" or "memory"
	DSN  string // Connection string or SQLite file path

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite", "":
		path := config.DSN
		if path == "" {
			path = "reelmix.db"
		}
		return NewSQLiteStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}

var (
	ErrUnsupportedDatabase = errors.New("unsupported database type")
	ErrNoPendingJobs       = errors.New("no pending jobs")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrJobNotSettleable    = errors.New("job is not in a terminal state")
	ErrJobClaimed          = errors.New("job is claimed by another worker")
	ErrJobEnded            = errors.New("job already ended")

	ErrJobNotFound    = fmt.Errorf("job %w", mixerr.ErrNotFound)
	ErrOutputNotFound = fmt.Errorf("output %w", mixerr.ErrNotFound)
)

func insufficientCredits(balance, amount int64) error {
	return mixerr.Newf(mixerr.KindInsufficientCredits, "reserve",
		"balance of %d credits does not cover the %d required", balance, amount)
}
