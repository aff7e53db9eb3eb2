// Package scheduler runs mix jobs: it re-derives each job's plans, renders
// them under bounded concurrency, drives the job state machine and settles
// credits when a job ends.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/reelmix/reelmix/pkg/retry"
)

// Orchestrator accepts persisted pending jobs and runs them asynchronously
type Orchestrator interface {
	// Start launches the workers. Pending jobs left from a previous run are
	// picked up again.
	Start(ctx context.Context) error

	// Submit hands a pending job to the workers
	Submit(ctx context.Context, jobID string) error

	// Cancel stops a running job: no new plans are dispatched and in-flight
	// transcodes are killed. Unknown or finished jobs are ignored.
	Cancel(ctx context.Context, jobID string) error

	// Shutdown stops accepting work and waits for running jobs to stop
	Shutdown(ctx context.Context) error
}

// Mode selects the Orchestrator implementation
type Mode string

const (
	ModeInProcess Mode = "inprocess"
	ModeStore     Mode = "store"
)

// Config holds orchestrator configuration
type Config struct {
	Mode               Mode
	JobWorkers         int           // jobs run at the same time by this process
	MaxConcurrentPlans int           // transcodes across all jobs
	PerJobConcurrency  int           // transcodes within one job
	MaxAttempts        int           // attempts per plan, first included
	InitialBackoff     time.Duration // delay before the second attempt
	MaxBackoff         time.Duration
	QueueSize          int           // in-process submit buffer
	PollInterval       time.Duration // store mode: pending job poll
	CancelPollInterval time.Duration // store mode: cancel request poll
	WorkDir            string        // per-plan scratch directories live here
	WorkerID           string        // claim owner; generated when empty
	ClaimLease         time.Duration // claims not renewed within this window are abandoned
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	workers := runtime.NumCPU() / 2
	if workers < 1 {
		workers = 1
	}
	return Config{
		Mode:               ModeInProcess,
		JobWorkers:         workers,
		MaxConcurrentPlans: 5,
		PerJobConcurrency:  3,
		MaxAttempts:        3,
		InitialBackoff:     2 * time.Second,
		MaxBackoff:         30 * time.Second,
		QueueSize:          256,
		PollInterval:       2 * time.Second,
		CancelPollInterval: 3 * time.Second,
		WorkDir:            "work",
		ClaimLease:         2 * time.Minute,
	}
}

// NewWorkerID returns a claim owner unique to this process
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "reelmix"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.JobWorkers <= 0 {
		c.JobWorkers = def.JobWorkers
	}
	if c.MaxConcurrentPlans <= 0 {
		c.MaxConcurrentPlans = def.MaxConcurrentPlans
	}
	if c.PerJobConcurrency <= 0 {
		c.PerJobConcurrency = def.PerJobConcurrency
	}
	if c.PerJobConcurrency > c.MaxConcurrentPlans {
		c.PerJobConcurrency = c.MaxConcurrentPlans
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = def.CancelPollInterval
	}
	if c.WorkDir == "" {
		c.WorkDir = def.WorkDir
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = def.ClaimLease
	}
	if c.WorkerID == "" {
		c.WorkerID = NewWorkerID()
	}
}

// staleBefore is the cutoff below which a claim renewal counts as abandoned
func (c Config) staleBefore(now time.Time) time.Time {
	return now.Add(-c.ClaimLease)
}

func (c Config) retryConfig() retry.Config {
	return retry.Config{
		MaxRetries:     c.MaxAttempts - 1,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Multiplier:     2.0,
	}
}

// New builds the orchestrator selected by cfg.Mode around runner
func New(cfg Config, runner *Runner) (Orchestrator, error) {
	cfg.applyDefaults()
	switch cfg.Mode {
	case ModeInProcess:
		return NewInProcess(cfg, runner), nil
	case ModeStore:
		return NewStoreQueue(cfg, runner), nil
	default:
		return nil, fmt.Errorf("unknown scheduler mode %q", cfg.Mode)
	}
}

var (
	// ErrShuttingDown is returned by Submit after Shutdown
	ErrShuttingDown = errors.New("orchestrator is shutting down")

	// errCancelRequested is the cancel cause of a user cancellation, as
	// opposed to a process shutdown
	errCancelRequested = errors.New("cancel requested")
)
