package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/reelmix/reelmix/pkg/logging"
	"github.com/reelmix/reelmix/pkg/store"
)

// StoreQueue uses the shared store as a durable queue. Each worker claims
// the oldest pending job; several processes may share one database. Cancel
// requests made by any process are picked up by polling.
type StoreQueue struct {
	cfg    Config
	runner *Runner
	logger *logging.Logger
	wake   chan struct{}
	wg     sync.WaitGroup
	lease  *leaseKeeper

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	stop    context.CancelFunc
	closed  bool
}

// NewStoreQueue creates a store-backed orchestrator
func NewStoreQueue(cfg Config, runner *Runner) *StoreQueue {
	cfg.applyDefaults()
	return &StoreQueue{
		cfg:     cfg,
		runner:  runner,
		logger:  runner.logger.WithComponent("storequeue").WithField("worker_id", cfg.WorkerID),
		wake:    make(chan struct{}, 1),
		running: make(map[string]context.CancelCauseFunc),
	}
}

// Start launches the claim loops and the cancel poller
func (q *StoreQueue) Start(ctx context.Context) error {
	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	q.mu.Lock()
	q.stop = stop
	q.lease = startLeaseKeeper(runCtx, q.runner.store, q.cfg, q.logger)
	q.mu.Unlock()

	for i := 0; i < q.cfg.JobWorkers; i++ {
		q.wg.Add(1)
		go q.claimLoop(runCtx)
	}
	q.wg.Add(1)
	go q.cancelLoop(runCtx)

	q.logger.Info("Orchestrator started", map[string]interface{}{
		"mode":          string(ModeStore),
		"job_workers":   q.cfg.JobWorkers,
		"poll_interval": q.cfg.PollInterval.String(),
	})
	return nil
}

// Submit wakes an idle worker. The job is already durable in the store.
func (q *StoreQueue) Submit(ctx context.Context, jobID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrShuttingDown
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel signals the job if this process runs it. Other processes notice
// the store's cancel flag on their next poll.
func (q *StoreQueue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	cancel := q.running[jobID]
	q.mu.Unlock()
	if cancel != nil {
		cancel(errCancelRequested)
	}
	return nil
}

// Shutdown stops claiming and waits for running jobs until ctx expires
func (q *StoreQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	stop := q.stop
	lease := q.lease
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		lease.stop()
		q.logger.Info("Orchestrator stopped")
		return nil
	case <-ctx.Done():
		if stop != nil {
			stop()
		}
		<-done
		lease.stop()
		q.logger.Warn("Orchestrator stopped with jobs interrupted")
		return ctx.Err()
	}
}

func (q *StoreQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *StoreQueue) claimLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if q.isClosed() || ctx.Err() != nil {
			return
		}

		// Drain the queue before sleeping again
		for q.claimAndRun(ctx) {
			if q.isClosed() {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

// claimAndRun runs one claimed job and reports whether a job was found
func (q *StoreQueue) claimAndRun(ctx context.Context) bool {
	job, err := q.runner.store.ClaimNextPending(ctx, q.cfg.WorkerID, q.cfg.staleBefore(time.Now()))
	if errors.Is(err, store.ErrNoPendingJobs) {
		return false
	}
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error("Failed to claim job", map[string]interface{}{"error": err.Error()})
		}
		return false
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	q.mu.Lock()
	q.running[job.ID] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.running, job.ID)
		q.mu.Unlock()
	}()

	q.logger.Debug("Claimed job", map[string]interface{}{"job_id": job.ID})
	if _, err := q.runner.Run(jobCtx, job.ID); err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Error("Job run failed", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
	}
	return true
}

// cancelLoop propagates cancel flags written by other processes
func (q *StoreQueue) cancelLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if q.isClosed() && q.runningCount() == 0 {
			return
		}
		q.pollCancels(ctx)
	}
}

func (q *StoreQueue) runningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

func (q *StoreQueue) pollCancels(ctx context.Context) {
	q.mu.Lock()
	ids := make([]string, 0, len(q.running))
	for id := range q.running {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	for _, id := range ids {
		job, err := q.runner.store.GetJob(ctx, id)
		if err != nil {
			continue
		}
		if job.CancelRequested {
			q.logger.Info("Cancel request observed", map[string]interface{}{"job_id": id})
			q.Cancel(ctx, id)
		}
	}
}
