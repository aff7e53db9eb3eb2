package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/reelmix/reelmix/pkg/logging"
	"github.com/reelmix/reelmix/pkg/models"
	"github.com/reelmix/reelmix/pkg/store"
)

// InProcess runs jobs on a fixed pool of goroutines fed by a channel. Job
// state lives in the store, so a restart loses only the queue order.
type InProcess struct {
	cfg    Config
	runner *Runner
	logger *logging.Logger

	queue chan string
	quit  chan struct{}
	wg    sync.WaitGroup
	lease *leaseKeeper

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	queued  map[string]bool
	closed  bool
	stop    context.CancelFunc
}

// NewInProcess creates an in-process orchestrator
func NewInProcess(cfg Config, runner *Runner) *InProcess {
	cfg.applyDefaults()
	return &InProcess{
		cfg:     cfg,
		runner:  runner,
		logger:  runner.logger.WithComponent("inprocess").WithField("worker_id", cfg.WorkerID),
		queue:   make(chan string, cfg.QueueSize),
		quit:    make(chan struct{}),
		running: make(map[string]context.CancelCauseFunc),
		queued:  make(map[string]bool),
	}
}

// Start launches the workers and re-enqueues pending jobs
func (o *InProcess) Start(ctx context.Context) error {
	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.stop = stop
	o.lease = startLeaseKeeper(runCtx, o.runner.store, o.cfg, o.logger)
	o.mu.Unlock()

	for i := 0; i < o.cfg.JobWorkers; i++ {
		o.wg.Add(1)
		go o.worker(runCtx)
	}
	o.logger.Info("Orchestrator started", map[string]interface{}{
		"mode":                 string(ModeInProcess),
		"job_workers":          o.cfg.JobWorkers,
		"max_concurrent_plans": o.cfg.MaxConcurrentPlans,
	})

	pending, err := o.runner.store.ListJobs(ctx, store.JobFilter{Status: models.JobStatusPending})
	if err != nil {
		return err
	}
	for _, job := range pending {
		if err := o.Submit(ctx, job.ID); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		o.logger.Info("Re-enqueued pending jobs", map[string]interface{}{"count": len(pending)})
	}
	return nil
}

// Submit queues a job. It blocks while the queue is full.
func (o *InProcess) Submit(ctx context.Context, jobID string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	if o.queued[jobID] || o.running[jobID] != nil {
		o.mu.Unlock()
		return nil
	}
	o.queued[jobID] = true
	o.mu.Unlock()

	select {
	case o.queue <- jobID:
		return nil
	case <-o.quit:
		o.unqueue(jobID)
		return ErrShuttingDown
	case <-ctx.Done():
		o.unqueue(jobID)
		return ctx.Err()
	}
}

func (o *InProcess) unqueue(jobID string) {
	o.mu.Lock()
	delete(o.queued, jobID)
	o.mu.Unlock()
}

// Cancel signals a running job. Queued jobs are skipped by the runner once
// their status is terminal or their cancel flag is set.
func (o *InProcess) Cancel(ctx context.Context, jobID string) error {
	o.mu.Lock()
	cancel := o.running[jobID]
	o.mu.Unlock()
	if cancel != nil {
		cancel(errCancelRequested)
	}
	return nil
}

// Running returns the number of jobs being executed
func (o *InProcess) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// Shutdown stops the workers. Queued jobs stay pending in the store and are
// re-enqueued on the next Start. Running jobs are interrupted and left for
// the recovery sweep when ctx expires before they finish.
func (o *InProcess) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.quit)
	}
	stop := o.stop
	lease := o.lease
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		lease.stop()
		o.logger.Info("Orchestrator stopped")
		return nil
	case <-ctx.Done():
		if stop != nil {
			stop()
		}
		<-done
		lease.stop()
		o.logger.Warn("Orchestrator stopped with jobs interrupted")
		return ctx.Err()
	}
}

func (o *InProcess) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-o.quit:
			return
		case <-ctx.Done():
			return
		case jobID := <-o.queue:
			o.runOne(ctx, jobID)
		}
	}
}

func (o *InProcess) runOne(ctx context.Context, jobID string) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	o.mu.Lock()
	delete(o.queued, jobID)
	o.running[jobID] = cancel
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.running, jobID)
		o.mu.Unlock()
	}()

	if _, err := o.runner.store.ClaimJob(ctx, jobID, o.cfg.WorkerID, o.cfg.staleBefore(time.Now())); err != nil {
		if errors.Is(err, store.ErrJobClaimed) {
			o.logger.Debug("Job claimed by another worker, retrying after the lease", map[string]interface{}{"job_id": jobID})
			time.AfterFunc(o.cfg.ClaimLease, func() { o.Submit(context.Background(), jobID) })
			return
		}
		o.logger.Error("Failed to claim job", map[string]interface{}{"job_id": jobID, "error": err.Error()})
		return
	}

	if _, err := o.runner.Run(jobCtx, jobID); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Error("Job run failed", map[string]interface{}{"job_id": jobID, "error": err.Error()})
	}
}
