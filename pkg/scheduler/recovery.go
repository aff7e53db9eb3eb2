package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/reelmix/reelmix/pkg/credits"
	"github.com/reelmix/reelmix/pkg/logging"
	"github.com/reelmix/reelmix/pkg/metrics"
	"github.com/reelmix/reelmix/pkg/mixerr"
	"github.com/reelmix/reelmix/pkg/models"
	"github.com/reelmix/reelmix/pkg/store"
)

// InterruptedMessage is the error recorded on jobs failed by the sweep
var InterruptedMessage = mixerr.PublicMessage(mixerr.ErrInterruptedByRestart)

// RecoveryManager reconciles jobs left behind by a previous process
type RecoveryManager struct {
	store   store.JobStore
	ledger  *credits.Ledger
	metrics *metrics.Metrics
	logger  *logging.Logger

	workerID string
	lease    time.Duration
}

// RecoveryReport summarizes one sweep
type RecoveryReport struct {
	Failed         int   // abandoned processing jobs moved to failed
	Live           int   // processing jobs left to the worker renewing them
	Settled        int   // terminal jobs whose refund was still owed
	Refunded       int64 // credits returned
	ReleasedClaims int   // pending jobs whose claim was cleared
}

// NewRecoveryManager creates a new RecoveryManager
func NewRecoveryManager(st store.JobStore, ledger *credits.Ledger, m *metrics.Metrics, logger *logging.Logger) *RecoveryManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &RecoveryManager{
		store:   st,
		ledger:  ledger,
		metrics: m,
		logger:  logger.WithComponent("recovery"),
		lease:   DefaultConfig().ClaimLease,
	}
}

// WithClaims sets the worker starting up and the lease workers renew their
// claims within. At startup, claims held by workerID are left over from a
// previous run of the same worker.
func (rm *RecoveryManager) WithClaims(workerID string, lease time.Duration) *RecoveryManager {
	rm.workerID = workerID
	if lease > 0 {
		rm.lease = lease
	}
	return rm
}

// SingleProcess makes every claim count as abandoned. Use it when no other
// process shares the store, so all work left from a previous run is swept
// at once.
func (rm *RecoveryManager) SingleProcess() *RecoveryManager {
	rm.lease = 0
	return rm
}

// SweepInterrupted fails processing jobs whose worker is gone, settles
// their refund and releases abandoned claims on pending jobs. A worker is
// gone when it has not renewed its claim within the lease; jobs of live
// workers, including other processes sharing the store, are left alone.
// Terminal jobs that were never settled are settled too. Running it twice
// changes nothing the second time. Run it at process start, before the
// orchestrator starts.
func (rm *RecoveryManager) SweepInterrupted(ctx context.Context) (*RecoveryReport, error) {
	return rm.sweep(ctx, rm.workerID)
}

// Run repeats the sweep every interval until ctx ends, so jobs of store
// queue workers that died after startup are failed once their lease runs
// out. Claims are judged by their renewals alone, which keeps this
// process's own jobs live.
func (rm *RecoveryManager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := rm.sweep(ctx, ""); err != nil && ctx.Err() == nil {
			rm.logger.Error(fmt.Sprintf("Recovery: Sweep failed: %v", err))
		}
	}
}

func (rm *RecoveryManager) sweep(ctx context.Context, self string) (*RecoveryReport, error) {
	report := &RecoveryReport{}
	staleBefore := time.Now().Add(-rm.lease)

	failed, err := rm.store.FailAbandoned(ctx, self, staleBefore, "interrupted by restart", InterruptedMessage)
	if err != nil {
		return nil, fmt.Errorf("fail abandoned jobs: %w", err)
	}
	for _, job := range failed {
		report.Failed++
		rm.metrics.JobFinished(string(models.JobStatusFailed))
		rm.logger.Warn(fmt.Sprintf("Recovery: Job %s interrupted with %d/%d plans finished, marked failed",
			job.ID, job.CompletedPlans, job.PlannedOutputs))
	}

	live, err := rm.store.ListJobs(ctx, store.JobFilter{Status: models.JobStatusProcessing})
	if err != nil {
		return report, fmt.Errorf("list processing jobs: %w", err)
	}
	report.Live = len(live)

	// Settle everything terminal and unsettled, including jobs whose
	// settlement was cut short by the crash
	for _, status := range []models.JobStatus{models.JobStatusFailed, models.JobStatusCompleted, models.JobStatusCanceled} {
		jobs, err := rm.store.ListJobs(ctx, store.JobFilter{Status: status})
		if err != nil {
			return report, fmt.Errorf("list %s jobs: %w", status, err)
		}
		for _, job := range jobs {
			if job.Settled {
				continue
			}
			refund, err := rm.ledger.Settle(ctx, job.ID)
			if err != nil {
				rm.logger.Error(fmt.Sprintf("Recovery: Failed to settle job %s: %v", job.ID, err))
				continue
			}
			report.Settled++
			report.Refunded += refund
			rm.metrics.CreditsRefunded(refund)
		}
	}

	released, err := rm.store.ReleaseClaims(ctx, self, staleBefore)
	if err != nil {
		return report, fmt.Errorf("release claims: %w", err)
	}
	report.ReleasedClaims = released

	if report.Failed > 0 || report.Settled > 0 || released > 0 {
		rm.logger.Info(fmt.Sprintf("Recovery: %d jobs failed, %d settled (%d credits refunded), %d claims released, %d jobs running",
			report.Failed, report.Settled, report.Refunded, released, report.Live))
	}
	return report, nil
}
