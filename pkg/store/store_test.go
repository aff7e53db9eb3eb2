package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelmix/reelmix/pkg/mixerr"
	"github.com/reelmix/reelmix/pkg/models"
)

func newTestJob(id, userID string, planned int, created time.Time) *models.Job {
	settings := models.MixSettings{OutputCount: planned, CampaignTags: map[string]string{"channel": "tiktok"}}
	settings.ApplyDefaults()
	return &models.Job{
		ID:               id,
		UserID:           userID,
		ProjectID:        "project-1",
		Settings:         settings,
		Status:           models.JobStatusPending,
		RequestedOutputs: planned,
		PlannedOutputs:   planned,
		CreditsPerOutput: 10,
		CreditsReserved:  int64(planned) * 10,
		CreatedAt:        created,
	}
}

// runStoreSuite exercises the behavior every Store implementation shares
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("ReserveCreatesJobAtomically", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Purchase(ctx, "u1", 100, "starter pack", base)
		require.NoError(t, err)

		job := newTestJob("job-1", "u1", 5, base)
		txn, err := s.Reserve(ctx, Reservation{UserID: "u1", JobID: job.ID, Amount: 50, Description: "5 outputs", Job: job, At: base})
		require.NoError(t, err)
		assert.Equal(t, int64(-50), txn.Amount)
		assert.Equal(t, models.TransactionUsage, txn.Type)

		balance, err := s.GetBalance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(50), balance)

		stored, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "tiktok", stored.Settings.CampaignTags["channel"])
		assert.Equal(t, models.JobStatusPending, stored.Status)
	})

	t.Run("InsufficientBalanceCreatesNothing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Purchase(ctx, "u1", 30, "starter pack", base)
		require.NoError(t, err)

		job := newTestJob("job-1", "u1", 5, base)
		_, err = s.Reserve(ctx, Reservation{UserID: "u1", JobID: job.ID, Amount: 50, Job: job, At: base})
		require.Error(t, err)
		assert.True(t, errors.Is(err, mixerr.ErrInsufficientCredits))

		_, err = s.GetJob(ctx, "job-1")
		assert.ErrorIs(t, err, ErrJobNotFound)

		balance, _ := s.GetBalance(ctx, "u1")
		assert.Equal(t, int64(30), balance)

		txns, err := s.ListTransactions(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, txns, 1, "only the purchase is recorded")
	})

	t.Run("TransitionsAndProgress", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateJob(ctx, newTestJob("job-1", "u1", 4, base)))

		job, err := s.TransitionJob(ctx, "job-1", models.JobStatusProcessing, "first plan started", "")
		require.NoError(t, err)
		assert.NotNil(t, job.StartedAt)

		// Idempotent
		_, err = s.TransitionJob(ctx, "job-1", models.JobStatusProcessing, "again", "")
		require.NoError(t, err)

		job, err = s.RecordPlanResult(ctx, "job-1", PlanResult{Succeeded: true})
		require.NoError(t, err)
		assert.Equal(t, 25, job.Progress)
		job, err = s.RecordPlanResult(ctx, "job-1", PlanResult{})
		require.NoError(t, err)
		assert.Equal(t, 50, job.Progress)
		assert.Equal(t, 1, job.FailedPlans)

		job, err = s.TransitionJob(ctx, "job-1", models.JobStatusFailed, "all plans failed", "boom")
		require.NoError(t, err)
		assert.Equal(t, "boom", job.Error)

		_, err = s.TransitionJob(ctx, "job-1", models.JobStatusCompleted, "late", "")
		assert.ErrorIs(t, err, ErrInvalidTransition)

		stored, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		require.Len(t, stored.StateTransitions, 2)
		assert.Equal(t, models.JobStatusPending, stored.StateTransitions[0].From)
		assert.Equal(t, models.JobStatusFailed, stored.StateTransitions[1].To)
		assert.NotNil(t, stored.CompletedAt)
	})

	t.Run("SettleRefundsOnce", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Purchase(ctx, "u1", 100, "pack", base)
		require.NoError(t, err)
		job := newTestJob("job-1", "u1", 5, base)
		_, err = s.Reserve(ctx, Reservation{UserID: "u1", JobID: job.ID, Amount: 50, Job: job, At: base})
		require.NoError(t, err)

		_, err = s.Settle(ctx, "job-1", base)
		assert.ErrorIs(t, err, ErrJobNotSettleable)

		_, err = s.TransitionJob(ctx, "job-1", models.JobStatusProcessing, "", "")
		require.NoError(t, err)
		for _, ok := range []bool{true, true, false} {
			_, err = s.RecordPlanResult(ctx, "job-1", PlanResult{Succeeded: ok})
			require.NoError(t, err)
		}
		_, err = s.TransitionJob(ctx, "job-1", models.JobStatusCanceled, "user canceled", "")
		require.NoError(t, err)

		refund, err := s.Settle(ctx, "job-1", base)
		require.NoError(t, err)
		assert.Equal(t, int64(30), refund, "3 of 5 planned outputs were not produced")

		refund, err = s.Settle(ctx, "job-1", base)
		require.NoError(t, err)
		assert.Zero(t, refund)

		balance, _ := s.GetBalance(ctx, "u1")
		assert.Equal(t, int64(80), balance)

		stored, _ := s.GetJob(ctx, "job-1")
		assert.True(t, stored.Settled)
		assert.Equal(t, int64(30), stored.CreditsRefunded)

		txns, _ := s.ListTransactions(ctx, "u1")
		var refunds int
		for _, txn := range txns {
			if txn.Type == models.TransactionRefund {
				refunds++
			}
		}
		assert.Equal(t, 1, refunds)
	})

	t.Run("ClaimAndRelease", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateJob(ctx, newTestJob("job-b", "u1", 1, base.Add(time.Second))))
		require.NoError(t, s.CreateJob(ctx, newTestJob("job-a", "u1", 1, base)))
		live := time.Now().Add(-time.Minute)

		first, err := s.ClaimNextPending(ctx, "worker-1", live)
		require.NoError(t, err)
		assert.Equal(t, "job-a", first.ID)
		assert.Equal(t, "worker-1", first.ClaimedBy)
		require.NotNil(t, first.ClaimedAt)

		second, err := s.ClaimNextPending(ctx, "worker-2", live)
		require.NoError(t, err)
		assert.Equal(t, "job-b", second.ID)

		_, err = s.ClaimNextPending(ctx, "worker-3", live)
		assert.ErrorIs(t, err, ErrNoPendingJobs)

		released, err := s.ReleaseClaims(ctx, "worker-3", live)
		require.NoError(t, err)
		assert.Zero(t, released, "live claims of other workers are kept")

		released, err = s.ReleaseClaims(ctx, "worker-1", live)
		require.NoError(t, err)
		assert.Equal(t, 1, released, "a restarted worker drops its own claims")

		again, err := s.ClaimNextPending(ctx, "worker-3", live)
		require.NoError(t, err)
		assert.Equal(t, "job-a", again.ID)

		released, err = s.ReleaseClaims(ctx, "worker-4", time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, released, "stale claims are released")
	})

	t.Run("StaleClaimIsReclaimed", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateJob(ctx, newTestJob("job-1", "u1", 1, base)))

		_, err := s.ClaimNextPending(ctx, "dead-worker", time.Now().Add(-time.Minute))
		require.NoError(t, err)

		_, err = s.ClaimJob(ctx, "job-1", "worker-2", time.Now().Add(-time.Minute))
		assert.ErrorIs(t, err, ErrJobClaimed)

		job, err := s.ClaimNextPending(ctx, "worker-2", time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, "worker-2", job.ClaimedBy)
	})

	t.Run("ClaimJobAndRenew", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateJob(ctx, newTestJob("job-1", "u1", 1, base)))
		require.NoError(t, s.CreateJob(ctx, newTestJob("job-2", "u1", 1, base)))
		live := time.Now().Add(-time.Minute)

		job, err := s.ClaimJob(ctx, "job-1", "worker-1", live)
		require.NoError(t, err)
		assert.Equal(t, "worker-1", job.ClaimedBy)

		// Reclaiming your own job is fine
		_, err = s.ClaimJob(ctx, "job-1", "worker-1", live)
		require.NoError(t, err)

		_, err = s.TransitionJob(ctx, "job-1", models.JobStatusProcessing, "first plan started", "")
		require.NoError(t, err)
		_, err = s.ClaimJob(ctx, "job-1", "worker-2", live)
		assert.ErrorIs(t, err, ErrJobClaimed, "processing jobs cannot be claimed")

		_, err = s.TransitionJob(ctx, "job-2", models.JobStatusCanceled, "user canceled", "")
		require.NoError(t, err)
		ended, err := s.ClaimJob(ctx, "job-2", "worker-2", live)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCanceled, ended.Status)
		assert.Empty(t, ended.ClaimedBy)

		_, err = s.ClaimJob(ctx, "missing", "worker-1", live)
		assert.ErrorIs(t, err, ErrJobNotFound)

		later := time.Now().Add(time.Hour)
		renewed, err := s.RenewClaims(ctx, "worker-1", later)
		require.NoError(t, err)
		assert.Equal(t, 1, renewed)

		stored, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		require.NotNil(t, stored.ClaimedAt)
		assert.WithinDuration(t, later, *stored.ClaimedAt, time.Second)
	})

	t.Run("FailAbandonedSkipsLiveClaims", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"mine", "theirs", "stale", "unclaimed"} {
			require.NoError(t, s.CreateJob(ctx, newTestJob(id, "u1", 2, base)))
		}
		live := time.Now().Add(-time.Minute)

		for id, worker := range map[string]string{"mine": "self", "theirs": "other", "stale": "gone"} {
			_, err := s.ClaimJob(ctx, id, worker, live)
			require.NoError(t, err)
		}
		for _, id := range []string{"mine", "theirs", "stale", "unclaimed"} {
			_, err := s.TransitionJob(ctx, id, models.JobStatusProcessing, "first plan started", "")
			require.NoError(t, err)
		}
		_, err := s.RenewClaims(ctx, "gone", time.Now().Add(-time.Hour))
		require.NoError(t, err)

		failed, err := s.FailAbandoned(ctx, "self", live, "interrupted by restart", "interrupted")
		require.NoError(t, err)
		var ids []string
		for _, job := range failed {
			assert.Equal(t, models.JobStatusFailed, job.Status)
			assert.Equal(t, "interrupted", job.Error)
			ids = append(ids, job.ID)
		}
		assert.ElementsMatch(t, []string{"mine", "stale", "unclaimed"}, ids)

		theirs, err := s.GetJob(ctx, "theirs")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusProcessing, theirs.Status)

		again, err := s.FailAbandoned(ctx, "self", live, "interrupted by restart", "interrupted")
		require.NoError(t, err)
		assert.Empty(t, again)
	})

	t.Run("PlanResultAfterEndIsRefused", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateJob(ctx, newTestJob("job-1", "u1", 3, base)))
		_, err := s.TransitionJob(ctx, "job-1", models.JobStatusProcessing, "first plan started", "")
		require.NoError(t, err)

		out := &models.Output{
			ID: "out-0", JobID: "job-1", PlanIndex: 0, Path: "/out/job-1/mix_001.mp4",
			Filename: "mix_001.mp4", Format: "mp4", ContentType: "video/mp4", CreatedAt: base,
		}
		job, err := s.RecordPlanResult(ctx, "job-1", PlanResult{Succeeded: true, Output: out})
		require.NoError(t, err)
		assert.Equal(t, 1, job.SucceededPlans)

		_, err = s.TransitionJob(ctx, "job-1", models.JobStatusFailed, "interrupted by restart", "")
		require.NoError(t, err)

		late := *out
		late.ID, late.PlanIndex = "out-1", 1
		_, err = s.RecordPlanResult(ctx, "job-1", PlanResult{Succeeded: true, Output: &late})
		assert.ErrorIs(t, err, ErrJobEnded)
		_, err = s.RecordPlanResult(ctx, "job-1", PlanResult{Failure: &models.PlanFailure{
			JobID: "job-1", PlanIndex: 2, Kind: "transcode_failed", Message: "late", Attempts: 1, CreatedAt: base,
		}})
		assert.ErrorIs(t, err, ErrJobEnded)
		assert.ErrorIs(t, s.SaveOutput(ctx, &late), ErrJobEnded)

		stored, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, 1, stored.CompletedPlans)
		assert.Equal(t, 1, stored.SucceededPlans)

		outputs, err := s.ListOutputs(ctx, "job-1")
		require.NoError(t, err)
		require.Len(t, outputs, 1)
		assert.Equal(t, "out-0", outputs[0].ID)

		failures, err := s.ListPlanFailures(ctx, "job-1")
		require.NoError(t, err)
		assert.Empty(t, failures)
	})

	t.Run("CancelRequest", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateJob(ctx, newTestJob("job-1", "u1", 1, base)))

		job, err := s.RequestCancel(ctx, "job-1")
		require.NoError(t, err)
		assert.True(t, job.CancelRequested)

		_, err = s.ClaimNextPending(ctx, "worker-1", time.Now())
		assert.ErrorIs(t, err, ErrNoPendingJobs, "cancel-requested jobs are not claimed")

		_, err = s.RequestCancel(ctx, "missing")
		assert.ErrorIs(t, err, mixerr.ErrNotFound)
	})

	t.Run("OutputsAndFailures", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateJob(ctx, newTestJob("job-1", "u1", 3, base)))

		for _, idx := range []int{2, 0} {
			require.NoError(t, s.SaveOutput(ctx, &models.Output{
				ID:          fmt.Sprintf("out-%d", idx),
				JobID:       "job-1",
				PlanIndex:   idx,
				Path:        "/out/job-1/mix.mp4",
				Filename:    fmt.Sprintf("mix_%03d.mp4", idx+1),
				Format:      "mp4",
				ContentType: "video/mp4",
				Duration:    12.5,
				SizeBytes:   2048,
				Metadata:    models.OutputMetadata{SourceClipIDs: []string{"a", "b"}, CreatedAt: base},
				CreatedAt:   base,
			}))
		}
		require.NoError(t, s.SavePlanFailure(ctx, &models.PlanFailure{
			JobID: "job-1", PlanIndex: 1, Kind: "input_corrupt", Message: "unreadable", Attempts: 1,
			Diagnostics: "moov atom not found", CreatedAt: base,
		}))

		outputs, err := s.ListOutputs(ctx, "job-1")
		require.NoError(t, err)
		require.Len(t, outputs, 2)
		assert.Equal(t, 0, outputs[0].PlanIndex)
		assert.Equal(t, 2, outputs[1].PlanIndex)
		assert.Equal(t, []string{"a", "b"}, outputs[0].Metadata.SourceClipIDs)

		out, err := s.GetOutput(ctx, "out-2")
		require.NoError(t, err)
		assert.Equal(t, "/out/job-1/mix.mp4", out.Path)

		_, err = s.GetOutput(ctx, "missing")
		assert.ErrorIs(t, err, ErrOutputNotFound)

		failures, err := s.ListPlanFailures(ctx, "job-1")
		require.NoError(t, err)
		require.Len(t, failures, 1)
		assert.Equal(t, "moov atom not found", failures[0].Diagnostics)
	})

	t.Run("ConcurrentReservationsNeverOverdraw", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Purchase(ctx, "u1", 100, "pack", base)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				job := newTestJob(fmt.Sprintf("job-%d", i), "u1", 3, base)
				if _, err := s.Reserve(ctx, Reservation{UserID: "u1", JobID: job.ID, Amount: 30, Job: job, At: base}); err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 3, succeeded)
		balance, _ := s.GetBalance(ctx, "u1")
		assert.Equal(t, int64(10), balance)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "reelmix.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore(Config{Type: "mongo"})
	assert.ErrorIs(t, err, ErrUnsupportedDatabase)
}
