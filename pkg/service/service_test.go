package service

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelmix/reelmix/pkg/catalog"
	"github.com/reelmix/reelmix/pkg/credits"
	"github.com/reelmix/reelmix/pkg/mixerr"
	"github.com/reelmix/reelmix/pkg/models"
	"github.com/reelmix/reelmix/pkg/scheduler"
	"github.com/reelmix/reelmix/pkg/store"
	"github.com/reelmix/reelmix/pkg/transcode"
	"github.com/reelmix/reelmix/pkg/transcode/transcodetest"
)

const (
	testUser    = "u1"
	testProject = "p1"
)

// stubOrchestrator records submissions without running anything
type stubOrchestrator struct {
	mu        sync.Mutex
	submitted []string
	canceled  []string
	submitErr error
}

func (o *stubOrchestrator) Start(ctx context.Context) error    { return nil }
func (o *stubOrchestrator) Shutdown(ctx context.Context) error { return nil }

func (o *stubOrchestrator) Submit(ctx context.Context, jobID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.submitted = append(o.submitted, jobID)
	return o.submitErr
}

func (o *stubOrchestrator) Cancel(ctx context.Context, jobID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.canceled = append(o.canceled, jobID)
	return nil
}

type fixture struct {
	svc     *Service
	store   *store.MemoryStore
	catalog *catalog.MemoryCatalog
	ledger  *credits.Ledger
	orch    *stubOrchestrator
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	cat := catalog.NewMemoryCatalog()
	ledger := credits.NewLedger(st, 10, nil)
	orch := &stubOrchestrator{}

	if balance > 0 {
		_, err := ledger.Purchase(context.Background(), testUser, balance, "")
		require.NoError(t, err)
	}
	return &fixture{
		svc:     New(Config{}, cat, st, ledger, orch, nil, nil),
		store:   st,
		catalog: cat,
		ledger:  ledger,
		orch:    orch,
	}
}

func clip(id string, dur float64) *models.Clip {
	return &models.Clip{ID: id, Duration: dur, Width: 1080, Height: 1920, Codec: "h264", HasAudio: true, Path: "/media/" + id + ".mp4"}
}

func (f *fixture) seedThreeByTwo(s *models.MixSettings) {
	f.catalog.SetSettings(testProject, s)
	for g, name := range []string{"hook", "body", "cta"} {
		f.catalog.AddGroup(&models.Group{
			ID:           name,
			ProjectID:    testProject,
			Name:         name,
			DisplayOrder: g,
			Clips:        []*models.Clip{clip(name+"-a", 3), clip(name+"-b", 4)},
		})
	}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.svc.Balance(context.Background(), testUser)
	require.NoError(t, err)
	return b
}

func TestStartJobReservesAchievableOutputs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	f.seedThreeByTwo(&models.MixSettings{GroupMixing: true})

	res, err := f.svc.StartJob(ctx, testProject, models.JobRequest{UserID: testUser, OutputCount: 20})
	require.NoError(t, err)

	assert.Equal(t, 20, res.RequestedOutputs)
	assert.Equal(t, 8, res.PlannedOutputs)
	assert.Equal(t, int64(80), res.CreditsDeducted)
	assert.Equal(t, int64(920), f.balance(t))
	assert.Equal(t, []string{res.JobID}, f.orch.submitted)

	job, err := f.svc.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, int64(10), job.CreditsPerOutput)
	assert.Equal(t, 20, job.Settings.OutputCount)
}

func TestStartJobOrderMixingOfUngroupedClips(t *testing.T) {
	f := newFixture(t, 1000)
	f.catalog.SetSettings(testProject, &models.MixSettings{OrderMixing: true})
	f.catalog.AddClips(testProject, clip("x", 2), clip("y", 3), clip("z", 4))

	res, err := f.svc.StartJob(context.Background(), testProject, models.JobRequest{UserID: testUser, OutputCount: 50})
	require.NoError(t, err)
	assert.Equal(t, 6, res.PlannedOutputs)
	assert.Equal(t, int64(60), res.CreditsDeducted)
}

func TestStartJobSpeedMixingPricesWork(t *testing.T) {
	f := newFixture(t, 1000)
	f.catalog.SetSettings(testProject, &models.MixSettings{
		SpeedMixing:   true,
		AllowedSpeeds: []float64{0.5, 1, 2},
		OutputCount:   3,
	})
	f.catalog.AddClips(testProject, clip("only", 6))

	res, err := f.svc.StartJob(context.Background(), testProject, models.JobRequest{UserID: testUser})
	require.NoError(t, err)
	assert.Equal(t, 3, res.PlannedOutputs)
	assert.Equal(t, int64(39), res.CreditsDeducted)
}

func TestStartJobInsufficientCredits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)
	f.seedThreeByTwo(&models.MixSettings{GroupMixing: true, OutputCount: 8})

	_, err := f.svc.StartJob(ctx, testProject, models.JobRequest{UserID: testUser})
	require.Error(t, err)
	assert.ErrorIs(t, err, mixerr.ErrInsufficientCredits)
	assert.Equal(t, http.StatusPaymentRequired, mixerr.HTTPStatus(err))

	assert.Equal(t, int64(50), f.balance(t), "nothing is deducted")
	jobs, err := f.svc.ListJobs(ctx, store.JobFilter{UserID: testUser})
	require.NoError(t, err)
	assert.Empty(t, jobs, "no job is created")
	assert.Empty(t, f.orch.submitted)
}

func TestStartJobRejectsBeforeCharging(t *testing.T) {
	tests := []struct {
		name     string
		settings *models.MixSettings
		clips    []*models.Clip
		count    int
		kind     mixerr.Kind
	}{
		{
			name:     "output count above platform maximum",
			settings: &models.MixSettings{},
			clips:    []*models.Clip{clip("a", 3)},
			count:    models.DefaultMaxOutputCount + 1,
			kind:     mixerr.KindInvalidSettings,
		},
		{
			name:     "unknown resolution",
			settings: &models.MixSettings{Resolution: "8k"},
			clips:    []*models.Clip{clip("a", 3)},
			kind:     mixerr.KindInvalidSettings,
		},
		{
			name:     "transition on a single clip",
			settings: &models.MixSettings{TransitionType: models.TransitionCrossfade},
			clips:    []*models.Clip{clip("a", 3)},
			kind:     mixerr.KindUnsupportedTransition,
		},
		{
			name:     "project without clips",
			settings: &models.MixSettings{},
			kind:     mixerr.KindInsufficientSource,
		},
		{
			name:     "fixed duration no clip set can fill",
			settings: &models.MixSettings{DurationType: models.DurationFixed, FixedDuration: 60},
			clips:    []*models.Clip{clip("a", 3), clip("b", 4)},
			kind:     mixerr.KindInsufficientSource,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, 1000)
			f.catalog.SetSettings(testProject, tt.settings)
			if len(tt.clips) > 0 {
				f.catalog.AddClips(testProject, tt.clips...)
			}

			_, err := f.svc.StartJob(ctx, testProject, models.JobRequest{UserID: testUser, OutputCount: tt.count})
			require.Error(t, err)
			assert.Equal(t, tt.kind, mixerr.KindOf(err))
			assert.Equal(t, http.StatusUnprocessableEntity, mixerr.HTTPStatus(err))
			assert.Equal(t, int64(1000), f.balance(t))

			jobs, err := f.svc.ListJobs(ctx, store.JobFilter{})
			require.NoError(t, err)
			assert.Empty(t, jobs)
		})
	}
}

func TestStartJobUnknownProject(t *testing.T) {
	f := newFixture(t, 1000)
	_, err := f.svc.StartJob(context.Background(), "nope", models.JobRequest{UserID: testUser})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, mixerr.HTTPStatus(err))
}

func TestStartJobRequiresUser(t *testing.T) {
	f := newFixture(t, 1000)
	f.seedThreeByTwo(&models.MixSettings{GroupMixing: true})
	_, err := f.svc.StartJob(context.Background(), testProject, models.JobRequest{})
	assert.Equal(t, mixerr.KindInvalidSettings, mixerr.KindOf(err))
}

func TestStartJobKeepsJobWhenDispatchFails(t *testing.T) {
	f := newFixture(t, 1000)
	f.seedThreeByTwo(&models.MixSettings{GroupMixing: true, OutputCount: 2})
	f.orch.submitErr = scheduler.ErrShuttingDown

	res, err := f.svc.StartJob(context.Background(), testProject, models.JobRequest{UserID: testUser})
	require.NoError(t, err)

	status, err := f.svc.GetJobStatus(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, status.Status)
}

func TestEstimateCredits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.seedThreeByTwo(&models.MixSettings{GroupMixing: true})

	est, err := f.svc.EstimateCredits(ctx, EstimateRequest{ProjectID: testProject, OutputCount: 20})
	require.NoError(t, err)
	assert.Equal(t, 20, est.RequestedOutputs)
	assert.Equal(t, 8, est.AchievableOutputs)
	assert.Equal(t, int64(10), est.PerOutput)
	assert.Equal(t, int64(80), est.Total)

	// Settings only: priced at the requested count
	est, err = f.svc.EstimateCredits(ctx, EstimateRequest{
		Settings:    &models.MixSettings{Resolution: "2160p", TransitionType: models.TransitionFadeBlack},
		OutputCount: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, est.AchievableOutputs)
	assert.Equal(t, int64(16), est.PerOutput)
	assert.Equal(t, int64(64), est.Total)

	_, err = f.svc.EstimateCredits(ctx, EstimateRequest{})
	assert.Equal(t, mixerr.KindInvalidSettings, mixerr.KindOf(err))

	_, err = f.svc.EstimateCredits(ctx, EstimateRequest{Settings: &models.MixSettings{Format: "avi"}})
	assert.Equal(t, mixerr.KindInvalidSettings, mixerr.KindOf(err))
}

func TestCancelPendingJobRefundsInFull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	f.seedThreeByTwo(&models.MixSettings{GroupMixing: true, OutputCount: 5})

	res, err := f.svc.StartJob(ctx, testProject, models.JobRequest{UserID: testUser})
	require.NoError(t, err)
	assert.Equal(t, int64(950), f.balance(t))

	job, err := f.svc.CancelJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, job.Status)
	assert.True(t, job.Settled)
	assert.Equal(t, int64(50), job.CreditsRefunded)
	assert.Equal(t, int64(1000), f.balance(t))
	assert.Empty(t, f.orch.canceled)

	// Canceling again changes nothing
	again, err := f.svc.CancelJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, again.Status)
	assert.Equal(t, int64(1000), f.balance(t))

	txs, err := f.svc.Transactions(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, models.TransactionRefund, txs[2].Type)
}

func TestCancelProcessingJobSignalsOrchestrator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	f.seedThreeByTwo(&models.MixSettings{GroupMixing: true, OutputCount: 3})

	res, err := f.svc.StartJob(ctx, testProject, models.JobRequest{UserID: testUser})
	require.NoError(t, err)
	_, err = f.store.TransitionJob(ctx, res.JobID, models.JobStatusProcessing, "first plan started", "")
	require.NoError(t, err)

	job, err := f.svc.CancelJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.True(t, job.CancelRequested)
	assert.Equal(t, []string{res.JobID}, f.orch.canceled)
	assert.Equal(t, int64(970), f.balance(t), "refund waits for the runner")
}

func TestCancelUnknownJob(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.svc.CancelJob(context.Background(), "missing")
	assert.Equal(t, http.StatusNotFound, mixerr.HTTPStatus(err))
}

func TestListOutputsAndFailuresOfUnknownJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	_, err := f.svc.ListOutputs(ctx, "missing")
	assert.Equal(t, mixerr.KindNotFound, mixerr.KindOf(err))
	_, err = f.svc.ListFailures(ctx, "missing", false)
	assert.Equal(t, mixerr.KindNotFound, mixerr.KindOf(err))
	_, err = f.svc.OpenOutput(ctx, "missing")
	assert.Equal(t, mixerr.KindNotFound, mixerr.KindOf(err))
}

func TestPurchaseRejectsNonPositive(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.svc.Purchase(context.Background(), testUser, 0, "")
	assert.Equal(t, mixerr.KindInvalidSettings, mixerr.KindOf(err))

	tx, err := f.svc.Purchase(context.Background(), testUser, 25, "top-up")
	require.NoError(t, err)
	assert.Equal(t, int64(25), tx.Amount)
	assert.Equal(t, int64(25), f.balance(t))
}

// TestEndToEnd runs a job through the in-process orchestrator against the
// fake transcoder and reads the results back through the service.
func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st := store.NewMemoryStore()
	cat := catalog.NewMemoryCatalog()
	ledger := credits.NewLedger(st, 10, nil)
	fake := transcodetest.New()
	fake.Content = []byte("mp4-bytes")
	fake.FailPlan(1, transcodetest.Corrupt())

	cfg := scheduler.DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	cfg.WorkDir = filepath.Join(dir, "work")

	exec := transcode.NewExecutor(fake, filepath.Join(dir, "outputs"), nil, nil)
	runner := scheduler.NewRunner(cfg, st, cat, exec, ledger, nil, nil, nil)
	orch := scheduler.NewInProcess(cfg, runner)
	require.NoError(t, orch.Start(ctx))
	defer orch.Shutdown(ctx)

	_, err := ledger.Purchase(ctx, testUser, 100, "")
	require.NoError(t, err)

	svc := New(Config{}, cat, st, ledger, orch, nil, nil)
	f := &fixture{svc: svc, catalog: cat}
	f.seedThreeByTwo(&models.MixSettings{GroupMixing: true, OutputCount: 3})

	res, err := svc.StartJob(ctx, testProject, models.JobRequest{UserID: testUser})
	require.NoError(t, err)

	var status *models.JobStatusView
	require.Eventually(t, func() bool {
		job, err := svc.GetJob(ctx, res.JobID)
		if err != nil || !job.Settled {
			return false
		}
		status = job.View()
		return true
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, models.JobStatusCompleted, status.Status)
	assert.Equal(t, 100, status.Progress)
	assert.Equal(t, 2, status.SucceededPlans)
	assert.Equal(t, 1, status.FailedPlans)

	// 100 - 30 + 10 refund for the corrupt plan
	b, err := svc.Balance(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(80), b)

	outputs, err := svc.ListOutputs(ctx, res.JobID)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.Equal(t, 0, outputs[0].PlanIndex)
	assert.Equal(t, 2, outputs[1].PlanIndex)

	stream, err := svc.OpenOutput(ctx, outputs[0].ID)
	require.NoError(t, err)
	defer stream.Body.Close()
	body, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("mp4-bytes"), body)
	assert.Equal(t, "video/mp4", stream.ContentType)
	assert.Equal(t, "mix_000.mp4", stream.Filename)
	assert.Equal(t, int64(len(body)), stream.Size)

	failures, err := svc.ListFailures(ctx, res.JobID, false)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].PlanIndex)
	assert.Equal(t, string(mixerr.KindInputCorrupt), failures[0].Kind)
	assert.Empty(t, failures[0].Diagnostics)

	failures, err = svc.ListFailures(ctx, res.JobID, true)
	require.NoError(t, err)
	assert.Contains(t, failures[0].Diagnostics, "moov atom not found")
}
