package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reelmix/reelmix/pkg/catalog"
	"github.com/reelmix/reelmix/pkg/credits"
	"github.com/reelmix/reelmix/pkg/models"
	"github.com/reelmix/reelmix/pkg/store"
	"github.com/reelmix/reelmix/pkg/transcode"
	"github.com/reelmix/reelmix/pkg/transcode/transcodetest"
)

const (
	testUser      = "u1"
	testProject   = "p1"
	startBalance  = int64(1000)
	testPerOutput = int64(10)
)

type harness struct {
	store   *store.MemoryStore
	catalog *catalog.MemoryCatalog
	fake    *transcodetest.Fake
	ledger  *credits.Ledger
	runner  *Runner
	cfg     Config
	dir     string
}

func testConfig() Config {
	return Config{
		JobWorkers:         2,
		MaxConcurrentPlans: 4,
		PerJobConcurrency:  2,
		MaxAttempts:        3,
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
		PollInterval:       10 * time.Millisecond,
		CancelPollInterval: 10 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	dir := t.TempDir()
	cfg.WorkDir = filepath.Join(dir, "work")

	st := store.NewMemoryStore()
	cat := catalog.NewMemoryCatalog()
	fake := transcodetest.New()
	ledger := credits.NewLedger(st, testPerOutput, nil)
	exec := transcode.NewExecutor(fake, filepath.Join(dir, "outputs"), nil, nil)

	_, err := ledger.Purchase(context.Background(), testUser, startBalance, "")
	require.NoError(t, err)

	return &harness{
		store:   st,
		catalog: cat,
		fake:    fake,
		ledger:  ledger,
		runner:  NewRunner(cfg, st, cat, exec, ledger, nil, nil, nil),
		cfg:     cfg,
		dir:     dir,
	}
}

func clip(id string, dur float64) *models.Clip {
	return &models.Clip{ID: id, Duration: dur, Width: 1080, Height: 1920, Codec: "h264", HasAudio: true, Path: "/media/" + id + ".mp4"}
}

// seedGroups creates a project of three groups with two clips each; with
// group mixing it yields eight distinct plans.
func (h *harness) seedGroups(t *testing.T) {
	t.Helper()
	h.catalog.SetSettings(testProject, &models.MixSettings{GroupMixing: true})
	for g := 0; g < 3; g++ {
		h.catalog.AddGroup(&models.Group{
			ID:           fmt.Sprintf("g%d", g),
			ProjectID:    testProject,
			Name:         fmt.Sprintf("slot %d", g),
			DisplayOrder: g,
			Clips: []*models.Clip{
				clip(fmt.Sprintf("g%d-a", g), 2),
				clip(fmt.Sprintf("g%d-b", g), 3),
			},
		})
	}
}

// createJob reserves credits for a pending job of planned outputs
func (h *harness) createJob(t *testing.T, id string, planned int) *models.Job {
	t.Helper()

	settings := models.MixSettings{GroupMixing: true, OutputCount: planned}
	settings.ApplyDefaults()

	job := &models.Job{
		ID:               id,
		UserID:           testUser,
		ProjectID:        testProject,
		Settings:         settings,
		Status:           models.JobStatusPending,
		RequestedOutputs: planned,
		PlannedOutputs:   planned,
		CreditsPerOutput: testPerOutput,
		CreditsReserved:  testPerOutput * int64(planned),
		CreatedAt:        time.Now().UTC(),
	}
	_, err := h.ledger.ReserveJob(context.Background(), job)
	require.NoError(t, err)
	return job
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), testUser)
	require.NoError(t, err)
	return b
}

func (h *harness) job(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) waitTerminal(t *testing.T, id string) *models.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := h.store.GetJob(context.Background(), id)
		return err == nil && models.IsTerminalState(job.Status) && job.Settled
	}, 5*time.Second, 5*time.Millisecond)
	return h.job(t, id)
}
