package transcode_test

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelmix/reelmix/pkg/mixerr"
	"github.com/reelmix/reelmix/pkg/mixplan"
	"github.com/reelmix/reelmix/pkg/models"
	"github.com/reelmix/reelmix/pkg/pipeline"
	"github.com/reelmix/reelmix/pkg/transcode"
	"github.com/reelmix/reelmix/pkg/transcode/transcodetest"
)

func compiledPlan(t *testing.T) (*models.Job, *mixplan.MixPlan, *pipeline.Spec) {
	t.Helper()

	settings := &models.MixSettings{OutputCount: 1, CampaignTags: map[string]string{"region": "eu"}}
	settings.ApplyDefaults()

	clips := []*models.Clip{
		{ID: "c1", Duration: 3, Path: "/media/c1.mp4", HasAudio: true},
		{ID: "c2", Duration: 4, Path: "/media/c2.mp4"},
	}
	plans, err := mixplan.Generate(nil, clips, settings)
	require.NoError(t, err)
	require.Len(t, plans, 1)

	spec, err := pipeline.Compile(plans[0], settings)
	require.NoError(t, err)

	job := &models.Job{ID: "job-1", Settings: *settings}
	return job, plans[0], spec
}

func TestExecuteRegistersOutput(t *testing.T) {
	job, plan, spec := compiledPlan(t)
	outDir := t.TempDir()
	workDir := filepath.Join(t.TempDir(), "plan-0")

	fake := transcodetest.New()
	exec := transcode.NewExecutor(fake, outDir, nil, nil)

	var progress []float64
	out, err := exec.Execute(context.Background(), job, plan, spec, workDir, func(p float64) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	assert.Equal(t, "job-1", out.JobID)
	assert.Equal(t, 0, out.PlanIndex)
	assert.Equal(t, "mix_001.mp4", out.Filename)
	assert.Equal(t, "video/mp4", out.ContentType)
	assert.Equal(t, filepath.Join(outDir, "job-1", "mix_001.mp4"), out.Path)
	assert.Equal(t, spec.TargetDuration, out.Duration)
	assert.Equal(t, []string{"c1", "c2"}, out.Metadata.SourceClipIDs)
	assert.Equal(t, "eu", out.Metadata.CampaignTags["region"])
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, []float64{50, 100}, progress)

	info, err := os.Stat(out.Path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), out.SizeBytes)

	_, err = os.Stat(filepath.Join(workDir, "mix_001.mp4"))
	assert.True(t, os.IsNotExist(err), "scratch file should have been moved")
}

func TestExecutePropagatesClassifiedFailure(t *testing.T) {
	job, plan, spec := compiledPlan(t)
	outDir := t.TempDir()

	fake := transcodetest.New().FailPlan(0, transcodetest.Corrupt())
	exec := transcode.NewExecutor(fake, outDir, nil, nil)

	_, err := exec.Execute(context.Background(), job, plan, spec, t.TempDir(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, mixerr.ErrInputCorrupt)
	assert.False(t, mixerr.IsRetryable(err))

	_, statErr := os.Stat(filepath.Join(outDir, "job-1", "mix_001.mp4"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecuteCanceled(t *testing.T) {
	job, plan, spec := compiledPlan(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := transcode.NewExecutor(transcodetest.New(), t.TempDir(), nil, nil)
	_, err := exec.Execute(ctx, job, plan, spec, t.TempDir(), nil)
	assert.Equal(t, mixerr.KindCanceled, mixerr.KindOf(err))
}

func TestExecuteRequiresFreeSpace(t *testing.T) {
	job, plan, spec := compiledPlan(t)
	outDir := t.TempDir()

	exec := transcode.NewExecutor(transcodetest.New(), outDir, nil, nil)
	exec.SetMinFreeSpace(math.MaxUint64 / (2 * 1024 * 1024))

	_, err := exec.Execute(context.Background(), job, plan, spec, t.TempDir(), nil)
	require.Error(t, err)
	assert.Equal(t, mixerr.KindTranscodeFailed, mixerr.KindOf(err))
	assert.True(t, mixerr.IsRetryable(err))
	assert.Contains(t, err.Error(), "insufficient disk space")

	_, statErr := os.Stat(filepath.Join(outDir, "job-1", "mix_001.mp4"))
	assert.True(t, os.IsNotExist(statErr))
}
