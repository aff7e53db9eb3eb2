package transcode

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/reelmix/reelmix/pkg/logging"
	"github.com/reelmix/reelmix/pkg/mixerr"
	"github.com/reelmix/reelmix/pkg/mixplan"
	"github.com/reelmix/reelmix/pkg/models"
	"github.com/reelmix/reelmix/pkg/pipeline"
	"github.com/reelmix/reelmix/pkg/resources"
)

// Executor renders one compiled plan and registers the file as an Output
type Executor struct {
	transcoder Transcoder
	outputDir  string
	timeouts   *models.PlanTimeout
	minFreeMB  uint64
	logger     *logging.Logger
	now        func() time.Time
}

// NewExecutor creates an executor writing finished outputs under outputDir
func NewExecutor(transcoder Transcoder, outputDir string, timeouts *models.PlanTimeout, logger *logging.Logger) *Executor {
	if timeouts == nil {
		timeouts = models.DefaultPlanTimeout()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Executor{
		transcoder: transcoder,
		outputDir:  outputDir,
		timeouts:   timeouts,
		logger:     logger,
		now:        time.Now,
	}
}

// SetMinFreeSpace makes each attempt fail as a retryable transcode failure
// while the work or output filesystem has less than mb megabytes free.
// Zero disables the check.
func (e *Executor) SetMinFreeSpace(mb uint64) {
	e.minFreeMB = mb
}

// OutputPath is where the output for a plan of a job is stored
func (e *Executor) OutputPath(jobID string, planIndex int, format string) string {
	return filepath.Join(e.outputDir, jobID, OutputFilename(planIndex, format))
}

// OutputFilename is the download name for a plan's output
func OutputFilename(planIndex int, format string) string {
	return fmt.Sprintf("mix_%03d.%s", planIndex+1, format)
}

// Execute makes a single attempt at rendering spec. The file is rendered
// inside workDir and moved into the output directory once complete, so a
// partially written output is never visible.
func (e *Executor) Execute(ctx context.Context, job *models.Job, plan *mixplan.MixPlan, spec *pipeline.Spec, workDir string, onProgress ProgressFunc) (*models.Output, error) {
	format := job.Settings.Format
	filename := OutputFilename(plan.Index, format)

	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, mixerr.New(mixerr.KindInternal, "execute", fmt.Errorf("failed to create work dir: %w", err))
	}
	if err := resources.EnsureSufficientDiskSpace(e.minFreeMB, workDir, e.outputDir); err != nil {
		return nil, mixerr.New(mixerr.KindTranscodeFailed, "execute", err)
	}
	scratch := filepath.Join(workDir, filename)

	timeout := e.timeouts.CalculateTimeout(spec.TargetDuration)
	log := e.logger.WithFields(map[string]interface{}{
		"job_id":     job.ID,
		"plan_index": plan.Index,
	})
	log.Debug("Rendering plan", map[string]interface{}{"timeout": timeout.String(), "target_duration": spec.TargetDuration})

	result, err := e.transcoder.Transcode(ctx, Request{
		Spec:       spec,
		OutputPath: scratch,
		Timeout:    timeout,
		OnProgress: onProgress,
	})
	if err != nil {
		return nil, err
	}

	finalPath := e.OutputPath(job.ID, plan.Index, format)
	if err := moveFile(result.OutputPath, finalPath); err != nil {
		return nil, mixerr.New(mixerr.KindInternal, "execute", fmt.Errorf("failed to store output: %w", err))
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return nil, mixerr.New(mixerr.KindInternal, "execute", fmt.Errorf("failed to stat output: %w", err))
	}
	if info.Size() == 0 {
		os.Remove(finalPath)
		return nil, mixerr.Newf(mixerr.KindTranscodeFailed, "execute", "transcoder produced an empty file")
	}

	now := e.now().UTC()
	output := &models.Output{
		ID:          uuid.New().String(),
		JobID:       job.ID,
		PlanIndex:   plan.Index,
		Path:        finalPath,
		Filename:    filename,
		Format:      format,
		ContentType: pipeline.ContentType(format),
		Duration:    spec.TargetDuration,
		SizeBytes:   info.Size(),
		Metadata: models.OutputMetadata{
			SourceClipIDs: plan.ClipIDs(),
			CreatedAt:     spec.Metadata.CreatedAt,
			CampaignTags:  job.Settings.CampaignTags,
		},
		CreatedAt: now,
	}

	log.Info("Plan rendered", map[string]interface{}{
		"output_id":  output.ID,
		"size_bytes": output.SizeBytes,
		"elapsed":    result.Elapsed.String(),
	})
	return output, nil
}

// moveFile renames src to dst, copying when they sit on different devices
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
