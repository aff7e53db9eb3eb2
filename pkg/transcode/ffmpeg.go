package transcode

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/reelmix/reelmix/pkg/logging"
	"github.com/reelmix/reelmix/pkg/mixerr"
)

const (
	stderrTailBytes = 8 * 1024
	killWaitDelay   = 5 * time.Second
)

// FFmpegTranscoder runs ffmpeg as a child process in its own process group
type FFmpegTranscoder struct {
	ffmpegPath string
	encoders   *Encoders
	logger     *logging.Logger
}

// NewFFmpegTranscoder creates a transcoder. A nil encoders value selects
// the software encoders.
func NewFFmpegTranscoder(ffmpegPath string, encoders *Encoders, logger *logging.Logger) *FFmpegTranscoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if encoders == nil {
		encoders = DefaultEncoders()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &FFmpegTranscoder{ffmpegPath: ffmpegPath, encoders: encoders, logger: logger}
}

// Transcode renders req.Spec to req.OutputPath. A partial file is removed
// when the run fails.
func (t *FFmpegTranscoder) Transcode(ctx context.Context, req Request) (*Result, error) {
	if req.Spec == nil {
		return nil, mixerr.Newf(mixerr.KindInternal, "transcode", "no pipeline spec")
	}

	args, err := BuildArgs(req.Spec, req.OutputPath, t.encoders)
	if err != nil {
		return nil, mixerr.New(mixerr.KindInternal, "transcode", err)
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0755); err != nil {
		return nil, mixerr.New(mixerr.KindInternal, "transcode", fmt.Errorf("failed to create output directory: %w", err))
	}

	runCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.ffmpegPath, args...)
	isolateProcessGroup(cmd)
	cmd.WaitDelay = killWaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, mixerr.New(mixerr.KindInternal, "transcode", err)
	}
	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr

	log := t.logger.WithFields(map[string]interface{}{
		"plan_index": req.Spec.PlanIndex,
		"output":     req.OutputPath,
	})
	log.Debug("Starting ffmpeg", map[string]interface{}{"args": len(args), "timeout": req.Timeout.String()})

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, mixerr.New(mixerr.KindTranscodeFailed, "transcode", fmt.Errorf("failed to start ffmpeg: %w", err))
	}

	tracker := newProgressTracker(req.OnProgress)
	done := make(chan struct{})
	go func() {
		defer close(done)
		parseProgress(stdout, req.Spec.TargetDuration, tracker)
	}()

	// The pipe must be drained before Wait closes it.
	<-done
	runErr := cmd.Wait()
	elapsed := time.Since(start)

	if runErr != nil {
		os.Remove(req.OutputPath)
		classified := classifyFailure(ctx, runCtx, runErr, stderr.String())
		log.Warn("ffmpeg run failed", map[string]interface{}{
			"kind":    string(mixerr.KindOf(classified)),
			"elapsed": elapsed.String(),
			"error":   classified.Error(),
		})
		return nil, classified
	}

	tracker.report(100)
	log.Info("ffmpeg run completed", map[string]interface{}{"elapsed": elapsed.String()})
	return &Result{OutputPath: req.OutputPath, Elapsed: elapsed}, nil
}
