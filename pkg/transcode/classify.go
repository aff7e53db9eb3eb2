package transcode

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/reelmix/reelmix/pkg/mixerr"
)

// corruptInputPatterns are ffmpeg diagnostics meaning a source cannot be read.
// Retrying these never helps.
var corruptInputPatterns = []string{
	"Invalid data found when processing input",
	"moov atom not found",
	"No such file or directory",
	"could not find codec parameters",
	"Error opening input",
	"does not contain any stream",
	"Invalid NAL unit size",
}

// classifyFailure turns a finished ffmpeg run into a classified error.
// parent is the caller's context, run the context bounded by the timeout.
func classifyFailure(parent, run context.Context, runErr error, diagnostics string) error {
	if parent.Err() != nil {
		return mixerr.New(mixerr.KindCanceled, "transcode", parent.Err()).WithDiagnostics(diagnostics)
	}
	if errors.Is(run.Err(), context.DeadlineExceeded) {
		return mixerr.Newf(mixerr.KindTranscodeTimeout, "transcode", "transcode exceeded its time limit").
			WithDiagnostics(diagnostics)
	}

	for _, pattern := range corruptInputPatterns {
		if strings.Contains(diagnostics, pattern) {
			return mixerr.Newf(mixerr.KindInputCorrupt, "transcode", "source clip unreadable: %s", pattern).
				WithDiagnostics(diagnostics)
		}
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return mixerr.Newf(mixerr.KindTranscodeFailed, "transcode", "ffmpeg exited with code %d", exitErr.ExitCode()).
			WithDiagnostics(diagnostics)
	}
	return mixerr.New(mixerr.KindTranscodeFailed, "transcode", runErr).WithDiagnostics(diagnostics)
}
