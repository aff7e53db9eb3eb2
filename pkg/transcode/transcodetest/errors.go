package transcodetest

import (
	"context"

	"github.com/reelmix/reelmix/pkg/mixerr"
)

func canceled(ctx context.Context) error {
	return mixerr.New(mixerr.KindCanceled, "transcode", ctx.Err())
}

// Failed is a retryable transcoder failure
func Failed(msg string) error {
	return mixerr.Newf(mixerr.KindTranscodeFailed, "transcode", "%s", msg).WithDiagnostics("fake stderr: " + msg)
}

// Timeout is a transcoder timeout
func Timeout() error {
	return mixerr.Newf(mixerr.KindTranscodeTimeout, "transcode", "transcode exceeded its time limit")
}

// Corrupt is a non-retryable unreadable-input failure
func Corrupt() error {
	return mixerr.Newf(mixerr.KindInputCorrupt, "transcode", "source clip unreadable: moov atom not found").
		WithDiagnostics("moov atom not found")
}
