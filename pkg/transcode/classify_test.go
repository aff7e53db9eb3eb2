package transcode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reelmix/reelmix/pkg/mixerr"
)

func TestClassifyFailure(t *testing.T) {
	background := context.Background()

	canceledParent, cancel := context.WithCancel(background)
	cancel()

	expired, cancelExpired := context.WithTimeout(background, time.Nanosecond)
	defer cancelExpired()
	<-expired.Done()

	runErr := errors.New("exit status 1")

	tests := []struct {
		name        string
		parent      context.Context
		run         context.Context
		diagnostics string
		want        mixerr.Kind
		retryable   bool
	}{
		{"caller canceled", canceledParent, canceledParent, "", mixerr.KindCanceled, false},
		{"timeout", background, expired, "", mixerr.KindTranscodeTimeout, true},
		{"corrupt input", background, background, "[mov] moov atom not found\n", mixerr.KindInputCorrupt, false},
		{"missing input", background, background, "/media/x.mp4: No such file or directory", mixerr.KindInputCorrupt, false},
		{"generic failure", background, background, "Conversion failed!", mixerr.KindTranscodeFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyFailure(tt.parent, tt.run, runErr, tt.diagnostics)
			if got := mixerr.KindOf(err); got != tt.want {
				t.Errorf("Expected kind %s, got %s", tt.want, got)
			}
			if got := mixerr.IsRetryable(err); got != tt.retryable {
				t.Errorf("Expected retryable=%v, got %v", tt.retryable, got)
			}
			if mixerr.DiagnosticsOf(err) != tt.diagnostics {
				t.Errorf("Diagnostics not preserved: %q", mixerr.DiagnosticsOf(err))
			}
		})
	}
}
