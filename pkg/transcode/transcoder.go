// Package transcode runs compiled pipeline specs through an external media
// engine and turns the result into registered outputs.
package transcode

import (
	"context"
	"time"

	"github.com/reelmix/reelmix/pkg/pipeline"
)

// ProgressFunc receives percent-complete values in 0..100
type ProgressFunc func(percent float64)

// Request is one render of a pipeline spec to a file
type Request struct {
	Spec       *pipeline.Spec
	OutputPath string
	Timeout    time.Duration // 0 = no wall-clock limit
	OnProgress ProgressFunc
}

// Result describes a finished render
type Result struct {
	OutputPath string
	Elapsed    time.Duration
}

// Transcoder renders a pipeline spec. Implementations must return
// *mixerr.Error values classified as Canceled, TranscodeTimeout,
// InputCorrupt or TranscodeFailed.
type Transcoder interface {
	Transcode(ctx context.Context, req Request) (*Result, error)
}
