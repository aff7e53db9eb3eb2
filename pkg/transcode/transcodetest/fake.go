// Package transcodetest provides a scripted Transcoder for tests that must
// run without media tooling.
package transcodetest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/reelmix/reelmix/pkg/transcode"
)

// Fake writes a small placeholder file for every request unless a scripted
// error is queued for the plan. It is safe for concurrent use.
type Fake struct {
	mu       sync.Mutex
	errs     map[int][]error // plan index -> errors returned by successive attempts
	calls    map[int]int
	inFlight int
	maxSeen  int

	// Hook runs before the outcome is decided. Returning a non-nil error
	// fails the attempt with that error.
	Hook func(ctx context.Context, req transcode.Request) error

	// Delay holds each call open, returning early if ctx is canceled
	Delay time.Duration

	// Content is written to the output path; defaults to a short marker
	Content []byte
}

// New creates a fake that always succeeds
func New() *Fake {
	return &Fake{
		errs:  make(map[int][]error),
		calls: make(map[int]int),
	}
}

// FailPlan queues errors for successive attempts of planIndex. Attempts
// beyond the queue succeed.
func (f *Fake) FailPlan(planIndex int, errs ...error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[planIndex] = append(f.errs[planIndex], errs...)
	return f
}

// Calls returns how many attempts were made for planIndex
func (f *Fake) Calls(planIndex int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[planIndex]
}

// TotalCalls returns the number of attempts across all plans
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// MaxConcurrent is the highest number of simultaneous calls observed
func (f *Fake) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSeen
}

// Transcode implements transcode.Transcoder
func (f *Fake) Transcode(ctx context.Context, req transcode.Request) (*transcode.Result, error) {
	start := time.Now()
	plan := req.Spec.PlanIndex

	f.mu.Lock()
	f.calls[plan]++
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	var scripted error
	if queue := f.errs[plan]; len(queue) > 0 {
		scripted = queue[0]
		f.errs[plan] = queue[1:]
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.Hook != nil {
		if err := f.Hook(ctx, req); err != nil {
			return nil, err
		}
	}

	if req.OnProgress != nil {
		req.OnProgress(50)
	}

	if f.Delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(f.Delay):
		}
	}
	if ctx.Err() != nil {
		return nil, canceled(ctx)
	}
	if scripted != nil {
		return nil, scripted
	}

	content := f.Content
	if len(content) == 0 {
		content = []byte("reelmix-test-output")
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(req.OutputPath, content, 0644); err != nil {
		return nil, err
	}

	if req.OnProgress != nil {
		req.OnProgress(100)
	}
	return &transcode.Result{OutputPath: req.OutputPath, Elapsed: time.Since(start)}, nil
}
