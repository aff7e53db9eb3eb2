package transcode

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"sync"
)

// progressTracker forwards only increasing, clamped percentages
type progressTracker struct {
	mu   sync.Mutex
	last float64
	fn   ProgressFunc
}

func newProgressTracker(fn ProgressFunc) *progressTracker {
	return &progressTracker{last: -1, fn: fn}
}

func (p *progressTracker) report(percent float64) {
	if p == nil || p.fn == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	p.mu.Lock()
	if percent <= p.last {
		p.mu.Unlock()
		return
	}
	p.last = percent
	p.mu.Unlock()

	p.fn(percent)
}

// parseProgress reads an ffmpeg -progress key=value stream. Each block ends
// with progress=continue or progress=end. out_time_us is the position in
// the output timeline in microseconds.
func parseProgress(r io.Reader, totalSeconds float64, tracker *progressTracker) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}

		switch key {
		case "out_time_us", "out_time_ms":
			// out_time_ms is also reported in microseconds
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil || us < 0 || totalSeconds <= 0 {
				continue
			}
			tracker.report(float64(us) / 1e6 / totalSeconds * 100)
		case "progress":
			if value == "end" {
				tracker.report(100)
			}
		}
	}
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
