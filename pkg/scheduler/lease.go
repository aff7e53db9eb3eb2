package scheduler

import (
	"context"
	"time"

	"github.com/reelmix/reelmix/pkg/logging"
	"github.com/reelmix/reelmix/pkg/store"
)

// leaseKeeper renews the claims of one worker so that other processes see
// its jobs as live. A worker that stops renewing loses its jobs to the next
// recovery sweep once ClaimLease has passed.
type leaseKeeper struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startLeaseKeeper(ctx context.Context, st store.JobStore, cfg Config, logger *logging.Logger) *leaseKeeper {
	ctx, cancel := context.WithCancel(ctx)
	k := &leaseKeeper{cancel: cancel, done: make(chan struct{})}

	interval := cfg.ClaimLease / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	go func() {
		defer close(k.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			n, err := st.RenewClaims(ctx, cfg.WorkerID, time.Now())
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("Failed to renew claims", map[string]interface{}{"error": err.Error()})
				}
				continue
			}
			if n > 0 {
				logger.Debug("Renewed claims", map[string]interface{}{"count": n})
			}
		}
	}()
	return k
}

// stop ends the renewals and waits for the goroutine to exit
func (k *leaseKeeper) stop() {
	if k == nil {
		return
	}
	k.cancel()
	<-k.done
}
