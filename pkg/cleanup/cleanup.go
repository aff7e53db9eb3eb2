// Package cleanup prunes per-plan scratch directories left behind by
// crashed or killed transcodes.
package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/reelmix/reelmix/pkg/logging"
	"github.com/reelmix/reelmix/pkg/mixerr"
	"github.com/reelmix/reelmix/pkg/models"
)

// CleanupConfig defines the retention policy and cleanup interval
type CleanupConfig struct {
	Enabled         bool
	WorkDir         string        // root of <job id>/plan_NNN scratch directories
	Retention       time.Duration // minimum age before a directory is removed
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults for cleanup
func DefaultConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:         true,
		WorkDir:         "work",
		Retention:       24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// JobLookup resolves the job owning a scratch directory
type JobLookup interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
}

// CleanupManager handles periodic removal of stale scratch directories
type CleanupManager struct {
	config CleanupConfig
	jobs   JobLookup
	logger *logging.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats CleanupStats
}

// CleanupStats tracks cleanup operations
type CleanupStats struct {
	LastCleanupTime     time.Time
	LastCleanupDuration time.Duration
	TotalDirsRemoved    int64
	TotalBytesFreed     int64
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(config CleanupConfig, jobs JobLookup, logger *logging.Logger) *CleanupManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CleanupManager{
		config: config,
		jobs:   jobs,
		logger: logger.WithComponent("cleanup"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the periodic cleanup
func (cm *CleanupManager) Start() {
	if !cm.config.Enabled || cm.config.CleanupInterval <= 0 {
		cm.logger.Info("Cleanup manager disabled")
		return
	}

	cm.logger.Info("Starting cleanup manager", map[string]interface{}{
		"work_dir":  cm.config.WorkDir,
		"retention": cm.config.Retention.String(),
		"interval":  cm.config.CleanupInterval.String(),
	})

	cm.wg.Add(1)
	go cm.cleanupLoop()
}

// Stop gracefully stops the cleanup manager
func (cm *CleanupManager) Stop() {
	cm.cancel()
	cm.wg.Wait()
	cm.logger.Info("Cleanup manager stopped")
}

func (cm *CleanupManager) cleanupLoop() {
	defer cm.wg.Done()

	ticker := time.NewTicker(cm.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			if _, err := cm.CleanupNow(cm.ctx); err != nil {
				cm.logger.Error("Scratch cleanup failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// CleanupNow removes scratch directories older than the retention window
// whose job is finished or no longer known. It returns how many job
// directories were removed.
func (cm *CleanupManager) CleanupNow(ctx context.Context) (int, error) {
	start := cm.now()
	cutoff := start.Add(-cm.config.Retention)

	entries, err := os.ReadDir(cm.config.WorkDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	removed := 0
	var freed int64
	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		jobID := entry.Name()
		if !cm.reclaimable(ctx, jobID) {
			continue
		}

		dir := filepath.Join(cm.config.WorkDir, jobID)
		size := dirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			cm.logger.Warn("Failed to remove scratch directory", map[string]interface{}{
				"job_id": jobID,
				"error":  err.Error(),
			})
			continue
		}
		removed++
		freed += size
	}

	duration := cm.now().Sub(start)
	cm.mu.Lock()
	cm.stats.LastCleanupTime = start
	cm.stats.LastCleanupDuration = duration
	cm.stats.TotalDirsRemoved += int64(removed)
	cm.stats.TotalBytesFreed += freed
	cm.mu.Unlock()

	if removed > 0 {
		cm.logger.Info("Scratch cleanup complete", map[string]interface{}{
			"removed":     removed,
			"bytes_freed": freed,
			"duration":    duration.String(),
		})
	}
	return removed, nil
}

// reclaimable reports whether nothing can still be writing to a job's
// scratch space
func (cm *CleanupManager) reclaimable(ctx context.Context, jobID string) bool {
	job, err := cm.jobs.GetJob(ctx, jobID)
	if err != nil {
		return mixerr.KindOf(err) == mixerr.KindNotFound
	}
	return models.IsTerminalState(job.Status)
}

func dirSize(dir string) int64 {
	var size int64
	filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size
}

// GetStats returns current cleanup statistics
func (cm *CleanupManager) GetStats() CleanupStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats
}
