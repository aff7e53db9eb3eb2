// Package resources guards host resources the transcoder depends on.
package resources

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskSpaceInfo describes the filesystem holding a path
type DiskSpaceInfo struct {
	Path        string
	TotalMB     uint64
	AvailableMB uint64
	UsedPercent float64
}

// CheckDiskSpace reports the filesystem usage for path, creating the
// directory first so a fresh work or output directory can be checked
func CheckDiskSpace(path string) (*DiskSpaceInfo, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to check disk space of %s: %w", path, err)
	}
	return &DiskSpaceInfo{
		Path:        path,
		TotalMB:     usage.Total / (1024 * 1024),
		AvailableMB: usage.Free / (1024 * 1024),
		UsedPercent: usage.UsedPercent,
	}, nil
}

// InsufficientSpaceError is returned when a path's filesystem has less free
// space than required
type InsufficientSpaceError struct {
	Info       *DiskSpaceInfo
	RequiredMB uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space under %s: need %d MB, available %d MB (%.1f%% used)",
		e.Info.Path, e.RequiredMB, e.Info.AvailableMB, e.Info.UsedPercent)
}

// EnsureSufficientDiskSpace fails when fewer than requiredMB are free under
// any of paths
func EnsureSufficientDiskSpace(requiredMB uint64, paths ...string) error {
	if requiredMB == 0 {
		return nil
	}
	for _, p := range paths {
		info, err := CheckDiskSpace(p)
		if err != nil {
			return err
		}
		if info.AvailableMB < requiredMB {
			return &InsufficientSpaceError{Info: info, RequiredMB: requiredMB}
		}
	}
	return nil
}
