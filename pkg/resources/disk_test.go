package resources

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
)

func TestCheckDiskSpace(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "work", "nested")

	info, err := CheckDiskSpace(dir)
	if err != nil {
		t.Fatalf("CheckDiskSpace() error = %v", err)
	}
	if info.TotalMB == 0 {
		t.Error("expected a non-zero filesystem size")
	}
	if info.AvailableMB > info.TotalMB {
		t.Errorf("available %d MB exceeds total %d MB", info.AvailableMB, info.TotalMB)
	}
}

func TestEnsureSufficientDiskSpace(t *testing.T) {
	dir := t.TempDir()

	if err := EnsureSufficientDiskSpace(0, dir); err != nil {
		t.Errorf("zero requirement should always pass, got %v", err)
	}
	if err := EnsureSufficientDiskSpace(1, dir); err != nil {
		t.Errorf("1 MB should be available in a temp dir, got %v", err)
	}

	err := EnsureSufficientDiskSpace(math.MaxUint64/(2*1024*1024), dir)
	var spaceErr *InsufficientSpaceError
	if !errors.As(err, &spaceErr) {
		t.Fatalf("expected InsufficientSpaceError, got %v", err)
	}
	if spaceErr.Info.Path != dir {
		t.Errorf("error path = %s, want %s", spaceErr.Info.Path, dir)
	}
}
