package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// TestSQLiteConcurrentAccess tests that concurrent plan results don't cause locks or lost updates
func TestSQLiteConcurrentAccess(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "concurrent.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	numPlans := 20
	job := newTestJob("job-concurrent", "u1", numPlans, time.Now().UTC())
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	var wg sync.WaitGroup
	errors := make(chan error, numPlans)

	for i := 0; i < numPlans; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if _, err := store.RecordPlanResult(ctx, job.ID, PlanResult{Succeeded: idx%4 != 0}); err != nil {
				errors <- err
			}
		}(i)
	}

	wg.Wait()
	close(errors)

	for err := range errors {
		t.Errorf("Concurrent update failed: %v", err)
	}

	stored, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if stored.CompletedPlans != numPlans {
		t.Errorf("Expected %d completed plans, got %d", numPlans, stored.CompletedPlans)
	}
	if stored.FailedPlans != 5 || stored.SucceededPlans != 15 {
		t.Errorf("Expected 15 succeeded / 5 failed, got %d / %d", stored.SucceededPlans, stored.FailedPlans)
	}
	if stored.Progress != 100 {
		t.Errorf("Expected progress 100, got %d", stored.Progress)
	}
}

// TestSQLiteReopen verifies data survives closing and reopening the database
func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if _, err := store.Purchase(ctx, "u1", 40, "pack", time.Now()); err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}
	store.Close()

	store, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer store.Close()

	balance, err := store.GetBalance(ctx, "u1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 40 {
		t.Errorf("Expected balance 40 after reopen, got %d", balance)
	}
}
