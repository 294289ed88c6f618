package store

import (
	"errors"
	"path/filepath"
	"slices"
	"testing"
)

func TestBoltStore_SaveAndGetJob(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	store, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}
	defer store.Close()

	// Initial job
	job := &JobRecord{
		ID:          "job-123",
		Source:      "block-object:data/src.bin",
		Destination: "local-file:/tmp/dst.bin",
		State:       StatePending,
		TotalBytes:  1024,
	}

	err = store.SaveJob(job)
	if err != nil {
		t.Fatalf("Failed to save job: %v", err)
	}

	// Retrieve job
	retrievedJob, err := store.GetJob("job-123")
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}

	if retrievedJob.ID != job.ID {
		t.Errorf("Expected job ID %s, got %s", job.ID, retrievedJob.ID)
	}
	if retrievedJob.State != job.State {
		t.Errorf("Expected job State %s, got %s", job.State, retrievedJob.State)
	}
	if retrievedJob.UpdatedAt.IsZero() {
		t.Error("Expected UpdatedAt to be set")
	}
	if retrievedJob.Resumable() {
		t.Error("Expected a job without progress to not be resumable")
	}

	// Update with a checkpoint
	job.State = StateInterrupted
	job.BytesTransferred = 512
	job.NextOffset = 768
	job.Window = []int64{256, 512}
	job.Fingerprint = `"etag-1"`
	job.BlockSize = 256
	err = store.SaveJob(job)
	if err != nil {
		t.Fatalf("Failed to update job: %v", err)
	}

	retrievedJob, err = store.GetJob("job-123")
	if err != nil {
		t.Fatalf("Failed to get updated job: %v", err)
	}

	if retrievedJob.State != StateInterrupted {
		t.Errorf("Expected updated job State %s, got %s", StateInterrupted, retrievedJob.State)
	}
	if retrievedJob.NextOffset != 768 || !slices.Equal(retrievedJob.Window, []int64{256, 512}) {
		t.Errorf("Checkpoint not persisted: next=%d window=%v", retrievedJob.NextOffset, retrievedJob.Window)
	}
	if retrievedJob.Fingerprint != `"etag-1"` || retrievedJob.BlockSize != 256 {
		t.Errorf("Unexpected fingerprint %q or block size %d", retrievedJob.Fingerprint, retrievedJob.BlockSize)
	}
	if !retrievedJob.Resumable() {
		t.Error("Expected interrupted job with progress to be resumable")
	}

	// Non-existent job
	_, err = store.GetJob("non-existent")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestBoltStore_DeleteAndList(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "list.db"))
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}
	defer store.Close()

	for _, id := range []string{"b", "a", "c"} {
		if err := store.SaveJob(&JobRecord{ID: id, State: StatePending}); err != nil {
			t.Fatalf("Failed to save job %s: %v", id, err)
		}
	}

	if err := store.DeleteJob("b"); err != nil {
		t.Fatalf("Failed to delete job: %v", err)
	}
	if err := store.DeleteJob("missing"); err != nil {
		t.Errorf("Expected deleting a missing job to succeed, got %v", err)
	}

	jobs, err := store.ListJobs()
	if err != nil {
		t.Fatalf("Failed to list jobs: %v", err)
	}
	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	if !slices.Equal(ids, []string{"a", "c"}) {
		t.Errorf("Expected jobs [a c], got %v", ids)
	}
}

func TestBoltStore_Close(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test_close.db")

	store, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}

	err = store.Close()
	if err != nil {
		t.Errorf("Failed to close BoltStore: %v", err)
	}

	// Try to get a job on closed store
	_, err = store.GetJob("job-123")
	if err == nil {
		t.Error("Expected error when accessing closed store, got nil")
	}
}
