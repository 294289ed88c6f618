package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/franksops/blobmover/store"
)

// CheckpointConfig defines the criteria for when to save a job's state
type CheckpointConfig struct {
	// BytesInterval triggers a save after this many bytes have been transferred
	BytesInterval int64
	// TimeInterval triggers a save after this much time has passed
	TimeInterval time.Duration
}

// DefaultCheckpointConfig provides reasonable defaults for checkpointing
var DefaultCheckpointConfig = CheckpointConfig{
	BytesInterval: 10 * 1024 * 1024, // 10 MB
	TimeInterval:  5 * time.Second,
}

// JobTracker persists job checkpoints so an interrupted transfer can resume
// from where it stopped.
type JobTracker struct {
	store  store.Store
	config CheckpointConfig
}

// NewJobTracker creates a new JobTracker
func NewJobTracker(store store.Store, config CheckpointConfig) *JobTracker {
	return &JobTracker{
		store:  store,
		config: config,
	}
}

// Restore loads the saved checkpoint of job into job.Checkpoint. It reports
// false, leaving a fresh checkpoint, when nothing resumable was stored.
func (jt *JobTracker) Restore(job *TransferJob) (bool, error) {
	record, err := jt.store.GetJob(job.ID)
	if errors.Is(err, store.ErrJobNotFound) {
		job.Checkpoint = NewCheckpoint()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !record.Resumable() {
		job.Checkpoint = NewCheckpoint()
		return false, nil
	}

	job.Checkpoint = RestoreCheckpoint(CheckpointState{
		NextOffset:  record.NextOffset,
		Window:      record.Window,
		Fingerprint: record.Fingerprint,
		BlockSize:   record.BlockSize,
	})
	return true, nil
}

// InitJob records the job in the store, keeping any checkpoint it carries.
func (jt *JobTracker) InitJob(job *TransferJob) error {
	record := &store.JobRecord{
		ID:          job.ID,
		Source:      job.Source.String(),
		Destination: job.Destination.String(),
		State:       store.StatePending,
	}
	applyCheckpoint(record, job.Checkpoint.State())

	return jt.store.SaveJob(record)
}

// MarkInProgress updates a job's state to InProgress
func (jt *JobTracker) MarkInProgress(jobID string) error {
	record, err := jt.store.GetJob(jobID)
	if err != nil {
		return err
	}
	record.State = store.StateInProgress
	return jt.store.SaveJob(record)
}

// Checkpoint saves the job's checkpoint together with p.
func (jt *JobTracker) Checkpoint(job *TransferJob, p Progress) error {
	record, err := jt.store.GetJob(job.ID)
	if err != nil {
		return err
	}
	applyCheckpoint(record, job.Checkpoint.State())
	applyProgress(record, p)
	return jt.store.SaveJob(record)
}

// Finish records how c ended. A cancelled job is kept as Interrupted with its
// checkpoint so the next run resumes it.
func (jt *JobTracker) Finish(c *Controller) error {
	record, err := jt.store.GetJob(c.Job().ID)
	if err != nil {
		return err
	}
	applyCheckpoint(record, c.Job().Checkpoint.State())
	applyProgress(record, c.Progress())

	switch runErr := c.Err(); {
	case runErr == nil && c.State() == StateFinished:
		record.State = store.StateCompleted
		record.Error = ""
	case runErr == nil || IsCancelled(runErr):
		record.State = store.StateInterrupted
	default:
		record.State = store.StateFailed
		record.Error = runErr.Error()
	}
	return jt.store.SaveJob(record)
}

// Forget drops the stored state of a job so it starts over.
func (jt *JobTracker) Forget(jobID string) error {
	if err := jt.store.DeleteJob(jobID); err != nil {
		return fmt.Errorf("failed to forget job %s: %w", jobID, err)
	}
	return nil
}

func applyCheckpoint(record *store.JobRecord, st CheckpointState) {
	record.NextOffset = st.NextOffset
	record.Window = st.Window
	record.Fingerprint = st.Fingerprint
	record.BlockSize = st.BlockSize
}

func applyProgress(record *store.JobRecord, p Progress) {
	if p.TotalBytes > 0 {
		record.TotalBytes = p.TotalBytes
	}
	record.BytesTransferred = p.CompletedBytes
}

// TrackedController wraps a Controller and checkpoints its progress as steps
// complete.
type TrackedController struct {
	*Controller
	tracker *JobTracker

	mu              sync.Mutex
	lastCheckpoint  int64
	lastCheckpointT time.Time
	saveErr         error
}

// Track wraps c so its progress is saved every BytesInterval bytes or
// TimeInterval, whichever comes first.
func (jt *JobTracker) Track(c *Controller) *TrackedController {
	return &TrackedController{
		Controller:      c,
		tracker:         jt,
		lastCheckpoint:  c.Progress().CompletedBytes,
		lastCheckpointT: time.Now(),
	}
}

// DoWork runs one step of the wrapped controller and checkpoints if due.
func (tc *TrackedController) DoWork(ctx context.Context) (bool, error) {
	finished, err := tc.Controller.DoWork(ctx)
	if finished {
		return finished, err
	}

	p := tc.Progress()
	tc.mu.Lock()
	needsCheckpoint := false
	if p.CompletedBytes-tc.lastCheckpoint >= tc.tracker.config.BytesInterval {
		needsCheckpoint = true
	} else if time.Since(tc.lastCheckpointT) >= tc.tracker.config.TimeInterval {
		needsCheckpoint = true
	}
	if needsCheckpoint {
		tc.lastCheckpoint = p.CompletedBytes
		tc.lastCheckpointT = time.Now()
	}
	tc.mu.Unlock()

	if needsCheckpoint {
		// A failed save only costs resume granularity; keep transferring.
		if saveErr := tc.tracker.Checkpoint(tc.Job(), p); saveErr != nil {
			tc.mu.Lock()
			tc.saveErr = saveErr
			tc.mu.Unlock()
		}
	}
	return finished, err
}

// SaveErr returns the last checkpoint save error, if any.
func (tc *TrackedController) SaveErr() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.saveErr
}
