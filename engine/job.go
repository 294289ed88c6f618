package engine

import (
	"github.com/google/uuid"
)

// jobNamespace scopes the name-based UUIDs used as job IDs.
var jobNamespace = uuid.MustParse("5c0f3a8e-2d1b-4c6a-9f53-0b7e1d2a4c61")

// TransferJob represents a single object transfer from a source location to
// a destination location. A zero Destination makes it a verification job that
// only reads the source.
type TransferJob struct {
	// ID identifies the job across runs, so its checkpoint can be found again.
	ID string

	Source      Location
	Destination Location

	// Checkpoint records progress. NewController creates one when nil.
	Checkpoint *Checkpoint
}

// NewTransferJob returns a job with a fresh checkpoint and an ID derived from
// both locations.
func NewTransferJob(src, dst Location) *TransferJob {
	return &TransferJob{
		ID:          JobID(src, dst),
		Source:      src,
		Destination: dst,
		Checkpoint:  NewCheckpoint(),
	}
}

// JobID returns the same ID every time it is given the same pair of
// locations.
func JobID(src, dst Location) string {
	return uuid.NewSHA1(jobNamespace, []byte(src.String()+"\x00"+dst.String())).String()
}

// IsVerification reports whether the job only reads its source.
func (j *TransferJob) IsVerification() bool {
	return j.Destination.Kind == KindNone
}
