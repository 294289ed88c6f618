package engine

import (
	"fmt"
	"slices"
	"sync"
)

// CheckpointState is the persistable form of a Checkpoint.
type CheckpointState struct {
	NextOffset  int64   `json:"next_offset"`
	Window      []int64 `json:"window,omitempty"`
	Fingerprint string  `json:"fingerprint,omitempty"`
	BlockSize   int64   `json:"block_size,omitempty"`
}

// Checkpoint records how far a transfer has progressed.
//
// Every offset in [0, NextOffset) is either in the window (allocated, not yet
// confirmed) or durably complete. NextOffset never decreases. All mutation
// happens under the checkpoint's own lock, which is never held across I/O.
type Checkpoint struct {
	mu          sync.Mutex
	nextOffset  int64
	window      []int64
	fingerprint string
	blockSize   int64
}

// NewCheckpoint returns the checkpoint of a transfer that has not started.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{}
}

// RestoreCheckpoint rebuilds a checkpoint from persisted state. The state is
// validated against the live object once its length is known.
func RestoreCheckpoint(state CheckpointState) *Checkpoint {
	return &Checkpoint{
		nextOffset:  state.NextOffset,
		window:      slices.Clone(state.Window),
		fingerprint: state.Fingerprint,
		blockSize:   state.BlockSize,
	}
}

// State returns a consistent snapshot for persistence.
func (c *Checkpoint) State() CheckpointState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CheckpointState{
		NextOffset:  c.nextOffset,
		Window:      slices.Clone(c.window),
		Fingerprint: c.fingerprint,
		BlockSize:   c.blockSize,
	}
}

// NextOffset returns the smallest offset not yet scheduled.
func (c *Checkpoint) NextOffset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextOffset
}

// Window returns a copy of the offsets currently in flight, oldest first.
func (c *Checkpoint) Window() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.window)
}

// Fingerprint returns the source ETag recorded when the transfer started.
func (c *Checkpoint) Fingerprint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fingerprint
}

// SetFingerprint records the source ETag.
func (c *Checkpoint) SetFingerprint(fp string) {
	c.mu.Lock()
	c.fingerprint = fp
	c.mu.Unlock()
}

// BlockSize returns the chunk size the offsets were scheduled with, or zero
// if none was recorded.
func (c *Checkpoint) BlockSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockSize
}

// SetBlockSize records the chunk size.
func (c *Checkpoint) SetBlockSize(bs int64) {
	c.mu.Lock()
	c.blockSize = bs
	c.mu.Unlock()
}

// Started reports whether any offset has ever been scheduled.
func (c *Checkpoint) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextOffset > 0 || len(c.window) > 0
}

// Validate checks the checkpoint against the total length of the source and
// the chunk size offsets are scheduled with.
func (c *Checkpoint) Validate(totalLength, blockSize int64) error {
	if blockSize <= 0 {
		return fmt.Errorf("block size must be positive, got %d", blockSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nextOffset < 0 || c.nextOffset > totalLength {
		return fmt.Errorf("next offset %d outside [0, %d]: %w", c.nextOffset, totalLength, ErrCheckpointCorrupted)
	}
	if c.nextOffset == 0 && len(c.window) != 0 {
		return fmt.Errorf("%d offsets in flight before any was scheduled: %w", len(c.window), ErrCheckpointCorrupted)
	}
	if c.nextOffset%blockSize != 0 && c.nextOffset != totalLength {
		return fmt.Errorf("next offset %d is not aligned to block size %d: %w", c.nextOffset, blockSize, ErrCheckpointCorrupted)
	}

	seen := make(map[int64]struct{}, len(c.window))
	for _, off := range c.window {
		if off < 0 || off >= c.nextOffset {
			return fmt.Errorf("window offset %d outside [0, %d): %w", off, c.nextOffset, ErrCheckpointCorrupted)
		}
		if off%blockSize != 0 {
			return fmt.Errorf("window offset %d is not aligned to block size %d: %w", off, blockSize, ErrCheckpointCorrupted)
		}
		if _, dup := seen[off]; dup {
			return fmt.Errorf("window offset %d recorded twice: %w", off, ErrCheckpointCorrupted)
		}
		seen[off] = struct{}{}
	}
	return nil
}

// reserve claims the next offset if the window has room.
func (c *Checkpoint) reserve(maxWindow int, blockSize, totalLength int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.window) >= maxWindow || c.nextOffset >= totalLength {
		return 0, false
	}

	offset := c.nextOffset
	c.window = append(c.window, offset)
	c.nextOffset = min(c.nextOffset+blockSize, totalLength)
	return offset, true
}

// retire removes offset from the window once its data is durable.
func (c *Checkpoint) retire(offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := slices.Index(c.window, offset)
	if i < 0 {
		return fmt.Errorf("retire %d: %w", offset, ErrWindowInvariant)
	}
	c.window = slices.Delete(c.window, i, i+1)
	return nil
}

// hasRoom reports whether reserve could currently succeed.
func (c *Checkpoint) hasRoom(maxWindow int, totalLength int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.window) < maxWindow && c.nextOffset < totalLength
}

// done reports whether every offset has been scheduled and retired.
func (c *Checkpoint) done(totalLength int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextOffset >= totalLength && len(c.window) == 0
}
