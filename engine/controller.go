package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/franksops/blobmover/provider"
)

// JobState is the lifecycle state of a Controller.
type JobState int

const (
	StateCreated JobState = iota
	StateFetchingMetadata
	StateTransferring
	StateFinished
	StateFailed
)

func (s JobState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateFetchingMetadata:
		return "fetching-metadata"
	case StateTransferring:
		return "transferring"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Variant selects how a Controller picks between its reader and writer.
type Variant int

const (
	// VariantSync resolves metadata first, then prefers writer steps over
	// reader steps.
	VariantSync Variant = iota
	// VariantPipelined checks for writer work before anything else, so
	// staged chunks drain as early as possible.
	VariantPipelined
	// VariantReaderOnly drives a reader alone, for verification jobs.
	VariantReaderOnly
)

func (v Variant) String() string {
	switch v {
	case VariantSync:
		return "sync"
	case VariantPipelined:
		return "pipelined"
	case VariantReaderOnly:
		return "reader-only"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

type stepKind int

const (
	stepNone stepKind = iota
	stepMetadata
	stepWrite
	stepRead
)

// Controller drives one TransferJob. Work-pulling schedulers call HasWork and
// then DoWork from any number of goroutines.
type Controller struct {
	job     *TransferJob
	variant Variant
	sizing  Sizing
	pool    *ChunkBufferPool
	ownPool bool
	force   bool
	log     *zap.Logger

	reader Reader
	writer Writer

	shared atomic.Pointer[SharedTransferData]
	failed atomic.Bool

	mu      sync.Mutex
	state   JobState
	err     error
	changed chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithBufferPool shares pool between controllers. By default every
// controller creates its own.
func WithBufferPool(pool *ChunkBufferPool) Option {
	return func(c *Controller) {
		c.pool = pool
	}
}

// WithSizing overrides the chunking settings.
func WithSizing(s Sizing) Option {
	return func(c *Controller) {
		c.sizing = s
	}
}

// WithForce allows replacing an existing destination.
func WithForce(force bool) Option {
	return func(c *Controller) {
		c.force = force
	}
}

// WithPipelining selects VariantPipelined for copy jobs.
func WithPipelining() Option {
	return func(c *Controller) {
		c.variant = VariantPipelined
	}
}

// NewController builds the controller for job. It fails with
// ErrUnsupportedKind when no reader and writer handle the job's locations.
func NewController(job *TransferJob, opts ...Option) (*Controller, error) {
	if job.Checkpoint == nil {
		job.Checkpoint = NewCheckpoint()
	}

	c := &Controller{
		job:     job,
		variant: VariantSync,
		sizing:  DefaultSizing(),
		log:     zap.NewNop(),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sizing.Window <= 0 {
		c.sizing.Window = DefaultSizing().Window
	}
	if c.pool == nil {
		c.pool = NewChunkBufferPool(0, 0)
		c.ownPool = true
	}
	c.log = c.log.With(zap.String("job", job.ID))

	reader, writer, err := newStrategy(job, c.force, c.log)
	if err != nil {
		return nil, err
	}
	c.reader = reader
	c.writer = writer
	if writer == nil {
		c.variant = VariantReaderOnly
	}
	return c, nil
}

// Job returns the job being driven.
func (c *Controller) Job() *TransferJob { return c.job }

// Variant returns the work-selection variant.
func (c *Controller) Variant() Variant { return c.variant }

// State returns the current lifecycle state.
func (c *Controller) State() JobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the first error any step returned, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done reports whether the job has finished or failed.
func (c *Controller) Done() bool {
	st := c.State()
	return st == StateFinished || st == StateFailed
}

// Changes returns a channel closed after the next step completes.
func (c *Controller) Changes() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// HasWork reports whether DoWork would run a step.
func (c *Controller) HasWork() bool {
	if c.failed.Load() {
		return false
	}
	switch c.State() {
	case StateCreated:
		return true
	case StateTransferring:
	default:
		return false
	}
	if c.writer == nil {
		return c.reader.HasWork()
	}
	return c.writer.HasWork() || (c.writer.Preprocessed() && c.reader.HasWork())
}

// HasWriterWork reports whether a writer step is ready.
func (c *Controller) HasWriterWork() bool {
	if c.failed.Load() || c.writer == nil || c.State() != StateTransferring {
		return false
	}
	return c.writer.HasWork()
}

// DoWork runs at most one reader or writer step and reports whether the job
// is over. Once a step fails every later call returns that first error.
func (c *Controller) DoWork(ctx context.Context) (bool, error) {
	if c.Done() {
		return true, c.Err()
	}
	defer c.notify()

	if err := ctx.Err(); err != nil {
		c.fail(err)
		return true, c.Err()
	}

	var err error
	switch c.nextStep() {
	case stepMetadata:
		err = c.resolveMetadata(ctx)
	case stepWrite:
		err = c.writer.Step(ctx)
	case stepRead:
		err = c.reader.Step(ctx)
	}
	if err != nil {
		c.fail(err)
		return true, c.Err()
	}
	return c.complete(), nil
}

func (c *Controller) nextStep() stepKind {
	if c.failed.Load() {
		return stepNone
	}

	switch c.variant {
	case VariantReaderOnly:
		if c.claimMetadata() {
			return stepMetadata
		}
		if c.armed() && c.reader.HasWork() {
			return stepRead
		}
		return stepNone
	case VariantPipelined:
		if c.armed() && c.writer.HasWork() {
			return stepWrite
		}
		if c.claimMetadata() {
			return stepMetadata
		}
	default:
		if c.claimMetadata() {
			return stepMetadata
		}
		if c.armed() && c.writer.HasWork() {
			return stepWrite
		}
	}

	if c.writer.Preprocessed() && c.reader.HasWork() {
		return stepRead
	}
	return stepNone
}

// claimMetadata moves Created to FetchingMetadata for exactly one caller.
func (c *Controller) claimMetadata() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCreated {
		return false
	}
	c.state = StateFetchingMetadata
	return true
}

func (c *Controller) armed() bool {
	return c.shared.Load() != nil
}

// resolveMetadata is the reader's pre-processing step. The block size and
// scheduler are settled here, before any data step can run.
func (c *Controller) resolveMetadata(ctx context.Context) error {
	c.log.Debug("fetching source metadata", zap.Stringer("source", c.job.Source))

	info, err := c.reader.FetchMetadata(ctx)
	if err != nil {
		return err
	}

	cp := c.job.Checkpoint
	resumed := cp.Started()
	blockSize := cp.BlockSize()
	if !resumed || blockSize == 0 {
		blockSize = c.blockSize(info.TotalLength)
	}

	scheduler, err := NewChunkScheduler(cp, info.TotalLength, blockSize, c.sizing.Window)
	if err != nil {
		return err
	}
	cp.SetBlockSize(blockSize)

	shared := newSharedTransferData(info, blockSize, scheduler, c.pool)
	shared.Resumed = resumed

	if err := c.reader.Arm(shared); err != nil {
		return err
	}
	if c.writer != nil {
		c.writer.Arm(shared)
	}
	c.shared.Store(shared)

	c.mu.Lock()
	if c.state == StateFetchingMetadata {
		c.state = StateTransferring
	}
	c.mu.Unlock()

	c.log.Info("transfer armed",
		zap.String("variant", c.variant.String()),
		zap.Int64("total_bytes", info.TotalLength),
		zap.Int64("block_size", blockSize),
		zap.Bool("resumed", resumed),
		zap.Int("resumed_window", len(cp.Window())),
		zap.Int64("next_offset", cp.NextOffset()),
		zap.Int64("expected_chunks", shared.Pending()),
	)
	return nil
}

// blockSize applies the destination's block limits on top of the sizing.
func (c *Controller) blockSize(total int64) int64 {
	sizing := c.sizing
	dst := c.job.Destination
	if limits, ok := dst.Store.(provider.Limits); ok && dst.Kind == KindBlockObject {
		if m := limits.MaxBlocks(); m > 0 && (sizing.MaxChunks <= 0 || m < sizing.MaxChunks) {
			sizing.MaxChunks = m
		}
		sizing.MinBlockSize = max(sizing.MinBlockSize, limits.MinBlockSize())
	}

	bs := sizing.BlockSize(total, c.pool.BufferSize())
	if dst.Kind == KindPageObject {
		bs = ceilDiv(bs, provider.PageSize) * provider.PageSize
	}
	return bs
}

func (c *Controller) complete() bool {
	if c.failed.Load() {
		return true
	}
	var done bool
	if c.writer == nil {
		done = c.reader.IsFinished()
	} else {
		done = c.writer.IsFinished()
	}
	if !done {
		return false
	}

	c.mu.Lock()
	first := c.state == StateTransferring
	if first {
		c.state = StateFinished
	}
	c.mu.Unlock()

	if first {
		p := c.Progress()
		c.log.Info("transfer finished",
			zap.Int64("total_bytes", p.TotalBytes),
			zap.Int64("transferred_bytes", p.TransferredBytes),
		)
	}
	return true
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.state = StateFailed
	c.mu.Unlock()

	if !c.failed.CompareAndSwap(false, true) {
		return
	}
	if shared := c.shared.Load(); shared != nil {
		shared.drain()
	}

	cp := c.job.Checkpoint
	fields := []zap.Field{
		zap.Error(err),
		zap.Int64("next_offset", cp.NextOffset()),
		zap.Int64s("window", cp.Window()),
	}
	if IsCancelled(err) {
		c.log.Info("transfer interrupted", fields...)
	} else {
		c.log.Error("transfer failed", fields...)
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

// Progress is a point-in-time view of a transfer.
type Progress struct {
	State     JobState
	BlockSize int64
	// TotalBytes is the source length, zero until metadata is resolved.
	TotalBytes int64
	// CompletedBytes counts every byte known durable, including work done by
	// earlier runs of the job.
	CompletedBytes int64
	// TransferredBytes counts bytes retired during this run.
	TransferredBytes int64
	// InFlight lists allocated but unretired chunk offsets.
	InFlight []int64
}

// Progress reports how far the job has come.
func (c *Controller) Progress() Progress {
	p := Progress{State: c.State()}
	shared := c.shared.Load()
	if shared == nil {
		return p
	}

	p.BlockSize = shared.BlockSize
	p.TotalBytes = shared.TotalLength
	p.TransferredBytes = shared.Transferred()
	p.InFlight = shared.InFlight()

	var inFlight int64
	for _, off := range p.InFlight {
		inFlight += min(shared.BlockSize, shared.TotalLength-off)
	}
	p.CompletedBytes = c.job.Checkpoint.NextOffset() - inFlight
	return p
}

// Digests returns the CRC64 of every chunk read in this run, keyed by offset.
func (c *Controller) Digests() map[int64]uint64 {
	shared := c.shared.Load()
	if shared == nil {
		return nil
	}
	return shared.Digests()
}

// Close releases the reader, the writer and any staged buffers. It does not
// touch the checkpoint.
func (c *Controller) Close() error {
	if shared := c.shared.Load(); shared != nil {
		shared.drain()
	}

	err := c.reader.Close()
	if c.writer != nil {
		if werr := c.writer.Close(); err == nil {
			err = werr
		}
	}
	if c.ownPool {
		c.pool.Close()
	}
	return err
}
