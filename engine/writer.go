package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/franksops/blobmover/provider"
)

// Writer is the consuming side of a transfer. Its first Step prepares the
// destination; later steps drain chunks; the step that sees the last chunk
// retired finalises the destination.
type Writer interface {
	Arm(shared *SharedTransferData)
	HasWork() bool
	Preprocessed() bool
	Step(ctx context.Context) error
	IsFinished() bool
	Close() error
}

// destination is what a chunkWriter writes into.
type destination interface {
	prepare(ctx context.Context, shared *SharedTransferData) error
	write(ctx context.Context, p *ChunkPayload) error
	finish(ctx context.Context, shared *SharedTransferData) error
	close() error
}

// sequential destinations accept chunks only in offset order.
type sequential interface {
	expected(shared *SharedTransferData) int64
}

type chunkWriter struct {
	dest destination
	log  *zap.Logger

	shared       atomic.Pointer[SharedTransferData]
	preparing    atomic.Bool
	preprocessed atomic.Bool
	finishing    atomic.Bool
	finished     atomic.Bool
	failed       atomic.Bool
}

func newChunkWriter(dest destination, log *zap.Logger) *chunkWriter {
	return &chunkWriter{dest: dest, log: log}
}

func (w *chunkWriter) Arm(shared *SharedTransferData) {
	w.shared.Store(shared)
}

func (w *chunkWriter) Preprocessed() bool { return w.preprocessed.Load() }

func (w *chunkWriter) IsFinished() bool {
	return w.failed.Load() || w.finished.Load()
}

func (w *chunkWriter) HasWork() bool {
	shared := w.shared.Load()
	if shared == nil || w.failed.Load() || w.finished.Load() {
		return false
	}
	if !w.preprocessed.Load() {
		return !w.preparing.Load()
	}
	if shared.Pending() == 0 {
		return !w.finishing.Load()
	}
	if seq, ok := w.dest.(sequential); ok {
		return shared.HasAvailableAt(seq.expected(shared))
	}
	return shared.HasAvailable()
}

func (w *chunkWriter) Step(ctx context.Context) error {
	shared := w.shared.Load()
	if shared == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.step(ctx, shared); err != nil {
		w.failed.Store(true)
		return err
	}
	return nil
}

func (w *chunkWriter) step(ctx context.Context, shared *SharedTransferData) error {
	if !w.preprocessed.Load() {
		if !w.preparing.CompareAndSwap(false, true) {
			return nil
		}
		if err := w.dest.prepare(ctx, shared); err != nil {
			return fmt.Errorf("failed to prepare destination: %w", err)
		}
		w.preprocessed.Store(true)
		return nil
	}

	if shared.Pending() == 0 {
		return w.finalize(ctx, shared)
	}

	p, ok := w.take(shared)
	if !ok {
		return nil
	}
	defer p.release(shared.Pool)

	if err := w.dest.write(ctx, p); err != nil {
		return fmt.Errorf("failed to write chunk at offset %d: %w", p.Offset, err)
	}
	last, err := shared.retire(p.Chunk)
	if err != nil {
		return err
	}
	w.log.Debug("chunk written", zap.Int64("offset", p.Offset), zap.Int64("length", p.Length))

	if last {
		return w.finalize(ctx, shared)
	}
	return nil
}

func (w *chunkWriter) take(shared *SharedTransferData) (*ChunkPayload, bool) {
	if seq, ok := w.dest.(sequential); ok {
		return shared.TakeAt(seq.expected(shared))
	}
	return shared.Take()
}

func (w *chunkWriter) finalize(ctx context.Context, shared *SharedTransferData) error {
	if !w.finishing.CompareAndSwap(false, true) {
		return nil
	}
	if err := w.dest.finish(ctx, shared); err != nil {
		return fmt.Errorf("failed to finalize destination: %w", err)
	}
	w.finished.Store(true)
	return nil
}

func (w *chunkWriter) Close() error {
	return w.dest.close()
}

// checkOverwrite refuses to replace an existing object unless the job is
// resuming or force is set.
func checkOverwrite(ctx context.Context, store provider.ObjectStore, key string, resumed, force bool) error {
	if resumed || force {
		return nil
	}
	_, err := store.Stat(ctx, key, provider.Conditions{})
	switch {
	case err == nil:
		return fmt.Errorf("%q: %w", key, provider.ErrDestinationExists)
	case errors.Is(err, provider.ErrNotFound):
		return nil
	default:
		return err
	}
}

// blockDestination stages chunks as independent blocks and commits them
// once all are written.
type blockDestination struct {
	store provider.ObjectStore
	key   string
	force bool
}

func (d *blockDestination) prepare(ctx context.Context, shared *SharedTransferData) error {
	if err := checkOverwrite(ctx, d.store, d.key, shared.Resumed, d.force); err != nil {
		return err
	}
	creator, ok := d.store.(provider.Creator)
	if !ok {
		return nil
	}
	return creator.Create(ctx, d.key, provider.ObjectSpec{
		Kind:      provider.KindBlock,
		Size:      shared.TotalLength,
		BlockSize: shared.BlockSize,
		Resume:    shared.Resumed,
	})
}

func (d *blockDestination) write(ctx context.Context, p *ChunkPayload) error {
	return d.store.WriteRange(ctx, d.key, p.Offset, p.Reader(), p.Length, provider.Conditions{})
}

func (d *blockDestination) finish(ctx context.Context, shared *SharedTransferData) error {
	committer, ok := d.store.(provider.Committer)
	if !ok {
		return nil
	}
	return committer.Commit(ctx, d.key, shared.TotalLength)
}

func (d *blockDestination) close() error { return nil }

// pageDestination writes chunks at their offsets of a fixed-size object and
// leaves all-zero chunks unwritten.
type pageDestination struct {
	blockDestination
}

func (d *pageDestination) prepare(ctx context.Context, shared *SharedTransferData) error {
	if shared.TotalLength%provider.PageSize != 0 {
		return fmt.Errorf("page object length %d is not a multiple of %d: %w",
			shared.TotalLength, provider.PageSize, provider.ErrUnsupportedOperation)
	}
	if err := checkOverwrite(ctx, d.store, d.key, shared.Resumed, d.force); err != nil {
		return err
	}
	creator, ok := d.store.(provider.Creator)
	if !ok {
		return nil
	}
	return creator.Create(ctx, d.key, provider.ObjectSpec{
		Kind:      provider.KindPage,
		Size:      shared.TotalLength,
		BlockSize: shared.BlockSize,
		Resume:    shared.Resumed,
	})
}

func (d *pageDestination) write(ctx context.Context, p *ChunkPayload) error {
	if p.IsZero() {
		return nil
	}
	return d.blockDestination.write(ctx, p)
}

// appendDestination appends chunks strictly in offset order. On resume it
// skips chunks that an interrupted run already appended.
type appendDestination struct {
	blockDestination
	length atomic.Int64
}

func (d *appendDestination) prepare(ctx context.Context, shared *SharedTransferData) error {
	if err := checkOverwrite(ctx, d.store, d.key, shared.Resumed, d.force); err != nil {
		return err
	}
	if creator, ok := d.store.(provider.Creator); ok {
		err := creator.Create(ctx, d.key, provider.ObjectSpec{
			Kind:   provider.KindAppend,
			Size:   shared.TotalLength,
			Resume: shared.Resumed,
		})
		if err != nil {
			return err
		}
	}
	if !shared.Resumed {
		return nil
	}

	info, err := d.store.Stat(ctx, d.key, provider.Conditions{})
	if err != nil {
		return err
	}
	d.length.Store(info.Size)
	return nil
}

func (d *appendDestination) expected(shared *SharedTransferData) int64 {
	cp := shared.Scheduler.cp
	if w := cp.Window(); len(w) > 0 {
		return slices.Min(w)
	}
	return cp.NextOffset()
}

func (d *appendDestination) write(ctx context.Context, p *ChunkPayload) error {
	length := d.length.Load()
	switch {
	case p.End() <= length:
		return nil
	case p.Offset != length:
		return fmt.Errorf("chunk [%d, %d) does not continue append object of length %d: %w",
			p.Offset, p.End(), length, ErrCheckpointCorrupted)
	}
	if err := d.store.WriteRange(ctx, d.key, p.Offset, p.Reader(), p.Length, provider.Conditions{}); err != nil {
		return err
	}
	d.length.Store(p.End())
	return nil
}

// streamDestination is a local file or stream the reader writes into
// directly through a SharedStream.
type streamDestination struct {
	loc   Location
	force bool

	mu   sync.Mutex
	file *provider.LocalFile
	ss   *SharedStream
}

func (d *streamDestination) prepare(ctx context.Context, shared *SharedTransferData) error {
	var dst any = d.loc.Stream
	if d.loc.Kind == KindLocalFile {
		if !shared.Resumed && !d.force {
			exists, err := provider.LocalExists(d.loc.Path)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%q: %w", d.loc.Path, provider.ErrDestinationExists)
			}
		}
		f, err := provider.OpenLocalWrite(ctx, d.loc.Path, shared.TotalLength, shared.Resumed)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.file = f
		d.mu.Unlock()
		dst = f
	}

	ss, err := NewSharedStream(dst)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.ss = ss
	d.mu.Unlock()
	shared.setDestination(ss)
	return nil
}

func (d *streamDestination) write(ctx context.Context, p *ChunkPayload) error {
	return fmt.Errorf("chunk %d was buffered for a direct destination: %w", p.Offset, ErrWindowInvariant)
}

func (d *streamDestination) finish(ctx context.Context, shared *SharedTransferData) error {
	d.mu.Lock()
	ss := d.ss
	if d.file != nil {
		// Only a complete file takes the source's mtime.
		d.file.SetModTime(shared.ModTime)
	}
	d.mu.Unlock()
	if ss != nil {
		if err := ss.Sync(); err != nil {
			return err
		}
	}
	return d.close()
}

func (d *streamDestination) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

func newBlockDestination(loc Location, force bool) (destination, error) {
	if loc.Store == nil {
		return nil, fmt.Errorf("%s destination has no store", loc.Kind)
	}
	return &blockDestination{store: loc.Store, key: loc.Key, force: force}, nil
}

func newPageDestination(loc Location, force bool) (destination, error) {
	if loc.Store == nil {
		return nil, fmt.Errorf("%s destination has no store", loc.Kind)
	}
	return &pageDestination{blockDestination{store: loc.Store, key: loc.Key, force: force}}, nil
}

func newAppendDestination(loc Location, force bool) (destination, error) {
	if loc.Store == nil {
		return nil, fmt.Errorf("%s destination has no store", loc.Kind)
	}
	return &appendDestination{blockDestination: blockDestination{store: loc.Store, key: loc.Key, force: force}}, nil
}

func newStreamDestination(loc Location, force bool) (destination, error) {
	switch loc.Kind {
	case KindLocalFile:
		if loc.Path == "" {
			return nil, errors.New("local file destination has no path")
		}
	default:
		if loc.Stream == nil {
			return nil, fmt.Errorf("%s destination has no stream", loc.Kind)
		}
	}
	return &streamDestination{loc: loc, force: force}, nil
}
