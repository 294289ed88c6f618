package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"go.uber.org/zap"

	"github.com/franksops/blobmover/provider"
)

// Reader is the producing side of a transfer. FetchMetadata runs exactly
// once; Step runs once Arm has published the shared transfer state.
type Reader interface {
	// FetchMetadata resolves the source length, fingerprint and layout and
	// checks them against a resumed checkpoint.
	FetchMetadata(ctx context.Context) (SourceInfo, error)
	// Arm hands the reader the shared state built from its metadata.
	Arm(shared *SharedTransferData) error
	HasWork() bool
	// Step transfers at most one chunk.
	Step(ctx context.Context) error
	IsFinished() bool
	Close() error
}

// sinkMode selects where a reader puts chunk data.
type sinkMode int

const (
	// sinkBuffered stages chunks in pooled buffers for the writer.
	sinkBuffered sinkMode = iota
	// sinkDirect writes chunks straight into the shared destination stream.
	sinkDirect
	// sinkDigest only checksums chunks.
	sinkDigest
)

// chunkSource is the byte range provider behind a reader.
type chunkSource interface {
	stat(ctx context.Context) (SourceInfo, error)
	open(ctx context.Context, c Chunk, fingerprint string) (io.ReadCloser, error)
	close() error
}

type rangeReader struct {
	src  chunkSource
	mode sinkMode
	cp   *Checkpoint
	log  *zap.Logger

	shared    atomic.Pointer[SharedTransferData]
	remaining atomic.Int64
	failed    atomic.Bool
}

func newRangeReader(src chunkSource, mode sinkMode, cp *Checkpoint, log *zap.Logger) *rangeReader {
	return &rangeReader{src: src, mode: mode, cp: cp, log: log}
}

func (r *rangeReader) FetchMetadata(ctx context.Context) (SourceInfo, error) {
	if err := ctx.Err(); err != nil {
		return SourceInfo{}, err
	}

	info, err := r.src.stat(ctx)
	if err != nil {
		return SourceInfo{}, fmt.Errorf("failed to fetch source metadata: %w", err)
	}
	if info.Kind == provider.KindUnspecified {
		return SourceInfo{}, fmt.Errorf("source reports %s layout: %w", info.Kind, ErrUnsupportedMetadata)
	}

	if r.cp.Started() {
		recorded := r.cp.Fingerprint()
		if recorded == "" {
			return SourceInfo{}, fmt.Errorf("resuming at offset %d without a recorded fingerprint: %w", r.cp.NextOffset(), ErrCheckpointCorrupted)
		}
		if recorded != info.Fingerprint {
			return SourceInfo{}, fmt.Errorf("source fingerprint %s does not match recorded %s: %w", info.Fingerprint, recorded, ErrCheckpointCorrupted)
		}
	} else {
		r.cp.SetFingerprint(info.Fingerprint)
	}
	return info, nil
}

func (r *rangeReader) Arm(shared *SharedTransferData) error {
	if r.mode == sinkBuffered && shared.BuffersPerChunk+1 > shared.Pool.Capacity() {
		return fmt.Errorf("block size %d needs %d buffers but the pool holds %d: %w",
			shared.BlockSize, shared.BuffersPerChunk+1, shared.Pool.Capacity(), ErrPoolExhausted)
	}
	r.remaining.Store(shared.Scheduler.ExpectedChunks())
	r.shared.Store(shared)
	return nil
}

func (r *rangeReader) HasWork() bool {
	shared := r.shared.Load()
	if shared == nil || r.failed.Load() {
		return false
	}
	// A chunk stream takes one buffer beyond the chunk when it fills exactly.
	if r.mode == sinkBuffered && shared.Pool.Available() < shared.BuffersPerChunk+1 {
		return false
	}
	return shared.Scheduler.HasPending()
}

func (r *rangeReader) IsFinished() bool {
	if r.failed.Load() {
		return true
	}
	return r.shared.Load() != nil && r.remaining.Load() == 0
}

func (r *rangeReader) Step(ctx context.Context) error {
	shared := r.shared.Load()
	if shared == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Buffers are reserved before an offset is taken so a step never holds
	// an offset while waiting on the pool.
	var lease *Lease
	if r.mode == sinkBuffered {
		l, err := shared.Pool.Reserve(shared.BuffersPerChunk + 1)
		if errors.Is(err, ErrPoolExhausted) {
			return nil
		}
		if err != nil {
			return err
		}
		lease = l
		defer lease.Close()
	}

	chunk, ok := shared.Scheduler.Allocate()
	if !ok {
		return nil
	}

	if err := r.transfer(ctx, shared, chunk, lease); err != nil {
		r.failed.Store(true)
		return fmt.Errorf("failed to read chunk at offset %d: %w", chunk.Offset, err)
	}
	left := r.remaining.Add(-1)
	r.log.Debug("chunk read",
		zap.Int64("offset", chunk.Offset),
		zap.Int64("length", chunk.Length),
		zap.Int64("remaining", left),
	)
	return nil
}

func (r *rangeReader) transfer(ctx context.Context, shared *SharedTransferData, chunk Chunk, lease *Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := r.src.open(ctx, chunk, shared.Fingerprint)
	if err != nil {
		return err
	}
	defer body.Close()

	cr := NewChecksumReader(io.LimitReader(body, chunk.Length))
	defer cr.Release()

	var payload *ChunkPayload
	switch r.mode {
	case sinkBuffered:
		payload, err = collect(ctx, shared.Pool, lease, chunk, cr)
	case sinkDirect:
		err = r.writeDirect(shared, chunk, cr)
	case sinkDigest:
		_, err = io.Copy(io.Discard, cr)
	}
	if err == nil && cr.BytesRead() != chunk.Length {
		err = fmt.Errorf("got %d of %d bytes: %w", cr.BytesRead(), chunk.Length, io.ErrUnexpectedEOF)
	}
	if err != nil {
		if payload != nil {
			payload.release(shared.Pool)
		}
		return err
	}

	shared.recordDigest(chunk.Offset, cr.Checksum())

	if payload != nil {
		if err := shared.Publish(payload); err != nil {
			payload.release(shared.Pool)
			return err
		}
		return nil
	}

	// Direct and digest sinks are durable once written, so the reader
	// retires the chunk itself.
	_, err = shared.retire(chunk)
	return err
}

func (r *rangeReader) writeDirect(shared *SharedTransferData, chunk Chunk, src io.Reader) error {
	dest := shared.destination()
	if dest == nil {
		return errors.New("destination stream is not open")
	}

	sec := dest.Section(chunk.Offset)
	if _, err := io.Copy(sec, src); err != nil {
		return err
	}
	return sec.Flush()
}

// collect reads src into buffers taken from lease.
func collect(ctx context.Context, pool *ChunkBufferPool, lease *Lease, chunk Chunk, src io.Reader) (*ChunkPayload, error) {
	payload := &ChunkPayload{Chunk: chunk}
	cs, err := NewChunkStream(ctx, lease, func(b []byte) error {
		payload.Buffers = append(payload.Buffers, b)
		return nil
	})
	if err != nil {
		return nil, err
	}

	_, err = io.Copy(cs, src)
	if tail := cs.Detach(); tail != nil {
		payload.Buffers = append(payload.Buffers, tail)
	}
	cs.Close()

	if err != nil {
		payload.release(pool)
		return nil, err
	}
	return payload, nil
}

func (r *rangeReader) Close() error {
	return r.src.close()
}

type objectSource struct {
	store provider.ObjectStore
	key   string
}

func (s *objectSource) stat(ctx context.Context) (SourceInfo, error) {
	info, err := s.store.Stat(ctx, s.key, provider.Conditions{})
	if err != nil {
		return SourceInfo{}, err
	}
	return SourceInfo{TotalLength: info.Size, Fingerprint: info.ETag, Kind: info.Kind, ModTime: info.ModTime}, nil
}

func (s *objectSource) open(ctx context.Context, c Chunk, fingerprint string) (io.ReadCloser, error) {
	return s.store.ReadRange(ctx, s.key, c.Offset, c.Length, provider.Conditions{IfMatch: fingerprint})
}

func (s *objectSource) close() error { return nil }

type fileSource struct {
	path string
	f    *provider.LocalFile
}

func (s *fileSource) stat(ctx context.Context) (SourceInfo, error) {
	f, info, err := provider.OpenLocalRead(ctx, s.path)
	if err != nil {
		return SourceInfo{}, err
	}
	s.f = f
	return SourceInfo{TotalLength: info.Size, Fingerprint: info.ETag, Kind: info.Kind, ModTime: info.ModTime}, nil
}

// open checks the file has not changed since its metadata was read, the
// local counterpart of an If-Match read.
func (s *fileSource) open(ctx context.Context, c Chunk, fingerprint string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fi, err := s.f.Stat()
	if err != nil {
		return nil, err
	}
	if fp := provider.LocalFingerprint(fi); fingerprint != "" && fp != fingerprint {
		return nil, fmt.Errorf("%q changed during transfer: %w", s.path, provider.ErrPreconditionFailed)
	}
	return io.NopCloser(io.NewSectionReader(s.f, c.Offset, c.Length)), nil
}

func (s *fileSource) close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

type streamSource struct {
	r SizedReaderAt
}

func (s *streamSource) stat(ctx context.Context) (SourceInfo, error) {
	if err := ctx.Err(); err != nil {
		return SourceInfo{}, err
	}
	return SourceInfo{TotalLength: s.r.Size(), Kind: provider.KindBlock}, nil
}

func (s *streamSource) open(ctx context.Context, c Chunk, _ string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(io.NewSectionReader(s.r, c.Offset, c.Length)), nil
}

func (s *streamSource) close() error { return nil }

func newObjectSource(loc Location) (chunkSource, error) {
	if loc.Store == nil {
		return nil, fmt.Errorf("%s source has no store", loc.Kind)
	}
	return &objectSource{store: loc.Store, key: loc.Key}, nil
}

func newFileSource(loc Location) (chunkSource, error) {
	if loc.Path == "" {
		return nil, errors.New("local file source has no path")
	}
	return &fileSource{path: loc.Path}, nil
}

func newStreamSource(loc Location) (chunkSource, error) {
	switch v := loc.Stream.(type) {
	case SizedReaderAt:
		return &streamSource{r: v}, nil
	case *manager.WriteAtBuffer:
		return &streamSource{r: bytes.NewReader(v.Bytes())}, nil
	default:
		return nil, fmt.Errorf("stream source %T needs ReadAt and Size: %w", loc.Stream, ErrUnsupportedKind)
	}
}
