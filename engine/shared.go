package engine

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/franksops/blobmover/provider"
)

// ChunkPayload is a chunk read into pooled buffers, waiting for the writer.
type ChunkPayload struct {
	Chunk
	Buffers [][]byte
}

// Reader returns a seekable view of the payload bytes.
func (p *ChunkPayload) Reader() *io.SectionReader {
	return io.NewSectionReader(buffersReaderAt(p.Buffers), 0, p.Length)
}

// IsZero reports whether every byte of the payload is zero.
func (p *ChunkPayload) IsZero() bool {
	for _, b := range p.Buffers {
		for _, c := range b {
			if c != 0 {
				return false
			}
		}
	}
	return true
}

func (p *ChunkPayload) release(pool *ChunkBufferPool) {
	for _, b := range p.Buffers {
		pool.Release(b)
	}
	p.Buffers = nil
}

type buffersReaderAt [][]byte

func (bs buffersReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n := 0
	for _, b := range bs {
		if len(p) == 0 {
			break
		}
		if off >= int64(len(b)) {
			off -= int64(len(b))
			continue
		}
		c := copy(p, b[off:])
		n += c
		p = p[c:]
		off = 0
	}
	if len(p) > 0 {
		return n, io.EOF
	}
	return n, nil
}

// Sizing holds the chunking settings a controller derives its block size from.
type Sizing struct {
	// ChunkSize is the default chunk size and the unit block sizes are
	// multiples of.
	ChunkSize int64
	// MaxChunkSize caps the block size as long as the chunk count limit
	// still holds.
	MaxChunkSize int64
	// MaxChunks is the most chunks one object may be split into.
	MaxChunks int
	// MinBlockSize is a user-requested lower bound on the block size.
	MinBlockSize int64
	// Window bounds the number of chunks in flight.
	Window int
}

// DefaultSizing returns the built-in chunking settings.
func DefaultSizing() Sizing {
	return Sizing{
		ChunkSize:    4 * 1024 * 1024,
		MaxChunkSize: 100 * 1024 * 1024,
		MaxChunks:    50000,
		Window:       16,
	}
}

// BlockSize returns the chunk size for an object of totalLength bytes: the
// smallest multiple of ChunkSize that keeps the chunk count within MaxChunks,
// raised to MinBlockSize and rounded up to a multiple of bufferSize.
func (s Sizing) BlockSize(totalLength int64, bufferSize int) int64 {
	chunk := s.ChunkSize
	if chunk <= 0 {
		chunk = DefaultSizing().ChunkSize
	}
	maxChunks := int64(s.MaxChunks)
	if maxChunks <= 0 {
		maxChunks = int64(DefaultSizing().MaxChunks)
	}

	bs := ceilDiv(totalLength, maxChunks*chunk) * chunk
	bs = max(bs, chunk, s.MinBlockSize)

	if s.MaxChunkSize > 0 && bs > s.MaxChunkSize && ceilDiv(totalLength, s.MaxChunkSize) <= maxChunks {
		bs = s.MaxChunkSize
	}
	if bufferSize > 0 {
		bs = ceilDiv(bs, int64(bufferSize)) * int64(bufferSize)
	}
	return bs
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// SourceInfo is what a reader learns about the source in its metadata step.
type SourceInfo struct {
	TotalLength int64
	Fingerprint string
	Kind        provider.ObjectKind
	// ModTime is the source's last modification, zero when unknown.
	ModTime time.Time
}

// SharedTransferData is the per-job state both sides see once metadata has
// been resolved.
type SharedTransferData struct {
	SourceInfo
	BlockSize       int64
	BuffersPerChunk int
	// Resumed is set when the job continues from a persisted checkpoint.
	Resumed bool

	Scheduler *ChunkScheduler
	Pool      *ChunkBufferPool

	// pending counts chunks not yet retired. It is the writer's completion
	// counter.
	pending     atomic.Int64
	transferred atomic.Int64

	mu        sync.Mutex
	available map[int64]*ChunkPayload
	digests   map[int64]uint64
	dest      *SharedStream
}

func newSharedTransferData(info SourceInfo, blockSize int64, scheduler *ChunkScheduler, pool *ChunkBufferPool) *SharedTransferData {
	d := &SharedTransferData{
		SourceInfo:      info,
		BlockSize:       blockSize,
		BuffersPerChunk: int(ceilDiv(blockSize, int64(pool.BufferSize()))),
		Scheduler:       scheduler,
		Pool:            pool,
		available:       make(map[int64]*ChunkPayload),
		digests:         make(map[int64]uint64),
	}
	d.pending.Store(scheduler.ExpectedChunks())
	return d
}

// Publish makes a payload available to the writer.
func (d *SharedTransferData) Publish(p *ChunkPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.available[p.Offset]; dup {
		return fmt.Errorf("chunk %d published twice: %w", p.Offset, ErrWindowInvariant)
	}
	d.available[p.Offset] = p
	return nil
}

// Take removes and returns any available payload.
func (d *SharedTransferData) Take() (*ChunkPayload, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for off, p := range d.available {
		delete(d.available, off)
		return p, true
	}
	return nil, false
}

// TakeAt removes and returns the payload at offset, if available.
func (d *SharedTransferData) TakeAt(offset int64) (*ChunkPayload, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.available[offset]
	if ok {
		delete(d.available, offset)
	}
	return p, ok
}

// HasAvailable reports whether any payload is waiting.
func (d *SharedTransferData) HasAvailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.available) > 0
}

// HasAvailableAt reports whether the payload at offset is waiting.
func (d *SharedTransferData) HasAvailableAt(offset int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.available[offset]
	return ok
}

// Pending returns the number of chunks not yet retired.
func (d *SharedTransferData) Pending() int64 { return d.pending.Load() }

// Transferred returns the bytes retired during this run.
func (d *SharedTransferData) Transferred() int64 { return d.transferred.Load() }

// Digests returns the CRC64 of every chunk read during this run, by offset.
func (d *SharedTransferData) Digests() map[int64]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.digests)
}

// InFlight returns the offsets allocated but not yet retired, in order.
func (d *SharedTransferData) InFlight() []int64 {
	w := d.Scheduler.cp.Window()
	slices.Sort(w)
	return w
}

func (d *SharedTransferData) recordDigest(offset int64, sum uint64) {
	d.mu.Lock()
	d.digests[offset] = sum
	d.mu.Unlock()
}

func (d *SharedTransferData) setDestination(s *SharedStream) {
	d.mu.Lock()
	d.dest = s
	d.mu.Unlock()
}

func (d *SharedTransferData) destination() *SharedStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dest
}

// retire marks c durable and reports whether it was the last pending chunk.
func (d *SharedTransferData) retire(c Chunk) (bool, error) {
	if err := d.Scheduler.Retire(c.Offset); err != nil {
		return false, err
	}
	d.transferred.Add(c.Length)
	left := d.pending.Add(-1)
	if left < 0 {
		return false, fmt.Errorf("chunk %d retired past the expected count: %w", c.Offset, ErrWindowInvariant)
	}
	return left == 0, nil
}

// drain releases every payload still waiting for the writer.
func (d *SharedTransferData) drain() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for off, p := range d.available {
		p.release(d.Pool)
		delete(d.available, off)
	}
}
