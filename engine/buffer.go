package engine

import (
	"context"
	"fmt"
	"sync"
)

// DefaultBufferSize is the default size of pooled chunk buffers.
const DefaultBufferSize = 4 * 1024 * 1024

// DefaultPoolCapacity is the default number of buffers a pool hands out
// before callers have to wait.
const DefaultPoolCapacity = 64

// BufferSource hands out fixed-size buffers and takes them back.
// ChunkBufferPool and Lease both implement it.
type BufferSource interface {
	Acquire(ctx context.Context) ([]byte, error)
	Release(buf []byte)
}

// ChunkBufferPool manages reusable chunk buffers with a hard cap on how many
// are handed out at once. The cap is what bounds the number of chunks held in
// memory, independent of the checkpoint window.
type ChunkBufferPool struct {
	size     int
	capacity int
	pool     sync.Pool

	mu     sync.Mutex
	inUse  int
	closed bool
	freed  chan struct{}
}

// NewChunkBufferPool creates a pool of at most capacity buffers of size bytes.
// Non-positive arguments select DefaultBufferSize and DefaultPoolCapacity.
func NewChunkBufferPool(size, capacity int) *ChunkBufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	p := &ChunkBufferPool{
		size:     size,
		capacity: capacity,
		freed:    make(chan struct{}),
	}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// BufferSize returns the size of every buffer in the pool.
func (p *ChunkBufferPool) BufferSize() int { return p.size }

// Capacity returns the maximum number of buffers handed out at once.
func (p *ChunkBufferPool) Capacity() int { return p.capacity }

// Available returns how many buffers could be acquired right now.
func (p *ChunkBufferPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - p.inUse
}

// Acquire blocks until a buffer is free, the pool is closed, or ctx ends.
func (p *ChunkBufferPool) Acquire(ctx context.Context) ([]byte, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.inUse < p.capacity {
			p.inUse++
			p.mu.Unlock()
			return p.get(), nil
		}
		wait := p.freed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// TryAcquire returns a buffer without waiting, or ErrPoolExhausted.
func (p *ChunkBufferPool) TryAcquire() ([]byte, error) {
	if err := p.take(1); err != nil {
		return nil, err
	}
	return p.get(), nil
}

// Release returns a buffer to the pool. The caller must not touch buf
// afterwards.
func (p *ChunkBufferPool) Release(buf []byte) {
	if buf == nil {
		return
	}
	p.put(buf)
	p.free(1)
}

// Reserve claims n buffers at once without waiting. Either all n are
// reserved or none are and ErrPoolExhausted is returned.
func (p *ChunkBufferPool) Reserve(n int) (*Lease, error) {
	if n <= 0 {
		return nil, fmt.Errorf("reserve %d buffers: count must be positive", n)
	}
	if n > p.capacity {
		return nil, fmt.Errorf("reserve %d buffers from a pool of %d: %w", n, p.capacity, ErrPoolExhausted)
	}
	if err := p.take(n); err != nil {
		return nil, err
	}
	return &Lease{pool: p, remaining: n}, nil
}

// Close wakes every waiter and makes further acquisitions fail. Buffers
// already handed out may still be released.
func (p *ChunkBufferPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.freed)
	p.freed = make(chan struct{})
}

func (p *ChunkBufferPool) take(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if p.capacity-p.inUse < n {
		return ErrPoolExhausted
	}
	p.inUse += n
	return nil
}

func (p *ChunkBufferPool) free(n int) {
	p.mu.Lock()
	p.inUse -= n
	close(p.freed)
	p.freed = make(chan struct{})
	p.mu.Unlock()
}

func (p *ChunkBufferPool) get() []byte {
	return *p.pool.Get().(*[]byte)
}

func (p *ChunkBufferPool) put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}

// Lease is a block of buffers reserved from a ChunkBufferPool. Buffers taken
// from a lease are owned by the caller and go back to the pool through
// ChunkBufferPool.Release; whatever the lease still holds is returned by Close.
type Lease struct {
	pool *ChunkBufferPool

	mu        sync.Mutex
	remaining int
	closed    bool
}

// Acquire takes one reserved buffer. It never waits.
func (l *Lease) Acquire(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrPoolClosed
	}
	if l.remaining == 0 {
		return nil, ErrPoolExhausted
	}
	l.remaining--
	return l.pool.get(), nil
}

// Release hands a buffer back to the lease.
func (l *Lease) Release(buf []byte) {
	if buf == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.pool.Release(buf)
		return
	}
	l.pool.put(buf)
	l.remaining++
}

// Remaining returns the number of reserved buffers not yet taken.
func (l *Lease) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining
}

// Close returns the unused part of the reservation to the pool.
func (l *Lease) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if l.remaining > 0 {
		l.pool.free(l.remaining)
		l.remaining = 0
	}
}
