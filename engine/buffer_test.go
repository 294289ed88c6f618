package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChunkBufferPool_DefaultSize(t *testing.T) {
	bp := NewChunkBufferPool(0, 0)

	buf, err := bp.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if len(buf) != DefaultBufferSize {
		t.Errorf("expected buffer size %d, got %d", DefaultBufferSize, len(buf))
	}
	if bp.Capacity() != DefaultPoolCapacity {
		t.Errorf("expected capacity %d, got %d", DefaultPoolCapacity, bp.Capacity())
	}

	bp.Release(buf)
	if bp.Available() != DefaultPoolCapacity {
		t.Errorf("expected all buffers available after release, got %d", bp.Available())
	}
}

func TestChunkBufferPool_Bounded(t *testing.T) {
	bp := NewChunkBufferPool(64, 2)

	b1, _ := bp.TryAcquire()
	b2, _ := bp.TryAcquire()
	if _, err := bp.TryAcquire(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := bp.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected Acquire to wait until the deadline, got %v", err)
	}

	got := make(chan []byte)
	go func() {
		buf, err := bp.Acquire(context.Background())
		if err != nil {
			t.Errorf("Acquire failed: %v", err)
		}
		got <- buf
	}()

	bp.Release(b1)
	select {
	case buf := <-got:
		if len(buf) != 64 {
			t.Errorf("expected 64 byte buffer, got %d", len(buf))
		}
		bp.Release(buf)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Release")
	}
	bp.Release(b2)
}

func TestChunkBufferPool_Close(t *testing.T) {
	bp := NewChunkBufferPool(8, 1)
	b, _ := bp.TryAcquire()

	done := make(chan error)
	go func() {
		_, err := bp.Acquire(context.Background())
		done <- err
	}()

	bp.Close()
	if err := <-done; !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
	bp.Release(b)
}

func TestLease(t *testing.T) {
	bp := NewChunkBufferPool(16, 4)

	if _, err := bp.Reserve(5); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected reservation above capacity to fail, got %v", err)
	}

	lease, err := bp.Reserve(3)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if bp.Available() != 1 {
		t.Errorf("expected 1 buffer left in pool, got %d", bp.Available())
	}
	if _, err := bp.Reserve(2); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("expected all-or-nothing reservation to fail, got %v", err)
	}

	ctx := context.Background()
	a, _ := lease.Acquire(ctx)
	b, _ := lease.Acquire(ctx)
	lease.Release(b)
	if lease.Remaining() != 2 {
		t.Errorf("expected 2 remaining in lease, got %d", lease.Remaining())
	}

	// a now belongs to the caller and goes back through the pool.
	lease.Close()
	if bp.Available() != 3 {
		t.Errorf("expected 3 available after closing lease, got %d", bp.Available())
	}
	bp.Release(a)
	if bp.Available() != 4 {
		t.Errorf("expected full pool, got %d", bp.Available())
	}

	if _, err := lease.Acquire(ctx); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected closed lease to refuse, got %v", err)
	}
}
