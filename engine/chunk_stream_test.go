package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestChunkStream_FlushOnExactFill(t *testing.T) {
	pool := NewChunkBufferPool(100, 4)

	var flushed [][]byte
	cs, err := NewChunkStream(context.Background(), pool, func(b []byte) error {
		flushed = append(flushed, b)
		return nil
	})
	if err != nil {
		t.Fatalf("NewChunkStream failed: %v", err)
	}

	data := bytes.Repeat([]byte("x"), 150)
	for i := range data {
		data[i] = byte(i)
	}

	n, err := cs.Write(data)
	if err != nil || n != 150 {
		t.Fatalf("Write failed: n=%d err=%v", n, err)
	}

	if len(flushed) != 1 {
		t.Fatalf("expected exactly one full buffer, got %d", len(flushed))
	}
	if !bytes.Equal(flushed[0], data[:100]) {
		t.Errorf("flushed buffer does not carry the first 100 bytes")
	}
	if cs.Len() != 150 {
		t.Errorf("expected Len 150, got %d", cs.Len())
	}
	if cs.Buffered() != 50 {
		t.Errorf("expected 50 buffered bytes, got %d", cs.Buffered())
	}

	rest := cs.Detach()
	if !bytes.Equal(rest, data[100:]) {
		t.Errorf("detached buffer does not carry the last 50 bytes")
	}

	// flushed[0] and rest are owned by the test, nothing else is held.
	cs.Close()
	if pool.Available() != 2 {
		t.Errorf("expected 2 buffers in pool, got %d", pool.Available())
	}
	pool.Release(flushed[0])
	pool.Release(rest)
}

func TestChunkStream_ReplacementAfterExactFill(t *testing.T) {
	pool := NewChunkBufferPool(10, 3)

	var count int
	cs, err := NewChunkStream(context.Background(), pool, func(b []byte) error {
		count++
		pool.Release(b)
		return nil
	})
	if err != nil {
		t.Fatalf("NewChunkStream failed: %v", err)
	}

	if _, err := cs.ReadFrom(strings.NewReader(strings.Repeat("a", 20))); err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 flushes, got %d", count)
	}
	if cs.Buffered() != 0 || cs.Len() != 20 {
		t.Errorf("unexpected state: buffered=%d len=%d", cs.Buffered(), cs.Len())
	}
	if cs.Detach() != nil {
		t.Error("expected nothing to detach")
	}

	cs.Close()
	if pool.Available() != 3 {
		t.Errorf("expected every buffer back in the pool, got %d available", pool.Available())
	}
}

func TestChunkStream_CallbackError(t *testing.T) {
	pool := NewChunkBufferPool(4, 2)
	boom := errors.New("boom")

	cs, _ := NewChunkStream(context.Background(), pool, func(b []byte) error {
		pool.Release(b)
		return boom
	})
	n, err := cs.Write([]byte("abcdef"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 bytes accepted before failure, got %d", n)
	}
	cs.Close()
	if pool.Available() != 2 {
		t.Errorf("expected no leaked buffers, got %d available", pool.Available())
	}
}
