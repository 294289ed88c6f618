package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// SharedStream is one destination stream written by many concurrent chunk
// sessions. Only the holder of its mutex touches the underlying stream.
type SharedStream struct {
	mu sync.Mutex
	w  io.WriterAt
	r  io.ReaderAt
	// dst is the value the stream was built from.
	dst any
}

// NewSharedStream wraps dst, which must support positional writes through
// io.WriterAt or seek-then-write through io.WriteSeeker. Reading back through
// a Section additionally needs io.ReaderAt or io.ReadSeeker.
func NewSharedStream(dst any) (*SharedStream, error) {
	s := &SharedStream{dst: dst}

	switch v := dst.(type) {
	case io.WriterAt:
		s.w = v
	case io.WriteSeeker:
		s.w = &seekWriterAt{ws: v}
	default:
		return nil, fmt.Errorf("destination %T supports neither WriteAt nor Seek: %w", dst, ErrUnsupportedKind)
	}

	switch v := dst.(type) {
	case io.ReaderAt:
		s.r = v
	case io.ReadSeeker:
		s.r = &seekReaderAt{rs: v}
	}
	return s, nil
}

// Section opens a session whose offsets are relative to base.
func (s *SharedStream) Section(base int64) *Section {
	return &Section{stream: s, base: base}
}

// Sync flushes the destination to stable storage when it supports it.
func (s *SharedStream) Sync() error {
	syncer, ok := s.dst.(interface{ Sync() error })
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return syncer.Sync()
}

type segment struct {
	off  int64
	data []byte
}

// Section is one session over a SharedStream, bound to a base offset.
//
// A write first tries to take the stream without waiting. If that fails the
// payload is copied into the section's pending list and committed on the next
// successful acquisition, in arrival order, at the offset recorded for it.
// Arrival order only matters where pending segments overlap, and a single
// sequential writer per section never produces overlaps out of order.
//
// A Section is not safe for concurrent use; give each worker its own.
type Section struct {
	stream  *SharedStream
	base    int64
	pos     int64
	pending []segment
}

// WriteAt writes p at base+off.
func (sec *Section) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("section write at negative offset")
	}

	if !sec.stream.mu.TryLock() {
		sec.pending = append(sec.pending, segment{off: sec.base + off, data: bytes.Clone(p)})
		return len(p), nil
	}
	defer sec.stream.mu.Unlock()

	if err := sec.commitLocked(); err != nil {
		return 0, err
	}
	return sec.stream.w.WriteAt(p, sec.base+off)
}

// Write writes p at the section's running position.
func (sec *Section) Write(p []byte) (int, error) {
	n, err := sec.WriteAt(p, sec.pos)
	sec.pos += int64(n)
	return n, err
}

// Written returns the bytes written through Write so far.
func (sec *Section) Written() int64 { return sec.pos }

// Pending returns the number of payloads waiting for the stream.
func (sec *Section) Pending() int { return len(sec.pending) }

// Flush waits for the stream and commits every pending payload.
func (sec *Section) Flush() error {
	if len(sec.pending) == 0 {
		return nil
	}
	sec.stream.mu.Lock()
	defer sec.stream.mu.Unlock()
	return sec.commitLocked()
}

// Close flushes the section.
func (sec *Section) Close() error {
	return sec.Flush()
}

// ReadAt flushes, then reads len(p) bytes at base+off.
func (sec *Section) ReadAt(p []byte, off int64) (int, error) {
	if sec.stream.r == nil {
		return 0, fmt.Errorf("destination %T is not readable: %w", sec.stream.dst, ErrUnsupportedKind)
	}

	sec.stream.mu.Lock()
	defer sec.stream.mu.Unlock()
	if err := sec.commitLocked(); err != nil {
		return 0, err
	}
	return sec.stream.r.ReadAt(p, sec.base+off)
}

func (sec *Section) commitLocked() error {
	for i, seg := range sec.pending {
		if _, err := sec.stream.w.WriteAt(seg.data, seg.off); err != nil {
			sec.pending = sec.pending[i:]
			return fmt.Errorf("failed to commit buffered write at offset %d: %w", seg.off, err)
		}
	}
	sec.pending = sec.pending[:0]
	return nil
}

// seekWriterAt adapts a WriteSeeker. Callers hold the stream mutex.
type seekWriterAt struct {
	ws io.WriteSeeker
}

func (s *seekWriterAt) WriteAt(p []byte, off int64) (int, error) {
	if _, err := s.ws.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return s.ws.Write(p)
}

// seekReaderAt adapts a ReadSeeker. Callers hold the stream mutex.
type seekReaderAt struct {
	rs io.ReadSeeker
}

func (s *seekReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if _, err := s.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(s.rs, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}
