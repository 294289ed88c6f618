package engine

import (
	"context"
	"errors"
	"io"
)

// ChunkStream is a write-only sink that stages bytes in one pooled buffer at
// a time. When the buffer fills exactly, ownership passes to onFull and a
// replacement is acquired right away.
//
// Len counts every byte ever written, including bytes already handed to
// onFull. Buffered is the fill level of the current buffer only.
type ChunkStream struct {
	ctx    context.Context
	src    BufferSource
	onFull func([]byte) error

	buf    []byte
	n      int
	total  int64
	closed bool
}

// NewChunkStream acquires the first buffer from src.
func NewChunkStream(ctx context.Context, src BufferSource, onFull func([]byte) error) (*ChunkStream, error) {
	buf, err := src.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &ChunkStream{
		ctx:    ctx,
		src:    src,
		onFull: onFull,
		buf:    buf,
	}, nil
}

func (s *ChunkStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("write to closed chunk stream")
	}

	written := 0
	for written < len(p) {
		if s.buf == nil {
			buf, err := s.src.Acquire(s.ctx)
			if err != nil {
				return written, err
			}
			s.buf = buf
		}

		c := copy(s.buf[s.n:], p[written:])
		s.n += c
		s.total += int64(c)
		written += c

		if s.n == len(s.buf) {
			full := s.buf
			s.buf, s.n = nil, 0
			if err := s.onFull(full); err != nil {
				return written, err
			}
			buf, err := s.src.Acquire(s.ctx)
			if err != nil {
				return written, err
			}
			s.buf = buf
		}
	}
	return written, nil
}

// ReadFrom fills buffers directly from r, without an intermediate copy.
func (s *ChunkStream) ReadFrom(r io.Reader) (int64, error) {
	var read int64
	for {
		if s.closed {
			return read, errors.New("write to closed chunk stream")
		}
		if s.buf == nil {
			buf, err := s.src.Acquire(s.ctx)
			if err != nil {
				return read, err
			}
			s.buf = buf
		}

		n, err := r.Read(s.buf[s.n:])
		s.n += n
		s.total += int64(n)
		read += int64(n)

		if s.n == len(s.buf) {
			full := s.buf
			s.buf, s.n = nil, 0
			if ferr := s.onFull(full); ferr != nil {
				return read, ferr
			}
			buf, aerr := s.src.Acquire(s.ctx)
			if aerr != nil {
				return read, aerr
			}
			s.buf = buf
		}

		if err == io.EOF {
			return read, nil
		}
		if err != nil {
			return read, err
		}
	}
}

// Len returns the cumulative number of bytes written.
func (s *ChunkStream) Len() int64 { return s.total }

// Buffered returns the number of bytes held in the current buffer.
func (s *ChunkStream) Buffered() int { return s.n }

// Detach hands over the partially filled current buffer, trimmed to its
// fill level. It returns nil when nothing is buffered.
func (s *ChunkStream) Detach() []byte {
	if s.n == 0 {
		return nil
	}
	buf := s.buf[:s.n]
	s.buf, s.n = nil, 0
	return buf
}

// Close returns any buffer still held to its source.
func (s *ChunkStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.buf != nil {
		s.src.Release(s.buf)
		s.buf, s.n = nil, 0
	}
	return nil
}
