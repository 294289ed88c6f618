package engine

import (
	"fmt"
	"sync"
)

// Chunk is one allocated byte range of the transferred object.
type Chunk struct {
	Offset int64
	Length int64
}

// End returns the first offset past the chunk.
func (c Chunk) End() int64 { return c.Offset + c.Length }

// ChunkScheduler hands out chunk offsets from a Checkpoint.
//
// Offsets left in the window by an interrupted run are replayed first, oldest
// first. After that a new offset is issued only while the window holds fewer
// than maxWindow offsets, which bounds the number of chunks in flight.
type ChunkScheduler struct {
	cp          *Checkpoint
	totalLength int64
	blockSize   int64
	maxWindow   int

	mu     sync.Mutex
	replay []int64
}

// NewChunkScheduler validates cp against totalLength and prepares the replay
// queue from its window.
func NewChunkScheduler(cp *Checkpoint, totalLength, blockSize int64, maxWindow int) (*ChunkScheduler, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	if maxWindow <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", maxWindow)
	}
	if totalLength < 0 {
		return nil, fmt.Errorf("total length must not be negative, got %d", totalLength)
	}
	if err := cp.Validate(totalLength, blockSize); err != nil {
		return nil, err
	}

	return &ChunkScheduler{
		cp:          cp,
		totalLength: totalLength,
		blockSize:   blockSize,
		maxWindow:   maxWindow,
		replay:      cp.Window(),
	}, nil
}

// Allocate returns the next chunk to transfer, or false when no chunk is
// available right now. A false result is not final: retiring an offset frees
// room in the window.
func (s *ChunkScheduler) Allocate() (Chunk, bool) {
	s.mu.Lock()
	if len(s.replay) > 0 {
		offset := s.replay[0]
		s.replay = s.replay[1:]
		s.mu.Unlock()
		return s.chunkAt(offset), true
	}
	s.mu.Unlock()

	offset, ok := s.cp.reserve(s.maxWindow, s.blockSize, s.totalLength)
	if !ok {
		return Chunk{}, false
	}
	return s.chunkAt(offset), true
}

// Retire marks a chunk durably complete.
func (s *ChunkScheduler) Retire(offset int64) error {
	return s.cp.retire(offset)
}

// HasPending reports whether Allocate would currently return a chunk.
func (s *ChunkScheduler) HasPending() bool {
	s.mu.Lock()
	replaying := len(s.replay) > 0
	s.mu.Unlock()
	return replaying || s.cp.hasRoom(s.maxWindow, s.totalLength)
}

// ExpectedChunks is the number of chunk completions still outstanding when
// the scheduler was created: the replayed window plus every chunk past
// NextOffset.
func (s *ChunkScheduler) ExpectedChunks() int64 {
	s.mu.Lock()
	replayed := int64(len(s.replay))
	s.mu.Unlock()

	remaining := s.totalLength - s.cp.NextOffset()
	return replayed + (remaining+s.blockSize-1)/s.blockSize
}

// BlockSize returns the chunk size.
func (s *ChunkScheduler) BlockSize() int64 { return s.blockSize }

// TotalLength returns the length of the transferred object.
func (s *ChunkScheduler) TotalLength() int64 { return s.totalLength }

func (s *ChunkScheduler) chunkAt(offset int64) Chunk {
	return Chunk{Offset: offset, Length: min(s.blockSize, s.totalLength-offset)}
}
