package engine

import (
	"hash"
	"hash/crc64"
	"io"
	"slices"
	"sync"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// ChecksumPool manages reusable CRC64 hashers to reduce allocations.
type ChecksumPool struct {
	pool sync.Pool
}

// NewChecksumPool creates a new ChecksumPool.
func NewChecksumPool() *ChecksumPool {
	return &ChecksumPool{
		pool: sync.Pool{
			New: func() any {
				return crc64.New(crcTable)
			},
		},
	}
}

// Get retrieves a hasher from the pool.
func (cp *ChecksumPool) Get() hash.Hash64 {
	return cp.pool.Get().(hash.Hash64)
}

// Put returns a hasher to the pool after resetting it.
func (cp *ChecksumPool) Put(h hash.Hash64) {
	h.Reset()
	cp.pool.Put(h)
}

var checksums = NewChecksumPool()

// ChecksumReader wraps an io.Reader to compute a chunk digest while reading.
type ChecksumReader struct {
	r    io.Reader
	hash hash.Hash64
	n    int64
}

// NewChecksumReader wraps r. Call Release once the checksum has been read.
func NewChecksumReader(r io.Reader) *ChecksumReader {
	return &ChecksumReader{r: r, hash: checksums.Get()}
}

// Read reads data from the underlying reader and updates the checksum.
func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.n += int64(n)
		cr.hash.Write(p[:n])
	}
	return n, err
}

// Checksum returns the current checksum value.
func (cr *ChecksumReader) Checksum() uint64 {
	return cr.hash.Sum64()
}

// BytesRead returns the total number of bytes read.
func (cr *ChecksumReader) BytesRead() int64 {
	return cr.n
}

// Release returns the hasher to the shared pool.
func (cr *ChecksumReader) Release() {
	if cr.hash != nil {
		checksums.Put(cr.hash)
		cr.hash = nil
	}
}

// CompareDigests returns the offsets whose digests differ between two runs
// over the same chunk layout, including offsets present in only one of them.
func CompareDigests(want, got map[int64]uint64) []int64 {
	var mismatched []int64
	for off, sum := range want {
		if other, ok := got[off]; !ok || other != sum {
			mismatched = append(mismatched, off)
		}
	}
	for off := range got {
		if _, ok := want[off]; !ok {
			mismatched = append(mismatched, off)
		}
	}
	slices.Sort(mismatched)
	return mismatched
}
