package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// ensure interfaces are implemented
var (
	_ ObjectStore = (*MemoryStore)(nil)
	_ Creator     = (*MemoryStore)(nil)
	_ Committer   = (*MemoryStore)(nil)
	_ Namer       = (*MemoryStore)(nil)
)

type memObject struct {
	kind    ObjectKind
	data    []byte
	etag    string
	modTime time.Time
}

// MemoryStore is an in-process ObjectStore supporting block, page and append
// objects. It records the offsets of every ranged read, which makes it the
// store used by the engine tests, and it accepts fault hooks.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]*memObject
	uploads map[string]map[int64][]byte
	reads   map[string][]int64
	version int

	// FailRead, when set, is called before every ReadRange. A non-nil
	// result is returned to the caller instead of data.
	FailRead func(key string, offset int64) error

	// FailWrite, when set, is called before every WriteRange.
	FailWrite func(key string, offset int64) error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]*memObject),
		uploads: make(map[string]map[int64][]byte),
		reads:   make(map[string][]int64),
	}
}

// Name identifies this store instance.
func (s *MemoryStore) Name() string {
	return fmt.Sprintf("memory:%p", s)
}

func (s *MemoryStore) nextETag() string {
	s.version++
	return fmt.Sprintf("\"mem-%d\"", s.version)
}

// Put stores data under key as a committed object of the given kind and
// returns its ETag.
func (s *MemoryStore) Put(key string, kind ObjectKind, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj := &memObject{
		kind:    kind,
		data:    append([]byte(nil), data...),
		etag:    s.nextETag(),
		modTime: time.Now(),
	}
	s.objects[key] = obj
	return obj.etag
}

// Get returns a copy of the committed contents of key.
func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Reads returns the offsets of all ranged reads of key, in call order.
func (s *MemoryStore) Reads(key string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.reads[key]...)
}

// StagedBlocks returns the number of uncommitted blocks staged for key.
func (s *MemoryStore) StagedBlocks(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads[key])
}

func (s *MemoryStore) lookup(key string, cond Conditions) (*memObject, error) {
	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, ErrNotFound)
	}
	if cond.IfMatch != "" && cond.IfMatch != obj.etag {
		return nil, fmt.Errorf("%q has etag %s, want %s: %w", key, obj.etag, cond.IfMatch, ErrPreconditionFailed)
	}
	return obj, nil
}

// Stat returns the metadata of key.
func (s *MemoryStore) Stat(ctx context.Context, key string, cond Conditions) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.lookup(key, cond)
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{
		Key:     key,
		Size:    int64(len(obj.data)),
		ETag:    obj.etag,
		Kind:    obj.kind,
		ModTime: obj.modTime,
	}, nil
}

// ReadRange returns a reader over a copy of the requested range.
func (s *MemoryStore) ReadRange(ctx context.Context, key string, offset, length int64, cond Conditions) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.FailRead != nil {
		if err := s.FailRead(key, offset); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.lookup(key, cond)
	if err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 || offset+length > int64(len(obj.data)) {
		return nil, fmt.Errorf("range [%d, %d) outside %q of size %d", offset, offset+length, key, len(obj.data))
	}
	s.reads[key] = append(s.reads[key], offset)

	chunk := append([]byte(nil), obj.data[offset:offset+length]...)
	return io.NopCloser(bytes.NewReader(chunk)), nil
}

// Create prepares key for ranged writes.
func (s *MemoryStore) Create(ctx context.Context, key string, spec ObjectSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch spec.Kind {
	case KindBlock:
		if _, ok := s.uploads[key]; !ok || !spec.Resume {
			s.uploads[key] = make(map[int64][]byte)
		}
	case KindPage:
		if spec.Size%PageSize != 0 {
			return fmt.Errorf("page object size %d is not a multiple of %d", spec.Size, PageSize)
		}
		if obj, ok := s.objects[key]; ok && spec.Resume && obj.kind == KindPage && int64(len(obj.data)) == spec.Size {
			return nil
		}
		s.objects[key] = &memObject{kind: KindPage, data: make([]byte, spec.Size), etag: s.nextETag(), modTime: time.Now()}
	case KindAppend:
		if obj, ok := s.objects[key]; ok && spec.Resume && obj.kind == KindAppend {
			return nil
		}
		s.objects[key] = &memObject{kind: KindAppend, etag: s.nextETag(), modTime: time.Now()}
	default:
		return fmt.Errorf("create %q as %s: %w", key, spec.Kind, ErrUnsupportedOperation)
	}
	return nil
}

// WriteRange stages a block, writes a page range or appends, depending on
// how key was created.
func (s *MemoryStore) WriteRange(ctx context.Context, key string, offset int64, body io.ReadSeeker, length int64, cond Conditions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.FailWrite != nil {
		if err := s.FailWrite(key, offset); err != nil {
			return err
		}
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(body, data); err != nil {
		return fmt.Errorf("failed to read body for %q at %d: %w", key, offset, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if staged, ok := s.uploads[key]; ok {
		staged[offset] = data
		return nil
	}

	obj, err := s.lookup(key, cond)
	if err != nil {
		return err
	}

	switch obj.kind {
	case KindPage:
		if offset%PageSize != 0 || offset+length > int64(len(obj.data)) {
			return fmt.Errorf("page write [%d, %d) invalid for %q: %w", offset, offset+length, key, ErrPreconditionFailed)
		}
		copy(obj.data[offset:], data)
	case KindAppend:
		if offset != int64(len(obj.data)) {
			return fmt.Errorf("append at %d but %q ends at %d: %w", offset, key, len(obj.data), ErrPreconditionFailed)
		}
		obj.data = append(obj.data, data...)
	default:
		return fmt.Errorf("write to %s object %q: %w", obj.kind, key, ErrUnsupportedOperation)
	}
	obj.etag = s.nextETag()
	obj.modTime = time.Now()
	return nil
}

// Commit assembles the staged blocks of key into a block object.
func (s *MemoryStore) Commit(ctx context.Context, key string, totalLength int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged, ok := s.uploads[key]
	if !ok {
		// page and append objects are visible as they are written
		if _, exists := s.objects[key]; exists {
			return nil
		}
		return fmt.Errorf("commit %q: %w", key, ErrNotFound)
	}

	offsets := make([]int64, 0, len(staged))
	for off := range staged {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	data := make([]byte, 0, totalLength)
	for _, off := range offsets {
		if off != int64(len(data)) {
			return fmt.Errorf("commit %q: block at %d leaves a gap after %d", key, off, len(data))
		}
		data = append(data, staged[off]...)
	}
	if int64(len(data)) != totalLength {
		return fmt.Errorf("commit %q: staged %d bytes, want %d", key, len(data), totalLength)
	}

	delete(s.uploads, key)
	s.objects[key] = &memObject{kind: KindBlock, data: data, etag: s.nextETag(), modTime: time.Now()}
	return nil
}
