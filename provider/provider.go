package provider

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrPreconditionFailed is returned when an access condition (If-Match,
	// append position) does not hold, usually because the object changed.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrUnsupportedOperation is returned when a store cannot serve a request
	// for the given object kind.
	ErrUnsupportedOperation = errors.New("operation not supported by store")
)

// ObjectKind is the storage layout of a remote object.
type ObjectKind int

const (
	// KindUnspecified means the store could not report a layout.
	KindUnspecified ObjectKind = iota
	// KindBlock objects are assembled from independently uploaded blocks.
	KindBlock
	// KindPage objects have a fixed size and accept writes at any aligned offset.
	KindPage
	// KindAppend objects only accept writes at their current end.
	KindAppend
)

func (k ObjectKind) String() string {
	switch k {
	case KindBlock:
		return "block"
	case KindPage:
		return "page"
	case KindAppend:
		return "append"
	default:
		return "unspecified"
	}
}

// PageSize is the write alignment required by page objects.
const PageSize = 512

// ObjectInfo is the metadata of a remote object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string
	Kind    ObjectKind
	ModTime time.Time
}

// Conditions are access conditions attached to a request.
type Conditions struct {
	// IfMatch, when set, requires the object's current ETag to equal it.
	IfMatch string
}

// ObjectSpec describes an object to be created or resumed by a Creator.
type ObjectSpec struct {
	Kind      ObjectKind
	Size      int64
	BlockSize int64
	// Resume asks the store to keep any partial state left by an earlier
	// attempt (staged blocks, appended data) instead of starting over.
	Resume bool
}

// ObjectStore is the remote store contract consumed by the transfer engine.
type ObjectStore interface {
	// Stat returns the metadata of key.
	Stat(ctx context.Context, key string, cond Conditions) (ObjectInfo, error)

	// ReadRange opens [offset, offset+length) of key for reading.
	ReadRange(ctx context.Context, key string, offset, length int64, cond Conditions) (io.ReadCloser, error)

	// WriteRange writes length bytes from body at offset of key.
	WriteRange(ctx context.Context, key string, offset int64, body io.ReadSeeker, length int64, cond Conditions) error
}

// Creator is implemented by stores that need an object prepared before
// WriteRange can be used on it.
type Creator interface {
	Create(ctx context.Context, key string, spec ObjectSpec) error
}

// Committer is implemented by stores that stage written ranges and need a
// final call to make them visible.
type Committer interface {
	Commit(ctx context.Context, key string, totalLength int64) error
}

// Namer is implemented by stores that can say where they live, such as
// s3://bucket/prefix. Two stores with different names never hold the same
// object.
type Namer interface {
	Name() string
}

// Limits is implemented by stores that bound the block layout of an object.
type Limits interface {
	// MaxBlocks is the maximum number of blocks a single object may have.
	MaxBlocks() int
	// MinBlockSize is the smallest block accepted, except for the last one.
	MinBlockSize() int64
}
