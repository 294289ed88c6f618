package engine

import (
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"

	"github.com/franksops/blobmover/provider"
)

// Kind is the closed set of transfer endpoints the engine understands.
type Kind int

const (
	// KindNone is the destination of read-only verification jobs.
	KindNone Kind = iota
	KindBlockObject
	KindPageObject
	KindAppendObject
	KindLocalFile
	KindLocalStream
	KindMemoryStream
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBlockObject:
		return "block-object"
	case KindPageObject:
		return "page-object"
	case KindAppendObject:
		return "append-object"
	case KindLocalFile:
		return "local-file"
	case KindLocalStream:
		return "local-stream"
	case KindMemoryStream:
		return "memory-stream"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) isObject() bool {
	return k == KindBlockObject || k == KindPageObject || k == KindAppendObject
}

// SizedReaderAt is a random-access source of known length, such as
// *bytes.Reader or *io.SectionReader.
type SizedReaderAt interface {
	io.ReaderAt
	Size() int64
}

// Location is one end of a transfer.
type Location struct {
	Kind Kind

	// Store and Key address object kinds.
	Store provider.ObjectStore
	Key   string

	// Path addresses KindLocalFile.
	Path string

	// Stream backs KindLocalStream and KindMemoryStream. Sources must be a
	// SizedReaderAt; destinations an io.WriterAt or io.WriteSeeker.
	Stream any
}

// ObjectLocation addresses key in store as an object of the given kind.
func ObjectLocation(kind Kind, store provider.ObjectStore, key string) Location {
	return Location{Kind: kind, Store: store, Key: key}
}

// FileLocation addresses a local file.
func FileLocation(path string) Location {
	return Location{Kind: KindLocalFile, Path: path}
}

// StreamLocation addresses a caller-owned stream.
func StreamLocation(stream any) Location {
	return Location{Kind: KindLocalStream, Stream: stream}
}

// MemoryLocation returns a destination backed by a growable in-memory buffer.
// Its contents are available from Bytes once the job has finished.
func MemoryLocation() Location {
	return Location{Kind: KindMemoryStream, Stream: manager.NewWriteAtBuffer(nil)}
}

// Bytes returns the contents of a MemoryLocation.
func (l Location) Bytes() []byte {
	if buf, ok := l.Stream.(*manager.WriteAtBuffer); ok {
		return buf.Bytes()
	}
	return nil
}

func (l Location) String() string {
	switch {
	case l.Kind.isObject():
		return fmt.Sprintf("%s:%s/%s", l.Kind, storeName(l.Store), l.Key)
	case l.Kind == KindLocalFile:
		return fmt.Sprintf("%s:%s", l.Kind, l.Path)
	case l.Kind == KindLocalStream || l.Kind == KindMemoryStream:
		return fmt.Sprintf("%s:%p", l.Kind, l.Stream)
	default:
		return l.Kind.String()
	}
}

// storeName tells stores apart so equal keys in different buckets do not
// share a job ID.
func storeName(store provider.ObjectStore) string {
	if n, ok := store.(provider.Namer); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T@%p", store, store)
}
