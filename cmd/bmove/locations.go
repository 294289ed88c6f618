package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/franksops/blobmover/engine"
	"github.com/franksops/blobmover/provider"
)

// endpoint is a parsed -source or -dest argument.
type endpoint struct {
	loc engine.Location
	// stdout is set when the destination is "-": the job writes into memory
	// and the result is copied out once it finishes.
	stdout bool
}

// parseS3 splits s3://bucket/key.
func parseS3(arg string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(arg, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%q is not an s3:// URL", arg)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%q needs both a bucket and a key", arg)
	}
	return bucket, key, nil
}

// storeFactory opens an object store for a bucket.
type storeFactory func(ctx context.Context, bucket string) (provider.ObjectStore, error)

func s3Stores(ctx context.Context, bucket string) (provider.ObjectStore, error) {
	return provider.NewS3Store(ctx, bucket, "")
}

func parseSource(ctx context.Context, arg string, stores storeFactory) (endpoint, error) {
	switch {
	case arg == "-":
		r, err := stdinReader(os.Stdin)
		if err != nil {
			return endpoint{}, err
		}
		return endpoint{loc: engine.StreamLocation(r)}, nil
	case strings.HasPrefix(arg, "s3://"):
		return objectEndpoint(ctx, arg, stores)
	default:
		return endpoint{loc: engine.FileLocation(arg)}, nil
	}
}

func parseDestination(ctx context.Context, arg string, stores storeFactory) (endpoint, error) {
	switch {
	case arg == "-":
		return endpoint{loc: engine.MemoryLocation(), stdout: true}, nil
	case strings.HasPrefix(arg, "s3://"):
		return objectEndpoint(ctx, arg, stores)
	default:
		return endpoint{loc: engine.FileLocation(arg)}, nil
	}
}

func objectEndpoint(ctx context.Context, arg string, stores storeFactory) (endpoint, error) {
	bucket, key, err := parseS3(arg)
	if err != nil {
		return endpoint{}, err
	}
	store, err := stores(ctx, bucket)
	if err != nil {
		return endpoint{}, err
	}
	return endpoint{loc: engine.ObjectLocation(engine.KindBlockObject, store, key)}, nil
}

// stdinReader exposes stdin for ranged reads. Chunks are read out of order,
// so stdin has to be a redirected regular file rather than a pipe.
func stdinReader(f *os.File) (*io.SectionReader, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, errors.New("stdin must be redirected from a regular file, not a pipe or terminal")
	}
	return io.NewSectionReader(f, 0, fi.Size()), nil
}
