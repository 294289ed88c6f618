package engine

import (
	"context"
	"errors"

	"github.com/franksops/blobmover/provider"
)

var (
	// ErrCheckpointCorrupted is returned when resume state is inconsistent
	// with itself or with the live source object. Callers may discard the
	// checkpoint and restart from scratch.
	ErrCheckpointCorrupted = errors.New("checkpoint corrupted")

	// ErrUnsupportedKind is returned when no reader or writer handles a
	// source or destination kind.
	ErrUnsupportedKind = errors.New("unsupported transfer location kind")

	// ErrUnsupportedMetadata is returned when the source reports an object
	// type the engine cannot read.
	ErrUnsupportedMetadata = errors.New("unsupported source object type")

	// ErrWindowInvariant is returned when an offset is retired that is not in
	// the transfer window.
	ErrWindowInvariant = errors.New("offset not in transfer window")

	// ErrPoolExhausted is returned by non-blocking buffer acquisition when no
	// buffer is free.
	ErrPoolExhausted = errors.New("chunk buffer pool exhausted")

	// ErrPoolClosed is returned once the buffer pool has been closed.
	ErrPoolClosed = errors.New("chunk buffer pool closed")
)

// IsCancelled reports whether err is a cooperative cancellation rather than
// a transfer failure.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsTerminal reports whether err ends the job for good, as opposed to
// cancellation or a transient failure that a resumed attempt may get past.
func IsTerminal(err error) bool {
	return errors.Is(err, provider.ErrNotFound) ||
		errors.Is(err, provider.ErrPreconditionFailed) ||
		errors.Is(err, ErrCheckpointCorrupted) ||
		errors.Is(err, ErrUnsupportedKind) ||
		errors.Is(err, ErrUnsupportedMetadata)
}
