package provider

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrDestinationExists is returned when a local destination already exists
// and overwriting was not requested.
var ErrDestinationExists = errors.New("destination already exists")

// LocalFile is a local file opened for positional chunk I/O.
// It satisfies io.ReaderAt and io.WriterAt through the embedded *os.File.
type LocalFile struct {
	*os.File
	path    string
	modTime time.Time
}

// LocalFingerprint derives a change detector for a local file from its size
// and modification time.
func LocalFingerprint(info os.FileInfo) string {
	return fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixNano())
}

// OpenLocalRead opens path for ranged reads and returns its metadata.
func OpenLocalRead(ctx context.Context, path string) (*LocalFile, ObjectInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ObjectInfo{}, ctx.Err()
	default:
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ObjectInfo{}, fmt.Errorf("%q: %w", path, ErrNotFound)
		}
		return nil, ObjectInfo{}, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ObjectInfo{}, err
	}
	if info.IsDir() {
		f.Close()
		return nil, ObjectInfo{}, fmt.Errorf("%q is a directory", path)
	}

	return &LocalFile{File: f, path: path}, ObjectInfo{
		Key:     path,
		Size:    info.Size(),
		ETag:    LocalFingerprint(info),
		Kind:    KindBlock,
		ModTime: info.ModTime(),
	}, nil
}

// LocalExists reports whether path exists.
func LocalExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// OpenLocalWrite opens path for positional writes and sizes it to size bytes.
// Unless resume is set, existing contents are discarded.
func OpenLocalWrite(ctx context.Context, path string, size int64, resume bool) (*LocalFile, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	// Create parent directories if they don't exist
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	flags := os.O_CREATE | os.O_RDWR
	if !resume {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size %q to %d bytes: %w", path, size, err)
	}

	return &LocalFile{File: f, path: path}, nil
}

// Path returns the path the file was opened with.
func (l *LocalFile) Path() string {
	return l.path
}

// SetModTime records a modification time applied when the file is closed.
func (l *LocalFile) SetModTime(t time.Time) {
	l.modTime = t
}

// Close closes the file and applies the recorded modification time.
// Writing to the file updates its mtime, so this has to happen last.
func (l *LocalFile) Close() error {
	if err := l.File.Close(); err != nil {
		return err
	}

	if !l.modTime.IsZero() {
		// Ignore errors on applying timestamp
		_ = os.Chtimes(l.path, time.Now(), l.modTime)
	}
	return nil
}
