package provider

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenLocalRead(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	path := filepath.Join(dir, "disk.img")
	content := []byte("hello chunks")

	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	f, info, err := OpenLocalRead(ctx, path)
	if err != nil {
		t.Fatalf("OpenLocalRead failed: %v", err)
	}
	defer f.Close()

	if info.Size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), info.Size)
	}
	if info.ETag == "" {
		t.Error("expected a fingerprint")
	}
	buf := make([]byte, 6)
	if _, err := f.ReadAt(buf, 6); err != nil || string(buf) != "chunks" {
		t.Errorf("ReadAt(6) = %q, %v", buf, err)
	}

	if _, _, err := OpenLocalRead(ctx, filepath.Join(dir, "missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := OpenLocalRead(ctx, dir); err == nil {
		t.Error("expected an error for a directory")
	}
}

func TestLocalFingerprint_ChangesWithContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}
	before, _ := os.Stat(path)

	if err := os.WriteFile(path, []byte("v2 longer"), 0644); err != nil {
		t.Fatal(err)
	}
	after, _ := os.Stat(path)

	if LocalFingerprint(before) == LocalFingerprint(after) {
		t.Error("expected the fingerprint to change with the file")
	}
}

func TestOpenLocalWrite(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	path := filepath.Join(dir, "nested", "out.img")

	f, err := OpenLocalWrite(ctx, path, 8, false)
	if err != nil {
		t.Fatalf("OpenLocalWrite failed: %v", err)
	}
	if _, err := f.WriteAt([]byte("tail"), 4); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	// Resuming keeps what was written.
	f, err = OpenLocalWrite(ctx, path, 8, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte("head"), 0); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if data, _ := os.ReadFile(path); string(data) != "headtail" {
		t.Errorf("expected headtail, got %q", data)
	}

	// Starting over discards it.
	f, err = OpenLocalWrite(ctx, path, 4, false)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	if data, _ := os.ReadFile(path); string(data) != "\x00\x00\x00\x00" {
		t.Errorf("expected a zeroed file, got %q", data)
	}

	if exists, err := LocalExists(path); err != nil || !exists {
		t.Errorf("LocalExists = %v, %v", exists, err)
	}
	if exists, _ := LocalExists(filepath.Join(dir, "none")); exists {
		t.Error("expected a missing path to not exist")
	}
}

func TestLocalFile_SetModTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.img")
	f, err := OpenLocalWrite(context.Background(), path, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if f.Path() != path {
		t.Errorf("expected path %q, got %q", path, f.Path())
	}

	mtime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	f.SetModTime(mtime)
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("expected mtime %v, got %v", mtime, info.ModTime())
	}
}

func TestOpenLocal_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := OpenLocalRead(ctx, "whatever"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, err := OpenLocalWrite(ctx, filepath.Join(t.TempDir(), "x"), 0, false); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
