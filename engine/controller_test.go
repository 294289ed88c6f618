package engine_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/franksops/blobmover/engine"
	"github.com/franksops/blobmover/provider"
)

const mib = 1024 * 1024

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func newController(t *testing.T, job *engine.TransferJob, opts ...engine.Option) *engine.Controller {
	t.Helper()
	opts = append([]engine.Option{engine.WithLogger(zaptest.NewLogger(t))}, opts...)
	c, err := engine.NewController(job, opts...)
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func small(chunk int64, buffer, capacity, window int) []engine.Option {
	return []engine.Option{
		engine.WithSizing(engine.Sizing{ChunkSize: chunk, MaxChunks: 1000, Window: window}),
		engine.WithBufferPool(engine.NewChunkBufferPool(buffer, capacity)),
	}
}

// drive steps c on the calling goroutine until it is over.
func drive(t *testing.T, c *engine.Controller) error {
	t.Helper()
	for i := 0; i < 10000; i++ {
		finished, err := c.DoWork(context.Background())
		if finished {
			return err
		}
	}
	t.Fatal("controller made no progress")
	return nil
}

// writeLog records the offsets of every write a MemoryStore receives.
type writeLog struct {
	mu      sync.Mutex
	offsets []int64
}

func (w *writeLog) hook(key string, offset int64) error {
	w.mu.Lock()
	w.offsets = append(w.offsets, offset)
	w.mu.Unlock()
	return nil
}

func (w *writeLog) get() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.offsets)
}

func TestController_SourceNotFound(t *testing.T) {
	objects := provider.NewMemoryStore()
	job := engine.NewTransferJob(
		engine.ObjectLocation(engine.KindBlockObject, objects, "missing"),
		engine.ObjectLocation(engine.KindBlockObject, objects, "dst"),
	)
	c := newController(t, job)

	if !c.HasWork() {
		t.Fatal("Expected a new controller to have work")
	}
	finished, err := c.DoWork(context.Background())
	if !finished || !errors.Is(err, provider.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got finished=%v err=%v", finished, err)
	}
	if c.HasWork() {
		t.Error("Expected no work after a failed metadata step")
	}
	if c.State() != engine.StateFailed {
		t.Errorf("Expected state %s, got %s", engine.StateFailed, c.State())
	}
	if !engine.IsTerminal(err) {
		t.Error("Expected a missing source to be terminal")
	}

	// The first error sticks.
	_, again := c.DoWork(context.Background())
	if again != err {
		t.Errorf("Expected the same error, got %v", again)
	}
}

func TestController_ResumeReplaysWindow(t *testing.T) {
	ctx := context.Background()
	data := pattern(10 * mib)
	objects := provider.NewMemoryStore()
	etag := objects.Put("src", provider.KindBlock, data)

	// An earlier run staged the first block and was interrupted while the
	// second was in flight.
	if err := objects.Create(ctx, "dst", provider.ObjectSpec{Kind: provider.KindBlock, Size: int64(len(data))}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := objects.WriteRange(ctx, "dst", 0, bytes.NewReader(data[:4*mib]), 4*mib, provider.Conditions{}); err != nil {
		t.Fatalf("WriteRange failed: %v", err)
	}

	job := engine.NewTransferJob(
		engine.ObjectLocation(engine.KindBlockObject, objects, "src"),
		engine.ObjectLocation(engine.KindBlockObject, objects, "dst"),
	)
	job.Checkpoint = engine.RestoreCheckpoint(engine.CheckpointState{
		NextOffset:  8 * mib,
		Window:      []int64{4 * mib},
		Fingerprint: etag,
		BlockSize:   4 * mib,
	})

	c := newController(t, job, small(4*mib, mib, 16, 2)...)
	if err := drive(t, c); err != nil {
		t.Fatalf("Resumed transfer failed: %v", err)
	}

	reads := objects.Reads("src")
	if !slices.Equal(reads, []int64{4 * mib, 8 * mib}) {
		t.Errorf("Expected reads at 4MiB then 8MiB, got %v", reads)
	}

	got, ok := objects.Get("dst")
	if !ok || !bytes.Equal(got, data) {
		t.Fatalf("Destination mismatch: ok=%v len=%d", ok, len(got))
	}

	st := job.Checkpoint.State()
	if len(st.Window) != 0 || st.NextOffset != 10*mib {
		t.Errorf("Expected a drained checkpoint at 10MiB, got next=%d window=%v", st.NextOffset, st.Window)
	}

	p := c.Progress()
	if p.State != engine.StateFinished {
		t.Errorf("Expected state %s, got %s", engine.StateFinished, p.State)
	}
	if p.CompletedBytes != 10*mib || p.TransferredBytes != 6*mib {
		t.Errorf("Expected 10MiB complete and 6MiB moved, got %d and %d", p.CompletedBytes, p.TransferredBytes)
	}
}

func TestController_FingerprintMismatch(t *testing.T) {
	objects := provider.NewMemoryStore()
	objects.Put("src", provider.KindBlock, pattern(64))

	tests := []struct {
		name        string
		fingerprint string
	}{
		{"changed source", `"stale"`},
		{"missing fingerprint", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := engine.NewTransferJob(engine.ObjectLocation(engine.KindBlockObject, objects, "src"), engine.Location{})
			job.Checkpoint = engine.RestoreCheckpoint(engine.CheckpointState{
				NextOffset:  16,
				Fingerprint: tt.fingerprint,
				BlockSize:   16,
			})

			c := newController(t, job, small(16, 16, 8, 2)...)
			if err := drive(t, c); !errors.Is(err, engine.ErrCheckpointCorrupted) {
				t.Fatalf("Expected ErrCheckpointCorrupted, got %v", err)
			}
			if len(objects.Reads("src")) != 0 {
				t.Error("Expected no data reads from a corrupted checkpoint")
			}
		})
	}
}

func TestController_CorruptedWindow(t *testing.T) {
	objects := provider.NewMemoryStore()
	etag := objects.Put("src", provider.KindBlock, pattern(64))

	job := engine.NewTransferJob(engine.ObjectLocation(engine.KindBlockObject, objects, "src"), engine.Location{})
	job.Checkpoint = engine.RestoreCheckpoint(engine.CheckpointState{
		NextOffset:  32,
		Window:      []int64{48},
		Fingerprint: etag,
		BlockSize:   16,
	})

	c := newController(t, job, small(16, 16, 8, 2)...)
	if err := drive(t, c); !errors.Is(err, engine.ErrCheckpointCorrupted) {
		t.Fatalf("Expected ErrCheckpointCorrupted, got %v", err)
	}
}

func TestController_BlockCopy(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		workers int
		opts    []engine.Option
		variant engine.Variant
	}{
		{"single chunk", 10, 1, nil, engine.VariantSync},
		{"exact chunks", 256, 2, nil, engine.VariantSync},
		{"ragged tail", 1000, 4, nil, engine.VariantSync},
		{"pipelined", 1000, 4, []engine.Option{engine.WithPipelining()}, engine.VariantPipelined},
		{"empty", 0, 2, nil, engine.VariantSync},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := pattern(tt.size)
			objects := provider.NewMemoryStore()
			objects.Put("src", provider.KindBlock, data)

			job := engine.NewTransferJob(
				engine.ObjectLocation(engine.KindBlockObject, objects, "src"),
				engine.ObjectLocation(engine.KindBlockObject, objects, "dst"),
			)
			opts := append(small(64, 16, 12, 4), tt.opts...)
			c := newController(t, job, opts...)
			if c.Variant() != tt.variant {
				t.Errorf("Expected variant %s, got %s", tt.variant, c.Variant())
			}

			if err := engine.Run(context.Background(), c, tt.workers); err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			got, ok := objects.Get("dst")
			if !ok || !bytes.Equal(got, data) {
				t.Errorf("Destination mismatch: ok=%v got %d bytes, want %d", ok, len(got), len(data))
			}
			if objects.StagedBlocks("dst") != 0 {
				t.Error("Expected staged blocks to be committed")
			}
			if len(c.Digests()) != len(objects.Reads("src")) {
				t.Errorf("Expected a digest per chunk read, got %d for %d reads", len(c.Digests()), len(objects.Reads("src")))
			}
		})
	}
}

func TestController_BlockSizeHonoursStoreLimits(t *testing.T) {
	objects := provider.NewMemoryStore()
	objects.Put("src", provider.KindBlock, pattern(1000))
	dst := limitedStore{MemoryStore: provider.NewMemoryStore()}

	job := engine.NewTransferJob(
		engine.ObjectLocation(engine.KindBlockObject, objects, "src"),
		engine.ObjectLocation(engine.KindBlockObject, dst, "dst"),
	)
	c := newController(t, job, small(16, 16, 32, 4)...)
	if _, err := c.DoWork(context.Background()); err != nil {
		t.Fatalf("Metadata step failed: %v", err)
	}

	// ten blocks of a multiple of 16 cover 1000 bytes with 112-byte blocks
	if bs := c.Progress().BlockSize; bs != 112 {
		t.Errorf("Expected block size 112, got %d", bs)
	}
	if err := drive(t, c); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if got, _ := dst.Get("dst"); !bytes.Equal(got, pattern(1000)) {
		t.Error("Destination mismatch")
	}
}

type limitedStore struct {
	*provider.MemoryStore
}

func (limitedStore) MaxBlocks() int      { return 10 }
func (limitedStore) MinBlockSize() int64 { return 64 }

func TestController_PageSkipsZeroChunks(t *testing.T) {
	data := pattern(4 * provider.PageSize)
	clear(data[:provider.PageSize])
	objects := provider.NewMemoryStore()
	objects.Put("src", provider.KindPage, data)

	var writes writeLog
	objects.FailWrite = writes.hook

	job := engine.NewTransferJob(
		engine.ObjectLocation(engine.KindPageObject, objects, "src"),
		engine.ObjectLocation(engine.KindPageObject, objects, "dst"),
	)
	c := newController(t, job, small(provider.PageSize, provider.PageSize, 8, 2)...)
	if err := drive(t, c); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	if got := writes.get(); slices.Contains(got, 0) || len(got) != 3 {
		t.Errorf("Expected the zero page to be skipped, writes at %v", got)
	}
	got, _ := objects.Get("dst")
	if !bytes.Equal(got, data) {
		t.Error("Destination mismatch")
	}
}

func TestController_PageRejectsUnalignedLength(t *testing.T) {
	objects := provider.NewMemoryStore()
	objects.Put("src", provider.KindBlock, pattern(1000))

	job := engine.NewTransferJob(
		engine.ObjectLocation(engine.KindBlockObject, objects, "src"),
		engine.ObjectLocation(engine.KindPageObject, objects, "dst"),
	)
	c := newController(t, job, small(provider.PageSize, provider.PageSize, 8, 2)...)
	if err := drive(t, c); !errors.Is(err, provider.ErrUnsupportedOperation) {
		t.Fatalf("Expected ErrUnsupportedOperation, got %v", err)
	}
}

func TestController_AppendInOrder(t *testing.T) {
	data := pattern(100)
	objects := provider.NewMemoryStore()
	objects.Put("src", provider.KindBlock, data)

	var writes writeLog
	objects.FailWrite = writes.hook

	job := engine.NewTransferJob(
		engine.ObjectLocation(engine.KindBlockObject, objects, "src"),
		engine.ObjectLocation(engine.KindAppendObject, objects, "dst"),
	)
	c := newController(t, job, small(16, 16, 8, 4)...)
	if err := engine.Run(context.Background(), c, 4); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := writes.get(); !slices.IsSorted(got) || len(got) != 7 {
		t.Errorf("Expected 7 appends in offset order, got %v", got)
	}
	got, _ := objects.Get("dst")
	if !bytes.Equal(got, data) {
		t.Error("Destination mismatch")
	}
}

func TestController_AppendResumeSkipsWrittenChunks(t *testing.T) {
	ctx := context.Background()
	data := pattern(100)
	objects := provider.NewMemoryStore()
	etag := objects.Put("src", provider.KindBlock, data)

	// The chunk at 16 reached the destination but was never retired.
	if err := objects.Create(ctx, "dst", provider.ObjectSpec{Kind: provider.KindAppend}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := objects.WriteRange(ctx, "dst", 0, bytes.NewReader(data[:32]), 32, provider.Conditions{}); err != nil {
		t.Fatalf("WriteRange failed: %v", err)
	}

	var writes writeLog
	objects.FailWrite = writes.hook

	job := engine.NewTransferJob(
		engine.ObjectLocation(engine.KindBlockObject, objects, "src"),
		engine.ObjectLocation(engine.KindAppendObject, objects, "dst"),
	)
	job.Checkpoint = engine.RestoreCheckpoint(engine.CheckpointState{
		NextOffset:  48,
		Window:      []int64{16, 32},
		Fingerprint: etag,
		BlockSize:   16,
	})

	c := newController(t, job, small(16, 16, 8, 4)...)
	if err := drive(t, c); err != nil {
		t.Fatalf("Resumed append failed: %v", err)
	}

	if got := writes.get(); !slices.Equal(got, []int64{32, 48, 64, 80, 96}) {
		t.Errorf("Expected appends from 32, got %v", got)
	}
	got, _ := objects.Get("dst")
	if !bytes.Equal(got, data) {
		t.Error("Destination mismatch")
	}
}

func TestController_LocalFileDestination(t *testing.T) {
	data := pattern(1000)
	objects := provider.NewMemoryStore()
	objects.Put("src", provider.KindBlock, data)
	path := filepath.Join(t.TempDir(), "out", "blob.bin")

	newJob := func() *engine.TransferJob {
		return engine.NewTransferJob(engine.ObjectLocation(engine.KindBlockObject, objects, "src"), engine.FileLocation(path))
	}

	c := newController(t, newJob(), small(64, 16, 8, 4)...)
	if err := engine.Run(context.Background(), c, 3); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("Destination mismatch: err=%v len=%d", err, len(got))
	}

	again := newController(t, newJob(), small(64, 16, 8, 4)...)
	if err := drive(t, again); !errors.Is(err, provider.ErrDestinationExists) {
		t.Fatalf("Expected ErrDestinationExists, got %v", err)
	}

	forced := newController(t, newJob(), append(small(64, 16, 8, 4), engine.WithForce(true))...)
	if err := drive(t, forced); err != nil {
		t.Fatalf("Forced overwrite failed: %v", err)
	}
}

// datedStore reports a fixed modification time for every object.
type datedStore struct {
	*provider.MemoryStore
	modTime time.Time
}

func (s datedStore) Stat(ctx context.Context, key string, cond provider.Conditions) (provider.ObjectInfo, error) {
	info, err := s.MemoryStore.Stat(ctx, key, cond)
	info.ModTime = s.modTime
	return info, err
}

func TestController_LocalFileTakesSourceModTime(t *testing.T) {
	modTime := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	objects := datedStore{MemoryStore: provider.NewMemoryStore(), modTime: modTime}
	objects.Put("src", provider.KindBlock, pattern(300))
	path := filepath.Join(t.TempDir(), "blob.bin")

	job := engine.NewTransferJob(engine.ObjectLocation(engine.KindBlockObject, objects, "src"), engine.FileLocation(path))
	c := newController(t, job, small(64, 16, 8, 2)...)
	if err := drive(t, c); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !fi.ModTime().Equal(modTime) {
		t.Errorf("Expected mtime %v, got %v", modTime, fi.ModTime())
	}
}

func TestController_FailedLocalFileKeepsOwnModTime(t *testing.T) {
	modTime := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	objects := datedStore{MemoryStore: provider.NewMemoryStore(), modTime: modTime}
	objects.Put("src", provider.KindBlock, pattern(300))
	objects.FailRead = func(key string, offset int64) error {
		if offset == 128 {
			return errors.New("connection reset")
		}
		return nil
	}
	path := filepath.Join(t.TempDir(), "blob.bin")

	job := engine.NewTransferJob(engine.ObjectLocation(engine.KindBlockObject, objects, "src"), engine.FileLocation(path))
	c := newController(t, job, small(64, 16, 8, 2)...)
	if err := drive(t, c); err == nil {
		t.Fatal("Expected the read failure to end the job")
	}
	c.Close()

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.ModTime().Equal(modTime) {
		t.Error("A partial file must not look like a finished copy of the source")
	}
}

func TestController_LocalFileSourceChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(path, pattern(64), 0644); err != nil {
		t.Fatal(err)
	}
	objects := provider.NewMemoryStore()

	job := engine.NewTransferJob(engine.FileLocation(path), engine.ObjectLocation(engine.KindBlockObject, objects, "dst"))
	c := newController(t, job, small(16, 16, 8, 2)...)
	if _, err := c.DoWork(context.Background()); err != nil {
		t.Fatalf("Metadata step failed: %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte("more"))
	f.Close()

	if err := drive(t, c); !errors.Is(err, provider.ErrPreconditionFailed) {
		t.Fatalf("Expected ErrPreconditionFailed, got %v", err)
	}
	if _, ok := objects.Get("dst"); ok {
		t.Error("Expected the destination not to be committed")
	}
}

func TestController_ReadFailureKeepsWindow(t *testing.T) {
	boom := errors.New("connection reset")
	objects := provider.NewMemoryStore()
	objects.Put("src", provider.KindBlock, pattern(64))
	objects.FailRead = func(key string, offset int64) error {
		if offset == 32 {
			return boom
		}
		return nil
	}

	job := engine.NewTransferJob(
		engine.ObjectLocation(engine.KindBlockObject, objects, "src"),
		engine.ObjectLocation(engine.KindBlockObject, objects, "dst"),
	)
	c := newController(t, job, small(16, 16, 8, 2)...)
	if err := drive(t, c); !errors.Is(err, boom) {
		t.Fatalf("Expected %v, got %v", boom, err)
	}
	if engine.IsTerminal(c.Err()) || engine.IsCancelled(c.Err()) {
		t.Error("Expected a transient failure")
	}

	st := job.Checkpoint.State()
	if !slices.Equal(st.Window, []int64{32}) || st.NextOffset != 48 {
		t.Errorf("Expected window [32] at 48, got %v at %d", st.Window, st.NextOffset)
	}
	if _, ok := objects.Get("dst"); ok {
		t.Error("Expected the destination not to be committed")
	}
}

func TestController_Cancelled(t *testing.T) {
	objects := provider.NewMemoryStore()
	objects.Put("src", provider.KindBlock, pattern(64))
	job := engine.NewTransferJob(engine.ObjectLocation(engine.KindBlockObject, objects, "src"), engine.MemoryLocation())
	c := newController(t, job, small(16, 16, 8, 2)...)

	if _, err := c.DoWork(context.Background()); err != nil {
		t.Fatalf("Metadata step failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	finished, err := c.DoWork(ctx)
	if !finished || !engine.IsCancelled(err) {
		t.Fatalf("Expected cancellation, got finished=%v err=%v", finished, err)
	}
	if c.HasWork() {
		t.Error("Expected no work after cancellation")
	}
}

func TestController_VerifyDigests(t *testing.T) {
	data := pattern(300)
	objects := provider.NewMemoryStore()
	objects.Put("src", provider.KindBlock, data)
	opts := small(64, 16, 12, 4)

	copyDst := engine.MemoryLocation()
	copyJob := engine.NewTransferJob(engine.ObjectLocation(engine.KindBlockObject, objects, "src"), copyDst)
	cp := newController(t, copyJob, opts...)
	if err := engine.Run(context.Background(), cp, 2); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	verify := engine.NewTransferJob(copyDst, engine.Location{})
	v := newController(t, verify, opts...)
	if v.Variant() != engine.VariantReaderOnly {
		t.Errorf("Expected variant %s, got %s", engine.VariantReaderOnly, v.Variant())
	}
	if err := engine.Run(context.Background(), v, 2); err != nil {
		t.Fatalf("Verification failed: %v", err)
	}
	if diff := engine.CompareDigests(cp.Digests(), v.Digests()); len(diff) != 0 {
		t.Errorf("Expected matching digests, mismatches at %v", diff)
	}

	tampered := bytes.Clone(data)
	tampered[200] ^= 0xff
	bad := engine.NewTransferJob(engine.StreamLocation(bytes.NewReader(tampered)), engine.Location{})
	b := newController(t, bad, opts...)
	if err := drive(t, b); err != nil {
		t.Fatalf("Verification failed: %v", err)
	}
	if diff := engine.CompareDigests(cp.Digests(), b.Digests()); !slices.Equal(diff, []int64{192}) {
		t.Errorf("Expected a mismatch at 192, got %v", diff)
	}
}

func TestController_UnsupportedRoutes(t *testing.T) {
	tests := []struct {
		name string
		src  engine.Location
		dst  engine.Location
	}{
		{"file to file", engine.FileLocation("/tmp/a"), engine.FileLocation("/tmp/b")},
		{"memory to file", engine.MemoryLocation(), engine.FileLocation("/tmp/b")},
		{"none to block", engine.Location{}, engine.ObjectLocation(engine.KindBlockObject, provider.NewMemoryStore(), "k")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.NewController(engine.NewTransferJob(tt.src, tt.dst))
			if !errors.Is(err, engine.ErrUnsupportedKind) {
				t.Errorf("Expected ErrUnsupportedKind, got %v", err)
			}
		})
	}
}

func TestController_UnsupportedMetadata(t *testing.T) {
	objects := provider.NewMemoryStore()
	objects.Put("src", provider.KindUnspecified, pattern(16))

	job := engine.NewTransferJob(engine.ObjectLocation(engine.KindBlockObject, objects, "src"), engine.Location{})
	c := newController(t, job)
	if err := drive(t, c); !errors.Is(err, engine.ErrUnsupportedMetadata) {
		t.Fatalf("Expected ErrUnsupportedMetadata, got %v", err)
	}
}

func TestController_PoolTooSmallForBlock(t *testing.T) {
	objects := provider.NewMemoryStore()
	objects.Put("src", provider.KindBlock, pattern(256))

	job := engine.NewTransferJob(
		engine.ObjectLocation(engine.KindBlockObject, objects, "src"),
		engine.ObjectLocation(engine.KindBlockObject, objects, "dst"),
	)
	// 128-byte blocks need 9 buffers of 16
	c := newController(t, job, small(128, 16, 4, 2)...)
	if err := drive(t, c); !errors.Is(err, engine.ErrPoolExhausted) {
		t.Fatalf("Expected ErrPoolExhausted, got %v", err)
	}
}
