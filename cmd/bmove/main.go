package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/franksops/blobmover/config"
	"github.com/franksops/blobmover/engine"
	"github.com/franksops/blobmover/store"
	"github.com/franksops/blobmover/ui"
)

const (
	exitOK          = 0
	exitFailed      = 1
	exitInterrupted = 130

	uiRefresh       = 500 * time.Millisecond
	headlessLogging = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bmove: %v\n\n", err)
		fmt.Fprintln(os.Stderr, "Usage: bmove -source <src> -dest <dst> [options]")
		fmt.Fprintln(os.Stderr, "\nExamples:")
		fmt.Fprintln(os.Stderr, "  bmove -source ./disk.img -dest s3://bucket/images/disk.img -workers 32")
		fmt.Fprintln(os.Stderr, "  bmove -source s3://bucket/images/disk.img -dest ./disk.img -tui")
		fmt.Fprintln(os.Stderr, "  bmove -source ./disk.img -dest s3://bucket/images/disk.img -verify")
		fmt.Fprintln(os.Stderr, "  bmove -list")
		return exitFailed
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bmove: %v\n", err)
		return exitFailed
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.List {
		st, err := store.NewBoltStore(cfg.DBPath)
		if err != nil {
			log.Error("Failed to open checkpoint database", zap.String("db", cfg.DBPath), zap.Error(err))
			return exitFailed
		}
		defer st.Close()
		if err := listJobs(st, os.Stdout); err != nil {
			log.Error("Failed to list jobs", zap.Error(err))
			return exitFailed
		}
		return exitOK
	}
	if cfg.Verify {
		return verify(ctx, cfg, log)
	}
	return transfer(ctx, cfg, log)
}

// newLogger logs JSON to stderr, or to bmove.log while the TUI owns the
// terminal.
func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	if cfg.TUI {
		zc.OutputPaths = []string{"bmove.log"}
		zc.ErrorOutputPaths = []string{"bmove.log"}
	}
	return zc.Build()
}

func transfer(ctx context.Context, cfg config.Config, log *zap.Logger) int {
	src, err := parseSource(ctx, cfg.Source, s3Stores)
	if err != nil {
		log.Error("Invalid source", zap.String("source", cfg.Source), zap.Error(err))
		return exitFailed
	}
	dst, err := parseDestination(ctx, cfg.Destination, s3Stores)
	if err != nil {
		log.Error("Invalid destination", zap.String("dest", cfg.Destination), zap.Error(err))
		return exitFailed
	}

	st, err := store.NewBoltStore(cfg.DBPath)
	if err != nil {
		log.Error("Failed to open checkpoint database", zap.String("db", cfg.DBPath), zap.Error(err))
		return exitFailed
	}
	defer st.Close()
	tracker := engine.NewJobTracker(st, cfg.Checkpoint())

	job := engine.NewTransferJob(src.loc, dst.loc)
	log = log.With(zap.String("job", job.ID))

	if cfg.Restart {
		if err := tracker.Forget(job.ID); err != nil {
			log.Error("Failed to discard checkpoint", zap.Error(err))
			return exitFailed
		}
	}
	resumed, err := tracker.Restore(job)
	if err != nil {
		log.Error("Failed to load checkpoint", zap.Error(err))
		return exitFailed
	}
	if resumed {
		log.Info("Resuming transfer",
			zap.Int64("next_offset", job.Checkpoint.NextOffset()),
			zap.Int("window", len(job.Checkpoint.Window())))
	}
	if err := tracker.InitJob(job); err != nil {
		log.Error("Failed to record job", zap.Error(err))
		return exitFailed
	}
	if err := tracker.MarkInProgress(job.ID); err != nil {
		log.Error("Failed to record job", zap.Error(err))
		return exitFailed
	}

	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithBufferPool(engine.NewChunkBufferPool(cfg.BufferSize, cfg.PoolCapacity)),
		engine.WithSizing(cfg.Sizing()),
		engine.WithForce(cfg.Force),
	}
	if cfg.Pipelined {
		opts = append(opts, engine.WithPipelining())
	}
	c, err := engine.NewController(job, opts...)
	if err != nil {
		log.Error("Cannot transfer between these locations",
			zap.Stringer("source", src.loc), zap.Stringer("dest", dst.loc), zap.Error(err))
		return exitFailed
	}
	defer c.Close()
	tc := tracker.Track(c)

	start := time.Now()
	if cfg.TUI {
		err = runWithTUI(ctx, cfg, tc)
	} else {
		err = runHeadless(ctx, cfg, tc, log)
	}

	if ferr := tracker.Finish(c); ferr != nil {
		log.Warn("Failed to save final job state", zap.Error(ferr))
	}
	if serr := tc.SaveErr(); serr != nil {
		log.Warn("Some checkpoints were not saved", zap.Error(serr))
	}

	p := c.Progress()
	switch {
	case c.State() == engine.StateFinished:
		if dst.stdout {
			if _, werr := os.Stdout.Write(dst.loc.Bytes()); werr != nil {
				log.Error("Failed to write to stdout", zap.Error(werr))
				return exitFailed
			}
		}
		log.Info("Transfer complete",
			zap.Int64("bytes", p.TotalBytes),
			zap.Int64("transferred", p.TransferredBytes),
			zap.Duration("elapsed", time.Since(start)))
		return exitOK
	case err == nil || engine.IsCancelled(err):
		log.Info("Transfer interrupted; run the same command again to resume",
			zap.Int64("completed", p.CompletedBytes),
			zap.Int64("total", p.TotalBytes))
		return exitInterrupted
	case errors.Is(err, engine.ErrCheckpointCorrupted):
		log.Error("Saved checkpoint no longer matches the source; rerun with -restart to start over", zap.Error(err))
		return exitFailed
	default:
		log.Error("Transfer failed", zap.Error(err))
		return exitFailed
	}
}

func runHeadless(ctx context.Context, cfg config.Config, tc *engine.TrackedController, log *zap.Logger) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(headlessLogging)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				p := tc.Progress()
				log.Info("Progress",
					zap.Stringer("state", p.State),
					zap.Int64("completed", p.CompletedBytes),
					zap.Int64("total", p.TotalBytes),
					zap.Int("in_flight", len(p.InFlight)))
			}
		}
	}()

	return engine.Run(ctx, tc, cfg.Workers)
}

// runWithTUI drives tc on a resizable worker pool while the progress view
// runs in the foreground.
func runWithTUI(ctx context.Context, cfg config.Config, tc *engine.TrackedController) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var runErr error
	finished := make(chan struct{})
	pool := engine.NewWorkerPool(ctx, func(_ engine.Task, err error) {
		runErr = err
		close(finished)
	})
	pool.Submit(tc)
	pool.SetWorkerCount(cfg.Workers)

	name := cfg.Source + " -> " + cfg.Destination
	model := ui.NewTUIModel(ui.JobView{Name: name, Workers: cfg.Workers},
		func(delta int) int {
			n := max(pool.WorkerCount()+delta, 1)
			pool.SetWorkerCount(n)
			return n
		},
		cancel)
	program := tea.NewProgram(model, tea.WithAltScreen())

	go func() {
		ticker := time.NewTicker(uiRefresh)
		defer ticker.Stop()
		var meter ui.RateMeter
		for {
			select {
			case <-ctx.Done():
				program.Quit()
				return
			case <-finished:
				program.Send(ui.TUIUpdateMsg{View: jobView(name, tc, pool)})
				return
			case now := <-ticker.C:
				view := jobView(name, tc, pool)
				view.Throughput = meter.Observe(view.Progress.TransferredBytes, now)
				program.Send(ui.TUIUpdateMsg{View: view})
			}
		}
	}()

	_, uiErr := program.Run()
	if uiErr != nil {
		cancel()
	}

	select {
	case <-finished:
	case <-ctx.Done():
	}
	pool.Stop()

	select {
	case <-finished:
		return runErr
	default:
	}
	// Stopped before the job ended; let it record the cancellation.
	if !tc.Done() {
		_, err := tc.DoWork(ctx)
		return err
	}
	return tc.Err()
}

func jobView(name string, tc *engine.TrackedController, pool *engine.WorkerPool) ui.JobView {
	return ui.JobView{
		Name:     name,
		Progress: tc.Progress(),
		Workers:  pool.WorkerCount(),
		Err:      tc.Err(),
	}
}

// verify reads both locations and compares their chunk digests.
func verify(ctx context.Context, cfg config.Config, log *zap.Logger) int {
	src, err := parseSource(ctx, cfg.Source, s3Stores)
	if err != nil {
		log.Error("Invalid source", zap.String("source", cfg.Source), zap.Error(err))
		return exitFailed
	}
	dst, err := parseSource(ctx, cfg.Destination, s3Stores)
	if err != nil {
		log.Error("Invalid destination", zap.String("dest", cfg.Destination), zap.Error(err))
		return exitFailed
	}

	pool := engine.NewChunkBufferPool(cfg.BufferSize, cfg.PoolCapacity)
	defer pool.Close()

	digest := func(loc engine.Location) (map[int64]uint64, int64, error) {
		c, err := engine.NewController(engine.NewTransferJob(loc, engine.Location{}),
			engine.WithLogger(log),
			engine.WithBufferPool(pool),
			engine.WithSizing(cfg.Sizing()))
		if err != nil {
			return nil, 0, err
		}
		defer c.Close()
		if err := engine.Run(ctx, c, cfg.Workers); err != nil {
			return nil, 0, err
		}
		return c.Digests(), c.Progress().TotalBytes, nil
	}

	want, wantLen, err := digest(src.loc)
	if err != nil {
		log.Error("Failed to read source", zap.Error(err))
		return exitCode(err)
	}
	got, gotLen, err := digest(dst.loc)
	if err != nil {
		log.Error("Failed to read destination", zap.Error(err))
		return exitCode(err)
	}

	if wantLen != gotLen {
		log.Error("Length mismatch", zap.Int64("source", wantLen), zap.Int64("dest", gotLen))
		return exitFailed
	}
	if bad := engine.CompareDigests(want, got); len(bad) > 0 {
		log.Error("Digest mismatch", zap.Int64s("offsets", bad))
		return exitFailed
	}
	log.Info("Verified", zap.Int64("bytes", wantLen), zap.Int("chunks", len(want)))
	return exitOK
}

func exitCode(err error) int {
	if engine.IsCancelled(err) {
		return exitInterrupted
	}
	return exitFailed
}
