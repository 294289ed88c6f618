package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"

	"github.com/franksops/blobmover/engine"
)

const envPrefix = "BLOBMOVER_"

// Config holds the settings of the bmove binary.
type Config struct {
	Source      string // s3://bucket/key, a local path, or "-" for stdin
	Destination string // same forms; "-" writes to stdout
	Verify      bool   // compare source and destination digests instead of copying
	Restart     bool   // discard any saved checkpoint
	Force       bool   // overwrite an existing destination
	TUI         bool   // show the interactive progress view
	Pipelined   bool   // drain written chunks before reading new ones
	List        bool   // print the jobs in the checkpoint database and exit
	LogLevel    string
	DBPath      string // bbolt file holding job checkpoints

	Workers      int
	ChunkSize    int64
	MaxChunkSize int64
	MaxChunks    int
	MinBlockSize int64
	Window       int
	BufferSize   int
	PoolCapacity int

	CheckpointBytes    int64
	CheckpointInterval time.Duration
}

// Default returns the built-in settings.
func Default() Config {
	sizing := engine.DefaultSizing()
	return Config{
		LogLevel:           "info",
		DBPath:             "bmove.db",
		Workers:            16,
		ChunkSize:          sizing.ChunkSize,
		MaxChunkSize:       sizing.MaxChunkSize,
		MaxChunks:          sizing.MaxChunks,
		Window:             sizing.Window,
		BufferSize:         engine.DefaultBufferSize,
		PoolCapacity:       engine.DefaultPoolCapacity,
		CheckpointBytes:    engine.DefaultCheckpointConfig.BytesInterval,
		CheckpointInterval: engine.DefaultCheckpointConfig.TimeInterval,
	}
}

// Parse reads configuration from the environment and the command line.
// Flags take precedence over environment variables.
func Parse() (Config, error) {
	return ParseWithFlagSet(flag.CommandLine, os.Args[1:])
}

// ParseWithFlagSet is Parse with an explicit flag set, for tests.
func ParseWithFlagSet(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Default()

	// Read from environment first
	if err := cfg.loadEnv(); err != nil {
		return Config{}, err
	}

	// Flags override environment
	fs.StringVar(&cfg.Source, "source", cfg.Source, "source: s3://bucket/key, local path, or - for stdin")
	fs.StringVar(&cfg.Destination, "dest", cfg.Destination, "destination: s3://bucket/key, local path, or - for stdout")
	fs.BoolVar(&cfg.Verify, "verify", cfg.Verify, "compare chunk digests of source and destination")
	fs.BoolVar(&cfg.Restart, "restart", cfg.Restart, "discard the saved checkpoint and start over")
	fs.BoolVar(&cfg.Force, "force", cfg.Force, "overwrite an existing destination")
	fs.BoolVar(&cfg.TUI, "tui", cfg.TUI, "show interactive progress")
	fs.BoolVar(&cfg.Pipelined, "pipelined", cfg.Pipelined, "prefer writing staged chunks over reading new ones")
	fs.BoolVar(&cfg.List, "list", cfg.List, "list recorded jobs and whether they can resume")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "checkpoint database path")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "number of concurrent workers")
	fs.Int64Var(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "chunk size in bytes")
	fs.Int64Var(&cfg.MaxChunkSize, "max-chunk-size", cfg.MaxChunkSize, "largest chunk size in bytes")
	fs.IntVar(&cfg.MaxChunks, "max-chunks", cfg.MaxChunks, "most chunks one object is split into")
	fs.Int64Var(&cfg.MinBlockSize, "min-block-size", cfg.MinBlockSize, "smallest block size in bytes")
	fs.IntVar(&cfg.Window, "window", cfg.Window, "chunks in flight")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "size of pooled buffers in bytes")
	fs.IntVar(&cfg.PoolCapacity, "buffers", cfg.PoolCapacity, "number of pooled buffers")
	fs.Int64Var(&cfg.CheckpointBytes, "checkpoint-bytes", cfg.CheckpointBytes, "save progress after this many bytes")
	fs.DurationVar(&cfg.CheckpointInterval, "checkpoint-interval", cfg.CheckpointInterval, "save progress after this much time")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func (c *Config) loadEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(envPrefix + name); v != "" {
			b, err := cast.ToBoolE(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(envPrefix + name); v != "" {
			n, err := cast.ToIntE(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	int64s := func(name string, dst *int64) {
		if v := os.Getenv(envPrefix + name); v != "" {
			n, err := cast.ToInt64E(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	str("SOURCE", &c.Source)
	str("DEST", &c.Destination)
	str("LOG_LEVEL", &c.LogLevel)
	str("DB", &c.DBPath)
	boolean("VERIFY", &c.Verify)
	boolean("FORCE", &c.Force)
	boolean("TUI", &c.TUI)
	boolean("PIPELINED", &c.Pipelined)
	boolean("LIST", &c.List)
	integer("WORKERS", &c.Workers)
	int64s("CHUNK_SIZE", &c.ChunkSize)
	int64s("MAX_CHUNK_SIZE", &c.MaxChunkSize)
	integer("MAX_CHUNKS", &c.MaxChunks)
	int64s("MIN_BLOCK_SIZE", &c.MinBlockSize)
	integer("WINDOW", &c.Window)
	integer("BUFFER_SIZE", &c.BufferSize)
	integer("BUFFERS", &c.PoolCapacity)
	int64s("CHECKPOINT_BYTES", &c.CheckpointBytes)

	if v := os.Getenv(envPrefix + "CHECKPOINT_INTERVAL"); v != "" {
		d, err := cast.ToDurationE(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %sCHECKPOINT_INTERVAL: %w", envPrefix, err))
		} else {
			c.CheckpointInterval = d
		}
	}
	return errors.Join(errs...)
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Source == "" && !c.List:
		return errors.New("a source is required")
	case c.Destination == "" && !c.List:
		return errors.New("a destination is required")
	case c.Verify && (c.Source == "-" || c.Destination == "-"):
		return errors.New("verify needs two readable locations, not stdin or stdout")
	case c.Workers < 1:
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	case c.ChunkSize <= 0:
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	case c.MaxChunkSize < c.ChunkSize:
		return fmt.Errorf("max chunk size %d is smaller than chunk size %d", c.MaxChunkSize, c.ChunkSize)
	case c.MaxChunks < 1:
		return fmt.Errorf("max chunks must be at least 1, got %d", c.MaxChunks)
	case c.MinBlockSize < 0:
		return fmt.Errorf("min block size must not be negative, got %d", c.MinBlockSize)
	case c.Window < 1:
		return fmt.Errorf("window must be at least 1, got %d", c.Window)
	case c.BufferSize <= 0:
		return fmt.Errorf("buffer size must be positive, got %d", c.BufferSize)
	case c.PoolCapacity < 2:
		return fmt.Errorf("the buffer pool needs at least 2 buffers, got %d", c.PoolCapacity)
	case c.CheckpointBytes <= 0 || c.CheckpointInterval <= 0:
		return errors.New("checkpoint intervals must be positive")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

// Sizing returns the chunking settings for engine controllers.
func (c Config) Sizing() engine.Sizing {
	return engine.Sizing{
		ChunkSize:    c.ChunkSize,
		MaxChunkSize: c.MaxChunkSize,
		MaxChunks:    c.MaxChunks,
		MinBlockSize: c.MinBlockSize,
		Window:       c.Window,
	}
}

// Checkpoint returns how often progress is saved.
func (c Config) Checkpoint() engine.CheckpointConfig {
	return engine.CheckpointConfig{
		BytesInterval: c.CheckpointBytes,
		TimeInterval:  c.CheckpointInterval,
	}
}
