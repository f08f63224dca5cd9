package config

import (
	"time"

	"github.com/yungbote/archivebridge-backend/internal/platform/envutil"
)

// Config is the engine runtime configuration, read once at startup.
type Config struct {
	// EagerMode executes every plan inline in the calling goroutine,
	// ignoring queue hints. Intended for tests and single-process setups.
	EagerMode bool

	// PropagateExceptions re-raises leaf errors to the caller of a
	// lifecycle operator when running eagerly. When false the operator
	// itself returns no error; the failure is recorded on the task row
	// and returned by the dispatch handle's Wait.
	PropagateExceptions bool

	// DefaultBlockSize is the chunk size used by the file transport
	// tasks when the params omit block_size.
	DefaultBlockSize int

	// DefaultChecksumAlgorithm is the hash family used by file parsing
	// and checksum tasks when the params omit algorithm.
	DefaultChecksumAlgorithm string

	WorkerConcurrency int
	WorkerQueues      []string
	PollInterval      time.Duration
	StaleRunning      time.Duration
}

func Load() Config {
	return Config{
		EagerMode:                envutil.Bool("EAGER_MODE", false),
		PropagateExceptions:      envutil.Bool("PROPAGATE_EXCEPTIONS", false),
		DefaultBlockSize:         envutil.Int("DEFAULT_BLOCK_SIZE", 65536),
		DefaultChecksumAlgorithm: envutil.String("DEFAULT_CHECKSUM_ALGORITHM", "SHA-256"),
		WorkerConcurrency:        envutil.Int("WORKER_CONCURRENCY", 4),
		WorkerQueues:             envutil.List("WORKER_QUEUES", []string{"default", "file_operation", "validation"}),
		PollInterval:             envutil.Duration("WORKER_POLL_INTERVAL", 250*time.Millisecond),
		StaleRunning:             envutil.Duration("WORKER_STALE_RUNNING", 30*time.Minute),
	}
}
