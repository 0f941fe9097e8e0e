package batching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/batchd/internal/device"
)

// Config controls batch formation and the worker pools behind it.
type Config struct {
	// BatchingInterval is the period between cutter ticks.
	BatchingInterval time.Duration `yaml:"batching_interval"`
	// QueueTimeout is the longest a request may wait before its batch is
	// cut regardless of size, or before it is failed with ErrTimeout.
	QueueTimeout time.Duration `yaml:"queue_timeout"`
	// MaxBatchSize caps the number of items in one batch.
	MaxBatchSize int `yaml:"max_batch_size"`
	// ExceptionThreads sizes the pool that resolves failed requests.
	ExceptionThreads int `yaml:"exception_threads"`
	// PinnerThreads is the number of pinning workers. Zero means one per
	// shard and lower values are raised to the shard count. Worker i serves
	// shard i mod shards; workers sharing a shard merge in parallel but
	// upload and deliver in dispatch order.
	PinnerThreads int `yaml:"pinner_threads"`
	// ShardQueueDepth bounds each shard's dispatch queue.
	ShardQueueDepth int `yaml:"shard_queue_depth"`
	// MaxPending is a soft cap on requests accepted but not yet dispatched.
	// Zero disables the cap.
	MaxPending int `yaml:"max_pending"`
	// AdmissionWait is how long a worker blocks for admission before
	// rejecting a batch. Zero rejects immediately.
	AdmissionWait time.Duration `yaml:"admission_wait"`
	// Merge maps feature names to merge strategy names.
	Merge map[string]string `yaml:"merge"`

	// NewEvent overrides the device's own event constructor.
	NewEvent device.EventFactory `yaml:"-"`
	// Warmup runs once before any loop starts. An error aborts construction.
	Warmup func(ctx context.Context) error `yaml:"-"`
}

// DefaultConfig returns the stock batching settings.
func DefaultConfig() Config {
	return Config{
		BatchingInterval: 10 * time.Millisecond,
		QueueTimeout:     500 * time.Millisecond,
		MaxBatchSize:     2000,
		ExceptionThreads: 4,
		ShardQueueDepth:  4,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.BatchingInterval <= 0 {
		errs = append(errs, fmt.Errorf("batching interval must be > 0, got %s", c.BatchingInterval))
	}
	if c.QueueTimeout <= 0 {
		errs = append(errs, fmt.Errorf("queue timeout must be > 0, got %s", c.QueueTimeout))
	}
	if c.BatchingInterval > 0 && c.QueueTimeout > 0 && c.BatchingInterval > c.QueueTimeout {
		errs = append(errs, fmt.Errorf("batching interval %s exceeds queue timeout %s", c.BatchingInterval, c.QueueTimeout))
	}
	if c.MaxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("max batch size must be > 0, got %d", c.MaxBatchSize))
	}
	if c.ExceptionThreads <= 0 {
		errs = append(errs, fmt.Errorf("exception threads must be > 0, got %d", c.ExceptionThreads))
	}
	if c.PinnerThreads < 0 {
		errs = append(errs, fmt.Errorf("pinner threads must be >= 0, got %d", c.PinnerThreads))
	}
	if c.ShardQueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("shard queue depth must be > 0, got %d", c.ShardQueueDepth))
	}
	if c.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("max pending must be >= 0, got %d", c.MaxPending))
	}
	if c.AdmissionWait < 0 {
		errs = append(errs, fmt.Errorf("admission wait must be >= 0, got %s", c.AdmissionWait))
	}
	return errors.Join(errs...)
}

// lagGrace is how far past QueueTimeout an entry may be found by the cutter
// and still be batched rather than failed. It never exceeds QueueTimeout.
func (c Config) lagGrace() time.Duration {
	return min(c.BatchingInterval, c.QueueTimeout)
}

// pinners is the number of pinning workers to run for shards shards.
func (c Config) pinners(shards int) int {
	return max(c.PinnerThreads, shards)
}
