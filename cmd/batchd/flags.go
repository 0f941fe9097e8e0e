package main

import (
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/batchd/internal/batching"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	deviceKind        string
	shards            int64
	streamDepth       int64
	engineName        string
	admissionCapacity int64
	mergeBindings     []string
	qcfg              = batching.DefaultConfig()
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default ~/.config/batchd/config.yaml)",
			Sources:     cli.EnvVars("BATCHD_CONFIG"),
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("BATCHD_LOG_LEVEL"),
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Sources:     cli.EnvVars("BATCHD_LOG_FORMAT"),
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// queueFlags configure the batching queue and the devices behind it.
func queueFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "device",
			Usage:       "device kind (auto, cpu, cuda)",
			Value:       "auto",
			Sources:     cli.EnvVars("BATCHD_DEVICE"),
			Destination: &deviceKind,
		},
		&cli.Int64Flag{
			Name:        "shards",
			Usage:       "number of shards, one device each",
			Value:       1,
			Sources:     cli.EnvVars("BATCHD_SHARDS"),
			Destination: &shards,
		},
		&cli.Int64Flag{
			Name:        "stream-depth",
			Usage:       "pending copies per host device stream",
			Value:       64,
			Destination: &streamDepth,
		},
		&cli.StringFlag{
			Name:        "engine",
			Usage:       "model engine (echo, affine)",
			Value:       "echo",
			Sources:     cli.EnvVars("BATCHD_ENGINE"),
			Destination: &engineName,
		},
		&cli.DurationFlag{
			Name:        "batching-interval",
			Usage:       "batch cutter period",
			Value:       qcfg.BatchingInterval,
			Destination: &qcfg.BatchingInterval,
		},
		&cli.DurationFlag{
			Name:        "queue-timeout",
			Usage:       "longest a request may wait before it is dispatched",
			Value:       qcfg.QueueTimeout,
			Sources:     cli.EnvVars("BATCHD_QUEUE_TIMEOUT"),
			Destination: &qcfg.QueueTimeout,
		},
		&cli.IntFlag{
			Name:        "max-batch-size",
			Usage:       "item cap per batch",
			Value:       qcfg.MaxBatchSize,
			Sources:     cli.EnvVars("BATCHD_MAX_BATCH_SIZE"),
			Destination: &qcfg.MaxBatchSize,
		},
		&cli.IntFlag{
			Name:        "exception-threads",
			Usage:       "rejection pool workers",
			Value:       qcfg.ExceptionThreads,
			Destination: &qcfg.ExceptionThreads,
		},
		&cli.IntFlag{
			Name:        "pinner-threads",
			Usage:       "pinning workers (0 = one per shard)",
			Value:       qcfg.PinnerThreads,
			Destination: &qcfg.PinnerThreads,
		},
		&cli.IntFlag{
			Name:        "shard-queue-depth",
			Usage:       "drafts buffered per shard",
			Value:       qcfg.ShardQueueDepth,
			Destination: &qcfg.ShardQueueDepth,
		},
		&cli.IntFlag{
			Name:        "max-pending",
			Usage:       "reject submissions beyond this many pending requests (0 = unbounded)",
			Value:       qcfg.MaxPending,
			Sources:     cli.EnvVars("BATCHD_MAX_PENDING"),
			Destination: &qcfg.MaxPending,
		},
		&cli.Int64Flag{
			Name:        "admission-capacity",
			Usage:       "items in flight per device (0 disables admission control)",
			Sources:     cli.EnvVars("BATCHD_ADMISSION_CAPACITY"),
			Destination: &admissionCapacity,
		},
		&cli.DurationFlag{
			Name:        "admission-wait",
			Usage:       "how long a batch may wait for admission (0 = reject immediately)",
			Value:       qcfg.AdmissionWait,
			Destination: &qcfg.AdmissionWait,
		},
		&cli.StringSliceFlag{
			Name:        "merge",
			Usage:       "feature=strategy binding (repeatable)",
			Destination: &mergeBindings,
		},
	}
}

// stringDefault returns cfg when the flag was left at its default.
func stringDefault(cmd *cli.Command, name, flag, cfg string) string {
	if cfg != "" && !cmd.IsSet(name) {
		return cfg
	}
	return flag
}

func durationDefault(cmd *cli.Command, name string, flag time.Duration, cfg *time.Duration) time.Duration {
	if cfg != nil && !cmd.IsSet(name) {
		return *cfg
	}
	return flag
}
