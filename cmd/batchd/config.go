package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/batchd/internal/batching"
	"github.com/samcharles93/batchd/internal/telemetry"
)

// Config represents the batchd configuration file (~/.config/batchd/config.yaml).
// Pointer fields distinguish "not set" from zero values. Flags and BATCHD_*
// environment variables win over the file.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string         `yaml:"server_address"`
	ReadTimeout   *time.Duration `yaml:"read_timeout"`
	WaitTimeout   *time.Duration `yaml:"wait_timeout"`
	MaxBodyBytes  *int64         `yaml:"max_body_bytes"`

	// Devices and engine
	Device            string `yaml:"device"`
	Shards            *int64 `yaml:"shards"`
	Engine            string `yaml:"engine"`
	AdmissionCapacity *int64 `yaml:"admission_capacity"`

	Batching  *BatchingConfig   `yaml:"batching"`
	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// BatchingConfig overrides individual batching.Config fields.
type BatchingConfig struct {
	BatchingInterval *time.Duration    `yaml:"batching_interval"`
	QueueTimeout     *time.Duration    `yaml:"queue_timeout"`
	MaxBatchSize     *int              `yaml:"max_batch_size"`
	ExceptionThreads *int              `yaml:"exception_threads"`
	PinnerThreads    *int              `yaml:"pinner_threads"`
	ShardQueueDepth  *int              `yaml:"shard_queue_depth"`
	MaxPending       *int              `yaml:"max_pending"`
	AdmissionWait    *time.Duration    `yaml:"admission_wait"`
	Merge            map[string]string `yaml:"merge"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "batchd", "config.yaml")
}

// LoadConfig reads path, or the default location when path is empty. A
// missing default file yields a zero Config; a missing explicit file is an
// error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyLoggingConfig fills logging settings the user did not pass explicitly.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	logLevel = stringDefault(c, "log-level", logLevel, cfg.LogLevel)
	logFormat = stringDefault(c, "log-format", logFormat, cfg.LogFormat)
}

// applyQueueConfig applies config file defaults to the queue flag variables
// and returns the resulting batching configuration.
func applyQueueConfig(c *cli.Command, cfg Config) (batching.Config, error) {
	deviceKind = stringDefault(c, "device", deviceKind, cfg.Device)
	engineName = stringDefault(c, "engine", engineName, cfg.Engine)
	if cfg.Shards != nil && !c.IsSet("shards") {
		shards = *cfg.Shards
	}
	if cfg.AdmissionCapacity != nil && !c.IsSet("admission-capacity") {
		admissionCapacity = *cfg.AdmissionCapacity
	}

	out := qcfg
	if b := cfg.Batching; b != nil {
		out.BatchingInterval = durationDefault(c, "batching-interval", out.BatchingInterval, b.BatchingInterval)
		out.QueueTimeout = durationDefault(c, "queue-timeout", out.QueueTimeout, b.QueueTimeout)
		out.AdmissionWait = durationDefault(c, "admission-wait", out.AdmissionWait, b.AdmissionWait)
		for name, v := range map[string]struct {
			dst *int
			src *int
		}{
			"max-batch-size":    {&out.MaxBatchSize, b.MaxBatchSize},
			"exception-threads": {&out.ExceptionThreads, b.ExceptionThreads},
			"pinner-threads":    {&out.PinnerThreads, b.PinnerThreads},
			"shard-queue-depth": {&out.ShardQueueDepth, b.ShardQueueDepth},
			"max-pending":       {&out.MaxPending, b.MaxPending},
		} {
			if v.src != nil && !c.IsSet(name) {
				*v.dst = *v.src
			}
		}
		for feature, strategy := range b.Merge {
			if out.Merge == nil {
				out.Merge = make(map[string]string)
			}
			out.Merge[feature] = strategy
		}
	}

	bindings, err := parseMergeBindings(mergeBindings)
	if err != nil {
		return batching.Config{}, err
	}
	for feature, strategy := range bindings {
		if out.Merge == nil {
			out.Merge = make(map[string]string)
		}
		out.Merge[feature] = strategy
	}
	return out, nil
}

// parseMergeBindings parses repeated feature=strategy flag values.
func parseMergeBindings(values []string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for _, v := range values {
		feature, strategy, ok := strings.Cut(v, "=")
		feature, strategy = strings.TrimSpace(feature), strings.TrimSpace(strategy)
		if !ok || feature == "" || strategy == "" {
			return nil, fmt.Errorf("invalid merge binding %q (expected feature=strategy)", v)
		}
		out[feature] = strategy
	}
	return out, nil
}
