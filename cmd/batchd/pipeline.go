package main

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/samcharles93/batchd/internal/admission"
	"github.com/samcharles93/batchd/internal/batching"
	"github.com/samcharles93/batchd/internal/device"
	"github.com/samcharles93/batchd/internal/inference"
	"github.com/samcharles93/batchd/internal/logger"
	"github.com/samcharles93/batchd/internal/metrics"
)

// pipeline is a running queue together with the devices and admission
// limiter it was built on.
type pipeline struct {
	queue   *batching.Queue
	devices []device.Device
	limiter *admission.Limiter
	engine  inference.Engine
}

func startPipeline(cmd *cli.Command, log logger.Logger, coll *metrics.Collector, tracer trace.Tracer) (*pipeline, error) {
	cfg, err := applyQueueConfig(cmd, fileConfig)
	if err != nil {
		return nil, err
	}
	if shards < 1 {
		return nil, fmt.Errorf("shards must be >= 1, got %d", shards)
	}
	engine, err := inference.Open(engineName)
	if err != nil {
		return nil, err
	}
	devs, err := device.OpenAll(deviceKind, int(shards), int(streamDepth))
	if err != nil {
		return nil, err
	}

	p := &pipeline{devices: devs, engine: engine}
	var authority admission.Authority
	if admissionCapacity > 0 {
		p.limiter = admission.NewLimiter(int(shards), admissionCapacity)
		authority = p.limiter
	}

	q, err := batching.New(
		[]batching.Callback{inference.Callback(engine, log)},
		cfg, int(shards), authority,
		batching.WithDevices(devs),
		batching.WithLogger(log),
		batching.WithMetrics(coll),
		batching.WithTracer(tracer),
	)
	if err != nil {
		_ = p.closeDevices()
		return nil, err
	}
	p.queue = q

	kinds := make([]string, len(devs))
	for i, d := range devs {
		kinds[i] = d.Kind()
	}
	log.Info("pipeline ready",
		"engine", engine.Name(),
		"devices", kinds,
		"max_batch_size", cfg.MaxBatchSize,
		"queue_timeout", cfg.QueueTimeout,
		"admission_capacity", admissionCapacity,
	)
	return p, nil
}

// Close stops the queue and then releases the devices it used.
func (p *pipeline) Close() error {
	if p.queue != nil {
		p.queue.Stop()
	}
	return p.closeDevices()
}

func (p *pipeline) closeDevices() error {
	var errs []error
	for _, d := range p.devices {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close device %d: %w", d.Index(), err))
		}
	}
	p.devices = nil
	return errors.Join(errs...)
}
