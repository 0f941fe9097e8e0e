package inference

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/samcharles93/batchd/internal/batching"
	"github.com/samcharles93/batchd/internal/logger"
	"github.com/samcharles93/batchd/internal/tensor"
)

// Callback adapts engine into a batching.Callback. It waits for the batch's
// transfer event, runs the engine and resolves every request in the batch
// with its slice of each output. Any failure fails every request.
func Callback(engine Engine, log logger.Logger) batching.Callback {
	log = logger.Component(log, "inference").With("engine", engine.Name())
	return func(ctx context.Context, b *batching.Batch) error {
		contexts := b.Contexts()
		if err := b.Event().Wait(ctx); err != nil {
			err = fmt.Errorf("wait for transfer: %w", err)
			failAll(contexts, err)
			return err
		}
		outputs, err := safeRun(ctx, engine, b)
		if err == nil {
			err = deliver(contexts, outputs, b.Items())
		}
		if err != nil {
			log.Warn("batch failed", "batch", b.ID().String(), "requests", len(contexts), "error", err)
			failAll(contexts, err)
			return err
		}
		return nil
	}
}

func safeRun(ctx context.Context, engine Engine, b *batching.Batch) (out map[string]*tensor.Tensor, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("panic in %s engine: %v", engine.Name(), rec)
		}
	}()
	out, err = engine.Run(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("%s engine: %w", engine.Name(), err)
	}
	return out, nil
}

// deliver splits every output by request item counts and resolves each
// request. Nothing is resolved unless every output splits cleanly.
func deliver(contexts []*batching.RequestContext, outputs map[string]*tensor.Tensor, items int) error {
	rows := make([]int, len(contexts))
	for i, rc := range contexts {
		rows[i] = rc.BatchSize
	}
	responses := make([]*batching.Response, len(contexts))
	for i := range responses {
		responses[i] = &batching.Response{Outputs: make(map[string]*tensor.Tensor, len(outputs))}
	}
	for _, name := range slices.Sorted(maps.Keys(outputs)) {
		out := outputs[name]
		if out.Rows() != items {
			return fmt.Errorf("output %q has %d rows for a batch of %d items", name, out.Rows(), items)
		}
		parts, err := tensor.Split(out, rows)
		if err != nil {
			return fmt.Errorf("output %q: %w", name, err)
		}
		for i, part := range parts {
			responses[i].Outputs[name] = part
		}
	}
	for i, rc := range contexts {
		if !rc.Resolved() {
			rc.Resolve(responses[i])
		}
	}
	return nil
}

func failAll(contexts []*batching.RequestContext, err error) {
	for _, rc := range contexts {
		if !rc.Resolved() {
			rc.Fail(err)
		}
	}
}
