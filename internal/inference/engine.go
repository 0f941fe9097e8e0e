// Package inference runs a model over completed batches and demultiplexes
// the outputs back to the requests that formed them.
package inference

import (
	"context"
	"fmt"
	"strings"

	"github.com/samcharles93/batchd/internal/batching"
	"github.com/samcharles93/batchd/internal/tensor"
)

// Engine executes one batch. Output tensors must be host tensors whose
// leading dimension equals the batch item count.
type Engine interface {
	Name() string
	Run(ctx context.Context, b *batching.Batch) (map[string]*tensor.Tensor, error)
}

// Passthrough returns every merged input unchanged.
type Passthrough struct{}

func (Passthrough) Name() string { return "echo" }

func (Passthrough) Run(_ context.Context, b *batching.Batch) (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor, len(b.FeatureNames()))
	for _, name := range b.FeatureNames() {
		out[name] = b.Input(name)
	}
	return out, nil
}

// Affine computes y = x*Scale + Bias over every f32 feature and drops the rest.
type Affine struct {
	Scale float32
	Bias  float32
}

func (Affine) Name() string { return "affine" }

func (a Affine) Run(_ context.Context, b *batching.Batch) (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor)
	for _, name := range b.FeatureNames() {
		in := b.Input(name)
		if in.DType != tensor.DTypeF32 {
			continue
		}
		xs, err := in.Float32()
		if err != nil {
			return nil, fmt.Errorf("feature %q: %w", name, err)
		}
		for i, x := range xs {
			xs[i] = x*a.Scale + a.Bias
		}
		out[name] = tensor.FromFloat32(in.Shape, xs)
	}
	return out, nil
}

// Open returns the engine registered under name.
func Open(name string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "echo", "passthrough":
		return Passthrough{}, nil
	case "affine":
		return Affine{Scale: 2, Bias: 1}, nil
	default:
		return nil, fmt.Errorf("unknown engine %q (expected echo or affine)", name)
	}
}
