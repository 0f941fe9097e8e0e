// Package merge combines per-request feature buffers into one batched buffer.
//
// A strategy is selected per feature name. The registry ships with the
// "dense" and "pad" strategies; callers register their own for feature
// encodings the batcher does not know about.
package merge

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/samcharles93/batchd/internal/tensor"
)

const (
	Dense = "dense"
	Pad   = "pad"
)

// Func merges the ordered per-request buffers of one feature. It must not
// retain or mutate its inputs.
type Func func(feature string, inputs []*tensor.Tensor) (*tensor.Tensor, error)

// Registry maps strategy names to merge functions and feature names to strategies.
type Registry struct {
	mu       sync.RWMutex
	funcs    map[string]Func
	features map[string]string
	fallback string
}

// NewRegistry returns a registry holding the builtin strategies. Features
// without an explicit binding use the dense strategy.
func NewRegistry() *Registry {
	r := &Registry{
		funcs:    make(map[string]Func),
		features: make(map[string]string),
		fallback: Dense,
	}
	r.funcs[Dense] = concatDense
	r.funcs[Pad] = padRagged
	return r
}

// Register adds or replaces a strategy.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the strategy registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Strategies lists the registered strategy names in sorted order.
func (r *Registry) Strategies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.funcs))
}

// Bind assigns strategies to features. Every strategy must already be registered.
func (r *Registry) Bind(mapping map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for feature, strategy := range mapping {
		if _, ok := r.funcs[strategy]; !ok {
			return fmt.Errorf("merge: feature %q bound to unknown strategy %q", feature, strategy)
		}
	}
	for feature, strategy := range mapping {
		r.features[feature] = strategy
	}
	return nil
}

// SetFallback changes the strategy used for unbound features. An empty name
// makes the registry strict: merging an unbound feature fails.
func (r *Registry) SetFallback(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name != "" {
		if _, ok := r.funcs[name]; !ok {
			return fmt.Errorf("merge: unknown fallback strategy %q", name)
		}
	}
	r.fallback = name
	return nil
}

// StrategyFor resolves the strategy name used for feature.
func (r *Registry) StrategyFor(feature string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.features[feature]; ok {
		return s, true
	}
	return r.fallback, r.fallback != ""
}

// Merge runs the strategy bound to feature over inputs. Panics raised by the
// strategy are returned as errors.
func (r *Registry) Merge(feature string, inputs []*tensor.Tensor) (out *tensor.Tensor, err error) {
	name, ok := r.StrategyFor(feature)
	if !ok {
		return nil, fmt.Errorf("merge: no strategy bound to feature %q", feature)
	}
	fn, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("merge: strategy %q is not registered", name)
	}
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("merge: strategy %q panicked on feature %q: %v", name, feature, rec)
		}
	}()
	out, err = fn(feature, inputs)
	if err != nil {
		return nil, fmt.Errorf("merge %q with %s: %w", feature, name, err)
	}
	return out, nil
}
