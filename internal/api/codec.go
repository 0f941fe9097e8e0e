package api

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/batchd/internal/tensor"
)

func decodeJSON[T any](data []byte) (T, error) {
	var out T
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// decodeInputs converts wire tensors into host tensors and infers the item
// count from their leading dimension when batchSize is zero.
func decodeInputs(in map[string]Tensor, batchSize int) (map[string]*tensor.Tensor, int, error) {
	if len(in) == 0 {
		return nil, 0, newInvalidRequest("inputs must not be empty")
	}
	features := make(map[string]*tensor.Tensor, len(in))
	for _, name := range slices.Sorted(maps.Keys(in)) {
		wire := in[name]
		dtype, err := tensor.ParseDType(wire.DType)
		if err != nil {
			return nil, 0, newInvalidRequest(fmt.Sprintf("input %q: %v", name, err))
		}
		if len(wire.Shape) == 0 {
			return nil, 0, newInvalidRequest(fmt.Sprintf("input %q: shape must have at least one dimension", name))
		}
		t, err := tensor.FromValues(dtype, wire.Shape, wire.Data)
		if err != nil {
			return nil, 0, newInvalidRequest(fmt.Sprintf("input %q: %v", name, err))
		}
		if batchSize == 0 {
			batchSize = t.Rows()
		}
		features[name] = t
	}
	return features, batchSize, nil
}

func encodeOutputs(out map[string]*tensor.Tensor) (map[string]Tensor, error) {
	wire := make(map[string]Tensor, len(out))
	for name, t := range out {
		values, err := t.Values()
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		wire[name] = Tensor{DType: t.DType.String(), Shape: slices.Clone(t.Shape), Data: values}
	}
	return wire, nil
}
