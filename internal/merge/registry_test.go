package merge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/batchd/internal/tensor"
)

func TestDenseMergePreservesOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	out, err := r.Merge("f", []*tensor.Tensor{
		tensor.FromFloat32([]int{1, 2}, []float32{1, 2}),
		tensor.FromFloat32([]int{2, 2}, []float32{3, 4, 5, 6}),
	})
	require.NoError(t, err)
	vals, err := out.Float32()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, vals)
	assert.Equal(t, []int{3, 2}, out.Shape)
}

func TestDenseMergeShapeMismatch(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.Merge("f", []*tensor.Tensor{
		tensor.FromFloat32([]int{1, 2}, []float32{1, 2}),
		tensor.FromFloat32([]int{1, 3}, []float32{1, 2, 3}),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tensor.ErrShape))
}

func TestPadMerge(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Bind(map[string]string{"ids": Pad}))

	out, err := r.Merge("ids", []*tensor.Tensor{
		tensor.FromInt64([]int{1, 1}, []int64{7}),
		tensor.FromInt64([]int{2, 3}, []int64{1, 2, 3, 4, 5, 6}),
	})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, out.Shape)
	vals, err := out.Int64()
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 0, 0, 1, 2, 3, 4, 5, 6}, vals)
}

func TestBindUnknownStrategy(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	err := r.Bind(map[string]string{"f": "nope"})
	require.Error(t, err)
	_, ok := r.StrategyFor("f")
	assert.True(t, ok, "failed bind must not alter bindings; fallback still applies")
}

func TestStrictRegistryRejectsUnboundFeature(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.SetFallback(""))
	_, err := r.Merge("unbound", []*tensor.Tensor{tensor.FromFloat32([]int{1}, []float32{1})})
	assert.Error(t, err)
}

func TestMergeRecoversPanics(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("boom", func(string, []*tensor.Tensor) (*tensor.Tensor, error) {
		panic("kaboom")
	})
	require.NoError(t, r.Bind(map[string]string{"f": "boom"}))

	out, err := r.Merge("f", []*tensor.Tensor{tensor.FromFloat32([]int{1}, []float32{1})})
	assert.Nil(t, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestStrategiesSorted(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("custom", concatDense)
	assert.Equal(t, []string{"custom", Dense, Pad}, r.Strategies())
}
