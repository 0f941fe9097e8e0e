package tensor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesLength(t *testing.T) {
	t.Parallel()

	_, err := New(DTypeF32, []int{2, 3}, make([]byte, 20))
	require.Error(t, err)

	tt, err := New(DTypeF32, []int{2, 3}, make([]byte, 24))
	require.NoError(t, err)
	assert.Equal(t, 6, tt.NumElements())
	assert.Equal(t, 24, tt.Bytes())
	assert.Equal(t, 12, tt.RowBytes())
	assert.True(t, tt.OnHost())
}

func TestConcatAndSplitRoundTrip(t *testing.T) {
	t.Parallel()

	a := FromFloat32([]int{1, 2}, []float32{1, 2})
	b := FromFloat32([]int{2, 2}, []float32{3, 4, 5, 6})

	joined, err := Concat([]*Tensor{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, joined.Shape)

	vals, err := joined.Float32()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, vals)

	parts, err := Split(joined, []int{1, 2})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	first, _ := parts[0].Float32()
	second, _ := parts[1].Float32()
	assert.Equal(t, []float32{1, 2}, first)
	assert.Equal(t, []float32{3, 4, 5, 6}, second)
}

func TestConcatRejectsMismatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []*Tensor
	}{
		{"trailing dims", []*Tensor{FromFloat32([]int{1, 2}, []float32{1, 2}), FromFloat32([]int{1, 3}, []float32{1, 2, 3})}},
		{"dtype", []*Tensor{FromFloat32([]int{1}, []float32{1}), FromInt64([]int{1}, []int64{1})}},
		{"rank", []*Tensor{FromFloat32([]int{2}, []float32{1, 2}), FromFloat32([]int{1, 2}, []float32{1, 2})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Concat(tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrShape), "got %v", err)
		})
	}
}

func TestSplitRejectsBadSizes(t *testing.T) {
	t.Parallel()

	x := FromInt64([]int{3}, []int64{1, 2, 3})
	_, err := Split(x, []int{1, 1})
	assert.ErrorIs(t, err, ErrShape)

	_, err = Split(x, []int{-1, 4})
	assert.Error(t, err)
}

func TestParseDType(t *testing.T) {
	t.Parallel()

	for _, d := range []DType{DTypeF32, DTypeF16, DTypeBF16, DTypeF64, DTypeI32, DTypeI64, DTypeU8} {
		got, err := ParseDType(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
	_, err := ParseDType("complex128")
	assert.Error(t, err)
}

func TestValuesRoundTripAcrossDTypes(t *testing.T) {
	t.Parallel()

	in := []float64{0, 1, 2, 250}
	for _, dt := range []DType{DTypeF32, DTypeBF16, DTypeF64, DTypeI32, DTypeI64, DTypeU8} {
		tt, err := FromValues(dt, []int{2, 2}, in)
		require.NoError(t, err, dt.String())
		assert.Equal(t, 4*dt.Size(), tt.Bytes())
		out, err := tt.Values()
		require.NoError(t, err, dt.String())
		assert.Equal(t, in, out, dt.String())
	}
}

func TestFromValuesRejectsOverflowAndF16(t *testing.T) {
	t.Parallel()

	_, err := FromValues(DTypeU8, []int{1}, []float64{256})
	assert.ErrorContains(t, err, "overflows u8")
	_, err = FromValues(DTypeI32, []int{1}, []float64{-1 << 40})
	assert.ErrorContains(t, err, "overflows i32")
	_, err = FromValues(DTypeF16, []int{1}, []float64{1})
	assert.Error(t, err)
	_, err = FromValues(DTypeF32, []int{3}, []float64{1})
	assert.Error(t, err)
}
