package merge

import (
	"fmt"

	"github.com/samcharles93/batchd/internal/tensor"
)

// concatDense stacks inputs along the leading dimension. Inputs must agree on
// dtype and every trailing dimension.
func concatDense(_ string, inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Concat(inputs)
}

// padRagged merges 2-D inputs whose second dimension varies between requests.
// Narrow rows are right-padded with zero elements up to the widest input.
func padRagged(_ string, inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no inputs")
	}
	dtype := inputs[0].DType
	rows, width := 0, 0
	for i, t := range inputs {
		if len(t.Shape) != 2 {
			return nil, fmt.Errorf("%w: input %d has rank %d, pad wants 2", tensor.ErrShape, i, len(t.Shape))
		}
		if t.DType != dtype {
			return nil, fmt.Errorf("%w: input %d is %s, want %s", tensor.ErrShape, i, t.DType, dtype)
		}
		if !t.OnHost() {
			return nil, fmt.Errorf("input %d resides on device %d", i, t.Device)
		}
		rows += t.Shape[0]
		width = max(width, t.Shape[1])
	}

	elem := dtype.Size()
	stride := width * elem
	data := make([]byte, rows*stride)
	off := 0
	for _, t := range inputs {
		src := t.RowBytes()
		for r := 0; r < t.Shape[0]; r++ {
			copy(data[off:off+src], t.Data[r*src:(r+1)*src])
			off += stride
		}
	}
	return tensor.New(dtype, []int{rows, width}, data)
}
