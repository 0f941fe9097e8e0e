package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
)

// HostDevice is the Device value of tensors that live in ordinary host memory.
const HostDevice = -1

// ErrShape reports tensors whose dtype or shape cannot be combined.
var ErrShape = errors.New("tensor shape mismatch")

// Tensor is a dense, row-major buffer of fixed-width elements.
//
// Data is little-endian and holds exactly NumElements()*DType.Size() bytes
// for host tensors. Device-resident tensors may leave Data nil and carry
// their backing allocation in Storage; only the device that produced them
// knows how to interpret it.
type Tensor struct {
	DType DType
	Shape []int
	Data  []byte

	// Device is HostDevice for host memory, otherwise the accelerator index.
	Device int
	// Storage is opaque, device-specific backing memory.
	Storage any
}

// New validates that data matches dtype and shape and wraps it without copying.
func New(dtype DType, shape []int, data []byte) (*Tensor, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("tensor: unsupported dtype %s", dtype)
	}
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if want := n * dtype.Size(); len(data) != want {
		return nil, fmt.Errorf("tensor: %s%v needs %d bytes, got %d", dtype, shape, want, len(data))
	}
	return &Tensor{
		DType:  dtype,
		Shape:  slices.Clone(shape),
		Data:   data,
		Device: HostDevice,
	}, nil
}

// FromFloat32 builds an f32 host tensor. It panics if len(values) does not match shape.
func FromFloat32(shape []int, values []float32) *Tensor {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	t, err := New(DTypeF32, shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// FromInt64 builds an i64 host tensor. It panics if len(values) does not match shape.
func FromInt64(shape []int, values []int64) *Tensor {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[8*i:], uint64(v))
	}
	t, err := New(DTypeI64, shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Float32 decodes an f32 tensor.
func (t *Tensor) Float32() ([]float32, error) {
	if t.DType != DTypeF32 {
		return nil, fmt.Errorf("tensor: want f32, have %s", t.DType)
	}
	if !t.OnHost() {
		return nil, fmt.Errorf("tensor: data resides on device %d", t.Device)
	}
	out := make([]float32, len(t.Data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
	}
	return out, nil
}

// Int64 decodes an i64 tensor.
func (t *Tensor) Int64() ([]int64, error) {
	if t.DType != DTypeI64 {
		return nil, fmt.Errorf("tensor: want i64, have %s", t.DType)
	}
	if !t.OnHost() {
		return nil, fmt.Errorf("tensor: data resides on device %d", t.Device)
	}
	out := make([]int64, len(t.Data)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(t.Data[8*i:]))
	}
	return out, nil
}

// OnHost reports whether Data is directly addressable.
func (t *Tensor) OnHost() bool {
	return t.Device == HostDevice
}

// NumElements is the product of all dimensions (1 for a scalar).
func (t *Tensor) NumElements() int {
	n, _ := numElements(t.Shape)
	return n
}

// Bytes is the logical size of the tensor, independent of where it lives.
func (t *Tensor) Bytes() int {
	return t.NumElements() * t.DType.Size()
}

// Rows is the size of the leading dimension.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// RowBytes is the number of bytes spanned by one index of the leading dimension.
func (t *Tensor) RowBytes() int {
	if len(t.Shape) == 0 {
		return t.DType.Size()
	}
	n, _ := numElements(t.Shape[1:])
	return n * t.DType.Size()
}

// Like returns a host tensor with the same dtype and shape over data.
func (t *Tensor) Like(data []byte) *Tensor {
	return &Tensor{
		DType:  t.DType,
		Shape:  slices.Clone(t.Shape),
		Data:   data,
		Device: HostDevice,
	}
}

// Concat joins host tensors along dimension 0. All inputs must share dtype
// and trailing dimensions.
func Concat(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("tensor: concat of zero tensors")
	}
	first := ts[0]
	if len(first.Shape) == 0 {
		return nil, fmt.Errorf("%w: cannot concat scalars", ErrShape)
	}
	rows, size := 0, 0
	for i, t := range ts {
		if !t.OnHost() {
			return nil, fmt.Errorf("tensor: concat input %d resides on device %d", i, t.Device)
		}
		if t.DType != first.DType {
			return nil, fmt.Errorf("%w: input %d is %s, want %s", ErrShape, i, t.DType, first.DType)
		}
		if len(t.Shape) != len(first.Shape) || !slices.Equal(t.Shape[1:], first.Shape[1:]) {
			return nil, fmt.Errorf("%w: input %d has shape %v, want [*%v]", ErrShape, i, t.Shape, first.Shape[1:])
		}
		rows += t.Shape[0]
		size += len(t.Data)
	}
	data := make([]byte, 0, size)
	for _, t := range ts {
		data = append(data, t.Data...)
	}
	shape := slices.Clone(first.Shape)
	shape[0] = rows
	return &Tensor{DType: first.DType, Shape: shape, Data: data, Device: HostDevice}, nil
}

// Split cuts a host tensor along dimension 0 into pieces of the given row counts.
// The pieces alias t.Data.
func Split(t *Tensor, rows []int) ([]*Tensor, error) {
	if !t.OnHost() {
		return nil, fmt.Errorf("tensor: split of tensor on device %d", t.Device)
	}
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("%w: cannot split a scalar", ErrShape)
	}
	total := 0
	for _, r := range rows {
		if r < 0 {
			return nil, fmt.Errorf("tensor: negative split size %d", r)
		}
		total += r
	}
	if total != t.Shape[0] {
		return nil, fmt.Errorf("%w: split sizes sum to %d, leading dim is %d", ErrShape, total, t.Shape[0])
	}
	stride := t.RowBytes()
	out := make([]*Tensor, len(rows))
	off := 0
	for i, r := range rows {
		shape := slices.Clone(t.Shape)
		shape[0] = r
		end := off + r*stride
		out[i] = &Tensor{DType: t.DType, Shape: shape, Data: t.Data[off:end:end], Device: HostDevice}
		off = end
	}
	return out, nil
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: negative dimension in %v", shape)
		}
		n *= d
	}
	return n, nil
}
