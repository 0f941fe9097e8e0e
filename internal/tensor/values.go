package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FromValues encodes numeric values as dtype. Integer dtypes truncate toward
// zero and reject values that do not fit.
func FromValues(dtype DType, shape []int, values []float64) (*Tensor, error) {
	size := dtype.Size()
	if size == 0 || dtype == DTypeF16 {
		return nil, fmt.Errorf("tensor: cannot encode values as %s", dtype)
	}
	data := make([]byte, len(values)*size)
	for i, v := range values {
		b := data[i*size:]
		switch dtype {
		case DTypeF32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		case DTypeBF16:
			binary.LittleEndian.PutUint16(b, uint16(math.Float32bits(float32(v))>>16))
		case DTypeF64:
			binary.LittleEndian.PutUint64(b, math.Float64bits(v))
		case DTypeI32:
			if v < math.MinInt32 || v > math.MaxInt32 {
				return nil, fmt.Errorf("tensor: value %g at %d overflows i32", v, i)
			}
			binary.LittleEndian.PutUint32(b, uint32(int32(v)))
		case DTypeI64:
			if v < math.MinInt64 || v >= math.MaxInt64 {
				return nil, fmt.Errorf("tensor: value %g at %d overflows i64", v, i)
			}
			binary.LittleEndian.PutUint64(b, uint64(int64(v)))
		case DTypeU8:
			if v < 0 || v > math.MaxUint8 {
				return nil, fmt.Errorf("tensor: value %g at %d overflows u8", v, i)
			}
			b[0] = uint8(v)
		}
	}
	return New(dtype, shape, data)
}

// Values decodes a host tensor into float64 values.
func (t *Tensor) Values() ([]float64, error) {
	if !t.OnHost() {
		return nil, fmt.Errorf("tensor: data resides on device %d", t.Device)
	}
	size := t.DType.Size()
	if size == 0 || t.DType == DTypeF16 {
		return nil, fmt.Errorf("tensor: cannot decode %s values", t.DType)
	}
	out := make([]float64, len(t.Data)/size)
	for i := range out {
		b := t.Data[i*size:]
		switch t.DType {
		case DTypeF32:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case DTypeBF16:
			out[i] = float64(math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16))
		case DTypeF64:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		case DTypeI32:
			out[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case DTypeI64:
			out[i] = float64(int64(binary.LittleEndian.Uint64(b)))
		case DTypeU8:
			out[i] = float64(b[0])
		}
	}
	return out, nil
}
