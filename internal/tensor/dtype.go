package tensor

import (
	"fmt"
	"strings"
)

// DType identifies the element encoding of a Tensor.
// Keep these stable; add new values only.
type DType uint8

const (
	DTypeUnknown DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeF64
	DTypeI32
	DTypeI64
	DTypeU8
)

// Size returns the element width in bytes, or 0 for unknown encodings.
func (d DType) Size() int {
	switch d {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeF64, DTypeI64:
		return 8
	case DTypeU8:
		return 1
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeF64:
		return "f64"
	case DTypeI32:
		return "i32"
	case DTypeI64:
		return "i64"
	case DTypeU8:
		return "u8"
	default:
		return "unknown"
	}
}

// ParseDType accepts the names produced by DType.String plus a few common aliases.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32", "float":
		return DTypeF32, nil
	case "f16", "float16", "half":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	case "f64", "float64", "double":
		return DTypeF64, nil
	case "i32", "int32":
		return DTypeI32, nil
	case "i64", "int64", "long":
		return DTypeI64, nil
	case "u8", "uint8", "byte":
		return DTypeU8, nil
	default:
		return DTypeUnknown, fmt.Errorf("unknown dtype %q", s)
	}
}
