package tensor

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// DType describes how matrix elements are stored.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Size returns the storage size of one element in bytes.
func (d DType) Size() int {
	if d == F32 {
		return 4
	}
	return 2
}

// Reduced reports whether the dtype is narrower than float32.
func (d DType) Reduced() bool {
	return d == F16 || d == BF16
}

// ParseDType accepts the short names used on the command line and in sweep
// files ("f32", "float16", "bf16", ...).
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "fp32", "float32", "":
		return F32, nil
	case "f16", "fp16", "float16", "half":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	default:
		return F32, fmt.Errorf("unknown dtype %q", s)
	}
}

// MarshalText lets DType appear by name in JSON and YAML reports.
func (d DType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(b []byte) error {
	v, err := ParseDType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func encodeHalf(d DType, v float32) uint16 {
	if d == BF16 {
		return bfloat16.FromFloat32(v).Bits()
	}
	return float16.Fromfloat32(v).Bits()
}

func decodeHalf(d DType, w uint16) float32 {
	if d == BF16 {
		return bfloat16.FromBits(w).Float32()
	}
	return float16.Frombits(w).Float32()
}

// Round returns v as it would read back after being stored with dtype d.
func Round(d DType, v float32) float32 {
	if d == F32 {
		return v
	}
	return decodeHalf(d, encodeHalf(d, v))
}
