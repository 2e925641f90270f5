package device

import (
	"github.com/x448/float16"
)

// Round returns v as it would be stored in dtype d.
// Float16 follows IEEE 754 binary16 rounding: values beyond ±65504 become ±Inf
// and NaN is preserved.
func (d DType) Round(v float64) float64 {
	switch d {
	case Float32:
		return float64(float32(v))
	case Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	}
	return v
}

func (d DType) roundSlice(data []float64) {
	if d == Float64 {
		return
	}
	for i, v := range data {
		data[i] = d.Round(v)
	}
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Broadcastable reports whether a tensor of shape src can be expanded to dst.
func Broadcastable(src, dst []int) bool {
	return broadcastable(src, dst)
}

// broadcastable reports whether src can be expanded to dst under numpy rules:
// trailing axes are aligned and every src axis is either 1 or equal to dst.
func broadcastable(src, dst []int) bool {
	if len(src) > len(dst) {
		return false
	}
	off := len(dst) - len(src)
	for i, s := range src {
		if s != 1 && s != dst[i+off] {
			return false
		}
	}
	return true
}
