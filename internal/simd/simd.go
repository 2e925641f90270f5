// Package simd holds the unrolled elementwise kernels behind the device
// tensor ops that gonum/floats does not provide.
//
// All kernels write dst[i] = f(src[i]); dst and src may alias and must have
// the same length.
package simd

import "math"

// VecExp performs dst = exp(src)
func VecExp(dst, src []float64) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = math.Exp(src[i])
		dst[i+1] = math.Exp(src[i+1])
		dst[i+2] = math.Exp(src[i+2])
		dst[i+3] = math.Exp(src[i+3])
	}
	for ; i < len(dst); i++ {
		dst[i] = math.Exp(src[i])
	}
}

// VecAbs performs dst = |src|
func VecAbs(dst, src []float64) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = math.Abs(src[i])
		dst[i+1] = math.Abs(src[i+1])
		dst[i+2] = math.Abs(src[i+2])
		dst[i+3] = math.Abs(src[i+3])
	}
	for ; i < len(dst); i++ {
		dst[i] = math.Abs(src[i])
	}
}

// VecSquare performs dst = src * src
func VecSquare(dst, src []float64) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = src[i] * src[i]
		dst[i+1] = src[i+1] * src[i+1]
		dst[i+2] = src[i+2] * src[i+2]
		dst[i+3] = src[i+3] * src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] = src[i] * src[i]
	}
}

// VecClamp performs dst = min(max(src, lo), hi). NaN is kept.
func VecClamp(dst, src []float64, lo, hi float64) {
	for i, v := range src {
		switch {
		case v < lo:
			dst[i] = lo
		case v > hi:
			dst[i] = hi
		default:
			dst[i] = v
		}
	}
}

// DotProduct computes the dot product of two float64 vectors
func DotProduct(a, b []float64) float64 {
	var sum float64
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}
