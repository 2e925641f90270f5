package simd

import (
	"math"
	"testing"
)

func TestVecExp(t *testing.T) {
	src := []float64{-1, 0, 0.5, 1, 2, -30, 20}
	dst := make([]float64, len(src))

	VecExp(dst, src)

	for i, v := range src {
		want := math.Exp(v)
		if math.Abs(dst[i]-want) > 1e-12*math.Max(1, want) {
			t.Errorf("VecExp(%f) = %g, want %g", v, dst[i], want)
		}
	}
}

func TestVecAbs(t *testing.T) {
	src := []float64{-1, 2, -3, 4, -5}
	expected := []float64{1, 2, 3, 4, 5}
	dst := make([]float64, len(src))

	VecAbs(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAbs(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecSquareInPlace(t *testing.T) {
	x := []float64{1, -2, 3, -4, 5, 0.5}
	expected := []float64{1, 4, 9, 16, 25, 0.25}

	VecSquare(x, x)

	for i, v := range x {
		if v != expected[i] {
			t.Errorf("VecSquare(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecClamp(t *testing.T) {
	src := []float64{-100, -30, 0, 20, 100, math.NaN()}
	dst := make([]float64, len(src))

	VecClamp(dst, src, -30, 20)

	expected := []float64{-30, -30, 0, 20, 20}
	for i, v := range expected {
		if dst[i] != v {
			t.Errorf("VecClamp(%d) = %f, want %f", i, dst[i], v)
		}
	}
	if !math.IsNaN(dst[5]) {
		t.Errorf("VecClamp(NaN) = %f, want NaN", dst[5])
	}
}

func TestDotProduct(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{2, 3, 4, 5, 6}
	expected := 70.0 // 2+6+12+20+30

	if got := DotProduct(a, b); got != expected {
		t.Errorf("DotProduct = %f, want %f", got, expected)
	}
	if got := DotProduct(nil, nil); got != 0 {
		t.Errorf("DotProduct(nil) = %f, want 0", got)
	}
}

func BenchmarkVecExp(b *testing.B) {
	src := make([]float64, 4096)
	dst := make([]float64, 4096)
	for i := range src {
		src[i] = float64(i%64) / 8
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		VecExp(dst, src)
	}
}
