package device

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-vaeloss/internal/simd"
)

func (t *Tensor) unary(f func(dst, src []float64)) *Tensor {
	out := t.like()
	f(out.data, t.data)
	t.dtype.roundSlice(out.data)
	return out
}

// binary applies f after broadcasting o to the receiver's shape.
func (t *Tensor) binary(op string, o *Tensor, f func(dst, a, b []float64)) *Tensor {
	t.checkPlacement(op, o)
	rhs := o
	if !equalShape(t.shape, o.shape) {
		if !broadcastable(o.shape, t.shape) {
			shapePanic(op, t.shape, o.shape)
		}
		rhs = o.Broadcast(t.shape)
		defer t.backend.PutTensor(rhs)
	}
	out := t.like()
	f(out.data, t.data, rhs.data)
	t.dtype.roundSlice(out.data)
	return out
}

func (t *Tensor) Exp() *Tensor { return t.unary(simd.VecExp) }

func (t *Tensor) Abs() *Tensor { return t.unary(simd.VecAbs) }

func (t *Tensor) Square() *Tensor { return t.unary(simd.VecSquare) }

// Clamp bounds every element to [lo, hi]. NaN passes through.
func (t *Tensor) Clamp(lo, hi float64) *Tensor {
	return t.unary(func(dst, src []float64) {
		simd.VecClamp(dst, src, lo, hi)
	})
}

// Scale returns t * c.
func (t *Tensor) Scale(c float64) *Tensor {
	return t.unary(func(dst, src []float64) {
		floats.ScaleTo(dst, c, src)
	})
}

// AddScalar returns t + c.
func (t *Tensor) AddScalar(c float64) *Tensor {
	return t.unary(func(dst, src []float64) {
		copy(dst, src)
		floats.AddConst(c, dst)
	})
}

// Add returns t + o, with o broadcast to t's shape.
func (t *Tensor) Add(o *Tensor) *Tensor {
	return t.binary("Add", o, func(dst, a, b []float64) { floats.AddTo(dst, a, b) })
}

// Sub returns t - o, with o broadcast to t's shape.
func (t *Tensor) Sub(o *Tensor) *Tensor {
	return t.binary("Sub", o, func(dst, a, b []float64) { floats.SubTo(dst, a, b) })
}

// Mul returns t ⊙ o, with o broadcast to t's shape.
func (t *Tensor) Mul(o *Tensor) *Tensor {
	return t.binary("Mul", o, func(dst, a, b []float64) { floats.MulTo(dst, a, b) })
}

// Div returns t / o elementwise, with o broadcast to t's shape.
func (t *Tensor) Div(o *Tensor) *Tensor {
	return t.binary("Div", o, func(dst, a, b []float64) { floats.DivTo(dst, a, b) })
}

// Broadcast expands t to shape following numpy rules.
func (t *Tensor) Broadcast(shape []int) *Tensor {
	if equalShape(t.shape, shape) {
		return t.Clone()
	}
	if !broadcastable(t.shape, shape) {
		shapePanic("Broadcast", t.shape, shape)
	}

	out := t.backend.GetTensor(shape, t.dtype)
	if len(out.data) == 0 {
		return out
	}

	// Source strides aligned to the target axes; broadcast axes get stride 0.
	strides := make([]int, len(shape))
	off := len(shape) - len(t.shape)
	s := 1
	for i := len(t.shape) - 1; i >= 0; i-- {
		if t.shape[i] != 1 {
			strides[i+off] = s
		}
		s *= t.shape[i]
	}

	idx := make([]int, len(shape))
	src := 0
	for i := range out.data {
		out.data[i] = t.data[src]
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			src += strides[d]
			if idx[d] < shape[d] {
				break
			}
			src -= strides[d] * idx[d]
			idx[d] = 0
		}
	}
	return out
}

// Chunk splits t into n equal parts along axis.
func (t *Tensor) Chunk(n, axis int) []*Tensor {
	if axis < 0 {
		axis += len(t.shape)
	}
	if axis < 0 || axis >= len(t.shape) || n <= 0 || t.shape[axis]%n != 0 {
		panic(fmt.Errorf("%w: Chunk(%d, %d) of shape %v", ErrShape, n, axis, t.shape))
	}

	outer := numel(t.shape[:axis])
	inner := numel(t.shape[axis+1:])
	size := t.shape[axis] / n
	block := size * inner

	chunkShape := t.Shape()
	chunkShape[axis] = size

	chunks := make([]*Tensor, n)
	for c := 0; c < n; c++ {
		out := t.backend.GetTensor(chunkShape, t.dtype)
		for o := 0; o < outer; o++ {
			src := o*t.shape[axis]*inner + c*block
			copy(out.data[o*block:(o+1)*block], t.data[src:src+block])
		}
		chunks[c] = out
	}
	return chunks
}

// SumAll returns the sum of every element, rounded to the tensor's dtype.
func (t *Tensor) SumAll() float64 {
	return t.dtype.Round(floats.Sum(t.data))
}

// Sum reduces over dims (negative values count from the end), dropping the
// reduced axes. With no dims every axis is reduced and the result has shape [].
func (t *Tensor) Sum(dims ...int) *Tensor {
	reduce, err := t.normalizeDims(dims)
	if err != nil {
		panic(err)
	}

	outShape := make([]int, 0, len(t.shape))
	for i, s := range t.shape {
		if !reduce[i] {
			outShape = append(outShape, s)
		}
	}
	out := t.backend.GetTensor(outShape, t.dtype)

	// Trailing axes reduce as a row sum of a (rows x cols) matrix.
	k := len(t.shape)
	for k > 0 && reduce[k-1] {
		k--
	}
	trailing := true
	for i := 0; i < k; i++ {
		if reduce[i] {
			trailing = false
			break
		}
	}
	rows, cols := numel(t.shape[:k]), numel(t.shape[k:])

	if trailing && rows > 0 && cols > 0 {
		rowSums(out.data, t.data, rows, cols)
	} else {
		t.sumStrided(out, reduce)
	}
	t.dtype.roundSlice(out.data)
	return out
}

func (t *Tensor) normalizeDims(dims []int) ([]bool, error) {
	reduce := make([]bool, len(t.shape))
	if len(dims) == 0 {
		for i := range reduce {
			reduce[i] = true
		}
		return reduce, nil
	}
	for _, d := range dims {
		if d < 0 {
			d += len(t.shape)
		}
		if d < 0 || d >= len(t.shape) {
			return nil, fmt.Errorf("%w: Sum over dim %d of shape %v", ErrShape, d, t.shape)
		}
		reduce[d] = true
	}
	return reduce, nil
}

// rowSums writes dst[i] = Σ_j src[i*cols+j] as a matrix-vector product so the
// registered BLAS implementation does the work.
func rowSums(dst, src []float64, rows, cols int) {
	m := mat.NewDense(rows, cols, src)
	ones := make([]float64, cols)
	for i := range ones {
		ones[i] = 1
	}
	var sums mat.VecDense
	sums.MulVec(m, mat.NewVecDense(cols, ones))
	for i := 0; i < rows; i++ {
		dst[i] = sums.AtVec(i)
	}
}

func (t *Tensor) sumStrided(out *Tensor, reduce []bool) {
	if len(t.data) == 0 {
		return
	}
	// Output strides aligned to the input axes; reduced axes get stride 0.
	strides := make([]int, len(t.shape))
	s := 1
	for i := len(t.shape) - 1; i >= 0; i-- {
		if !reduce[i] {
			strides[i] = s
			s *= t.shape[i]
		}
	}

	idx := make([]int, len(t.shape))
	dst := 0
	for _, v := range t.data {
		out.data[dst] += v
		for d := len(t.shape) - 1; d >= 0; d-- {
			idx[d]++
			dst += strides[d]
			if idx[d] < t.shape[d] {
				break
			}
			dst -= strides[d] * idx[d]
			idx[d] = 0
		}
	}
}

// Dot returns Σ t[i]*o[i] over tensors of identical shape.
func (t *Tensor) Dot(o *Tensor) float64 {
	t.checkPlacement("Dot", o)
	if !equalShape(t.shape, o.shape) {
		shapePanic("Dot", t.shape, o.shape)
	}
	return simd.DotProduct(t.data, o.data)
}
