package device

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Tensor is a dense row-major N-D array owned by a Backend.
//
// Tensors used by the loss code are laid out (batch, channel, time, height, width).
// Ops never modify their receiver; they return a new tensor from the backend pool.
type Tensor struct {
	backend Backend
	dtype   DType
	shape   []int
	data    []float64
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.shape) }

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.data) }

func (t *Tensor) DType() DType { return t.dtype }

func (t *Tensor) Backend() Backend { return t.backend }

// Data returns the underlying slice. Writes through it bypass dtype rounding.
func (t *Tensor) Data() []float64 { return t.data }

// ToHost copies the values out of the tensor.
func (t *Tensor) ToHost() []float64 {
	out := make([]float64, len(t.data))
	copy(out, t.data)
	return out
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Errorf("%w: index rank %d for shape %v", ErrShape, len(idx), t.shape))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Sprintf("index %v out of bounds for shape %v", idx, t.shape))
		}
		off = off*t.shape[i] + v
	}
	return off
}

// At returns the element at idx.
// This is slow and should be used for debugging or infrequent access.
func (t *Tensor) At(idx ...int) float64 {
	return t.data[t.offset(idx)]
}

// Set stores v at idx, rounded to the tensor's dtype.
func (t *Tensor) Set(v float64, idx ...int) {
	t.data[t.offset(idx)] = t.dtype.Round(v)
}

func (t *Tensor) like() *Tensor {
	return t.backend.GetTensor(t.shape, t.dtype)
}

func (t *Tensor) Clone() *Tensor {
	out := t.like()
	copy(out.data, t.data)
	return out
}

// ZerosLike returns a zero tensor with the receiver's shape, backend and dtype.
func (t *Tensor) ZerosLike() *Tensor {
	return t.like()
}

// ScalarLike returns a one-element tensor of shape [1] holding v on the
// receiver's backend and dtype.
func (t *Tensor) ScalarLike(v float64) *Tensor {
	out := t.backend.GetTensor([]int{1}, t.dtype)
	out.data[0] = t.dtype.Round(v)
	return out
}

// RandNLike returns standard-normal noise with the receiver's shape, backend
// and dtype. A nil src draws from the global math/rand/v2 source.
func (t *Tensor) RandNLike(src rand.Source) *Tensor {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	out := t.like()
	for i := range out.data {
		out.data[i] = normal.Rand()
	}
	t.dtype.roundSlice(out.data)
	return out
}

func (t *Tensor) checkPlacement(op string, o *Tensor) {
	if t.backend != o.backend || t.dtype != o.dtype {
		panic(fmt.Errorf("%w: %s between %s/%s and %s/%s", ErrPlacement, op,
			t.backend.Name(), t.dtype, o.backend.Name(), o.dtype))
	}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, %s, %s)", t.shape, t.dtype, t.backend.Name())
}
