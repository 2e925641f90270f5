package device

import (
	"fmt"
	"sync"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(shape []int, dtype DType, data []float64) *Tensor {
	size := numel(shape)
	t := &Tensor{
		backend: b,
		dtype:   dtype,
		shape:   append([]int(nil), shape...),
		data:    make([]float64, size),
	}

	if data != nil {
		if len(data) != size {
			panic(fmt.Errorf("%w: NewTensor got %d values for shape %v", ErrShape, len(data), shape))
		}
		copy(t.data, data)
		dtype.roundSlice(t.data)
	}
	return t
}

func (b *CPUBackend) GetTensor(shape []int, dtype DType) *Tensor {
	var t *Tensor
	if v := b.pool.Get(); v != nil {
		t = v.(*Tensor)
		poolHits.Inc()
	} else {
		t = &Tensor{}
		poolMisses.Inc()
	}

	t.backend = b
	t.dtype = dtype
	t.shape = append(t.shape[:0], shape...)
	size := numel(shape)
	if cap(t.data) < size {
		t.data = make([]float64, size)
	} else {
		t.data = t.data[:size]
		clear(t.data)
	}
	return t
}

func (b *CPUBackend) PutTensor(t *Tensor) {
	if t == nil || t.backend != Backend(b) {
		return // Don't pool foreign tensors
	}
	t.shape = t.shape[:0]
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(t)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}
