package device

import (
	"errors"
	"fmt"
)

var (
	// ErrShape is wrapped by the panics raised when tensor shapes do not line up.
	ErrShape = errors.New("device: shape mismatch")

	// ErrPlacement is wrapped by the panics raised when two tensors live on
	// different backends or carry different dtypes.
	ErrPlacement = errors.New("device: mixed backend or dtype")
)

// DType is the element type a tensor's values are rounded to after every op.
// Storage is always float64 on the CPU backend.
type DType int

const (
	Float32 DType = iota
	Float16
	Float64
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "fp32"
	case Float16:
		return "fp16"
	case Float64:
		return "fp64"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// ParseDType accepts the names produced by DType.String.
func ParseDType(s string) (DType, error) {
	switch s {
	case "fp32", "float32", "":
		return Float32, nil
	case "fp16", "float16":
		return Float16, nil
	case "fp64", "float64":
		return Float64, nil
	}
	return Float32, fmt.Errorf("unknown dtype %q", s)
}

// Backend creates tensors and manages their memory.
//
// Every tensor remembers the backend that created it; ops between tensors of
// different backends panic with ErrPlacement.
type Backend interface {
	Name() string

	// NewTensor copies data (which may be nil) into a new tensor of the given shape.
	NewTensor(shape []int, dtype DType, data []float64) *Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(shape []int, dtype DType) *Tensor

	// PutTensor returns a tensor to the pool. The caller must not use it afterwards.
	PutTensor(t *Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}

func shapePanic(op string, a, b []int) {
	panic(fmt.Errorf("%w: %s %v vs %v", ErrShape, op, a, b))
}
