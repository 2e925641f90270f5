// Package distribution models the latent posterior of the video VAE as a
// diagonal Gaussian parameterized per element by mean and log-variance.
package distribution

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-vaeloss/internal/device"
)

const (
	// LogVarMin and LogVarMax bound the log-variance so std and var stay finite.
	LogVarMin = -30.0
	LogVarMax = 20.0
)

var (
	ErrOddChannels = errors.New("distribution: parameter channel count must be even")
	ErrRank        = errors.New("distribution: parameters need a batch and a channel axis")
)

var logTwoPi = math.Log(2 * math.Pi)

// DiagonalGaussian is built from encoder output whose channel axis holds the
// mean followed by the log-variance.
//
// When Deterministic is set Std and Var are zero tensors, so the distribution
// collapses to a point mass at Mean.
type DiagonalGaussian struct {
	Parameters    *device.Tensor
	Mean          *device.Tensor
	LogVar        *device.Tensor
	Std           *device.Tensor
	Var           *device.Tensor
	Deterministic bool
}

// NewDiagonalGaussian splits params along axis 1 into mean and log-variance.
// Every derived tensor lives on params' backend and dtype.
func NewDiagonalGaussian(params *device.Tensor, deterministic bool) (*DiagonalGaussian, error) {
	shape := params.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("%w: got shape %v", ErrRank, shape)
	}
	if shape[1]%2 != 0 {
		return nil, fmt.Errorf("%w: got %d channels", ErrOddChannels, shape[1])
	}

	halves := params.Chunk(2, 1)
	raw := halves[1]
	logvar := raw.Clamp(LogVarMin, LogVarMax)
	params.Backend().PutTensor(raw)

	d := &DiagonalGaussian{
		Parameters:    params,
		Mean:          halves[0],
		LogVar:        logvar,
		Deterministic: deterministic,
	}
	if deterministic {
		d.Std = d.Mean.ZerosLike()
		d.Var = d.Mean.ZerosLike()
		return d, nil
	}

	half := logvar.Scale(0.5)
	d.Std = half.Exp()
	params.Backend().PutTensor(half)
	d.Var = logvar.Exp()
	return d, nil
}

// Sample draws mean + std ⊙ ε with ε ~ N(0, 1). A nil src uses the global
// math/rand/v2 source. Deterministic distributions return the mean because
// their std is zero.
func (d *DiagonalGaussian) Sample(src rand.Source) *device.Tensor {
	b := d.Mean.Backend()
	eps := d.Mean.RandNLike(src)
	noise := d.Std.Mul(eps)
	b.PutTensor(eps)
	x := d.Mean.Add(noise)
	b.PutTensor(noise)
	return x
}

// KL returns the per-sample KL divergence summed over every non-batch axis,
// against the standard normal when other is nil. The result has one value per
// batch element, or is a single zero when d is deterministic.
func (d *DiagonalGaussian) KL(other *DiagonalGaussian) *device.Tensor {
	if d.Deterministic {
		return d.Mean.ScalarLike(0)
	}

	b := d.Mean.Backend()
	var scratch []*device.Tensor
	defer func() {
		for _, t := range scratch {
			b.PutTensor(t)
		}
	}()
	step := func(t *device.Tensor) *device.Tensor {
		scratch = append(scratch, t)
		return t
	}

	var inner *device.Tensor
	if other == nil {
		// mean² + var − 1 − logvar
		sq := step(d.Mean.Square())
		withVar := step(sq.Add(d.Var))
		shifted := step(withVar.AddScalar(-1))
		inner = step(shifted.Sub(d.LogVar))
	} else {
		// (mean − o.mean)²/o.var + var/o.var − 1 − logvar + o.logvar
		diff := step(d.Mean.Sub(other.Mean))
		sq := step(diff.Square())
		scaled := step(sq.Div(other.Var))
		ratio := step(d.Var.Div(other.Var))
		sum := step(scaled.Add(ratio))
		shifted := step(sum.AddScalar(-1))
		minus := step(shifted.Sub(d.LogVar))
		inner = step(minus.Add(other.LogVar))
	}

	total := step(inner.Sum(nonBatchDims(inner)...))
	return total.Scale(0.5)
}

// NLL returns the Gaussian negative log-likelihood of sample summed over dims,
// which default to every non-batch axis. Deterministic distributions return a
// single zero.
func (d *DiagonalGaussian) NLL(sample *device.Tensor, dims ...int) *device.Tensor {
	if d.Deterministic {
		return d.Mean.ScalarLike(0)
	}
	if len(dims) == 0 {
		dims = nonBatchDims(d.Mean)
	}

	b := d.Mean.Backend()
	diff := sample.Sub(d.Mean)
	sq := diff.Square()
	scaled := sq.Div(d.Var)
	withVar := scaled.Add(d.LogVar)
	inner := withVar.AddScalar(logTwoPi)
	sum := inner.Sum(dims...)
	for _, t := range []*device.Tensor{diff, sq, scaled, withVar, inner} {
		b.PutTensor(t)
	}
	out := sum.Scale(0.5)
	b.PutTensor(sum)
	return out
}

// Mode returns the mean.
func (d *DiagonalGaussian) Mode() *device.Tensor {
	return d.Mean
}

func nonBatchDims(t *device.Tensor) []int {
	dims := make([]int, 0, t.Rank())
	for i := 1; i < t.Rank(); i++ {
		dims = append(dims, i)
	}
	return dims
}
