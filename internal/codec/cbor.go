// Package codec converts tensors, loss requests and loss results to and from
// the wire formats served by cmd/vaeloss: CBOR documents and Arrow record
// batches.
package codec

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-vaeloss/internal/device"
	"github.com/23skdu/longbow-vaeloss/internal/distribution"
	"github.com/23skdu/longbow-vaeloss/internal/loss"
)

var ErrPayload = errors.New("codec: malformed tensor payload")

// maxTensorElements lifts the decoder's default array limit (131072), which a
// single video batch easily exceeds.
const maxTensorElements = 1 << 30

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{MaxArrayElements: maxTensorElements}).DecMode(); err != nil {
		panic(err)
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewDecoder returns a CBOR stream decoder sized for tensor payloads.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// TensorPayload is a tensor detached from its backend.
type TensorPayload struct {
	Shape []int     `cbor:"shape"`
	DType string    `cbor:"dtype,omitempty"`
	Data  []float64 `cbor:"data"`
}

func FromTensor(t *device.Tensor) TensorPayload {
	return TensorPayload{
		Shape: t.Shape(),
		DType: t.DType().String(),
		Data:  t.ToHost(),
	}
}

// Tensor allocates the payload on b. An empty DType means fp32.
func (p TensorPayload) Tensor(b device.Backend) (*device.Tensor, error) {
	dtype, err := device.ParseDType(p.DType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	n := 1
	for _, s := range p.Shape {
		if s < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrPayload, p.Shape)
		}
		n *= s
	}
	if len(p.Shape) == 0 || n != len(p.Data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrPayload, len(p.Data), p.Shape)
	}
	return b.NewTensor(p.Shape, dtype, p.Data), nil
}

// LossRequest is the body of POST /loss.
type LossRequest struct {
	Inputs          TensorPayload  `cbor:"inputs"`
	Reconstructions TensorPayload  `cbor:"reconstructions"`
	Posterior       TensorPayload  `cbor:"posterior"`
	Weights         *TensorPayload `cbor:"weights,omitempty"`
	Deterministic   bool           `cbor:"deterministic,omitempty"`
}

// LossResponse is one evaluated loss.
type LossResponse struct {
	ID          string  `cbor:"id"`
	Loss        float64 `cbor:"loss"`
	WeightedNLL float64 `cbor:"weighted_nll"`
	NLL         float64 `cbor:"nll"`
	KL          float64 `cbor:"kl"`
	Rec         float64 `cbor:"rec"`
	LogVar      float64 `cbor:"logvar"`
	LogVarGrad  float64 `cbor:"logvar_grad"`
}

func NewLossResponse(id string, r loss.Result) LossResponse {
	return LossResponse{
		ID:          id,
		Loss:        r.Loss,
		WeightedNLL: r.WeightedNLL,
		NLL:         r.NLL,
		KL:          r.KL,
		Rec:         r.Rec,
		LogVar:      r.LogVar,
		LogVarGrad:  r.LogVarGrad,
	}
}

// PerceptualRequest is the body sent to a remote perceptual model.
type PerceptualRequest struct {
	Inputs          TensorPayload `cbor:"inputs"`
	Reconstructions TensorPayload `cbor:"reconstructions"`
}

// Batch is a decoded loss request ready for loss.Evaluator.Forward.
type Batch struct {
	Inputs          *device.Tensor
	Reconstructions *device.Tensor
	Posteriors      *distribution.DiagonalGaussian
	Weights         *device.Tensor
}

// Size is the batch dimension of the inputs.
func (b *Batch) Size() int {
	return b.Inputs.Shape()[0]
}

func (r LossRequest) Decode(b device.Backend) (*Batch, error) {
	inputs, err := r.Inputs.Tensor(b)
	if err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	recons, err := r.Reconstructions.Tensor(b)
	if err != nil {
		return nil, fmt.Errorf("reconstructions: %w", err)
	}
	params, err := r.Posterior.Tensor(b)
	if err != nil {
		return nil, fmt.Errorf("posterior: %w", err)
	}
	var weights *device.Tensor
	if r.Weights != nil {
		if weights, err = r.Weights.Tensor(b); err != nil {
			return nil, fmt.Errorf("weights: %w", err)
		}
	}
	return NewBatch(inputs, recons, params, weights, r.Deterministic)
}

// NewBatch builds the posterior from params and checks that the tensors line
// up before any math runs.
func NewBatch(inputs, recons, params, weights *device.Tensor, deterministic bool) (*Batch, error) {
	if !sameShape(inputs.Shape(), recons.Shape()) {
		return nil, fmt.Errorf("%w: inputs %v vs reconstructions %v", ErrPayload, inputs.Shape(), recons.Shape())
	}
	if inputs.DType() != recons.DType() || inputs.DType() != params.DType() ||
		(weights != nil && weights.DType() != inputs.DType()) {
		return nil, fmt.Errorf("%w: tensors must share one dtype", ErrPayload)
	}
	if weights != nil && !device.Broadcastable(weights.Shape(), inputs.Shape()) {
		return nil, fmt.Errorf("%w: weights %v do not broadcast to %v", ErrPayload, weights.Shape(), inputs.Shape())
	}
	post, err := distribution.NewDiagonalGaussian(params, deterministic)
	if err != nil {
		return nil, err
	}
	return &Batch{
		Inputs:          inputs,
		Reconstructions: recons,
		Posteriors:      post,
		Weights:         weights,
	}, nil
}

func sameShape(a, b []int) bool {
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
