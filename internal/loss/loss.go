// Package loss combines the reconstruction, learned observation-noise and KL
// terms of the 3D VAE objective into one scalar.
//
// The adversarial (discriminator) term of the objective is not implemented.
// Config.DiscLoss is validated so configurations stay portable, but no
// discriminator contributes to Result.Loss.
package loss

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-vaeloss/internal/device"
	"github.com/23skdu/longbow-vaeloss/internal/distribution"
)

// DiscLoss names the discriminator loss kind a configuration was written for.
type DiscLoss string

const (
	DiscLossHinge   DiscLoss = "hinge"
	DiscLossVanilla DiscLoss = "vanilla"
)

var ErrUnknownDiscLoss = errors.New("loss: disc loss must be \"hinge\" or \"vanilla\"")

var tracer = otel.Tracer("vaeloss/loss")

// Config holds the fixed weights of the objective.
type Config struct {
	LogVarInit       float64
	KLWeight         float64
	PixelWeight      float64
	PerceptualWeight float64
	DiscLoss         DiscLoss

	// Split labels the metrics of every evaluation ("train", "val").
	Split string
}

// DefaultConfig returns logvar 0, unit weights and the hinge disc loss.
func DefaultConfig() Config {
	return Config{
		LogVarInit:       0.0,
		KLWeight:         1.0,
		PixelWeight:      1.0,
		PerceptualWeight: 1.0,
		DiscLoss:         DiscLossHinge,
		Split:            "train",
	}
}

func (c Config) Validate() error {
	switch c.DiscLoss {
	case DiscLossHinge, DiscLossVanilla:
		return nil
	}
	return fmt.Errorf("%w: got %q", ErrUnknownDiscLoss, c.DiscLoss)
}

// Result is one evaluation of the objective.
type Result struct {
	// Loss is WeightedNLL + KLWeight*KL.
	Loss        float64
	WeightedNLL float64
	NLL         float64
	KL          float64
	// Rec is the mean reconstruction error per element.
	Rec    float64
	LogVar float64
	// LogVarGrad is dLoss/dLogVar for the optimizer that owns LogVar.
	LogVarGrad float64
}

// Evaluator is implemented by both loss variants.
type Evaluator interface {
	Forward(ctx context.Context, inputs, reconstructions *device.Tensor, posteriors *distribution.DiagonalGaussian, weights *device.Tensor) (Result, error)
	LogVar() float64
	SetLogVar(v float64)
}

// Params is the learned state of a loss module.
type Params struct {
	LogVar float64
}

// Compute evaluates the objective for a precomputed reconstruction error rec.
//
// nll = rec/exp(logVar) + logVar is reduced by summing every element and
// dividing by the batch size; weights, when non-nil, are broadcast to rec's
// shape and multiplied in before the reduction. The KL term is taken against
// the standard normal.
func Compute(cfg Config, logVar float64, rec *device.Tensor, posteriors *distribution.DiagonalGaussian, weights *device.Tensor) Result {
	b := rec.Backend()
	batch := float64(rec.Shape()[0])

	noise := rec.ScalarLike(math.Exp(logVar))
	scaled := rec.Div(noise)
	b.PutTensor(noise)
	nll := scaled.AddScalar(logVar)
	defer b.PutTensor(scaled)
	defer b.PutTensor(nll)

	nllSum := nll.SumAll()
	weightedSum := nllSum
	weightSum := float64(rec.Len())
	scaledSum := scaled.SumAll()
	if weights != nil {
		w := weights.Broadcast(rec.Shape())
		weighted := nll.Mul(w)
		weightedSum = weighted.SumAll()
		weightSum = w.SumAll()
		scaledSum = w.Dot(scaled)
		b.PutTensor(weighted)
		b.PutTensor(w)
	}

	kl := posteriors.KL(nil)
	klMean := kl.SumAll() / float64(kl.Shape()[0])
	b.PutTensor(kl)

	res := Result{
		WeightedNLL: weightedSum / batch,
		NLL:         nllSum / batch,
		KL:          klMean,
		Rec:         stat.Mean(rec.Data(), nil),
		LogVar:      logVar,
		// d/dlv Σ w·(rec·e^{-lv} + lv) / B
		LogVarGrad: (weightSum - scaledSum) / batch,
	}
	res.Loss = res.WeightedNLL + cfg.KLWeight*res.KL
	return res
}

// VAE3D is the pixel-only loss: L1 reconstruction, learned logvar and KL.
type VAE3D struct {
	cfg    Config
	params Params
}

var _ Evaluator = (*VAE3D)(nil)

func NewVAE3D(cfg Config) (*VAE3D, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Debug().
		Str("disc_loss", string(cfg.DiscLoss)).
		Float64("kl_weight", cfg.KLWeight).
		Msg("VAE3D loss created; discriminator term not implemented")
	return &VAE3D{cfg: cfg, params: Params{LogVar: cfg.LogVarInit}}, nil
}

func (l *VAE3D) Config() Config { return l.cfg }

func (l *VAE3D) LogVar() float64 { return l.params.LogVar }

// SetLogVar stores the value written back by the external optimizer.
func (l *VAE3D) SetLogVar(v float64) { l.params.LogVar = v }

func (l *VAE3D) Forward(ctx context.Context, inputs, reconstructions *device.Tensor, posteriors *distribution.DiagonalGaussian, weights *device.Tensor) (Result, error) {
	_, span := tracer.Start(ctx, "VAE3D.Forward")
	defer span.End()

	diff := inputs.Sub(reconstructions)
	rec := diff.Abs()
	inputs.Backend().PutTensor(diff)
	defer inputs.Backend().PutTensor(rec)

	res := Compute(l.cfg, l.params.LogVar, rec, posteriors, weights)
	observe("plain", l.cfg.Split, res)
	span.SetAttributes(attribute.Float64("loss", res.Loss))
	return res, nil
}
