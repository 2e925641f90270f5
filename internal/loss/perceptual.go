package loss

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-vaeloss/internal/cache"
	"github.com/23skdu/longbow-vaeloss/internal/device"
	"github.com/23skdu/longbow-vaeloss/internal/distribution"
)

var ErrNoPerceptual = errors.New("loss: perceptual weight set without a perceptual model")

// PerceptualFunc is a frozen learned-feature distance between inputs and
// reconstructions. Its result must broadcast to the inputs' shape: one value
// per element, per sample ([B,1,1,1,1]) or a single value.
type PerceptualFunc func(ctx context.Context, inputs, reconstructions *device.Tensor) (*device.Tensor, error)

// VAE3DPerceptual adds a weighted perceptual distance to the reconstruction
// error before the noise reweighting.
type VAE3DPerceptual struct {
	VAE3D
	perceptual PerceptualFunc
}

var _ Evaluator = (*VAE3DPerceptual)(nil)

// NewVAE3DPerceptual requires fn whenever cfg.PerceptualWeight is positive.
func NewVAE3DPerceptual(cfg Config, fn PerceptualFunc) (*VAE3DPerceptual, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PerceptualWeight > 0 && fn == nil {
		return nil, ErrNoPerceptual
	}
	log.Debug().
		Str("disc_loss", string(cfg.DiscLoss)).
		Float64("perceptual_weight", cfg.PerceptualWeight).
		Msg("VAE3D perceptual loss created; discriminator term not implemented")
	return &VAE3DPerceptual{
		VAE3D:      VAE3D{cfg: cfg, params: Params{LogVar: cfg.LogVarInit}},
		perceptual: fn,
	}, nil
}

func (l *VAE3DPerceptual) Forward(ctx context.Context, inputs, reconstructions *device.Tensor, posteriors *distribution.DiagonalGaussian, weights *device.Tensor) (Result, error) {
	ctx, span := tracer.Start(ctx, "VAE3DPerceptual.Forward")
	defer span.End()

	b := inputs.Backend()
	diff := inputs.Sub(reconstructions)
	rec := diff.Abs()
	b.PutTensor(diff)

	if l.cfg.PerceptualWeight > 0 {
		start := time.Now()
		p, err := l.perceptual(ctx, inputs, reconstructions)
		perceptualDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			b.PutTensor(rec)
			span.RecordError(err)
			return Result{}, fmt.Errorf("perceptual distance: %w", err)
		}
		weighted := p.Scale(l.cfg.PerceptualWeight)
		withP := rec.Add(weighted)
		b.PutTensor(weighted)
		b.PutTensor(rec)
		rec = withP
	}
	defer b.PutTensor(rec)

	res := Compute(l.cfg, l.params.LogVar, rec, posteriors, weights)
	observe("perceptual", l.cfg.Split, res)
	span.SetAttributes(attribute.Float64("loss", res.Loss))
	return res, nil
}

// CachedPerceptual memoizes fn by the content of its arguments. The perceptual
// model is frozen, so equal inputs always give equal distances.
func CachedPerceptual(fn PerceptualFunc, c cache.TensorCache) PerceptualFunc {
	return func(ctx context.Context, inputs, reconstructions *device.Tensor) (*device.Tensor, error) {
		key := cache.Key(inputs, reconstructions)
		if e, ok := c.Get(key); ok {
			return inputs.Backend().NewTensor(e.Shape, inputs.DType(), e.Data), nil
		}
		out, err := fn(ctx, inputs, reconstructions)
		if err != nil {
			return nil, err
		}
		c.Put(key, cache.Entry{Shape: out.Shape(), Data: out.ToHost()})
		return out, nil
	}
}
