package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/23skdu/longbow-vaeloss/internal/codec"
	"github.com/23skdu/longbow-vaeloss/internal/device"
	"github.com/23skdu/longbow-vaeloss/internal/loss"
)

const cborContentType = "application/cbor"

var tracer = otel.Tracer("vaeloss/client")

// PerceptualClient calls a remote frozen perceptual model (e.g. an LPIPS
// service) that accepts a CBOR codec.PerceptualRequest and answers with a CBOR
// codec.TensorPayload.
type PerceptualClient struct {
	url     string
	http    *http.Client
	breaker *CircuitBreaker
}

// Distance has the loss.PerceptualFunc signature.
var _ loss.PerceptualFunc = (*PerceptualClient)(nil).Distance

func NewPerceptualClient(url string, timeout time.Duration) *PerceptualClient {
	return &PerceptualClient{
		url:     url,
		http:    &http.Client{Timeout: timeout},
		breaker: NewCircuitBreaker(3, 10*time.Second),
	}
}

// Distance returns the perceptual distance between inputs and reconstructions,
// allocated on the inputs' backend and dtype.
func (c *PerceptualClient) Distance(ctx context.Context, inputs, reconstructions *device.Tensor) (*device.Tensor, error) {
	ctx, span := tracer.Start(ctx, "PerceptualClient.Distance")
	defer span.End()
	span.SetAttributes(attribute.String("url", c.url))

	body, err := codec.Marshal(codec.PerceptualRequest{
		Inputs:          codec.FromTensor(inputs),
		Reconstructions: codec.FromTensor(reconstructions),
	})
	if err != nil {
		return nil, fmt.Errorf("encode perceptual request: %w", err)
	}

	var payload codec.TensorPayload
	err = c.breaker.Do(func() error {
		return c.post(ctx, body, &payload)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// The remote may answer in its own dtype; keep the caller's placement.
	payload.DType = inputs.DType().String()
	return payload.Tensor(inputs.Backend())
}

func (c *PerceptualClient) post(ctx context.Context, body []byte, out *codec.TensorPayload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", cborContentType)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("perceptual model returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	if err := codec.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode perceptual response: %w", err)
	}
	return nil
}
