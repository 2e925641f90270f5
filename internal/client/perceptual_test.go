package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-vaeloss/internal/codec"
	"github.com/23skdu/longbow-vaeloss/internal/device"
)

// l1Model answers with the per-sample mean absolute difference.
func l1Model(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, cborContentType, r.Header.Get("Content-Type"))

		var req codec.PerceptualRequest
		if err := codec.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		batch := req.Inputs.Shape[0]
		per := len(req.Inputs.Data) / batch
		out := make([]float64, batch)
		for i := range req.Inputs.Data {
			d := req.Inputs.Data[i] - req.Reconstructions.Data[i]
			if d < 0 {
				d = -d
			}
			out[i/per] += d / float64(per)
		}

		body, err := codec.Marshal(codec.TensorPayload{
			Shape: []int{batch, 1, 1, 1, 1},
			DType: "fp64",
			Data:  out,
		})
		require.NoError(t, err)
		w.Header().Set("Content-Type", cborContentType)
		_, _ = w.Write(body)
	}
}

func TestPerceptualClient_Distance(t *testing.T) {
	srv := httptest.NewServer(l1Model(t))
	defer srv.Close()

	b := device.NewCPUBackend()
	inputs := b.NewTensor([]int{2, 1, 1, 1, 2}, device.Float32, []float64{1, 2, 3, 4})
	recons := b.NewTensor([]int{2, 1, 1, 1, 2}, device.Float32, []float64{0, 2, 3, 2})

	pc := NewPerceptualClient(srv.URL, 5*time.Second)
	d, err := pc.Distance(context.Background(), inputs, recons)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 1, 1, 1, 1}, d.Shape())
	assert.Equal(t, []float64{0.5, 1}, d.ToHost())
	assert.Equal(t, device.Float32, d.DType(), "result takes the inputs' dtype")
	assert.Equal(t, device.Backend(b), d.Backend())
}

func TestPerceptualClient_Errors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := device.NewCPUBackend()
	x := b.NewTensor([]int{1, 1}, device.Float32, []float64{1})

	pc := NewPerceptualClient(srv.URL, time.Second)
	for i := 0; i < 3; i++ {
		_, err := pc.Distance(context.Background(), x, x)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model not loaded")
	}

	// Three consecutive failures open the breaker.
	_, err := pc.Distance(context.Background(), x, x)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), hits.Load())
}

func TestPerceptualClient_BadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := codec.Marshal(codec.TensorPayload{Shape: []int{2}, Data: []float64{1}})
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	b := device.NewCPUBackend()
	x := b.NewTensor([]int{1, 1}, device.Float32, []float64{1})

	_, err := NewPerceptualClient(srv.URL, time.Second).Distance(context.Background(), x, x)
	assert.ErrorIs(t, err, codec.ErrPayload)
}
