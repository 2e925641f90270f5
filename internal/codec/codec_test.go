package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-vaeloss/internal/device"
	"github.com/23skdu/longbow-vaeloss/internal/distribution"
	"github.com/23skdu/longbow-vaeloss/internal/loss"
)

func TestTensorPayload(t *testing.T) {
	b := device.NewCPUBackend()

	t.Run("To and from tensor", func(t *testing.T) {
		x := b.NewTensor([]int{2, 1, 2}, device.Float16, []float64{0.5, 1, 1.5, 2})
		p := FromTensor(x)
		assert.Equal(t, "fp16", p.DType)

		y, err := p.Tensor(b)
		require.NoError(t, err)
		assert.Equal(t, x.Shape(), y.Shape())
		assert.Equal(t, x.DType(), y.DType())
		assert.Equal(t, x.ToHost(), y.ToHost())
	})

	t.Run("Default dtype", func(t *testing.T) {
		y, err := TensorPayload{Shape: []int{1}, Data: []float64{1}}.Tensor(b)
		require.NoError(t, err)
		assert.Equal(t, device.Float32, y.DType())
	})

	for name, p := range map[string]TensorPayload{
		"Length mismatch":    {Shape: []int{2, 2}, Data: []float64{1, 2, 3}},
		"Negative dimension": {Shape: []int{-1, 2}, Data: []float64{1, 2}},
		"No shape":           {Data: []float64{1}},
		"Unknown dtype":      {Shape: []int{1}, DType: "int8", Data: []float64{1}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := p.Tensor(b)
			assert.True(t, errors.Is(err, ErrPayload), "got %v", err)
		})
	}
}

func TestLossRequestDecode(t *testing.T) {
	b := device.NewCPUBackend()
	valid := LossRequest{
		Inputs:          TensorPayload{Shape: []int{2, 1, 2}, Data: []float64{1, 2, 3, 4}},
		Reconstructions: TensorPayload{Shape: []int{2, 1, 2}, Data: []float64{1, 2, 3, 5}},
		Posterior:       TensorPayload{Shape: []int{2, 2, 1}, Data: []float64{0, 0, 0, 0}},
		Weights:         &TensorPayload{Shape: []int{2, 1, 1}, Data: []float64{1, 2}},
	}

	t.Run("CBOR round trip", func(t *testing.T) {
		data, err := Marshal(valid)
		require.NoError(t, err)

		var req LossRequest
		require.NoError(t, NewDecoder(bytes.NewReader(data)).Decode(&req))

		batch, err := req.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, 2, batch.Size())
		assert.Equal(t, []float64{1, 2, 3, 5}, batch.Reconstructions.ToHost())
		assert.Equal(t, []int{2, 1, 1}, batch.Weights.Shape())
		assert.Equal(t, []int{2, 1, 1}, batch.Posteriors.Mean.Shape())
		assert.False(t, batch.Posteriors.Deterministic)
	})

	t.Run("Deterministic flag", func(t *testing.T) {
		req := valid
		req.Deterministic = true
		batch, err := req.Decode(b)
		require.NoError(t, err)
		assert.True(t, batch.Posteriors.Deterministic)
	})

	t.Run("Mismatched reconstructions", func(t *testing.T) {
		req := valid
		req.Reconstructions = TensorPayload{Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}}
		_, err := req.Decode(b)
		assert.True(t, errors.Is(err, ErrPayload))
	})

	t.Run("Mixed dtypes", func(t *testing.T) {
		req := valid
		req.Posterior.DType = "fp16"
		_, err := req.Decode(b)
		assert.True(t, errors.Is(err, ErrPayload))
	})

	t.Run("Weights that do not broadcast", func(t *testing.T) {
		req := valid
		req.Weights = &TensorPayload{Shape: []int{3}, Data: []float64{1, 2, 3}}
		_, err := req.Decode(b)
		assert.True(t, errors.Is(err, ErrPayload))
	})

	t.Run("Odd posterior channels", func(t *testing.T) {
		req := valid
		req.Posterior = TensorPayload{Shape: []int{2, 1, 2}, Data: []float64{0, 0, 0, 0}}
		_, err := req.Decode(b)
		assert.True(t, errors.Is(err, distribution.ErrOddChannels))
	})

	t.Run("Truncated document", func(t *testing.T) {
		data, err := Marshal(valid)
		require.NoError(t, err)
		var req LossRequest
		assert.Error(t, Unmarshal(data[:len(data)/2], &req))
	})
}

func TestLossResponse(t *testing.T) {
	r := loss.Result{Loss: 1.5, WeightedNLL: 1, NLL: 0.9, KL: 0.5, Rec: 0.2, LogVar: -0.1, LogVarGrad: 0.05}
	resp := NewLossResponse("abc", r)

	data, err := Marshal(resp)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, Unmarshal(data, &fields))
	for _, k := range []string{"id", "loss", "weighted_nll", "nll", "kl", "rec", "logvar", "logvar_grad"} {
		assert.Contains(t, fields, k)
	}

	var back LossResponse
	require.NoError(t, Unmarshal(data, &back))
	assert.Equal(t, resp, back)
}

func TestTensorRecord(t *testing.T) {
	b := device.NewCPUBackend()
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	inputs := b.NewTensor([]int{1, 1, 1, 2, 2}, device.Float32, []float64{1, 2, 3, 4})
	recons := b.NewTensor([]int{1, 1, 1, 2, 2}, device.Float32, []float64{1, 2, 3, 3})
	post := b.NewTensor([]int{1, 2, 1, 1, 1}, device.Float32, []float64{0.5, -1})
	weights := b.NewTensor([]int{1}, device.Float32, []float64{2})

	rec := BuildTensorRecord(mem, []NamedTensor{
		{Name: NameInputs, Tensor: inputs},
		{Name: NameReconstructions, Tensor: recons},
		{Name: NamePosterior, Tensor: post},
		{Name: NameWeights, Tensor: weights},
	})
	defer rec.Release()

	assert.Equal(t, int64(4), rec.NumRows())
	assert.True(t, rec.Schema().Equal(TensorSchema))

	// Through an IPC stream, the way /loss/arrow receives it.
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())

	r, err := ipc.NewReader(&buf)
	require.NoError(t, err)
	defer r.Release()
	require.True(t, r.Next())

	batch, err := BatchFromRecord(r.Record(), b, false)
	require.NoError(t, err)
	assert.Equal(t, inputs.ToHost(), batch.Inputs.ToHost())
	assert.Equal(t, recons.Shape(), batch.Reconstructions.Shape())
	assert.Equal(t, []float64{0.5}, batch.Posteriors.Mean.ToHost())
	assert.Equal(t, []float64{-1}, batch.Posteriors.LogVar.ToHost())
	assert.Equal(t, []float64{2}, batch.Weights.ToHost())
	assert.Equal(t, device.Float32, batch.Inputs.DType())
}

func TestTensorRecordErrors(t *testing.T) {
	b := device.NewCPUBackend()
	mem := memory.NewGoAllocator()

	t.Run("Missing posterior", func(t *testing.T) {
		x := b.NewTensor([]int{1, 1}, device.Float32, []float64{1})
		rec := BuildTensorRecord(mem, []NamedTensor{
			{Name: NameInputs, Tensor: x},
			{Name: NameReconstructions, Tensor: x},
		})
		defer rec.Release()

		_, err := BatchFromRecord(rec, b, false)
		assert.True(t, errors.Is(err, ErrPayload))
	})

	t.Run("Foreign schema", func(t *testing.T) {
		schema := arrow.NewSchema([]arrow.Field{{Name: "text", Type: arrow.BinaryTypes.String}}, nil)
		sb := array.NewStringBuilder(mem)
		defer sb.Release()
		sb.Append("hello")
		col := sb.NewArray()
		defer col.Release()
		rec := array.NewRecordBatch(schema, []arrow.Array{col}, 1)
		defer rec.Release()

		_, err := ReadTensorRecord(rec, b)
		assert.True(t, errors.Is(err, ErrPayload))
	})
}

func TestResultRecord(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	results := []LossResponse{
		NewLossResponse("a", loss.Result{Loss: 1, NLL: 0.5, KL: 0.5}),
		NewLossResponse("b", loss.Result{Loss: 2, LogVarGrad: -0.25}),
	}
	rec := BuildResultRecord(mem, results)
	defer rec.Release()

	assert.True(t, rec.Schema().Equal(ResultSchema))
	assert.Equal(t, int64(2), rec.NumRows())
	assert.Equal(t, "b", rec.Column(0).(*array.String).Value(1))
	assert.Equal(t, 2.0, rec.Column(1).(*array.Float64).Value(1))
	assert.Equal(t, -0.25, rec.Column(7).(*array.Float64).Value(1))
}
