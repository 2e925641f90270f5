package codec

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-vaeloss/internal/device"
)

// Tensor names a loss request is made of in a tensor record batch.
const (
	NameInputs          = "inputs"
	NameReconstructions = "reconstructions"
	NamePosterior       = "posterior"
	NameWeights         = "weights"
)

// TensorSchema holds one tensor per row.
var TensorSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "dtype", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	},
	nil,
)

// ResultSchema holds one evaluated loss per row.
var ResultSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String},
		{Name: "loss", Type: arrow.PrimitiveTypes.Float64},
		{Name: "weighted_nll", Type: arrow.PrimitiveTypes.Float64},
		{Name: "nll", Type: arrow.PrimitiveTypes.Float64},
		{Name: "kl", Type: arrow.PrimitiveTypes.Float64},
		{Name: "rec", Type: arrow.PrimitiveTypes.Float64},
		{Name: "logvar", Type: arrow.PrimitiveTypes.Float64},
		{Name: "logvar_grad", Type: arrow.PrimitiveTypes.Float64},
	},
	nil,
)

// NamedTensor is one row of a tensor record batch.
type NamedTensor struct {
	Name   string
	Tensor *device.Tensor
}

// BuildTensorRecord converts tensors into a RecordBatch with TensorSchema.
func BuildTensorRecord(mem memory.Allocator, tensors []NamedTensor) arrow.RecordBatch {
	names := array.NewStringBuilder(mem)
	defer names.Release()
	dtypes := array.NewStringBuilder(mem)
	defer dtypes.Release()
	shapes := array.NewListBuilder(mem, arrow.PrimitiveTypes.Int64)
	defer shapes.Release()
	data := array.NewListBuilder(mem, arrow.PrimitiveTypes.Float64)
	defer data.Release()

	shapeValues := shapes.ValueBuilder().(*array.Int64Builder)
	dataValues := data.ValueBuilder().(*array.Float64Builder)

	for _, nt := range tensors {
		names.Append(nt.Name)
		dtypes.Append(nt.Tensor.DType().String())

		shapes.Append(true)
		for _, s := range nt.Tensor.Shape() {
			shapeValues.Append(int64(s))
		}

		data.Append(true)
		dataValues.AppendValues(nt.Tensor.Data(), nil)
	}

	cols := []arrow.Array{names.NewArray(), dtypes.NewArray(), shapes.NewArray(), data.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(TensorSchema, cols, int64(len(tensors)))
}

// ReadTensorRecord allocates every row of rec on b, keyed by name.
func ReadTensorRecord(rec arrow.RecordBatch, b device.Backend) (map[string]*device.Tensor, error) {
	if rec.NumCols() != int64(TensorSchema.NumFields()) {
		return nil, fmt.Errorf("%w: unexpected schema %s", ErrPayload, rec.Schema())
	}
	names, ok1 := rec.Column(0).(*array.String)
	dtypes, ok2 := rec.Column(1).(*array.String)
	shapes, ok3 := rec.Column(2).(*array.List)
	data, ok4 := rec.Column(3).(*array.List)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("%w: unexpected schema %s", ErrPayload, rec.Schema())
	}
	shapeValues, ok1 := shapes.ListValues().(*array.Int64)
	dataValues, ok2 := data.ListValues().(*array.Float64)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: unexpected list types in %s", ErrPayload, rec.Schema())
	}

	out := make(map[string]*device.Tensor, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		start, end := shapes.ValueOffsets(i)
		shape := make([]int, 0, end-start)
		for j := start; j < end; j++ {
			shape = append(shape, int(shapeValues.Value(int(j))))
		}
		ds, de := data.ValueOffsets(i)

		p := TensorPayload{
			Shape: shape,
			DType: dtypes.Value(i),
			Data:  dataValues.Float64Values()[ds:de],
		}
		t, err := p.Tensor(b)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", names.Value(i), err)
		}
		out[names.Value(i)] = t
	}
	return out, nil
}

// BatchFromRecord decodes a tensor record batch holding inputs,
// reconstructions, posterior and optionally weights.
func BatchFromRecord(rec arrow.RecordBatch, b device.Backend, deterministic bool) (*Batch, error) {
	tensors, err := ReadTensorRecord(rec, b)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{NameInputs, NameReconstructions, NamePosterior} {
		if tensors[name] == nil {
			return nil, fmt.Errorf("%w: missing tensor %q", ErrPayload, name)
		}
	}
	return NewBatch(tensors[NameInputs], tensors[NameReconstructions], tensors[NamePosterior], tensors[NameWeights], deterministic)
}

// BuildResultRecord converts evaluated losses into a RecordBatch with ResultSchema.
func BuildResultRecord(mem memory.Allocator, results []LossResponse) arrow.RecordBatch {
	b := array.NewRecordBuilder(mem, ResultSchema)
	defer b.Release()

	ids := b.Field(0).(*array.StringBuilder)
	for _, r := range results {
		ids.Append(r.ID)
		for i, v := range []float64{r.Loss, r.WeightedNLL, r.NLL, r.KL, r.Rec, r.LogVar, r.LogVarGrad} {
			b.Field(i + 1).(*array.Float64Builder).Append(v)
		}
	}
	return b.NewRecord()
}
