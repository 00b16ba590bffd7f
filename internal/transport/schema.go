package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/swarmshard/blockserver/internal/backend"
	"github.com/swarmshard/blockserver/internal/cache"
	"github.com/swarmshard/blockserver/internal/pool"
	"github.com/swarmshard/blockserver/internal/tensor"
)

// Tensors travel as one record batch: one row per tensor, with the shape,
// element type and dtype-encoded payload as columns. Request framing rides
// in the schema metadata.
var tensorFields = []arrow.Field{
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "data", Type: arrow.BinaryTypes.Binary},
}

// Metadata keys used for request/response framing.
const (
	MetaOperation    = "operation"
	MetaSessionID    = "session_id"
	MetaPriority     = "priority"
	MetaBlockStart   = "block_start"
	MetaBlockEnd     = "block_end"
	MetaPrefixLength = "prefix_length"
	MetaHypoIDs      = "hypo_ids"
	MetaPromptCount  = "prompt_count"
	MetaErrorKind    = "error_kind"
	MetaErrorMessage = "error_message"
)

// TensorSchema builds the wire schema with the given framing metadata.
func TensorSchema(meta map[string]string) *arrow.Schema {
	keys := make([]string, 0, len(meta))
	vals := make([]string, 0, len(meta))
	for k, v := range meta {
		keys = append(keys, k)
		vals = append(vals, v)
	}
	md := arrow.NewMetadata(keys, vals)
	return arrow.NewSchema(tensorFields, &md)
}

// EncodeTensors packs tensors into one record batch. The caller releases the
// record.
func EncodeTensors(schema *arrow.Schema, tensors []*tensor.Tensor) arrow.Record {
	bld := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer bld.Release()
	shapeB := bld.Field(0).(*array.ListBuilder)
	shapeVals := shapeB.ValueBuilder().(*array.Int64Builder)
	dtypeB := bld.Field(1).(*array.StringBuilder)
	dataB := bld.Field(2).(*array.BinaryBuilder)
	for _, t := range tensors {
		shapeB.Append(true)
		for _, s := range t.Shape {
			shapeVals.Append(int64(s))
		}
		dtypeB.Append(t.DType.String())
		dataB.Append(t.Encode())
	}
	return bld.NewRecord()
}

// DecodeTensors unpacks a record batch produced by EncodeTensors.
func DecodeTensors(rec arrow.Record) ([]*tensor.Tensor, error) {
	if rec.NumCols() != 3 {
		return nil, fmt.Errorf("tensor record has %d columns, want 3", rec.NumCols())
	}
	shapes, ok := rec.Column(0).(*array.List)
	if !ok {
		return nil, fmt.Errorf("shape column has type %T", rec.Column(0))
	}
	dtypes, ok := rec.Column(1).(*array.String)
	if !ok {
		return nil, fmt.Errorf("dtype column has type %T", rec.Column(1))
	}
	datas, ok := rec.Column(2).(*array.Binary)
	if !ok {
		return nil, fmt.Errorf("data column has type %T", rec.Column(2))
	}
	shapeVals, ok := shapes.ListValues().(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("shape values have type %T", shapes.ListValues())
	}
	offsets := shapes.Offsets()

	out := make([]*tensor.Tensor, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		dtype, err := parseDType(dtypes.Value(i))
		if err != nil {
			return nil, err
		}
		shape := make([]int, 0, offsets[i+1]-offsets[i])
		for j := offsets[i]; j < offsets[i+1]; j++ {
			shape = append(shape, int(shapeVals.Value(int(j))))
		}
		data, err := tensor.DecodeElements(dtype, datas.Value(i))
		if err != nil {
			return nil, err
		}
		t, err := tensor.FromData(dtype, data, shape...)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func parseDType(s string) (tensor.DType, error) {
	switch s {
	case "f16":
		return tensor.F16, nil
	case "f32":
		return tensor.F32, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q", s)
	}
}

// ParseHypoIDs decodes the comma-separated hypothesis id list; empty means
// the identity marker.
func ParseHypoIDs(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad hypothesis id %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

// FormatHypoIDs is the inverse of ParseHypoIDs.
func FormatHypoIDs(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, v := range ids {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// ErrorKind maps an error to its wire taxonomy name.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, pool.ErrPoolClosed):
		return "pool_closed"
	case errors.Is(err, cache.ErrAllocationTimeout):
		return "allocation_timeout"
	case errors.Is(err, cache.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, cache.ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, backend.ErrArityMismatch):
		return "arity_mismatch"
	case errors.Is(err, pool.ErrExecutorFailure):
		return "executor_failure"
	default:
		return "internal"
	}
}
