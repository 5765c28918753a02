// Package tensors implements Local, a small dense host tensor used as the unit of
// data moved around by collective operations.
//
// Local keeps the element values in a flat float64 buffer in row-major order and
// carries a shapes.Shape describing dtype and dimensions. The dtype records what the
// values represent (including Float16, see github.com/x448/float16); the buffer is
// always float64, which is exact for every supported dtype up to 52 bits.
//
// The operations provided are exactly the ones redistribution needs: clone, split
// into contiguous chunks along an axis, concatenate along an axis, scale, and
// elementwise combination (sum, product, max, min).
package tensors

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/dtensor/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
)

// Local is a dense host tensor: a shape plus a flat row-major buffer of values.
//
// A nil or zero-valued Local is invalid; use the From* constructors.
type Local struct {
	shape shapes.Shape
	flat  []float64
}

// FromFlat creates a Local with the given dtype and dimensions from a flat
// row-major buffer. The buffer is cloned.
//
// It returns an error if the buffer size doesn't match the shape size.
func FromFlat(dtype dtypes.DType, flat []float64, dimensions ...int) (*Local, error) {
	shape := shapes.Make(dtype, dimensions...)
	if len(flat) != shape.Size() {
		return nil, errors.Errorf("tensors.FromFlat: buffer has %d elements, shape %s requires %d",
			len(flat), shape, shape.Size())
	}
	return &Local{shape: shape, flat: slices.Clone(flat)}, nil
}

// FromScalar creates a rank-0 Local holding one value.
func FromScalar(dtype dtypes.DType, value float64) *Local {
	return &Local{shape: shapes.Shape{DType: dtype}, flat: []float64{value}}
}

// FromValue creates a Local from a Go value: a POD number or (multi-level) slices
// of POD numbers, e.g. [][]float32{{1, 2}, {3, 4}}. The dtype is inferred from the
// element type. float16.Float16 elements are supported.
func FromValue(value any) (*Local, error) {
	shape, err := shapes.FromAnyValue(value)
	if err != nil {
		return nil, err
	}
	flat := make([]float64, 0, shape.Size())
	flat, err = flattenRecursive(flat, value)
	if err != nil {
		return nil, err
	}
	return &Local{shape: shape, flat: flat}, nil
}

func flattenRecursive(flat []float64, value any) ([]float64, error) {
	switch v := value.(type) {
	case float16.Float16:
		return append(flat, float64(v.Float32())), nil
	case float32:
		return append(flat, float64(v)), nil
	case float64:
		return append(flat, v), nil
	case int:
		return append(flat, float64(v)), nil
	case int8:
		return append(flat, float64(v)), nil
	case int16:
		return append(flat, float64(v)), nil
	case int32:
		return append(flat, float64(v)), nil
	case int64:
		return append(flat, float64(v)), nil
	case uint8:
		return append(flat, float64(v)), nil
	case uint16:
		return append(flat, float64(v)), nil
	case uint32:
		return append(flat, float64(v)), nil
	case uint64:
		return append(flat, float64(v)), nil
	}
	switch v := value.(type) {
	case []float16.Float16:
		for _, e := range v {
			flat = append(flat, float64(e.Float32()))
		}
		return flat, nil
	case []float32:
		for _, e := range v {
			flat = append(flat, float64(e))
		}
		return flat, nil
	case []float64:
		return append(flat, v...), nil
	}
	// Multi-level slices: handled generically through the empty interface.
	slice, ok := anyToSlice(value)
	if !ok {
		return nil, errors.Errorf("tensors.FromValue: unsupported element type %T", value)
	}
	var err error
	for _, e := range slice {
		flat, err = flattenRecursive(flat, e)
		if err != nil {
			return nil, err
		}
	}
	return flat, nil
}

func anyToSlice(value any) ([]any, bool) {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// Fill creates a Local with every element set to value.
func Fill(dtype dtypes.DType, value float64, dimensions ...int) *Local {
	shape := shapes.Make(dtype, dimensions...)
	flat := make([]float64, shape.Size())
	for i := range flat {
		flat[i] = value
	}
	return &Local{shape: shape, flat: flat}
}

// Iota creates a Local whose flat row-major values are 0, 1, 2, ... -- handy to
// tell shards apart in tests.
func Iota(dtype dtypes.DType, dimensions ...int) *Local {
	shape := shapes.Make(dtype, dimensions...)
	flat := make([]float64, shape.Size())
	for i := range flat {
		flat[i] = float64(i)
	}
	return &Local{shape: shape, flat: flat}
}

// Shape returns the tensor's shape. It implements shapes.HasShape.
func (t *Local) Shape() shapes.Shape { return t.shape }

// DType returns the tensor's element dtype.
func (t *Local) DType() dtypes.DType { return t.shape.DType }

// Rank returns the number of axes.
func (t *Local) Rank() int { return t.shape.Rank() }

// Dim returns the dimension of the given axis (negative axis counts from the end).
func (t *Local) Dim(axis int) int { return t.shape.Dim(axis) }

// Size returns the number of elements.
func (t *Local) Size() int { return len(t.flat) }

// Flat returns the underlying flat row-major buffer. It is not a copy: mutating it
// mutates the tensor.
func (t *Local) Flat() []float64 { return t.flat }

// Clone returns a deep copy, so later mutation doesn't alias the original.
func (t *Local) Clone() *Local {
	return &Local{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// Equal returns whether both tensors have the same shape and exactly equal values.
func (t *Local) Equal(other *Local) bool {
	return t.shape.Equal(other.shape) && slices.Equal(t.flat, other.flat)
}

// EqualApprox returns whether both tensors have the same shape and values equal
// within the given relative tolerance (see gonum's floats.EqualApprox).
func (t *Local) EqualApprox(other *Local, tolerance float64) bool {
	return t.shape.Equal(other.shape) && floats.EqualApprox(t.flat, other.flat, tolerance)
}

// String pretty-prints the shape and a prefix of the values.
func (t *Local) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Local%s{", t.shape)
	const maxElements = 16
	for i, v := range t.flat {
		if i >= maxElements {
			sb.WriteString(", ...")
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteString("}")
	return sb.String()
}

// Scale returns a new tensor with every element multiplied by factor.
func (t *Local) Scale(factor float64) *Local {
	result := t.Clone()
	floats.Scale(factor, result.flat)
	return result
}

// outerInner returns the row-major strides around the given axis: outer is the
// number of independent blocks, inner the number of contiguous elements per index
// of the axis.
func (t *Local) outerInner(axis int) (outer, inner int) {
	outer, inner = 1, 1
	for a := 0; a < axis; a++ {
		outer *= t.shape.Dimensions[a]
	}
	for a := axis + 1; a < t.Rank(); a++ {
		inner *= t.shape.Dimensions[a]
	}
	return
}

// Split cuts the tensor into contiguous chunks along the given axis with the given
// sizes (which must sum to the axis dimension). The chunks are copies, not views.
func (t *Local) Split(axis int, sizes []int) ([]*Local, error) {
	if !t.shape.ValidAxis(axis) {
		return nil, errors.Errorf("tensors.Split: axis %d out-of-bounds for shape %s", axis, t.shape)
	}
	total := 0
	for _, size := range sizes {
		total += size
	}
	if total != t.Dim(axis) {
		return nil, errors.Errorf("tensors.Split: chunk sizes %v sum to %d, axis %d of shape %s has dimension %d",
			sizes, total, axis, t.shape, t.Dim(axis))
	}
	outer, inner := t.outerInner(axis)
	axisDim := t.Dim(axis)
	chunks := make([]*Local, len(sizes))
	offset := 0
	for c, size := range sizes {
		chunkShape := t.shape.WithDim(axis, size)
		chunk := &Local{shape: chunkShape, flat: make([]float64, chunkShape.Size())}
		for o := 0; o < outer; o++ {
			src := (o*axisDim + offset) * inner
			dst := o * size * inner
			copy(chunk.flat[dst:dst+size*inner], t.flat[src:src+size*inner])
		}
		chunks[c] = chunk
		offset += size
	}
	return chunks, nil
}

// Concat concatenates the given tensors along the given axis. All parts must share
// dtype and every dimension except the concatenation axis.
func Concat(parts []*Local, axis int) (*Local, error) {
	if len(parts) == 0 {
		return nil, errors.New("tensors.Concat: no tensors to concatenate")
	}
	first := parts[0]
	if !first.shape.ValidAxis(axis) {
		return nil, errors.Errorf("tensors.Concat: axis %d out-of-bounds for shape %s", axis, first.shape)
	}
	axisTotal := 0
	for i, part := range parts {
		if part.DType() != first.DType() || part.Rank() != first.Rank() {
			return nil, errors.Errorf("tensors.Concat: tensor #%d has shape %s, incompatible with %s",
				i, part.shape, first.shape)
		}
		for a := 0; a < first.Rank(); a++ {
			if a != axis && part.Dim(a) != first.Dim(a) {
				return nil, errors.Errorf("tensors.Concat: tensor #%d has shape %s, axis %d differs from %s",
					i, part.shape, a, first.shape)
			}
		}
		axisTotal += part.Dim(axis)
	}
	outShape := first.shape.WithDim(axis, axisTotal)
	out := &Local{shape: outShape, flat: make([]float64, outShape.Size())}
	outer, inner := out.outerInner(axis)
	offset := 0
	for _, part := range parts {
		size := part.Dim(axis)
		for o := 0; o < outer; o++ {
			src := o * size * inner
			dst := (o*axisTotal + offset) * inner
			copy(out.flat[dst:dst+size*inner], part.flat[src:src+size*inner])
		}
		offset += size
	}
	return out, nil
}

// ReduceFn combines two equally-shaped flat buffers elementwise, accumulating into dst.
type ReduceFn func(dst, src []float64)

// Predefined elementwise combiners for the supported reductions. Sum and Product
// use gonum's vectorized slice ops.
var (
	ReduceSumFn ReduceFn = func(dst, src []float64) { floats.Add(dst, src) }

	ReduceProductFn ReduceFn = func(dst, src []float64) { floats.Mul(dst, src) }

	ReduceMaxFn ReduceFn = func(dst, src []float64) {
		for i, v := range src {
			dst[i] = math.Max(dst[i], v)
		}
	}

	ReduceMinFn ReduceFn = func(dst, src []float64) {
		for i, v := range src {
			dst[i] = math.Min(dst[i], v)
		}
	}
)

// Reduce combines the given equally-shaped tensors elementwise into a new tensor.
// It panics if the shapes don't all match -- collectives always present aligned
// contributions.
func Reduce(fn ReduceFn, parts ...*Local) *Local {
	if len(parts) == 0 {
		exceptions.Panicf("tensors.Reduce: no tensors to reduce")
	}
	result := parts[0].Clone()
	for _, part := range parts[1:] {
		if !part.shape.Equal(result.shape) {
			exceptions.Panicf("tensors.Reduce: mismatched shapes %s and %s", result.shape, part.shape)
		}
		fn(result.flat, part.flat)
	}
	return result
}
