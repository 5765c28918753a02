// Package shapes defines Shape, the description of a dense tensor: its DType (see
// github.com/gomlx/gopjrt/dtypes) and its dimensions.
//
// A Shape describes both the global (logical) tensor of a distributed tensor and the
// local shard held by each process. Throughout the package "axis" refers to the index
// of a dimension, and "dimension" to its size.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the shape of a dense tensor: element DType and dimensions.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
// It panics if any dimension is negative. Zero-sized axes are allowed: an empty
// shard of an unevenly split tensor has dimension 0 on the split axis.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with negative dimension", s)
		}
	}
	return s
}

// Scalar returns a scalar (rank-0) Shape for the given Go numeric type.
func Scalar[T dtypes.Supported]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Invalid returns an invalid shape: Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. The zero value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axis counts from the end,
// so Dim(-1) is the last axis. It panics on an out-of-bounds axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// ValidAxis returns whether axis is a valid axis index of the shape.
func (s Shape) ValidAxis(axis int) bool {
	return axis >= 0 && axis < s.Rank()
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// HasShape is implemented by any value with an associated Shape.
type HasShape interface {
	Shape() Shape
}

// Size returns the number of DType elements needed for this shape: the product
// of all dimensions, or 1 for a scalar.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares dimensions only; dtypes may differ.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// WithDim returns a copy of the shape with the given axis set to dim.
// It panics on an out-of-bounds axis or a negative dim.
func (s Shape) WithDim(axis, dim int) Shape {
	if !s.ValidAxis(axis) {
		exceptions.Panicf("Shape.WithDim(%d, %d) out-of-bounds for rank %d (shape=%s)", axis, dim, s.Rank(), s)
	}
	if dim < 0 {
		exceptions.Panicf("Shape.WithDim(%d, %d): dimension must be >= 0 (shape=%s)", axis, dim, s)
	}
	s2 := s.Clone()
	s2.Dimensions[axis] = dim
	return s2
}

// String implements fmt.Stringer, pretty-printing the shape, e.g. "(Float32)[2 3]".
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid shape)"
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "(%s)%v", s.DType, s.Dimensions)
	return sb.String()
}
