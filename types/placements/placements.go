// Package placements defines how a tensor axis is distributed along one axis of a
// DeviceMesh: Replicate (every device holds the full data), Shard (each device
// holds one contiguous chunk of a tensor axis) or Partial (each device holds an
// unreduced contribution, pending a reduction).
//
// A Placement describes the distribution along exactly one mesh axis; a full layout
// of a distributed tensor is a sequence of Placements, one per mesh axis (see the
// dtensor.Spec type).
//
// Placement is a closed sum type: the only implementations are Replicate, Shard and
// Partial, all comparable value types, so placements can be compared with ==.
package placements

import (
	"fmt"
)

// Placement describes how a tensor is distributed along one mesh axis.
//
// It is a sealed interface: Replicate, Shard and Partial are the only
// implementations. All are comparable value types, so two Placement values can be
// compared directly with ==.
type Placement interface {
	fmt.Stringer

	// IsReplicate returns whether this is a Replicate placement.
	IsReplicate() bool

	// IsShard returns whether this is a Shard placement.
	IsShard() bool

	// IsPartial returns whether this is a Partial placement.
	IsPartial() bool

	// sealed prevents implementations outside this package, keeping the sum type
	// closed so transition dispatch can be exhaustive.
	sealed()
}

// Replicate places the full tensor on every device along the mesh axis.
type Replicate struct{}

func (Replicate) IsReplicate() bool { return true }
func (Replicate) IsShard() bool     { return false }
func (Replicate) IsPartial() bool   { return false }
func (Replicate) sealed()           {}

func (Replicate) String() string { return "Replicate()" }

// Shard cuts the tensor into contiguous chunks along the tensor axis Axis, one
// chunk per device coordinate of the mesh axis.
type Shard struct {
	// Axis is the tensor axis being sharded. It must be a valid axis of the
	// logical tensor at the point the placement is applied.
	Axis int
}

func (Shard) IsReplicate() bool { return false }
func (Shard) IsShard() bool     { return true }
func (Shard) IsPartial() bool   { return false }
func (Shard) sealed()           {}

func (s Shard) String() string { return fmt.Sprintf("Shard(%d)", s.Axis) }

// ChunkSizes returns the sizes of the numChunks contiguous chunks a tensor axis of
// the given dimension is cut into: sizes always sum exactly to dim, and earlier
// coordinates receive the larger chunks.
//
// E.g. dim=7, numChunks=3 -> [3, 2, 2].
func (s Shard) ChunkSizes(dim, numChunks int) []int {
	base := dim / numChunks
	remainder := dim % numChunks
	sizes := make([]int, numChunks)
	for i := range sizes {
		sizes[i] = base
		if i < remainder {
			sizes[i]++
		}
	}
	return sizes
}

// LocalSizeAndOffset returns the size of the local chunk and its offset within the
// tensor axis, for the device at the given coordinate of a mesh axis with
// numChunks devices. The split policy is the one of ChunkSizes.
func (s Shard) LocalSizeAndOffset(dim, numChunks, coordinate int) (size, offset int) {
	base := dim / numChunks
	remainder := dim % numChunks
	size = base
	if coordinate < remainder {
		size++
	}
	offset = coordinate*base + min(coordinate, remainder)
	return
}

// Partial marks the local tensor as an unreduced contribution: the logical value
// along this mesh axis is the reduction (with Op) of every device's local tensor.
type Partial struct {
	// Op is the pending reduction operation. The zero value is ReduceSum.
	Op ReduceOp
}

func (Partial) IsReplicate() bool { return false }
func (Partial) IsShard() bool     { return false }
func (Partial) IsPartial() bool   { return true }
func (Partial) sealed()           {}

func (p Partial) String() string {
	if p.Op == ReduceSum {
		return "Partial()"
	}
	return fmt.Sprintf("Partial(%s)", p.Op)
}
