// Package dtensor implements redistribution of distributed tensors: given a
// tensor sharded, replicated or partially-reduced across a DeviceMesh according
// to a source layout Spec, it computes and executes the minimal sequence of
// collective operations (split, concatenate, all-gather, reduce) that moves the
// tensor to a target layout Spec while preserving its logical value.
//
// The building blocks live in the types/ sub-packages: placements (Replicate,
// Shard, Partial), mesh (DeviceMesh topology and collectives), tensors (the
// local dense shards) and shapes. This package adds the layout Spec, the
// transform plan generator with its cache, the local executor
// (RedistributeLocal) and the differentiable Redistribute operation.
//
// Redistribution is SPMD: every process of the mesh must call the same entry
// points in the same order. The plan depends only on the layout specs, never on
// local tensor data, so all processes execute identical plans and the
// collectives stay aligned.
package dtensor

import (
	"fmt"

	"github.com/gomlx/dtensor/types/mesh"
	"github.com/gomlx/dtensor/types/placements"
	"github.com/gomlx/dtensor/types/shapes"
	"github.com/gomlx/dtensor/types/tensors"
	"github.com/pkg/errors"
)

// DTensor is one process's handle of a distributed tensor: the local shard, the
// layout Spec describing how the logical tensor is placed on the mesh, and the
// process's membership handle.
type DTensor struct {
	proc         *mesh.Process
	local        *tensors.Local
	spec         *Spec
	requiresGrad bool
}

// FromLocal wraps a local shard into a DTensor with the given layout Spec.
//
// It validates that the local shard has the shape the Spec implies for this
// process's coordinate (processes outside the mesh hold whatever they want,
// typically an empty tensor).
func FromLocal(p *mesh.Process, local *tensors.Local, spec *Spec) (*DTensor, error) {
	if p.Mesh() != spec.Mesh() {
		return nil, errors.Errorf("FromLocal: process belongs to mesh %s, spec references mesh %s",
			p.Mesh(), spec.Mesh())
	}
	if coords, ok := p.Coordinate(); ok {
		want, err := spec.LocalShape(coords)
		if err != nil {
			return nil, err
		}
		if !local.Shape().EqualDimensions(want) {
			return nil, errors.Errorf("FromLocal: local shard has shape %s, spec %s implies %s at coordinate %v",
				local.Shape(), spec, want, coords)
		}
	}
	return &DTensor{proc: p, local: local, spec: spec}, nil
}

// LocalShape returns the shape of the local shard held by the process at the
// given mesh coordinate: the global shape with every sharded tensor axis
// successively cut down by the per-axis chunk policy.
func (s *Spec) LocalShape(coords []int) (shapes.Shape, error) {
	if len(coords) != s.mesh.Rank() {
		return shapes.Invalid(), errors.Errorf("LocalShape: coordinate %v doesn't match mesh rank %d",
			coords, s.mesh.Rank())
	}
	localShape := s.globalShape.Clone()
	for i, p := range s.placements {
		shard, ok := p.(placements.Shard)
		if !ok {
			continue
		}
		axisSize, err := s.mesh.AxisSize(i)
		if err != nil {
			return shapes.Invalid(), err
		}
		size, _ := shard.LocalSizeAndOffset(localShape.Dim(shard.Axis), axisSize, coords[i])
		localShape = localShape.WithDim(shard.Axis, size)
	}
	return localShape, nil
}

// Process returns the process membership handle this DTensor belongs to.
func (t *DTensor) Process() *mesh.Process { return t.proc }

// Local returns the process's local shard.
func (t *DTensor) Local() *tensors.Local { return t.local }

// Spec returns the layout spec of the distributed tensor.
func (t *DTensor) Spec() *Spec { return t.spec }

// GlobalShape returns the global (logical) shape of the distributed tensor.
func (t *DTensor) GlobalShape() shapes.Shape { return t.spec.GlobalShape() }

// RequiresGrad returns whether the tensor participates in gradient tracking.
func (t *DTensor) RequiresGrad() bool { return t.requiresGrad }

// SetRequiresGrad switches gradient tracking on or off, returning the tensor
// for chaining.
func (t *DTensor) SetRequiresGrad(value bool) *DTensor {
	t.requiresGrad = value
	return t
}

// String implements fmt.Stringer.
func (t *DTensor) String() string {
	return fmt.Sprintf("DTensor(rank=%d, local=%s, %s)", t.proc.Rank(), t.local.Shape(), t.spec)
}

// FullTensor redistributes to a fully replicated layout and returns the local
// (now full) tensor. Every process of the mesh must call it together.
func (t *DTensor) FullTensor() (*tensors.Local, error) {
	replicated := make([]placements.Placement, t.spec.Mesh().Rank())
	for i := range replicated {
		replicated[i] = placements.Replicate{}
	}
	target, err := NewSpec(t.spec.Mesh(), replicated, t.spec.globalShape)
	if err != nil {
		return nil, err
	}
	return RedistributeLocal(t.proc, t.local, t.spec, target, false)
}
