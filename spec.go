package dtensor

import (
	"fmt"
	"strings"

	"github.com/gomlx/dtensor/types/mesh"
	"github.com/gomlx/dtensor/types/placements"
	"github.com/gomlx/dtensor/types/shapes"
	"github.com/pkg/errors"
)

// Spec describes the layout of a distributed tensor: the mesh it lives on, one
// Placement per mesh axis, and the global (logical) shape of the tensor.
//
// A Spec is immutable after creation; create it with NewSpec. Two Specs are
// compatible for redistribution only when they reference the same *mesh.DeviceMesh
// identity -- redistributing between different meshes fails with ErrCrossMesh.
type Spec struct {
	mesh        *mesh.DeviceMesh
	placements  []placements.Placement
	globalShape shapes.Shape
}

// NewSpec creates a layout Spec for a tensor with the given global shape, placed
// on the mesh according to the given placements, one per mesh axis.
//
// It validates that there is exactly one placement per mesh axis and that every
// Shard placement refers to a valid tensor axis.
func NewSpec(m *mesh.DeviceMesh, placing []placements.Placement, globalShape shapes.Shape) (*Spec, error) {
	if m == nil {
		return nil, errors.New("NewSpec: mesh cannot be nil")
	}
	if len(placing) != m.Rank() {
		return nil, errors.Errorf("NewSpec: %d placements for mesh %s of rank %d -- one placement per mesh axis required",
			len(placing), m, m.Rank())
	}
	if !globalShape.Ok() {
		return nil, errors.Errorf("NewSpec: invalid global shape %s", globalShape)
	}
	for i, p := range placing {
		if p == nil {
			return nil, errors.Errorf("NewSpec: placement for mesh axis %d is nil", i)
		}
		if shard, ok := p.(placements.Shard); ok {
			if !globalShape.ValidAxis(shard.Axis) {
				return nil, errors.Errorf("NewSpec: placement %s at mesh axis %d refers to an invalid axis of the global shape %s",
					shard, i, globalShape)
			}
		}
		if partial, ok := p.(placements.Partial); ok {
			if !partial.Op.Valid() {
				return nil, errors.Errorf("NewSpec: placement %s at mesh axis %d has an invalid reduce op", partial, i)
			}
		}
	}
	return &Spec{
		mesh:        m,
		placements:  append([]placements.Placement(nil), placing...),
		globalShape: globalShape.Clone(),
	}, nil
}

// Mesh returns the DeviceMesh the layout refers to.
func (s *Spec) Mesh() *mesh.DeviceMesh { return s.mesh }

// Placements returns a copy of the per-mesh-axis placements.
func (s *Spec) Placements() []placements.Placement {
	return append([]placements.Placement(nil), s.placements...)
}

// Placement returns the placement along the given mesh axis.
func (s *Spec) Placement(meshAxis int) placements.Placement { return s.placements[meshAxis] }

// GlobalShape returns a copy of the global (logical) tensor shape.
func (s *Spec) GlobalShape() shapes.Shape { return s.globalShape.Clone() }

// Equal returns whether both specs reference the same mesh identity and have equal
// placements and global shape.
func (s *Spec) Equal(other *Spec) bool {
	if s.mesh != other.mesh || !s.globalShape.Equal(other.globalShape) {
		return false
	}
	if len(s.placements) != len(other.placements) {
		return false
	}
	for i, p := range s.placements {
		if p != other.placements[i] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer: e.g. "Spec(mesh=DeviceMesh(x: 4), [Shard(0)], (Float32)[8 4])".
func (s *Spec) String() string {
	var sb strings.Builder
	sb.WriteString("Spec(mesh=")
	sb.WriteString(s.mesh.String())
	sb.WriteString(", [")
	for i, p := range s.placements {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.String())
	}
	fmt.Fprintf(&sb, "], %s)", s.globalShape)
	return sb.String()
}

// cacheKey is a canonical representation of the spec used to key the plan cache.
// Mesh identity (the pointer) and topology are both part of the key: the pointer
// separates live meshes, the topology guards against a recycled address.
func (s *Spec) cacheKey() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%p|%s|%s|", s.mesh, s.mesh, s.globalShape)
	for _, p := range s.placements {
		sb.WriteString(p.String())
		sb.WriteString(";")
	}
	return sb.String()
}
