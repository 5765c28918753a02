package mesh

import (
	"slices"

	"github.com/gomlx/dtensor/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Process is one process's membership handle within a DeviceMesh: it knows the
// process's coordinate and provides the per-mesh-axis collective operations.
//
// Obtain it with DeviceMesh.Participant. A Process is used by a single goroutine
// at a time (one goroutine per rank in the loopback runtime).
type Process struct {
	mesh   *DeviceMesh
	rank   int
	coords []int
	inMesh bool
}

// Mesh returns the DeviceMesh this process belongs to.
func (p *Process) Mesh() *DeviceMesh { return p.mesh }

// Rank returns the process rank.
func (p *Process) Rank() int { return p.rank }

// InMesh returns whether the process owns a coordinate of the mesh.
func (p *Process) InMesh() bool { return p.inMesh }

// Coordinate returns a copy of the process's mesh coordinate, one index per mesh
// axis, and ok=false when the process is not part of the mesh.
func (p *Process) Coordinate() (coords []int, ok bool) {
	if !p.inMesh {
		return nil, false
	}
	return slices.Clone(p.coords), true
}

// AllGather exchanges the local tensor with the peers along the given mesh axis
// and returns every participant's tensor, ordered by the peers' coordinate on
// that axis (the caller's own tensor included). Shapes may differ between
// participants: uneven shards are returned as-is, the caller reassembles them.
//
// Every process of the group must call AllGather along the same axis, in the
// same program order, or the collective blocks forever.
func (p *Process) AllGather(axis int, local *tensors.Local) ([]*tensors.Local, error) {
	if !p.inMesh {
		return nil, errors.Errorf("process rank %d is not part of mesh %s", p.rank, p.mesh)
	}
	if axis < 0 || axis >= p.mesh.Rank() {
		return nil, errors.Errorf("mesh axis %d out-of-bounds for mesh rank %d", axis, p.mesh.Rank())
	}
	klog.V(2).Infof("rank %d: all-gather along mesh axis %d, local shape %s", p.rank, axis, local.Shape())
	return p.mesh.gather(p, axis, local), nil
}

// AllReduce combines the local tensors of all peers along the given mesh axis
// elementwise with fn and returns the combined tensor; all participants receive
// the same result. All local tensors must share the same shape.
func (p *Process) AllReduce(axis int, local *tensors.Local, fn tensors.ReduceFn) (*tensors.Local, error) {
	gathered, err := p.AllGather(axis, local)
	if err != nil {
		return nil, err
	}
	return tensors.Reduce(fn, gathered...), nil
}
