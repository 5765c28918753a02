// Package mesh defines DeviceMesh, the logical multi-dimensional topology of the
// set of processes a distributed tensor lives on, and Process, one process's
// membership handle within a mesh.
//
// A DeviceMesh is an n-dimensional grid of devices with named axes, e.g. a 2x4
// mesh with axes ("data", "model"). Each participating process owns one
// coordinate of the grid. Collective operations (all-gather, all-reduce) are
// scoped to one mesh axis: the group of processes that share every coordinate
// except the one on that axis.
//
// The collective transport included here is a loopback runtime: every rank runs
// as a goroutine of the same OS process, and collectives rendezvous through
// shared memory. That is what tests (and single-host multi-"device" runs) use;
// the calling convention is the same one a networked transport would have, and
// every participant of a group must invoke the same collectives in the same
// order or the rendezvous blocks forever.
package mesh

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/dtensor/internal/utils"
	"github.com/pkg/errors"
)

// DeviceMesh defines the logical topology of a set of processes.
//
// Create it with NewDeviceMesh. A DeviceMesh is shared by all the ranks of the
// same process group (in the loopback runtime, by all rank goroutines); its
// topology is immutable after creation.
type DeviceMesh struct {
	name string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of devices in the mesh.
	numDevices int

	// rankOfPosition maps mesh position (row-major flat index) to process rank.
	// nil means the identity assignment.
	rankOfPosition []int

	// rendezvous holds the loopback collective meeting points, created lazily,
	// one per (axis, group) pair.
	mu         sync.Mutex
	rendezvous map[groupKey]*rendezvous
}

// NewDeviceMesh creates a new logical topology of a set of processes.
//
//   - name: the name of the mesh; it must be a valid identifier (see
//     utils.NormalizeIdentifier).
//   - axesSizes: the number of devices along each mesh axis, one value per axis.
//   - axesNames: the names of the mesh axes, one value per axis; also valid
//     identifiers.
//
// The default mapping of ranks to mesh positions is sequential (rank r owns the
// row-major position r), but it can be changed with
// DeviceMesh.SetRankAssignment.
func NewDeviceMesh(name string, axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}
	if name != utils.NormalizeIdentifier(name) {
		return nil, errors.Errorf("DeviceMesh name %q is not a valid identifier, suggestion %q",
			name, utils.NormalizeIdentifier(name))
	}

	axesNames = slices.Clone(axesNames)
	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, axisName := range axesNames {
		if axisName == "" {
			return nil, errors.Errorf("DeviceMesh axis name at index %d cannot be empty", i)
		}
		if axisName != utils.NormalizeIdentifier(axisName) {
			return nil, errors.Errorf("DeviceMesh axis name %q at index %d is not a valid identifier, suggestion %q",
				axisName, i, utils.NormalizeIdentifier(axisName))
		}
		if _, found := nameToAxis[axisName]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", axisName)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q must have size > 0, got %d", axisName, axesSizes[i])
		}
		nameToAxis[axisName] = i
		numDevices *= axesSizes[i]
	}

	return &DeviceMesh{
		name:       name,
		axesNames:  axesNames,
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
		rendezvous: make(map[groupKey]*rendezvous),
	}, nil
}

// Name returns the mesh name.
func (m *DeviceMesh) Name() string { return m.name }

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int { return m.numDevices }

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int { return len(m.axesSizes) }

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string { return slices.Clone(m.axesNames) }

// AxesSizes returns a copy of the mesh's axes sizes.
func (m *DeviceMesh) AxesSizes() []int { return slices.Clone(m.axesSizes) }

// AxisSize returns the number of devices along the given mesh axis index.
// It returns an error on an out-of-bounds axis.
func (m *DeviceMesh) AxisSize(axis int) (int, error) {
	if axis < 0 || axis >= len(m.axesSizes) {
		return 0, errors.Errorf("mesh axis %d out-of-bounds for mesh rank %d", axis, m.Rank())
	}
	return m.axesSizes[axis], nil
}

// AxisSizeByName returns the number of devices along the given mesh axis name.
func (m *DeviceMesh) AxisSizeByName(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString(")")
	return sb.String()
}

// SetRankAssignment sets the mapping of mesh positions (row-major flat indices,
// last axis fastest) to process ranks: ranks[position] is the rank owning that
// position.
//
// The length of ranks must equal NumDevices() and ranks must not repeat (they
// don't need to be contiguous: ranks not listed are simply not part of the mesh).
// Calling it with no arguments restores the sequential default.
func (m *DeviceMesh) SetRankAssignment(ranks ...int) error {
	if len(ranks) == 0 {
		m.rankOfPosition = nil
		return nil
	}
	if len(ranks) != m.numDevices {
		return errors.Errorf("ranks must have %d elements (NumDevices), got %d", m.numDevices, len(ranks))
	}
	seen := utils.MakeSet[int](m.numDevices)
	for _, rank := range ranks {
		if rank < 0 {
			return errors.Errorf("ranks must be >= 0, got %d", rank)
		}
		if seen.Has(rank) {
			return errors.Errorf("rank %d is duplicated in the assignment", rank)
		}
		seen.Insert(rank)
	}
	m.rankOfPosition = slices.Clone(ranks)
	return nil
}

// positionOfRank returns the row-major mesh position owned by the given process
// rank, or ok=false if the rank is not part of the mesh.
func (m *DeviceMesh) positionOfRank(rank int) (position int, ok bool) {
	if m.rankOfPosition == nil {
		if rank < 0 || rank >= m.numDevices {
			return 0, false
		}
		return rank, true
	}
	position = slices.Index(m.rankOfPosition, rank)
	if position < 0 {
		return 0, false
	}
	return position, true
}

// Coordinate returns the mesh coordinate (one index per mesh axis) owned by the
// given process rank. ok is false when the rank is not part of the mesh.
func (m *DeviceMesh) Coordinate(rank int) (coords []int, ok bool) {
	position, ok := m.positionOfRank(rank)
	if !ok {
		return nil, false
	}
	coords = make([]int, m.Rank())
	for i := m.Rank() - 1; i >= 0; i-- {
		coords[i] = position % m.axesSizes[i]
		position /= m.axesSizes[i]
	}
	return coords, true
}

// ReplicaGroups returns the groups of mesh positions participating together in a
// collective performed along the given mesh axes. Each group lists row-major
// mesh positions; positions within a group vary only on the given axes.
//
// Example:
//
//	m, _ := NewDeviceMesh("m", []int{2, 2}, []string{"batch", "data"})
//	m.ReplicaGroups(0)    // -> [][]int{{0, 2}, {1, 3}}
//	m.ReplicaGroups(1)    // -> [][]int{{0, 1}, {2, 3}}
//	m.ReplicaGroups(0, 1) // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ReplicaGroups(axes ...int) ([][]int, error) {
	axisSet := utils.MakeSet[int](len(axes))
	for _, axis := range axes {
		if axis < 0 || axis >= m.Rank() {
			return nil, errors.Errorf("mesh axis %d out-of-bounds for mesh rank %d", axis, m.Rank())
		}
		if axisSet.Has(axis) {
			return nil, errors.Errorf("mesh axis %d is duplicated: each axis can only appear once", axis)
		}
		axisSet.Insert(axis)
	}

	groupSize := 1
	for axis := range axisSet {
		groupSize *= m.axesSizes[axis]
	}
	numGroups := m.numDevices / groupSize
	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	for position := 0; position < m.numDevices; position++ {
		coords := make([]int, m.Rank())
		remaining := position
		for i := m.Rank() - 1; i >= 0; i-- {
			coords[i] = remaining % m.axesSizes[i]
			remaining /= m.axesSizes[i]
		}

		groupIdx, posInGroup := 0, 0
		groupMultiplier, posMultiplier := 1, 1
		for i := m.Rank() - 1; i >= 0; i-- {
			if axisSet.Has(i) {
				posInGroup += coords[i] * posMultiplier
				posMultiplier *= m.axesSizes[i]
			} else {
				groupIdx += coords[i] * groupMultiplier
				groupMultiplier *= m.axesSizes[i]
			}
		}
		groups[groupIdx][posInGroup] = position
	}
	return groups, nil
}

// Participant returns the Process handle for the given process rank. Ranks
// outside the mesh get a handle with InMesh() == false: they can still call the
// redistribution entry points, which become no-ops for them.
func (m *DeviceMesh) Participant(rank int) *Process {
	coords, ok := m.Coordinate(rank)
	return &Process{mesh: m, rank: rank, coords: coords, inMesh: ok}
}
