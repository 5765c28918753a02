package mesh

import (
	"slices"
	"sync"

	"github.com/gomlx/dtensor/types/tensors"
)

// groupKey identifies one collective group: the mesh axis the collective runs
// along, and the index of the group among the groups of that axis.
type groupKey struct {
	axis     int
	groupIdx int
}

// rendezvous is the loopback meeting point of one collective group. Collectives
// are issued in the same program order by every participant, so a single
// generation counter per group is enough to pair them up; the results of a
// finished generation are kept until every participant has picked them up, so a
// slow reader can never observe the next round's data.
type rendezvous struct {
	mu   sync.Mutex
	cond *sync.Cond

	size    int
	slots   []*tensors.Local
	arrived int
	gen     int
	results map[int][]*tensors.Local
	readers map[int]int
}

func newRendezvous(size int) *rendezvous {
	r := &rendezvous{
		size:    size,
		slots:   make([]*tensors.Local, size),
		results: make(map[int][]*tensors.Local),
		readers: make(map[int]int),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// round deposits local at position pos, blocks until all size participants of
// the current generation have deposited, and returns every participant's tensor
// in position order.
func (r *rendezvous) round(pos int, local *tensors.Local) []*tensors.Local {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen := r.gen
	r.slots[pos] = local
	r.arrived++
	if r.arrived == r.size {
		r.results[gen] = slices.Clone(r.slots)
		r.readers[gen] = r.size
		clear(r.slots)
		r.arrived = 0
		r.gen++
		r.cond.Broadcast()
	} else {
		for r.gen == gen {
			r.cond.Wait()
		}
	}

	row := r.results[gen]
	r.readers[gen]--
	if r.readers[gen] == 0 {
		delete(r.results, gen)
		delete(r.readers, gen)
	}
	return row
}

// gather runs one all-gather round for the process along the given mesh axis.
func (m *DeviceMesh) gather(p *Process, axis int, local *tensors.Local) []*tensors.Local {
	r, pos := m.groupOf(p, axis)
	return r.round(pos, local)
}

// groupOf returns the rendezvous of the group the process belongs to along the
// given mesh axis, and the process's position within that group (its coordinate
// on the axis). Rendezvous are created lazily and shared by all ranks.
func (m *DeviceMesh) groupOf(p *Process, axis int) (r *rendezvous, pos int) {
	// The group is identified by the coordinates on all other axes, flattened
	// row-major.
	groupIdx, multiplier := 0, 1
	for i := m.Rank() - 1; i >= 0; i-- {
		if i == axis {
			continue
		}
		groupIdx += p.coords[i] * multiplier
		multiplier *= m.axesSizes[i]
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := groupKey{axis: axis, groupIdx: groupIdx}
	r, found := m.rendezvous[key]
	if !found {
		r = newRendezvous(m.axesSizes[axis])
		m.rendezvous[key] = r
	}
	return r, p.coords[axis]
}
