package dtensor

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gomlx/dtensor/types/mesh"
	"github.com/gomlx/dtensor/types/placements"
	"github.com/gomlx/dtensor/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// transformStep is one primitive move of a transform plan: transition from src to
// dst placement along one mesh axis.
type transformStep struct {
	// meshAxis is the mesh axis the transition communicates along.
	meshAxis int

	// src and dst are the source and destination placements at meshAxis.
	src, dst placements.Placement

	// logicalShape is the shape of the tensor as observed at meshAxis: the
	// global shape with every tensor axis already consumed by an earlier
	// (outer) Shard replaced by this process's local chunk size.
	logicalShape shapes.Shape
}

func (s transformStep) String() string {
	return fmt.Sprintf("{axis=%d %s->%s logical=%s}", s.meshAxis, s.src, s.dst, s.logicalShape)
}

// Plan is an immutable ordered sequence of transform steps that turns a tensor
// laid out as the source Spec into the target Spec. Every process of the mesh
// executes the identical step sequence, which keeps the underlying collectives
// aligned.
type Plan struct {
	steps []transformStep
}

// NumSteps returns the number of primitive steps of the plan.
func (p *Plan) NumSteps() int { return len(p.steps) }

// String implements fmt.Stringer.
func (p *Plan) String() string {
	parts := make([]string, len(p.steps))
	for i, s := range p.steps {
		parts[i] = s.String()
	}
	return "Plan[" + strings.Join(parts, ", ") + "]"
}

// replicateThenShard is the reordering key of a transform step.
//
// Replication unwinds from the innermost mesh axis outward, and sharding applies
// from the outermost mesh axis inward, matching the nesting of the device grid:
// a Shard->Replicate (or Shard->Partial) step sorts by -meshAxis, a
// Replicate/Partial->Shard step sorts by +meshAxis, everything else keeps its
// position (key 0, stable sort).
func replicateThenShard(s transformStep) int {
	if (s.dst.IsReplicate() || s.dst.IsPartial()) && s.src.IsShard() {
		return -s.meshAxis
	}
	if (s.src.IsReplicate() || s.src.IsPartial()) && s.dst.IsShard() {
		return s.meshAxis
	}
	return 0
}

// genPlan computes the transform plan turning src into dst for the process with
// the given mesh coordinate.
//
// Walking mesh axes outermost to innermost it tracks (a) the logical shape
// observed at each axis -- a Shard consumes part of a tensor axis, so inner axes
// observe the local chunk size -- and (b) how many earlier mesh axes sharded each
// tensor axis, separately for src and dst. A Shard->Shard transition whose two
// shardings are not aligned sub-shards of the same split (different tensor axis,
// or different count of prior shardings) cannot be performed with local data
// movement, so it decomposes into Shard->Replicate followed by
// Replicate->Shard.
func genPlan(m *mesh.DeviceMesh, coords []int, src, dst *Spec) (*Plan, error) {
	srcCounts := make(map[int]int)
	dstCounts := make(map[int]int)
	meshRank := m.Rank()
	steps := make([]transformStep, 0, meshRank)

	logicalShape := src.GlobalShape()
	for i := 0; i < meshRank; i++ {
		srcP, dstP := src.placements[i], dst.placements[i]
		current := logicalShape

		next := current
		if shard, ok := srcP.(placements.Shard); ok {
			srcCounts[shard.Axis]++
			if i < meshRank-1 {
				axisSize, err := m.AxisSize(i)
				if err != nil {
					return nil, err
				}
				localSize, _ := shard.LocalSizeAndOffset(current.Dim(shard.Axis), axisSize, coords[i])
				next = current.WithDim(shard.Axis, localSize)
			}
		}
		if shard, ok := dstP.(placements.Shard); ok {
			dstCounts[shard.Axis]++
		}

		srcShard, srcIsShard := srcP.(placements.Shard)
		dstShard, dstIsShard := dstP.(placements.Shard)
		if srcIsShard && dstIsShard &&
			(srcShard.Axis != dstShard.Axis || srcCounts[srcShard.Axis] != dstCounts[dstShard.Axis]) {
			steps = append(steps,
				transformStep{meshAxis: i, src: srcShard, dst: placements.Replicate{}, logicalShape: current},
				transformStep{meshAxis: i, src: placements.Replicate{}, dst: dstShard, logicalShape: current})
		} else {
			steps = append(steps,
				transformStep{meshAxis: i, src: srcP, dst: dstP, logicalShape: current})
		}
		logicalShape = next
	}

	sort.SliceStable(steps, func(a, b int) bool {
		return replicateThenShard(steps[a]) < replicateThenShard(steps[b])
	})
	plan := &Plan{steps: steps}
	klog.V(2).Infof("dtensor: plan %s -> %s: %s", src, dst, plan)
	return plan, nil
}

// planCache memoizes plans keyed by (process coordinate, source spec, target
// spec). It is read-mostly: concurrent lookups are cheap, and two goroutines
// computing the same key concurrently is harmless (the plan is deterministic,
// last write wins).
type planCache struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

var plans = &planCache{plans: make(map[string]*Plan)}

// ResetPlanCache drops every memoized transform plan. Callers that keep creating
// transient meshes or layouts with unique shapes can use it to bound memory; the
// cache itself is unbounded.
func ResetPlanCache() {
	plans.mu.Lock()
	defer plans.mu.Unlock()
	plans.plans = make(map[string]*Plan)
}

// planFor returns the (possibly cached) plan turning current into target for the
// given process.
func planFor(p *mesh.Process, current, target *Spec) (*Plan, error) {
	if current.Mesh() != target.Mesh() {
		return nil, errors.Wrapf(ErrCrossMesh, "from %s to %s", current, target)
	}
	coords, ok := p.Coordinate()
	if !ok {
		return nil, errors.Errorf("process rank %d is not part of mesh %s", p.Rank(), p.Mesh())
	}

	key := fmt.Sprintf("%d|%s->%s", p.Rank(), current.cacheKey(), target.cacheKey())
	plans.mu.RLock()
	plan, found := plans.plans[key]
	plans.mu.RUnlock()
	if found {
		return plan, nil
	}

	plan, err := genPlan(current.Mesh(), coords, current, target)
	if err != nil {
		return nil, err
	}
	plans.mu.Lock()
	plans.plans[key] = plan
	plans.mu.Unlock()
	return plan, nil
}
