package dtensor

import (
	"github.com/gomlx/dtensor/types/mesh"
	"github.com/gomlx/dtensor/types/placements"
	"github.com/gomlx/dtensor/types/shapes"
	"github.com/gomlx/dtensor/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// reduceFnFor maps a ReduceOp to its elementwise combiner.
func reduceFnFor(op placements.ReduceOp) (tensors.ReduceFn, error) {
	switch op {
	case placements.ReduceSum:
		return tensors.ReduceSumFn, nil
	case placements.ReduceProduct:
		return tensors.ReduceProductFn, nil
	case placements.ReduceMax:
		return tensors.ReduceMaxFn, nil
	case placements.ReduceMin:
		return tensors.ReduceMinFn, nil
	}
	return nil, errors.Errorf("unknown reduce op %s", op)
}

// shardToReplicate gathers the shards along the mesh axis and reassembles the
// tensor the shard placement had split, checking the result against the logical
// shape recorded in the plan. Uneven shards are fine: each participant
// contributes its true chunk size (trailing chunks may be short or empty).
func shardToReplicate(p *mesh.Process, local *tensors.Local, meshAxis int,
	shard placements.Shard, logicalShape shapes.Shape) (*tensors.Local, error) {
	gathered, err := p.AllGather(meshAxis, local)
	if err != nil {
		return nil, err
	}
	full, err := tensors.Concat(gathered, shard.Axis)
	if err != nil {
		return nil, err
	}
	if !full.Shape().EqualDimensions(logicalShape) {
		return nil, errors.Errorf("all-gather along mesh axis %d produced shape %s, want logical shape %s",
			meshAxis, full.Shape(), logicalShape)
	}
	return full, nil
}

// splitToShard cuts the full tensor into one contiguous chunk per device of the
// mesh axis (no padding, earlier coordinates take the larger chunks) and returns
// this process's chunk. The chunk is a copy, so later mutation does not alias
// the input.
func splitToShard(p *mesh.Process, full *tensors.Local, meshAxis int,
	shard placements.Shard) (*tensors.Local, error) {
	numChunks, err := p.Mesh().AxisSize(meshAxis)
	if err != nil {
		return nil, err
	}
	coords, _ := p.Coordinate()
	sizes := shard.ChunkSizes(full.Dim(shard.Axis), numChunks)
	chunks, err := full.Split(shard.Axis, sizes)
	if err != nil {
		return nil, err
	}
	return chunks[coords[meshAxis]], nil
}

// partialToReplicate clears the pending reduction with an all-reduce along the
// mesh axis.
func partialToReplicate(p *mesh.Process, local *tensors.Local, meshAxis int,
	partial placements.Partial) (*tensors.Local, error) {
	fn, err := reduceFnFor(partial.Op)
	if err != nil {
		return nil, err
	}
	return p.AllReduce(meshAxis, local, fn)
}

// RedistributeLocal transforms this process's local shard of a distributed
// tensor from the current layout Spec to the target Spec, issuing the necessary
// collectives along the way.
//
// backward selects the gradient-direction semantics, which differ only for the
// Replicate->Partial transition: forward divides the local tensor by the number
// of devices of the mesh axis, so the pending sum reconstructs the original
// value; backward passes the gradient through unchanged (re-dividing gradients
// would be undone by the later reduction anyway).
//
// A process that isn't part of the mesh gets its input back unchanged, without
// any communication. Cross-mesh redistribution fails with ErrCrossMesh before
// any communication happens.
func RedistributeLocal(p *mesh.Process, local *tensors.Local, current, target *Spec, backward bool) (*tensors.Local, error) {
	if current.Mesh() != target.Mesh() {
		return nil, errors.Wrapf(ErrCrossMesh, "from %s to %s", current, target)
	}
	if !p.InMesh() {
		// Not a participant: nothing to do, typically an empty tensor.
		return local, nil
	}

	plan, err := planFor(p, current, target)
	if err != nil {
		return nil, err
	}

	var result *tensors.Local
	for _, step := range plan.steps {
		if step.src == step.dst {
			// Short cut, keep the local tensor as is.
			result = local
			continue
		}
		klog.V(2).Infof("dtensor: rank %d executing step %s", p.Rank(), step)
		numChunks, err := p.Mesh().AxisSize(step.meshAxis)
		if err != nil {
			return nil, err
		}

		switch dst := step.dst.(type) {
		case placements.Replicate:
			switch src := step.src.(type) {
			case placements.Partial:
				result, err = partialToReplicate(p, local, step.meshAxis, src)
			case placements.Shard:
				result, err = shardToReplicate(p, local, step.meshAxis, src, step.logicalShape)
			default:
				err = errors.Wrapf(ErrUnsupportedTransition, "from %s to %s at mesh axis %d",
					step.src, step.dst, step.meshAxis)
			}
			if err != nil {
				return nil, err
			}

		case placements.Shard:
			switch src := step.src.(type) {
			case placements.Partial:
				// Reduce-to-shard: clear the pending reduction, then keep only
				// this process's chunk (the reduce-scatter equivalent).
				reduced, reduceErr := partialToReplicate(p, local, step.meshAxis, src)
				if reduceErr != nil {
					return nil, reduceErr
				}
				result, err = splitToShard(p, reduced, step.meshAxis, dst)
			case placements.Replicate:
				result, err = splitToShard(p, local, step.meshAxis, dst)
			case placements.Shard:
				if src.Axis == dst.Axis {
					// Aligned same-axis shardings short-circuit above, and
					// misaligned ones were decomposed by the planner.
					return nil, errors.Wrapf(ErrPlanInvariant,
						"shard-to-shard step on the same tensor axis %d survived planning", src.Axis)
				}
				// Fallback path: replicate along this mesh axis, then re-shard.
				// A dedicated all-to-all based exchange would avoid
				// materializing the full tensor.
				full, gatherErr := shardToReplicate(p, local, step.meshAxis, src, step.logicalShape)
				if gatherErr != nil {
					return nil, gatherErr
				}
				result, err = splitToShard(p, full, step.meshAxis, dst)
			}
			if err != nil {
				return nil, err
			}

		case placements.Partial:
			if !step.src.IsReplicate() {
				return nil, errors.Wrapf(ErrUnsupportedTransition, "from %s to %s at mesh axis %d",
					step.src, step.dst, step.meshAxis)
			}
			if backward {
				// Gradients flowing backward through a Replicate->Partial
				// forward transform are not re-divided.
				result = local
			} else {
				result = local.Scale(1 / float64(numChunks))
			}
		}

		if result == nil {
			return nil, errors.Wrapf(ErrPlanInvariant, "step %s produced no result", step)
		}
		local = result
	}

	if len(plan.steps) > 0 && result == nil {
		return nil, errors.WithStack(ErrPlanInvariant)
	}
	if result == nil {
		result = local
	}
	return result, nil
}
