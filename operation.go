package dtensor

import (
	"github.com/gomlx/dtensor/autodiff"
	"github.com/gomlx/dtensor/types/mesh"
	"github.com/gomlx/dtensor/types/placements"
	"github.com/pkg/errors"
)

// redistributeFunction is the differentiable redistribute operation: an
// autodiff.Function over DTensors whose non-tensor parameter (the target
// placements) is captured by the function value.
type redistributeFunction struct {
	placing []placements.Placement
}

// Forward captures the pre-transform Spec in the Context and redistributes the
// local shard to the target placements. The result keeps the input's global
// shape, dtype and gradient-tracking flag.
func (f *redistributeFunction) Forward(ctx *autodiff.Context, input *DTensor) (*DTensor, error) {
	currentSpec := input.spec
	ctx.Save(currentSpec)

	targetSpec, err := NewSpec(currentSpec.Mesh(), f.placing, currentSpec.globalShape)
	if err != nil {
		return nil, err
	}
	output, err := RedistributeLocal(input.proc, input.local, currentSpec, targetSpec, false)
	if err != nil {
		return nil, err
	}
	return &DTensor{
		proc:         input.proc,
		local:        output,
		spec:         targetSpec,
		requiresGrad: input.requiresGrad,
	}, nil
}

// Backward redistributes the upstream gradient back towards the layout captured
// before the forward transform, with one substitution: where the original
// placement was Partial but the upstream gradient's isn't, the gradient's
// target becomes Replicate instead. Converting the gradient back to Partial
// would be correct but wasteful -- it forces an extra reduction later, while a
// replicated gradient is numerically equivalent after the eventual reduction.
func (f *redistributeFunction) Backward(ctx *autodiff.Context, grad *DTensor) (*DTensor, error) {
	previousSpec := ctx.Saved(0).(*Spec)
	currentSpec := grad.spec

	target := make([]placements.Placement, len(previousSpec.placements))
	for i, previous := range previousSpec.placements {
		current := currentSpec.placements[i]
		if previous.IsPartial() && !current.IsPartial() {
			target[i] = placements.Replicate{}
		} else {
			target[i] = previous
		}
	}
	targetSpec, err := NewSpec(previousSpec.Mesh(), target, previousSpec.globalShape)
	if err != nil {
		return nil, err
	}
	output, err := RedistributeLocal(grad.proc, grad.local, currentSpec, targetSpec, true)
	if err != nil {
		return nil, err
	}
	return &DTensor{
		proc:         grad.proc,
		local:        output,
		spec:         targetSpec,
		requiresGrad: grad.requiresGrad,
	}, nil
}

// Redistribute moves the distributed tensor to the given target placements on
// the same mesh, returning a new DTensor. When tape is not nil and the input
// tracks gradients, the operation is recorded so the gradient flows back
// through the inverse layout change (see redistributeFunction.Backward for the
// Partial special case).
//
// Redistributing to a different mesh than the input's fails with ErrCrossMesh.
func Redistribute(tape *autodiff.Tape[*DTensor], input *DTensor, m *mesh.DeviceMesh, placing []placements.Placement) (*DTensor, error) {
	if m != input.spec.Mesh() {
		return nil, errors.Wrapf(ErrCrossMesh, "input on mesh %s, redistribute to mesh %s", input.spec.Mesh(), m)
	}
	fn := &redistributeFunction{placing: placing}
	if !input.requiresGrad {
		tape = nil
	}
	return autodiff.Apply(tape, fn, input)
}
