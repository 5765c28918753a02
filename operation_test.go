package dtensor

import (
	"testing"

	"github.com/gomlx/dtensor/autodiff"
	"github.com/gomlx/dtensor/types/mesh"
	"github.com/gomlx/dtensor/types/placements"
	"github.com/gomlx/dtensor/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestRedistributeOp(t *testing.T) {
	m := newTestMesh(t, []int{4}, []string{"x"})
	global := tensors.Iota(dtypes.Float32, 8, 4)
	src := must.M1(NewSpec(m, []placements.Placement{shard0}, global.Shape()))
	dstPlacing := []placements.Placement{replicate}

	runProcs(t, m, func(p *mesh.Process) error {
		coords, _ := p.Coordinate()
		input := must.M1(FromLocal(p, localChunkOf(t, global, src, coords), src))
		input.SetRequiresGrad(true)

		tape := autodiff.NewTape[*DTensor]()
		output, err := Redistribute(tape, input, m, dstPlacing)
		if err != nil {
			return err
		}
		if !output.Local().Equal(global) {
			return errors.Errorf("rank %d: forward got %s, want the full tensor", p.Rank(), output.Local())
		}
		if !output.RequiresGrad() || tape.NumRecorded() != 1 {
			return errors.Errorf("rank %d: gradient tracking not recorded", p.Rank())
		}

		// The gradient of a replicated output flows back as this process's
		// shard of the upstream gradient.
		upstream := must.M1(FromLocal(p, tensors.Fill(dtypes.Float32, 1, 8, 4), output.Spec()))
		grad, err := tape.Backward(upstream)
		if err != nil {
			return err
		}
		if !grad.Spec().Equal(src) {
			return errors.Errorf("rank %d: gradient spec %s, want %s", p.Rank(), grad.Spec(), src)
		}
		if want := tensors.Fill(dtypes.Float32, 1, 2, 4); !grad.Local().Equal(want) {
			return errors.Errorf("rank %d: gradient %s, want %s", p.Rank(), grad.Local(), want)
		}
		return nil
	})
}

// Going forward Replicate->Partial divides by the axis size; going backward the
// gradient is reduced, never re-divided.
func TestRedistributeOpPartialTarget(t *testing.T) {
	m := newTestMesh(t, []int{4}, []string{"x"})
	global := tensors.Fill(dtypes.Float32, 8, 2, 2)
	src := must.M1(NewSpec(m, []placements.Placement{replicate}, global.Shape()))

	runProcs(t, m, func(p *mesh.Process) error {
		input := must.M1(FromLocal(p, global.Clone(), src))
		input.SetRequiresGrad(true)

		tape := autodiff.NewTape[*DTensor]()
		output, err := Redistribute(tape, input, m, []placements.Placement{partial})
		if err != nil {
			return err
		}
		if want := tensors.Fill(dtypes.Float32, 2, 2, 2); !output.Local().Equal(want) {
			return errors.Errorf("rank %d: forward got %s, want %s", p.Rank(), output.Local(), want)
		}

		upstream := must.M1(FromLocal(p, tensors.Fill(dtypes.Float32, 1, 2, 2), output.Spec()))
		grad, err := tape.Backward(upstream)
		if err != nil {
			return err
		}
		if !grad.Spec().Equal(src) {
			return errors.Errorf("rank %d: gradient spec %s, want %s", p.Rank(), grad.Spec(), src)
		}
		// All-reduce of four unit gradients.
		if want := tensors.Fill(dtypes.Float32, 4, 2, 2); !grad.Local().Equal(want) {
			return errors.Errorf("rank %d: gradient %s, want %s", p.Rank(), grad.Local(), want)
		}
		return nil
	})
}

// When the input was Partial but the upstream gradient is already materialized,
// the gradient's target substitutes Replicate for Partial and no communication
// is needed at all.
func TestRedistributeOpGradKeepsReplicate(t *testing.T) {
	m := newTestMesh(t, []int{2}, []string{"x"})
	global := tensors.Fill(dtypes.Float32, 6, 2, 2)
	src := must.M1(NewSpec(m, []placements.Placement{partial}, global.Shape()))
	wantGradSpec := must.M1(NewSpec(m, []placements.Placement{replicate}, global.Shape()))

	runProcs(t, m, func(p *mesh.Process) error {
		contribution := tensors.Fill(dtypes.Float32, 3, 2, 2)
		input := must.M1(FromLocal(p, contribution, src))
		input.SetRequiresGrad(true)

		tape := autodiff.NewTape[*DTensor]()
		output, err := Redistribute(tape, input, m, []placements.Placement{replicate})
		if err != nil {
			return err
		}
		if !output.Local().Equal(global) {
			return errors.Errorf("rank %d: forward got %s, want %s", p.Rank(), output.Local(), global)
		}

		upstream := must.M1(FromLocal(p, tensors.Fill(dtypes.Float32, 1, 2, 2), output.Spec()))
		grad, err := tape.Backward(upstream)
		if err != nil {
			return err
		}
		if !grad.Spec().Equal(wantGradSpec) {
			return errors.Errorf("rank %d: gradient spec %s, want %s kept replicated", p.Rank(), grad.Spec(), wantGradSpec)
		}
		if !grad.Local().Equal(upstream.Local()) {
			return errors.Errorf("rank %d: gradient %s, want it unchanged", p.Rank(), grad.Local())
		}
		return nil
	})
}

func TestRedistributeOpNoGrad(t *testing.T) {
	m := newTestMesh(t, []int{2}, []string{"x"})
	global := tensors.Iota(dtypes.Float32, 4, 2)
	src := must.M1(NewSpec(m, []placements.Placement{replicate}, global.Shape()))

	runProcs(t, m, func(p *mesh.Process) error {
		input := must.M1(FromLocal(p, global.Clone(), src))
		tape := autodiff.NewTape[*DTensor]()
		output, err := Redistribute(tape, input, m, []placements.Placement{shard0})
		if err != nil {
			return err
		}
		if output.RequiresGrad() || tape.NumRecorded() != 0 {
			return errors.Errorf("rank %d: operation recorded despite requiresGrad=false", p.Rank())
		}
		return nil
	})
}

func TestRedistributeOpCrossMesh(t *testing.T) {
	m1 := newTestMesh(t, []int{2}, []string{"x"})
	m2 := newTestMesh(t, []int{2}, []string{"x"})
	global := tensors.Iota(dtypes.Float32, 4, 2)
	src := must.M1(NewSpec(m1, []placements.Placement{replicate}, global.Shape()))
	input := must.M1(FromLocal(m1.Participant(0), global.Clone(), src))

	_, err := Redistribute(nil, input, m2, []placements.Placement{replicate})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCrossMesh))
}
