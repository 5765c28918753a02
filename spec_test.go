package dtensor

import (
	"testing"

	"github.com/gomlx/dtensor/types/mesh"
	"github.com/gomlx/dtensor/types/placements"
	"github.com/gomlx/dtensor/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func newTestMesh(t *testing.T, sizes []int, names []string) *mesh.DeviceMesh {
	t.Helper()
	return must.M1(mesh.NewDeviceMesh("test_mesh", sizes, names))
}

func TestNewSpec(t *testing.T) {
	m := newTestMesh(t, []int{2, 2}, []string{"a", "b"})
	shape := shapes.Make(dtypes.Float32, 4, 4)

	spec := must.M1(NewSpec(m, []placements.Placement{placements.Shard{Axis: 0}, placements.Replicate{}}, shape))
	require.Same(t, m, spec.Mesh())
	require.Equal(t, placements.Placement(placements.Shard{Axis: 0}), spec.Placement(0))
	require.True(t, spec.GlobalShape().Equal(shape))

	testCases := []struct {
		name    string
		placing []placements.Placement
	}{
		{"too few placements", []placements.Placement{placements.Replicate{}}},
		{"nil placement", []placements.Placement{placements.Replicate{}, nil}},
		{"shard axis out of range", []placements.Placement{placements.Shard{Axis: 2}, placements.Replicate{}}},
		{"invalid reduce op", []placements.Placement{placements.Partial{Op: placements.ReduceOp(42)}, placements.Replicate{}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSpec(m, tc.placing, shape)
			require.Error(t, err)
		})
	}

	_, err := NewSpec(nil, nil, shape)
	require.Error(t, err)
	_, err = NewSpec(m, []placements.Placement{placements.Replicate{}, placements.Replicate{}}, shapes.Invalid())
	require.Error(t, err)
}

func TestSpecEqual(t *testing.T) {
	m := newTestMesh(t, []int{4}, []string{"x"})
	m2 := newTestMesh(t, []int{4}, []string{"x"})
	shape := shapes.Make(dtypes.Float32, 8, 4)

	a := must.M1(NewSpec(m, []placements.Placement{placements.Shard{Axis: 0}}, shape))
	b := must.M1(NewSpec(m, []placements.Placement{placements.Shard{Axis: 0}}, shape))
	require.True(t, a.Equal(b))

	c := must.M1(NewSpec(m, []placements.Placement{placements.Replicate{}}, shape))
	require.False(t, a.Equal(c))

	// Same topology but a different mesh identity: never equal.
	d := must.M1(NewSpec(m2, []placements.Placement{placements.Shard{Axis: 0}}, shape))
	require.False(t, a.Equal(d))

	e := must.M1(NewSpec(m, []placements.Placement{placements.Shard{Axis: 0}}, shapes.Make(dtypes.Float32, 8, 2)))
	require.False(t, a.Equal(e))
}

func TestLocalShape(t *testing.T) {
	m := newTestMesh(t, []int{3}, []string{"x"})
	shape := shapes.Make(dtypes.Float32, 7, 2)
	spec := must.M1(NewSpec(m, []placements.Placement{placements.Shard{Axis: 0}}, shape))

	// 7 over 3 splits as [3, 2, 2]: earlier coordinates take the larger chunks.
	wantDims := [][]int{{3, 2}, {2, 2}, {2, 2}}
	for coord, want := range wantDims {
		local := must.M1(spec.LocalShape([]int{coord}))
		require.Equal(t, want, local.Dimensions, "coordinate %d", coord)
	}

	_, err := spec.LocalShape([]int{0, 0})
	require.Error(t, err)

	// Nested sharding of the same tensor axis: the inner mesh axis splits the
	// outer one's chunk.
	m2 := newTestMesh(t, []int{2, 2}, []string{"a", "b"})
	spec2 := must.M1(NewSpec(m2,
		[]placements.Placement{placements.Shard{Axis: 0}, placements.Shard{Axis: 0}},
		shapes.Make(dtypes.Float32, 6, 2)))
	local := must.M1(spec2.LocalShape([]int{1, 0}))
	require.Equal(t, []int{2, 2}, local.Dimensions)
}

func TestSpecString(t *testing.T) {
	m := newTestMesh(t, []int{4}, []string{"x"})
	spec := must.M1(NewSpec(m, []placements.Placement{placements.Shard{Axis: 0}}, shapes.Make(dtypes.Float32, 8, 4)))
	require.Equal(t, "Spec(mesh=DeviceMesh(x: 4), [Shard(0)], (Float32)[8 4])", spec.String())
}
