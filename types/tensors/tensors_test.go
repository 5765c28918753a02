package tensors

import (
	"testing"

	"github.com/gomlx/dtensor/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromValue(t *testing.T) {
	l := must.M1(FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}))
	require.Equal(t, shapes.Make(dtypes.Float32, 2, 3), l.Shape())
	require.Equal(t, []float64{1, 2, 3, 4, 5, 6}, l.Flat())

	scalar := must.M1(FromValue(3.5))
	require.True(t, scalar.Shape().IsScalar())
	require.Equal(t, []float64{3.5}, scalar.Flat())

	f16 := must.M1(FromValue([]float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(1.5)}))
	require.Equal(t, dtypes.Float16, f16.DType())
	require.Equal(t, []float64{0.5, 1.5}, f16.Flat())

	_, err := FromValue([][]float64{{1, 2}, {3}})
	require.Error(t, err)
}

func TestFromFlat(t *testing.T) {
	l := must.M1(FromFlat(dtypes.Float64, []float64{1, 2, 3, 4}, 2, 2))
	require.Equal(t, 4, l.Size())
	_, err := FromFlat(dtypes.Float64, []float64{1, 2, 3}, 2, 2)
	require.Error(t, err)
}

func TestCloneDoesNotAlias(t *testing.T) {
	a := Iota(dtypes.Float32, 2, 2)
	b := a.Clone()
	b.Flat()[0] = 100
	require.Equal(t, float64(0), a.Flat()[0])
	require.True(t, a.Equal(Iota(dtypes.Float32, 2, 2)))
	require.False(t, a.Equal(b))
}

func TestScale(t *testing.T) {
	a := Fill(dtypes.Float32, 8, 2, 2)
	b := a.Scale(0.25)
	require.Equal(t, []float64{2, 2, 2, 2}, b.Flat())
	// Scale returns a new tensor, leaving the original untouched.
	require.Equal(t, []float64{8, 8, 8, 8}, a.Flat())
}

func TestSplitAndConcat(t *testing.T) {
	// Shape (2, 3): [[0, 1, 2], [3, 4, 5]]
	l := Iota(dtypes.Float32, 2, 3)

	t.Run("axis=0", func(t *testing.T) {
		chunks := must.M1(l.Split(0, []int{1, 1}))
		require.Len(t, chunks, 2)
		require.Equal(t, []float64{0, 1, 2}, chunks[0].Flat())
		require.Equal(t, []float64{3, 4, 5}, chunks[1].Flat())
		back := must.M1(Concat(chunks, 0))
		require.True(t, l.Equal(back))
	})

	t.Run("axis=1 uneven", func(t *testing.T) {
		chunks := must.M1(l.Split(1, []int{2, 1}))
		require.Equal(t, []int{2, 2}, chunks[0].Shape().Dimensions)
		require.Equal(t, []float64{0, 1, 3, 4}, chunks[0].Flat())
		require.Equal(t, []int{2, 1}, chunks[1].Shape().Dimensions)
		require.Equal(t, []float64{2, 5}, chunks[1].Flat())
		back := must.M1(Concat(chunks, 1))
		require.True(t, l.Equal(back))
	})

	t.Run("errors", func(t *testing.T) {
		_, err := l.Split(2, []int{1, 1})
		require.Error(t, err)
		_, err = l.Split(0, []int{1, 2})
		require.Error(t, err)
		_, err = Concat(nil, 0)
		require.Error(t, err)
		other := Iota(dtypes.Float32, 2, 2)
		_, err = Concat([]*Local{l, other}, 0)
		require.Error(t, err)
	})
}

func TestReduce(t *testing.T) {
	a := must.M1(FromValue([]float64{1, 5}))
	b := must.M1(FromValue([]float64{3, 2}))

	require.Equal(t, []float64{4, 7}, Reduce(ReduceSumFn, a, b).Flat())
	require.Equal(t, []float64{3, 10}, Reduce(ReduceProductFn, a, b).Flat())
	require.Equal(t, []float64{3, 5}, Reduce(ReduceMaxFn, a, b).Flat())
	require.Equal(t, []float64{1, 2}, Reduce(ReduceMinFn, a, b).Flat())

	// Reduce must not mutate its inputs.
	require.Equal(t, []float64{1, 5}, a.Flat())

	mismatched := Iota(dtypes.Float64, 3)
	require.Panics(t, func() { Reduce(ReduceSumFn, a, mismatched) })
}

func TestEqualApprox(t *testing.T) {
	a := must.M1(FromValue([]float64{1, 2}))
	b := must.M1(FromValue([]float64{1 + 1e-12, 2}))
	require.True(t, a.EqualApprox(b, 1e-9))
	require.False(t, a.Equal(b))
}
