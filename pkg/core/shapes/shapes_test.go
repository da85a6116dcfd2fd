// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))
	require.Equal(t, 1, shape0.BatchSize())

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.Equal(t, 4, shape1.BatchSize())
	require.Equal(t, []int{3, 2}, shape1.InnerDimensions())
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())

	empty := Make(dtypes.Int64, 0, 3)
	require.Equal(t, 0, empty.Size())
	require.Panics(t, func() { _ = Make(dtypes.Int64, -1) })
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 3, shape.Dim(1))
	require.Equal(t, 2, shape.Dim(2))
	require.Equal(t, 4, shape.Dim(-3))
	require.Equal(t, 3, shape.Dim(-2))
	require.Equal(t, 2, shape.Dim(-1))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestEqual(t *testing.T) {
	s := Make(dtypes.Float32, 4, 3)
	require.True(t, s.Equal(Make(dtypes.Float32, 4, 3)))
	require.False(t, s.Equal(Make(dtypes.Float64, 4, 3)))
	require.True(t, s.EqualDimensions(Make(dtypes.Float64, 4, 3)))
	require.False(t, s.EqualDimensions(Make(dtypes.Float32, 4)))

	s2 := s.WithBatchSize(10)
	require.Equal(t, []int{10, 3}, s2.Dimensions)
	require.Equal(t, []int{4, 3}, s.Dimensions, "WithBatchSize must not change the original shape")
	require.Panics(t, func() { _ = Scalar[float32]().WithBatchSize(2) })
}
