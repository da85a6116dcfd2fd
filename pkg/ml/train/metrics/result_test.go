// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"testing"

	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestIsScalarOrCollectionOfTensor(t *testing.T) {
	t123 := tensors.FromValue([]int64{1, 2, 3})
	t56 := tensors.FromValue([]int64{5, 6})
	var nilTensor *tensors.Tensor
	for _, tc := range []struct {
		value any
		want  bool
	}{
		{4, true},
		{4.0, true},
		{float32(0.5), true},
		{uint8(3), true},
		{float16.Fromfloat32(1), true},
		{bfloat16.FromFloat32(1), true},
		{t123, true},
		{tensors.FromScalar(float32(1)), true},
		{[]int{1, 2, 3}, false},
		{"val", false},
		{true, false},
		{nil, false},
		{nilTensor, false},
		{complex(1, 2), false},
		{[]*tensors.Tensor{t123, t56}, true},
		{[]any{t123, t56}, true},
		{[2]*tensors.Tensor{t123, t56}, true},
		{[]*tensors.Tensor{}, true},
		{[]*tensors.Tensor{t123, nil}, false},
		{[]any{t123, 3}, false},
		{map[string]string{"key": "val"}, false},
		{map[string]*tensors.Tensor{"key": t123}, true},
		{map[string]any{"key": t123}, true},
		{map[string]any{"key": t123, "key2": "val"}, false},
		{map[int]*tensors.Tensor{1: t123}, false},
		{[]any{1, 3}, false},
		{[]any{1, t123}, false},
	} {
		assert.Equal(t, tc.want, IsScalarOrCollectionOfTensor(tc.value), "value=%#v", tc.value)
	}
}

func TestNormalize(t *testing.T) {
	a := tensors.FromValue([]float32{1, 2})
	b := tensors.FromScalar(float32(3))

	result, err := Normalize(7)
	require.NoError(t, err)
	assert.Equal(t, KindScalar, result.Kind)
	assert.Equal(t, 7.0, result.Scalar)
	assert.Equal(t, 7, result.Value())
	assert.True(t, result.IsScalarLike())

	result, err = Normalize(b)
	require.NoError(t, err)
	assert.Equal(t, KindTensor, result.Kind)
	assert.Same(t, b, result.Tensor)
	assert.True(t, result.IsScalarLike())
	value, err := result.Float()
	require.NoError(t, err)
	assert.Equal(t, 3.0, value)

	result, err = Normalize(a)
	require.NoError(t, err)
	assert.True(t, result.IsScalarLike())
	_, err = result.Float()
	require.Error(t, err)

	// Sequences are passed through unmodified.
	sequence := []*tensors.Tensor{a, b}
	result, err = Normalize(sequence)
	require.NoError(t, err)
	assert.Equal(t, KindSequence, result.Kind)
	assert.False(t, result.IsScalarLike())
	require.Len(t, result.Sequence, 2)
	assert.Same(t, a, result.Sequence[0])
	assert.Same(t, b, result.Sequence[1])
	assert.Equal(t, sequence, result.Value())
	_, err = result.Float()
	require.Error(t, err)

	mapping := map[string]*tensors.Tensor{"m1": a, "m2": b}
	result, err = Normalize(mapping)
	require.NoError(t, err)
	assert.Equal(t, KindMapping, result.Kind)
	assert.Same(t, a, result.Mapping["m1"])
	assert.Same(t, b, result.Mapping["m2"])
	assert.Equal(t, mapping, result.Value())

	_, err = Normalize([]any{a, "x"})
	require.ErrorIs(t, err, ErrUnsupportedOutput)
	require.ErrorContains(t, err, "element #1")
}

func TestDefaultPrettyPrint(t *testing.T) {
	for _, tc := range []struct {
		value any
		want  string
	}{
		{0.123456, "0.123"},
		{3, "3"},
		{tensors.FromScalar(float32(2.71828)), "2.72"},
		{tensors.FromScalar(float16.Fromfloat32(0.5)), "0.5"},
		{tensors.FromScalar(int64(11)), "(Int64)(11)"},
		{[]*tensors.Tensor{tensors.FromScalar(1.0), tensors.FromScalar(2.0)}, "[1, 2]"},
		{map[string]*tensors.Tensor{"b": tensors.FromScalar(2.0), "a": tensors.FromScalar(1.0)}, "{a=1, b=2}"},
		{math.NaN(), "NaN"},
	} {
		result, err := Normalize(tc.value)
		require.NoError(t, err)
		assert.Equal(t, tc.want, DefaultPrettyPrint(result))
	}
}
