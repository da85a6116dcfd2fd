// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/gomlx/epochmetrics/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromValue(t *testing.T) {
	tensor := FromValue([][]float32{{0, 1}, {2, 3}, {4, 5}})
	assert.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float32, 3, 2)))
	assert.Equal(t, [][]float32{{0, 1}, {2, 3}, {4, 5}}, tensor.Value())
	assert.Equal(t, CPU, tensor.Device())

	// Go's int is stored with the platform's int dtype.
	tensor = FromValue([]int{1, 2, 3})
	assert.Equal(t, dtypes.FromGenericsType[int](), tensor.DType())
	assert.Equal(t, 3, tensor.Size())

	scalar := FromValue(7.0)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 7.0, scalar.Value())
	assert.Equal(t, 7.0, ToScalar[float64](scalar))

	require.Panics(t, func() { _ = FromValue([][]float32{{1, 2}, {3}}) })
	require.Panics(t, func() { _ = FromValue([]float32{}) })
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2)
	assert.Equal(t, [][]int8{{1, 2}, {3, 4}}, tensor.Value())
	require.Panics(t, func() { _ = FromFlatDataAndDimensions([]int8{1, 2, 3}, 2, 2) })

	filled := FromScalarAndDimensions(float16.Fromfloat32(1.5), 2)
	values, err := ToFloat64s(filled)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 1.5}, values)
}

func TestValueIsACopy(t *testing.T) {
	tensor := FromValue([]float64{1, 2, 3})
	value := tensor.Value().([]float64)
	value[0] = 100
	assert.Equal(t, []float64{1, 2, 3}, tensor.Value())
}

func TestOnDevice(t *testing.T) {
	tensor := FromValue([]float64{1, 2, 3})
	moved, err := tensor.OnDevice("accelerator:0")
	require.NoError(t, err)
	assert.Equal(t, Device("accelerator:0"), moved.Device())
	assert.True(t, tensor.Equal(moved))

	// Mutating the original must not affect the copy.
	MustMutableFlatData(tensor, func(flat []float64) { flat[0] = -1 })
	assert.Equal(t, []float64{1, 2, 3}, moved.Value())

	var nilTensor *Tensor
	_, err = nilTensor.OnDevice(CPU)
	require.Error(t, err)
}

func TestSqueeze(t *testing.T) {
	tensor := FromValue([][]int32{{1}, {2}, {3}})
	squeezed, err := tensor.Squeeze(-1)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, squeezed.Value())
	assert.True(t, squeezed.Equal(FromValue([]int32{1, 2, 3})))

	_, err = FromValue([][]int32{{1, 2}}).Squeeze(-1)
	require.Error(t, err)
	_, err = tensor.Squeeze(2)
	require.Error(t, err)
}

func TestConcatenate(t *testing.T) {
	a := FromValue([][]float32{{1, 2}, {3, 4}})
	b := FromValue([][]float32{{5, 6}})
	c, err := Concatenate(a, b)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}, {5, 6}}, c.Value())

	// Inputs are not changed, and the result does not share storage.
	MustMutableFlatData(c, func(flat []float32) { flat[0] = 100 })
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, a.Value())

	_, err = Concatenate()
	require.Error(t, err)
	_, err = Concatenate(a, FromValue([][]float64{{5, 6}}))
	require.ErrorContains(t, err, "dtype")
	_, err = Concatenate(a, FromValue([][]float32{{5, 6, 7}}))
	require.ErrorContains(t, err, "incompatible")
	_, err = Concatenate(FromValue(float32(1)))
	require.Error(t, err)

	empty := FromShape(shapes.Make(dtypes.Float32, 0, 2))
	c, err = Concatenate(empty, b)
	require.NoError(t, err)
	assert.True(t, c.Equal(b))
}

func TestSlice(t *testing.T) {
	tensor := FromValue([][]int64{{1, 2}, {3, 4}, {5, 6}})
	part, err := tensor.Slice(1, 3)
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{3, 4}, {5, 6}}, part.Value())

	part, err = tensor.Slice(3, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, part.Size())

	_, err = tensor.Slice(2, 4)
	require.Error(t, err)
}

func TestEqualAndInDelta(t *testing.T) {
	a := FromValue([]float64{1, 2, 3})
	assert.True(t, a.Equal(FromValue([]float64{1, 2, 3})))
	assert.False(t, a.Equal(FromValue([]float64{1, 2, 4})))
	assert.False(t, a.Equal(FromValue([]float32{1, 2, 3})))
	assert.True(t, a.InDelta(FromValue([]float64{1.01, 2, 2.99}), 0.02))
	assert.False(t, a.InDelta(FromValue([]float64{1.1, 2, 3}), 0.02))
}

func TestToFloat64s(t *testing.T) {
	values, err := ToFloat64s(FromValue([]bool{true, false}))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0}, values)

	values, err = ToFloat64s(FromValue([][]uint8{{1}, {2}}))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, values)

	_, err = ToFloat64s(FromValue([]complex64{1}))
	require.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, "(Float32)[2 2]{{1, 2}, {3, 4}}", FromValue([][]float32{{1, 2}, {3, 4}}).String())
	assert.Equal(t, "(Int64)(3)", FromValue(int64(3)).String())
	assert.Equal(t, "(Int32)[8]{0, 1, 2, ..., 5, 6, 7}",
		FromValue([]int32{0, 1, 2, 3, 4, 5, 6, 7}).String())
}

func TestGobSerialization(t *testing.T) {
	buf := &bytes.Buffer{}
	enc := gob.NewEncoder(buf)
	original := FromValue([][]float32{{1, 2}, {3, 4}})
	empty := FromShape(shapes.Make(dtypes.Int64, 0))
	require.NoError(t, original.GobSerialize(enc))
	require.NoError(t, empty.GobSerialize(enc))

	dec := gob.NewDecoder(buf)
	got, err := GobDeserialize(dec)
	require.NoError(t, err)
	assert.True(t, original.Equal(got))
	got, err = GobDeserialize(dec)
	require.NoError(t, err)
	assert.True(t, empty.Equal(got))
}
