// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"
	"slices"

	"github.com/gomlx/epochmetrics/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Reshape returns a tensor with the same data and dtype, but with the given dimensions.
// The total size must be the same. The returned tensor shares the storage with t.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	newShape := shapes.Shape{DType: t.DType(), Dimensions: slices.Clone(dimensions)}
	if newShape.Size() != t.Size() {
		return nil, errors.Errorf("cannot reshape tensor %s to dimensions %v: sizes differ (%d vs %d)",
			t.shape, dimensions, t.Size(), newShape.Size())
	}
	return &Tensor{shape: newShape, flat: t.flat, device: t.device}, nil
}

// Squeeze removes the given axis, which must have dimension 1. Negative axis counts from the end.
// The returned tensor shares the storage with t.
func (t *Tensor) Squeeze(axis int) (*Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	rank := t.Rank()
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += rank
	}
	if adjustedAxis < 0 || adjustedAxis >= rank {
		return nil, errors.Errorf("Squeeze(%d): axis out-of-bounds for shape %s", axis, t.shape)
	}
	if t.shape.Dimensions[adjustedAxis] != 1 {
		return nil, errors.Errorf("Squeeze(%d): axis has dimension %d (!= 1) in shape %s",
			axis, t.shape.Dimensions[adjustedAxis], t.shape)
	}
	dims := slices.Delete(slices.Clone(t.shape.Dimensions), adjustedAxis, adjustedAxis+1)
	return t.Reshape(dims...)
}

// Concatenate joins the tensors along the batch axis (axis 0) into a new tensor, in the order given.
//
// All tensors must have rank >= 1, the same dtype and the same dimensions except for axis 0.
// The result is stored on the device of the first tensor.
func Concatenate(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("Concatenate requires at least one tensor")
	}
	for ii, part := range parts {
		if err := part.CheckValid(); err != nil {
			return nil, errors.WithMessagef(err, "Concatenate: tensor #%d", ii)
		}
	}
	first := parts[0]
	if first.Rank() == 0 {
		return nil, errors.Errorf("Concatenate: cannot concatenate scalars (tensor #0 has shape %s)", first.shape)
	}
	innerDims := first.shape.InnerDimensions()
	batchSize := 0
	for ii, part := range parts {
		if part.DType() != first.DType() {
			return nil, errors.Errorf("Concatenate: tensor #%d has dtype %s, but tensor #0 has dtype %s",
				ii, part.DType(), first.DType())
		}
		if part.Rank() != first.Rank() || !slices.Equal(part.shape.InnerDimensions(), innerDims) {
			return nil, errors.Errorf("Concatenate: tensor #%d has shape %s incompatible with tensor #0 shape %s",
				ii, part.shape, first.shape)
		}
		batchSize += part.shape.Dimensions[0]
	}
	result := FromShape(first.shape.WithBatchSize(batchSize))
	result.device = first.device
	resultV := reflect.ValueOf(result.flat)
	pos := 0
	for _, part := range parts {
		partV := reflect.ValueOf(part.flat)
		reflect.Copy(resultV.Slice(pos, pos+partV.Len()), partV)
		pos += partV.Len()
	}
	return result, nil
}

// Slice returns a copy of the examples [start, end) of the batch axis (axis 0).
func (t *Tensor) Slice(start, end int) (*Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	if t.Rank() == 0 {
		return nil, errors.Errorf("Slice(%d, %d): scalar tensor has no batch axis", start, end)
	}
	batchSize := t.shape.Dimensions[0]
	if start < 0 || end > batchSize || start > end {
		return nil, errors.Errorf("Slice(%d, %d): out-of-bounds for shape %s", start, end, t.shape)
	}
	stride := t.Size() / max(batchSize, 1)
	result := FromShape(t.shape.WithBatchSize(end - start))
	result.device = t.device
	reflect.Copy(reflect.ValueOf(result.flat), reflect.ValueOf(t.flat).Slice(start*stride, end*stride))
	return result, nil
}
