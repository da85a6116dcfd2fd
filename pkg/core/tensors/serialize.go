// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/gob"
	"reflect"

	"github.com/gomlx/epochmetrics/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// gobHeader precedes the flat data of a serialized tensor.
type gobHeader struct {
	DType      dtypes.DType
	Dimensions []int
	Device     Device
}

// GobSerialize Tensor in binary format.
//
// It returns an error for I/O errors or invalid tensors.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) error {
	if err := t.CheckValid(); err != nil {
		return err
	}
	header := gobHeader{DType: t.DType(), Dimensions: t.shape.Dimensions, Device: t.device}
	if err := encoder.Encode(&header); err != nil {
		return errors.Wrapf(err, "failed to write tensor %s header", t.shape)
	}
	if t.Size() == 0 {
		return nil
	}
	if err := encoder.Encode(t.flat); err != nil {
		return errors.Wrapf(err, "failed to write tensor %s data", t.shape)
	}
	return nil
}

// GobDeserialize a Tensor from the decoder.
func GobDeserialize(decoder *gob.Decoder) (*Tensor, error) {
	var header gobHeader
	if err := decoder.Decode(&header); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize Tensor header")
	}
	shape := shapes.Shape{DType: header.DType, Dimensions: header.Dimensions}
	if !shape.Ok() || shape.DType.GoType() == nil {
		return nil, errors.Errorf("failed to deserialize Tensor: invalid shape %s", shape)
	}
	t := FromShape(shape)
	if header.Device != "" {
		t.device = header.Device
	}
	if shape.Size() == 0 {
		return t, nil
	}
	flatPtrV := reflect.New(reflect.SliceOf(shape.DType.GoType()))
	if err := decoder.Decode(flatPtrV.Interface()); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize Tensor data")
	}
	if flatPtrV.Elem().Len() != shape.Size() {
		return nil, errors.Errorf("failed to deserialize Tensor: shape %s requires %d elements, got %d",
			shape, shape.Size(), flatPtrV.Elem().Len())
	}
	t.flat = flatPtrV.Elem().Interface()
	return t, nil
}
