// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
// Even scalar values have their data stored in a slice of length 1.
//
// The contents of flat must not be changed, and the slice must not be kept after accessFn returns.
//
// It returns an error if T doesn't match the tensor's dtype.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if err := t.CheckValid(); err != nil {
		return err
	}
	flat, ok := t.flat.([]T)
	if !ok {
		var zero T
		return errors.Errorf("ConstFlatData[%T] incompatible with tensor's dtype %s (stored as %T)", zero, t.DType(), t.flat)
	}
	accessFn(flat)
	return nil
}

// MustConstFlatData calls ConstFlatData and panics if it returns an error.
func MustConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := ConstFlatData(t, accessFn); err != nil {
		panic(err)
	}
}

// MutableFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
//
// It's the caller's responsibility not to mutate tensors already handed over to a metric.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	return ConstFlatData(t, accessFn)
}

// MustMutableFlatData calls MutableFlatData and panics if it returns an error.
func MustMutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := MutableFlatData(t, accessFn); err != nil {
		panic(err)
	}
}

// CopyFlatData returns a copy of the flat data of the Tensor.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	var flatCopy []T
	err := ConstFlatData(t, func(flat []T) {
		flatCopy = make([]T, len(flat))
		copy(flatCopy, flat)
	})
	return flatCopy, err
}

// MustCopyFlatData calls CopyFlatData and panics if it returns an error.
func MustCopyFlatData[T dtypes.Supported](t *Tensor) []T {
	flat, err := CopyFlatData[T](t)
	if err != nil {
		panic(err)
	}
	return flat
}

// ToScalar returns the scalar value of the Tensor.
//
// It panics if the tensor is not a scalar or if T doesn't match the tensor's dtype.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	if !t.IsScalar() {
		exceptions.Panicf("ToScalar[%s] requires a scalar, got tensor with shape %s", dtypes.FromGenericsType[T](), t.Shape())
	}
	var result T
	MustConstFlatData(t, func(flat []T) { result = flat[0] })
	return result
}

// ToFloat64s converts the tensor values to a flat []float64, whatever its numeric dtype.
// Booleans are converted to 0 or 1.
//
// It returns an error for complex and unsupported dtypes.
func ToFloat64s(t *Tensor) ([]float64, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	out := make([]float64, t.Size())
	switch flat := t.flat.(type) {
	case []float64:
		copy(out, flat)
	case []float32:
		convertFlat(out, flat)
	case []int64:
		convertFlat(out, flat)
	case []int32:
		convertFlat(out, flat)
	case []int16:
		convertFlat(out, flat)
	case []int8:
		convertFlat(out, flat)
	case []uint64:
		convertFlat(out, flat)
	case []uint32:
		convertFlat(out, flat)
	case []uint16:
		convertFlat(out, flat)
	case []uint8:
		convertFlat(out, flat)
	case []float16.Float16:
		for ii, v := range flat {
			out[ii] = float64(v.Float32())
		}
	case []bfloat16.BFloat16:
		for ii, v := range flat {
			out[ii] = float64(v.Float32())
		}
	case []bool:
		for ii, v := range flat {
			if v {
				out[ii] = 1
			}
		}
	default:
		return nil, errors.Errorf("cannot convert tensor of dtype %s to float64 values", t.DType())
	}
	return out, nil
}

type realNumber interface {
	float32 | float64 | int64 | int32 | int16 | int8 | uint64 | uint32 | uint16 | uint8
}

func convertFlat[T realNumber](out []float64, flat []T) {
	for ii, v := range flat {
		out[ii] = float64(v)
	}
}

// clonedFlat returns a fresh copy of the flat storage.
func (t *Tensor) clonedFlat() any {
	flatV := reflect.ValueOf(t.flat)
	cloned := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(cloned, flatV)
	return cloned.Interface()
}

// LocalClone returns a deep copy of the tensor, on the same device.
func (t *Tensor) LocalClone() (*Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, errors.WithMessage(err, "LocalClone")
	}
	return &Tensor{
		shape:  t.shape.Clone(),
		flat:   t.clonedFlat(),
		device: t.device,
	}, nil
}

// OnDevice returns a copy of the tensor stored on the given device.
//
// The copy never shares storage with t, even if t is already on the device: callers can keep it
// while the original is reused or mutated.
func (t *Tensor) OnDevice(device Device) (*Tensor, error) {
	clone, err := t.LocalClone()
	if err != nil {
		return nil, errors.WithMessagef(err, "moving tensor to device %q", device)
	}
	if device == "" {
		device = CPU
	}
	clone.device = device
	return clone, nil
}
