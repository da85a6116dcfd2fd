// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"fmt"
	"reflect"

	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Kind of value returned by a compute function.
type Kind int

const (
	// KindScalar is a Go number.
	KindScalar Kind = iota

	// KindTensor is a single tensor, of any shape (including a scalar tensor).
	KindTensor

	// KindSequence is a slice or array whose every element is a tensor.
	KindSequence

	// KindMapping is a map with string keys whose every value is a tensor.
	KindMapping
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "Scalar"
	case KindTensor:
		return "Tensor"
	case KindSequence:
		return "Sequence"
	case KindMapping:
		return "Mapping"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Result is the normalized value returned by a compute function. Only the field corresponding to Kind is set.
type Result struct {
	Kind Kind

	// Scalar holds the value for KindScalar, converted to float64.
	Scalar float64

	// Tensor holds the value for KindTensor.
	Tensor *tensors.Tensor

	// Sequence holds the value for KindSequence, in order.
	Sequence []*tensors.Tensor

	// Mapping holds the value for KindMapping.
	Mapping map[string]*tensors.Tensor

	value any
}

// Value returns the value exactly as returned by the compute function.
func (r *Result) Value() any { return r.value }

// IsScalarLike returns whether the result is a Go number or a tensor (of any shape).
func (r *Result) IsScalarLike() bool {
	return r.Kind == KindScalar || r.Kind == KindTensor
}

// Float returns the result as a float64: it works for KindScalar and for single element tensors.
func (r *Result) Float() (float64, error) {
	switch r.Kind {
	case KindScalar:
		return r.Scalar, nil
	case KindTensor:
		if r.Tensor.Size() != 1 {
			return 0, errors.Errorf("result tensor %s is not a single value", r.Tensor.Shape())
		}
		values, err := tensors.ToFloat64s(r.Tensor)
		if err != nil {
			return 0, err
		}
		return values[0], nil
	default:
		return 0, errors.Errorf("result of kind %s cannot be converted to a float", r.Kind)
	}
}

// Normalize classifies the value returned by a compute function:
//
//   - Go numbers (integers, floats, float16 and bfloat16) are KindScalar;
//   - a *tensors.Tensor is KindTensor;
//   - a slice or array whose every element is a non-nil *tensors.Tensor is KindSequence (empty is accepted);
//   - a map with string keys whose every value is a non-nil *tensors.Tensor is KindMapping (empty is accepted).
//
// Anything else (nil, strings, booleans, complex numbers, containers with a non-tensor element, maps with
// non-string keys) returns an error wrapping ErrUnsupportedOutput.
func Normalize(value any) (*Result, error) {
	r := &Result{value: value}
	switch v := value.(type) {
	case nil:
		return nil, errors.Wrap(ErrUnsupportedOutput, "got nil")
	case *tensors.Tensor:
		if v == nil {
			return nil, errors.Wrap(ErrUnsupportedOutput, "got nil tensor")
		}
		r.Kind = KindTensor
		r.Tensor = v
		return r, nil
	case []*tensors.Tensor:
		for ii, t := range v {
			if t == nil {
				return nil, errors.Wrapf(ErrUnsupportedOutput, "element #%d of %T is nil", ii, value)
			}
		}
		r.Kind = KindSequence
		r.Sequence = v
		return r, nil
	case map[string]*tensors.Tensor:
		for key, t := range v {
			if t == nil {
				return nil, errors.Wrapf(ErrUnsupportedOutput, "value for key %q is nil", key)
			}
		}
		r.Kind = KindMapping
		r.Mapping = v
		return r, nil
	case float16.Float16:
		r.Kind = KindScalar
		r.Scalar = float64(v.Float32())
		return r, nil
	case bfloat16.BFloat16:
		r.Kind = KindScalar
		r.Scalar = float64(v.Float32())
		return r, nil
	}

	// Structural classification of everything else.
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		r.Kind = KindScalar
		r.Scalar = float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		r.Kind = KindScalar
		r.Scalar = float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		r.Kind = KindScalar
		r.Scalar = rv.Float()
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, errors.Wrapf(ErrUnsupportedOutput, "got nil %T", value)
		}
		r.Kind = KindSequence
		r.Sequence = make([]*tensors.Tensor, rv.Len())
		for ii := range rv.Len() {
			t, ok := asTensor(rv.Index(ii))
			if !ok {
				return nil, errors.Wrapf(ErrUnsupportedOutput, "element #%d of %T is not a tensor", ii, value)
			}
			r.Sequence[ii] = t
		}
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, errors.Wrapf(ErrUnsupportedOutput, "mapping %T must have string keys", value)
		}
		r.Kind = KindMapping
		r.Mapping = make(map[string]*tensors.Tensor, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			t, ok := asTensor(iter.Value())
			if !ok {
				return nil, errors.Wrapf(ErrUnsupportedOutput, "value for key %q of %T is not a tensor", key, value)
			}
			r.Mapping[key] = t
		}
	default:
		return nil, errors.Wrapf(ErrUnsupportedOutput, "got %T", value)
	}
	return r, nil
}

// asTensor returns the non-nil tensor held by v, if any. It unwraps interface values (e.g. elements of []any).
func asTensor(v reflect.Value) (*tensors.Tensor, bool) {
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	if !v.CanInterface() {
		return nil, false
	}
	t, ok := v.Interface().(*tensors.Tensor)
	return t, ok && t != nil
}

// IsScalarOrCollectionOfTensor returns whether value is accepted by Normalize.
func IsScalarOrCollectionOfTensor(value any) bool {
	_, err := Normalize(value)
	return err == nil
}
