// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// TensorStringDefaultPrecision used by Tensor.String.
const TensorStringDefaultPrecision = 4

var (
	typeFloat16  = reflect.TypeOf(float16.Float16(0))
	typeBFloat16 = reflect.TypeOf(bfloat16.BFloat16(0))
)

// Summary returns a one-line summary of the Tensor's content: its shape followed by the values,
// with the rows longer than 6 elements abbreviated with an ellipsis.
func (t *Tensor) Summary(precision int) string {
	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }

	wValue := func(v reflect.Value) {
		if v.Type() == typeFloat16 {
			w("%.*g", precision, v.Interface().(float16.Float16).Float32())
			return
		} else if v.Type() == typeBFloat16 {
			w("%.*g", precision, v.Interface().(bfloat16.BFloat16).Float32())
			return
		}
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			w("%d", v.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			w("%d", v.Uint())
		case reflect.Complex64, reflect.Complex128:
			c := v.Complex()
			w("(%.*g+%.*gi)", precision, real(c), precision, imag(c))
		case reflect.Bool:
			w("%v", v.Bool())
		default:
			w("%.*g", precision, v.Interface())
		}
	}

	values := reflect.ValueOf(t.flat)
	dims := t.shape.Dimensions
	w("%s", t.shape)
	if len(dims) == 0 {
		w("(")
		wValue(values.Index(0))
		w(")")
		return buf.String()
	}
	if t.Size() == 0 {
		return buf.String()
	}

	var printElements func(index int, currentDims []int)
	printElements = func(index int, currentDims []int) {
		stride := 1
		for _, dim := range currentDims[1:] {
			stride *= dim
		}
		w("{")
		n := currentDims[0]
		for i := 0; i < n; i++ {
			if n > 6 && i == 3 {
				w(", ...")
				i = n - 3
			}
			if i > 0 {
				w(", ")
			}
			if len(currentDims) == 1 {
				wValue(values.Index(index + i))
			} else {
				printElements(index+i*stride, currentDims[1:])
			}
		}
		w("}")
	}
	printElements(0, dims)
	return buf.String()
}
