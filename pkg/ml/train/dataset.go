// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/epochmetrics/pkg/core/tensors"
)

// Dataset for an Evaluator provides the data, one batch at a time. A batch consists of a slice of
// *tensors.Tensor for `inputs` and for `labels`: the evaluator uses inputs[0] as the predictions and
// labels[0] as the targets given to the metrics.
//
// Dataset has to also provide a Dataset.Name() and a dataset `spec`, which usually is the same for
// the whole dataset. For a static Dataset that always provides the exact same data type, the `spec` can simply be nil.
//
// The Dataset interface allows for extensions/customizations by defining extra optional interfaces that
// a Dataset optionally can implement. See HasShortName.
type Dataset interface {
	// Name identifies the dataset. Used for debugging and pretty-printing.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached,
	// for instance when running another evaluation epoch.
	Reset()

	// Yield one batch or an error.
	// It should return a `spec` for the dataset, a slice of `inputs` and a slice of `labels` tensors
	// (even when there is only one tensor for each of them).
	//
	// The metrics copy what they need, so the dataset can reuse the yielded tensors after the next call to Yield.
	//
	// Optionally, it can return an error. If the error is `io.EOF` the evaluation of the epoch terminates
	// normally, as it indicates end of data.
	//
	// Any other errors should interrupt the evaluation and be returned to the user.
	Yield() (spec any, inputs, labels []*tensors.Tensor, err error)
}

// HasShortName allows a dataset to specify a short name (used when displaying a short version of metric names).
// It defaults to the first 3 letters of the dataset name.
//
// It's optional.
type HasShortName interface {
	// ShortName returns the short name of the dataset.
	ShortName() string
}

// ShortName returns the dataset's short name, if it implements HasShortName, or the first 3 letters of its name.
func ShortName(ds Dataset) string {
	if named, ok := ds.(HasShortName); ok {
		return named.ShortName()
	}
	name := []rune(ds.Name())
	return string(name[:min(3, len(name))])
}
