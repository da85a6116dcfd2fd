// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"math"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CSVConfig configures how ReadCSV converts a CSV file of predictions and targets to an InMemoryDataset.
type CSVConfig struct {
	// Name of the dataset. Defaults to "csv".
	Name string

	// Target is the name of the column holding the targets. Required.
	Target string

	// IntegerTarget makes the target column int64 class indices. Values must be non-negative integers.
	// Otherwise, targets are float32.
	IntegerTarget bool

	// Predictions lists the columns used as predictions, in order. Defaults to every column except Target,
	// in the order they appear in the file.
	Predictions []string
}

// ReadCSV reads a CSV with a header line, where each row is one example, and returns an InMemoryDataset
// with one input (the predictions) and one label (the targets).
//
// The predictions are float32 shaped (numExamples, numColumns), or (numExamples,) if there is only one
// prediction column -- a score per class or a single value per example.
// The targets are shaped (numExamples,).
func ReadCSV(r io.Reader, config CSVConfig) (*InMemoryDataset, error) {
	if config.Target == "" {
		return nil, errors.New("ReadCSV: target column not configured")
	}
	name := config.Name
	if name == "" {
		name = "csv"
	}
	df := dataframe.ReadCSV(r,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.Float))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "ReadCSV(%q): failed to parse CSV", name)
	}
	names := df.Names()
	if !slices.Contains(names, config.Target) {
		return nil, errors.Errorf("ReadCSV(%q): target column %q not found in columns %q", name, config.Target, names)
	}
	predictionColumns := config.Predictions
	if len(predictionColumns) == 0 {
		for _, column := range names {
			if column != config.Target {
				predictionColumns = append(predictionColumns, column)
			}
		}
	}
	if len(predictionColumns) == 0 {
		return nil, errors.Errorf("ReadCSV(%q): no prediction columns besides target %q", name, config.Target)
	}
	numExamples := df.Nrow()

	// Predictions: row-major (numExamples, numColumns).
	numColumns := len(predictionColumns)
	predictions := make([]float32, numExamples*numColumns)
	for columnIdx, column := range predictionColumns {
		if !slices.Contains(names, column) {
			return nil, errors.Errorf("ReadCSV(%q): prediction column %q not found in columns %q", name, column, names)
		}
		values, err := floatColumn(df, column)
		if err != nil {
			return nil, errors.WithMessagef(err, "ReadCSV(%q)", name)
		}
		for row, value := range values {
			predictions[row*numColumns+columnIdx] = float32(value)
		}
	}
	var predictionsT *tensors.Tensor
	if numColumns == 1 {
		predictionsT = tensors.FromFlatDataAndDimensions(predictions, numExamples)
	} else {
		predictionsT = tensors.FromFlatDataAndDimensions(predictions, numExamples, numColumns)
	}

	targetValues, err := floatColumn(df, config.Target)
	if err != nil {
		return nil, errors.WithMessagef(err, "ReadCSV(%q)", name)
	}
	var targetsT *tensors.Tensor
	if config.IntegerTarget {
		targets := make([]int64, numExamples)
		for row, value := range targetValues {
			if value < 0 || value != math.Trunc(value) {
				return nil, errors.Errorf("ReadCSV(%q): target column %q row %d has value %g, expected a class index (non-negative integer)",
					name, config.Target, row, value)
			}
			targets[row] = int64(value)
		}
		targetsT = tensors.FromFlatDataAndDimensions(targets, numExamples)
	} else {
		targets := make([]float32, numExamples)
		for row, value := range targetValues {
			targets[row] = float32(value)
		}
		targetsT = tensors.FromFlatDataAndDimensions(targets, numExamples)
	}
	klog.V(1).Infof("ReadCSV(%q): %d examples, predictions %s, targets %s", name, numExamples, predictionsT.Shape(), targetsT.Shape())
	return InMemoryFromData(name, []any{predictionsT}, []any{targetsT})
}

// floatColumn returns the values of the column, failing on missing (NaN) values.
func floatColumn(df dataframe.DataFrame, column string) ([]float64, error) {
	col := df.Col(column)
	if col.Err != nil {
		return nil, errors.Wrapf(col.Err, "column %q", column)
	}
	values := col.Float()
	for row, value := range values {
		if math.IsNaN(value) {
			return nil, errors.Errorf("column %q row %d: missing or non-numeric value %q", column, row, col.Elem(row).String())
		}
	}
	return values, nil
}
