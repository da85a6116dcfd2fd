// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"

	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// classIndices converts t to class indices: a rank-1 tensor holds the class indices themselves (they must be
// non-negative integral values), while for a rank-2 tensor of scores with shape (batch_size, num_classes) the class
// is the arg-max of each row.
//
// It also returns the minimum number of classes needed to represent the indices.
func classIndices(t *tensors.Tensor) (indices []int, numClasses int, err error) {
	values, err := tensors.ToFloat64s(t)
	if err != nil {
		return nil, 0, err
	}
	switch t.Rank() {
	case 1:
		indices = make([]int, len(values))
		for ii, v := range values {
			if v < 0 || v != math.Trunc(v) {
				return nil, 0, errors.Errorf("invalid class index %g at position %d", v, ii)
			}
			indices[ii] = int(v)
			numClasses = max(numClasses, indices[ii]+1)
		}
	case 2:
		batchSize := t.Shape().Dim(0)
		numClasses = t.Shape().Dim(1)
		if numClasses == 0 {
			return nil, 0, errors.Errorf("scores with shape %s have no classes", t.Shape())
		}
		indices = make([]int, batchSize)
		for ii := range batchSize {
			indices[ii] = floats.MaxIdx(values[ii*numClasses : (ii+1)*numClasses])
		}
	default:
		return nil, 0, errors.Errorf("class indices or scores must have rank 1 or 2, got shape %s", t.Shape())
	}
	return indices, numClasses, nil
}

// CategoricalAccuracy returns the fraction of examples whose predicted class matches the target class.
//
// Predictions are either class indices with shape (batch_size,) or scores with shape (batch_size, num_classes),
// in which case the arg-max is taken. Targets are class indices, or one-hot/scores with shape (batch_size, num_classes).
func CategoricalAccuracy(predictions, targets *tensors.Tensor) (any, error) {
	predicted, _, err := classIndices(predictions)
	if err != nil {
		return nil, errors.WithMessage(err, "CategoricalAccuracy predictions")
	}
	expected, _, err := classIndices(targets)
	if err != nil {
		return nil, errors.WithMessage(err, "CategoricalAccuracy targets")
	}
	if len(predicted) != len(expected) {
		return nil, errors.Errorf("CategoricalAccuracy: %d predictions but %d targets", len(predicted), len(expected))
	}
	if len(predicted) == 0 {
		return nil, errors.New("CategoricalAccuracy: no examples")
	}
	var correct int
	for ii, class := range predicted {
		if class == expected[ii] {
			correct++
		}
	}
	return float64(correct) / float64(len(predicted)), nil
}

// NewCategoricalAccuracy returns an EpochMetric of CategoricalAccuracy.
func NewCategoricalAccuracy(name, shortName string) *EpochMetric {
	return MustNewEpochMetric(name, shortName, CategoricalAccuracy).WithMetricType(AccuracyMetricType)
}
