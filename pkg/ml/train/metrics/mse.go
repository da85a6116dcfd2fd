// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// MeanSquaredError returns the mean of the squared differences between predictions and targets.
// They must have the same number of elements.
func MeanSquaredError(predictions, targets *tensors.Tensor) (any, error) {
	diff, err := differences(predictions, targets)
	if err != nil {
		return nil, errors.WithMessage(err, "MeanSquaredError")
	}
	if len(diff) == 0 {
		return nil, errors.New("MeanSquaredError: no examples")
	}
	return floats.Dot(diff, diff) / float64(len(diff)), nil
}

// NewMeanSquaredError returns an EpochMetric of MeanSquaredError.
func NewMeanSquaredError(name, shortName string) *EpochMetric {
	return MustNewEpochMetric(name, shortName, MeanSquaredError).WithMetricType(LossMetricType)
}

// differences returns predictions - targets, flattened and converted to float64.
func differences(predictions, targets *tensors.Tensor) ([]float64, error) {
	p, err := tensors.ToFloat64s(predictions)
	if err != nil {
		return nil, err
	}
	t, err := tensors.ToFloat64s(targets)
	if err != nil {
		return nil, err
	}
	if len(p) != len(t) {
		return nil, errors.Errorf("predictions %s and targets %s have a different number of elements",
			predictions.Shape(), targets.Shape())
	}
	floats.Sub(p, t)
	return p, nil
}
