// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"slices"

	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidShape is returned (wrapped) by Update when predictions or targets are not of rank 1 or 2.
	ErrInvalidShape = errors.New("invalid shape")

	// ErrIncoherentTypes is returned (wrapped) by Update when the dtype of predictions or targets differs
	// from the previously stored batches.
	ErrIncoherentTypes = errors.New("incoherent types")

	// ErrNotComputable is returned (wrapped) by Compute when no example has been stored since the last Reset.
	ErrNotComputable = errors.New("not computable")

	// ErrUnsupportedOutput is returned (wrapped) when the compute function returns a value that is not
	// a scalar, a tensor, or a sequence or mapping of tensors.
	ErrUnsupportedOutput = errors.New(
		"output not supported: compute function should return scalar, tensor, tuple/list/mapping of tensors")

	// ErrNilComputeFn is returned when creating an EpochMetric without a compute function.
	ErrNilComputeFn = errors.New("compute function must not be nil")
)

// checkShape validates that t has rank 1 or 2, and squeezes a trailing axis of dimension 1.
// `which` is either "predictions" or "targets", and is used in error messages.
//
// The returned tensor shares storage with t.
func checkShape(which string, t *tensors.Tensor) (*tensors.Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, errors.Wrapf(ErrInvalidShape, "%s: %v", which, err)
	}
	switch t.Rank() {
	case 1:
		return t, nil
	case 2:
		if t.Shape().Dim(-1) != 1 {
			return t, nil
		}
		squeezed, err := t.Squeeze(-1)
		if err != nil {
			return nil, errors.WithMessagef(err, "squeezing %s", which)
		}
		return squeezed, nil
	default:
		return nil, errors.Wrapf(ErrInvalidShape,
			"%s should be of shape (batch_size, num_categories) or (batch_size,), got %s", which, t.Shape())
	}
}

// checkTypes validates that the dtypes of predictions and targets match the ones of the stored batches,
// and that their shapes match, except for the batch axis. Predictions are checked first.
func (m *EpochMetric) checkTypes(predictions, targets *tensors.Tensor) error {
	if len(m.predictions) == 0 {
		return nil
	}
	if stored := m.predictions[0].DType(); predictions.DType() != stored {
		return errors.Wrapf(ErrIncoherentTypes,
			"incoherent types between input predictions and stored predictions: %s vs %s",
			predictions.DType(), stored)
	}
	if stored := m.targets[0].DType(); targets.DType() != stored {
		return errors.Wrapf(ErrIncoherentTypes,
			"incoherent types between input targets and stored targets: %s vs %s",
			targets.DType(), stored)
	}
	if err := checkSameInnerShape("predictions", predictions, m.predictions[0]); err != nil {
		return err
	}
	return checkSameInnerShape("targets", targets, m.targets[0])
}

// checkSameInnerShape validates that t has the same rank and non-batch dimensions as the stored tensor.
func checkSameInnerShape(which string, t, stored *tensors.Tensor) error {
	if t.Rank() != stored.Rank() || !slices.Equal(t.Shape().InnerDimensions(), stored.Shape().InnerDimensions()) {
		return errors.Wrapf(ErrInvalidShape,
			"incoherent shapes between input %s and stored %s: %s vs %s (only the batch axis may differ)",
			which, which, t.Shape(), stored.Shape())
	}
	return nil
}
