// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// KappaWeighting selects the disagreement weights of CohenKappa.
type KappaWeighting int

const (
	// KappaUnweighted counts every disagreement the same.
	KappaUnweighted KappaWeighting = iota

	// KappaLinear weights disagreements by the distance between the label positions.
	KappaLinear

	// KappaQuadratic weights disagreements by the squared distance between the label positions.
	KappaQuadratic
)

// String implements fmt.Stringer.
func (w KappaWeighting) String() string {
	switch w {
	case KappaUnweighted:
		return "none"
	case KappaLinear:
		return "linear"
	case KappaQuadratic:
		return "quadratic"
	}
	return fmt.Sprintf("KappaWeighting(%d)", int(w))
}

// ParseKappaWeighting converts "none" (or ""), "linear" and "quadratic" to a KappaWeighting.
func ParseKappaWeighting(s string) (KappaWeighting, error) {
	switch s {
	case "", "none":
		return KappaUnweighted, nil
	case "linear":
		return KappaLinear, nil
	case "quadratic":
		return KappaQuadratic, nil
	}
	return 0, errors.Errorf("kappa weighting type must be none, linear or quadratic, got %q", s)
}

// CohenKappa is the Cohen's kappa inter-rater agreement between predictions and targets, computed over
// the whole epoch. Both are rank-1 tensors of labels.
//
// The labels are the sorted union of the values seen in predictions and targets, and weights are computed
// from the label positions, as in scikit-learn's cohen_kappa_score.
// If there is no expected disagreement (e.g. a single label) the result is NaN.
type CohenKappa struct {
	*EpochMetric
	weighting KappaWeighting
}

// NewCohenKappa creates a CohenKappa metric with the given weighting.
//
// The self-check of the compute function on the first batch is disabled by default, see
// EpochMetric.WithCheckComputeFn.
func NewCohenKappa(weighting KappaWeighting) (*CohenKappa, error) {
	if weighting < KappaUnweighted || weighting > KappaQuadratic {
		return nil, errors.Errorf("kappa weighting type must be none, linear or quadratic, got %s", weighting)
	}
	name, shortName := "Kappa", "kappa"
	if weighting != KappaUnweighted {
		name = fmt.Sprintf("%s-Weighted-Kappa", capitalize(weighting.String()))
		shortName = fmt.Sprintf("kappa_%s", weighting)
	}
	k := &CohenKappa{weighting: weighting}
	k.EpochMetric = MustNewEpochMetric(name, shortName, k.compute).
		WithCheckComputeFn(false).
		WithMetricType(AgreementMetricType)
	return k, nil
}

// Weighting used by the metric.
func (k *CohenKappa) Weighting() KappaWeighting { return k.weighting }

func (k *CohenKappa) compute(predictions, targets *tensors.Tensor) (any, error) {
	if predictions.Rank() != 1 || targets.Rank() != 1 {
		return nil, errors.Errorf("%s requires labels of shape (batch_size,), got predictions %s and targets %s",
			k.Name(), predictions.Shape(), targets.Shape())
	}
	y1, err := tensors.ToFloat64s(predictions)
	if err != nil {
		return nil, err
	}
	y2, err := tensors.ToFloat64s(targets)
	if err != nil {
		return nil, err
	}
	return CohenKappaScore(y1, y2, k.weighting)
}

// CohenKappaScore computes Cohen's kappa of two sequences of labels of the same length.
func CohenKappaScore(y1, y2 []float64, weighting KappaWeighting) (float64, error) {
	if len(y1) != len(y2) {
		return 0, errors.Errorf("CohenKappaScore: sequences of labels have different lengths (%d != %d)", len(y1), len(y2))
	}
	if len(y1) == 0 {
		return 0, errors.New("CohenKappaScore: no labels")
	}
	labels := slices.Concat(y1, y2)
	slices.Sort(labels)
	labels = slices.Compact(labels)
	positions := make(map[float64]int, len(labels))
	for ii, label := range labels {
		positions[label] = ii
	}
	numLabels := len(labels)

	confusion := mat.NewDense(numLabels, numLabels, nil)
	for ii := range y1 {
		row, col := positions[y1[ii]], positions[y2[ii]]
		confusion.Set(row, col, confusion.At(row, col)+1)
	}
	rowSums := make([]float64, numLabels)
	colSums := make([]float64, numLabels)
	for ii := range numLabels {
		rowSums[ii] = floats.Sum(confusion.RawRowView(ii))
		colSums[ii] = mat.Sum(confusion.ColView(ii))
	}
	expected := mat.NewDense(numLabels, numLabels, nil)
	expected.Outer(1/floats.Sum(rowSums), mat.NewVecDense(numLabels, rowSums), mat.NewVecDense(numLabels, colSums))

	weights := mat.NewDense(numLabels, numLabels, nil)
	weights.Apply(func(row, col int, _ float64) float64 {
		distance := math.Abs(float64(row - col))
		switch weighting {
		case KappaLinear:
			return distance
		case KappaQuadratic:
			return distance * distance
		default:
			return min(distance, 1)
		}
	}, weights)

	var observedDisagreement, expectedDisagreement mat.Dense
	observedDisagreement.MulElem(weights, confusion)
	expectedDisagreement.MulElem(weights, expected)
	return 1 - mat.Sum(&observedDisagreement)/mat.Sum(&expectedDisagreement), nil
}

// capitalize capitalizes the first letter of an ASCII word.
func capitalize(word string) string {
	if word == "" || word[0] < 'a' || word[0] > 'z' {
		return word
	}
	return string(word[0]-'a'+'A') + word[1:]
}
