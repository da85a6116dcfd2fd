// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"testing"

	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCohenKappaScore(t *testing.T) {
	// Two labels: all weightings are the same.
	for _, weighting := range []KappaWeighting{KappaUnweighted, KappaLinear, KappaQuadratic} {
		kappa, err := CohenKappaScore([]float64{0, 0, 1, 1}, []float64{0, 1, 1, 1}, weighting)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, kappa, 1e-9, "weighting=%s", weighting)
	}

	y1, y2 := []float64{0, 1, 2, 2}, []float64{0, 2, 2, 1}
	kappa, err := CohenKappaScore(y1, y2, KappaUnweighted)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, kappa, 1e-9)
	kappa, err = CohenKappaScore(y1, y2, KappaLinear)
	require.NoError(t, err)
	assert.InDelta(t, 1-2/3.5, kappa, 1e-9)
	kappa, err = CohenKappaScore(y1, y2, KappaQuadratic)
	require.NoError(t, err)
	assert.InDelta(t, 1-2/5.5, kappa, 1e-9)

	// Labels don't need to be contiguous: only their sorted positions matter.
	kappa, err = CohenKappaScore([]float64{10, 20, 30, 30}, []float64{10, 30, 30, 20}, KappaLinear)
	require.NoError(t, err)
	assert.InDelta(t, 1-2/3.5, kappa, 1e-9)

	// Perfect agreement.
	kappa, err = CohenKappaScore(y1, y1, KappaQuadratic)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, kappa, 1e-9)

	// No expected disagreement.
	kappa, err = CohenKappaScore([]float64{1, 1}, []float64{1, 1}, KappaUnweighted)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(kappa))

	_, err = CohenKappaScore([]float64{1}, []float64{1, 2}, KappaUnweighted)
	require.Error(t, err)
	_, err = CohenKappaScore(nil, nil, KappaUnweighted)
	require.Error(t, err)
}

func TestCohenKappa(t *testing.T) {
	_, err := NewCohenKappa(KappaWeighting(7))
	require.Error(t, err)
	_, err = ParseKappaWeighting("cubic")
	require.Error(t, err)
	weighting, err := ParseKappaWeighting("quadratic")
	require.NoError(t, err)
	assert.Equal(t, KappaQuadratic, weighting)

	kappa, err := NewCohenKappa(KappaLinear)
	require.NoError(t, err)
	assert.Equal(t, "Linear-Weighted-Kappa", kappa.Name())
	assert.Equal(t, "kappa_linear", kappa.ShortName())
	assert.Equal(t, AgreementMetricType, kappa.MetricType())

	// Batches are accumulated, and kappa is computed over the whole epoch.
	require.NoError(t, kappa.Update(tensors.FromValue([]int64{0, 1}), tensors.FromValue([]int64{0, 2})))
	require.NoError(t, kappa.Update(tensors.FromValue([][]int64{{2}, {2}}), tensors.FromValue([][]int64{{2}, {1}})))
	result, err := kappa.Compute()
	require.NoError(t, err)
	value, err := result.Float()
	require.NoError(t, err)
	assert.InDelta(t, 1-2/3.5, value, 1e-9)
	assert.Equal(t, "0.429", kappa.PrettyPrint(result))

	// Scores are not accepted.
	kappa.Reset()
	require.NoError(t, kappa.Update(tensors.FromValue([][]float32{{0.1, 0.9}}), tensors.FromValue([]float32{1})))
	_, err = kappa.Compute()
	require.Error(t, err)
}
