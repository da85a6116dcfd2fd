// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/gomlx/epochmetrics/pkg/core/distributed"
	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamingMedian(t *testing.T) {
	// Create an asymmetric sequence with known median:
	metric := NewMedianMetric("Median", "median", LossMetricType, AbsoluteErrors, nil).
		WithSampleSize(10_000).
		WithRand(rand.New(rand.NewPCG(1, 2)))
	metric.Reset()

	_, err := metric.Compute()
	require.ErrorIs(t, err, ErrNotComputable)

	t.Run("Random 1/r numbers", func(t *testing.T) {
		// Sample from 0.01 < r < 1.0 randomly (so median r is expected to be 0.99/2 = 0.495),
		// and then feed StreamingMedian values of 1/r (so median is expected to be 1/0.495 = 2.0202020...).
		const numExamples = 100_001
		rng := rand.New(rand.NewPCG(3, 4))
		values := make([]float64, 0, numExamples)
		for range numExamples {
			r := rng.Float64()*0.99 + 0.01
			r = 1 / r
			values = append(values, r)
			metric.AddSamples(r)
		}
		assert.Equal(t, numExamples, metric.SamplesSeen())
		result, err := metric.Compute()
		require.NoError(t, err)
		slices.Sort(values)
		want := values[numExamples/2]
		fmt.Printf("\tgot median=%.5g, wanted median=%.5g\n", result.Scalar, want)
		require.InDelta(t, want, result.Scalar, 0.1)
	})

	metric = metric.WithSampleSize(100)
	metric.Reset()
	t.Run("Consecutive numbers from 0 to 1000", func(t *testing.T) {
		const numExamples = 1_001
		values := make([]float64, 0, numExamples)
		for ii := range numExamples {
			values = append(values, float64(ii))
		}
		// Fed as absolute errors of batches of 7.
		for start := 0; start < numExamples; start += 7 {
			end := min(start+7, numExamples)
			predictions := tensors.FromValue(values[start:end])
			targets := tensors.FromScalarAndDimensions(0.0, end-start)
			require.NoError(t, metric.Update(predictions, targets))
		}
		result, err := metric.Compute()
		require.NoError(t, err)
		want := values[numExamples/2]
		fmt.Printf("\tgot median=%.5g, wanted median=%.5g\n", result.Scalar, want)
		require.InDelta(t, want, result.Scalar, 200)
	})
}

func TestMedianAbsoluteError(t *testing.T) {
	metric := NewMedianAbsoluteError("Median-Absolute-Error", "mae")
	require.NoError(t, metric.Update(tensors.FromValue([]float32{1, 5, -3}), tensors.FromValue([]float32{0, 0, 0})))
	require.NoError(t, metric.Update(tensors.FromValue([][]float32{{2}}), tensors.FromValue([][]float32{{4}})))
	result, err := metric.Compute()
	require.NoError(t, err)
	// Absolute errors: 1, 5, 3, 2.
	assert.Equal(t, 3.0, result.Scalar)
	assert.Equal(t, "3", metric.PrettyPrint(result))

	err = metric.Update(tensors.FromValue([]float32{1, 2}), tensors.FromValue([]float32{1}))
	require.Error(t, err)
	err = metric.Update(tensors.FromScalar(float32(1)), tensors.FromValue([]float32{1}))
	require.ErrorIs(t, err, ErrInvalidShape)

	metric.Reset()
	_, err = metric.Compute()
	require.ErrorIs(t, err, ErrNotComputable)
}

func TestMedianAbsoluteErrorDistributed(t *testing.T) {
	const worldSize = 2
	group, err := distributed.NewLocalGroup(worldSize)
	require.NoError(t, err)
	results := make([]float64, worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := range worldSize {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metric := NewMedianAbsoluteError("Median-Absolute-Error", "mae").WithCommunicator(group.Member(rank))
			// Rank 0 sees errors 0..4, rank 1 sees errors 5..9 and 10.
			var predictions []float64
			for ii := range 5 {
				predictions = append(predictions, float64(rank*5+ii))
			}
			if rank == 1 {
				predictions = append(predictions, 10)
			}
			targets := make([]float64, len(predictions))
			if errs[rank] = metric.Update(tensors.FromValue(predictions), tensors.FromValue(targets)); errs[rank] != nil {
				return
			}
			var result *Result
			result, errs[rank] = metric.Compute()
			if errs[rank] == nil {
				results[rank] = result.Scalar
			}
		}()
	}
	wg.Wait()
	for rank := range worldSize {
		require.NoError(t, errs[rank])
		assert.Equal(t, 5.0, results[rank], "rank %d", rank)
	}
}
