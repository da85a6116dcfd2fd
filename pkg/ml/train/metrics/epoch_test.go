// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/gomlx/epochmetrics/pkg/core/distributed"
	"github.com/gomlx/epochmetrics/pkg/core/shapes"
	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func randScores(rng *rand.Rand, dimensions ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, dimensions...))
	tensors.MustMutableFlatData(t, func(flat []float32) {
		for ii := range flat {
			flat[ii] = rng.Float32()
		}
	})
	return t
}

func randClasses(rng *rand.Rand, numClasses int, dimensions ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Int64, dimensions...))
	tensors.MustMutableFlatData(t, func(flat []int64) {
		for ii := range flat {
			flat[ii] = rng.Int64N(int64(numClasses))
		}
	})
	return t
}

func constantFn(predictions, targets *tensors.Tensor) (any, error) {
	return 0.0, nil
}

func TestEpochMetricWrongSetupOrInput(t *testing.T) {
	_, err := NewEpochMetric("EpochMetric", "em", nil)
	require.ErrorIs(t, err, ErrNilComputeFn)
	require.Panics(t, func() { _ = MustNewEpochMetric("EpochMetric", "em", nil) })

	rng := rand.New(rand.NewPCG(42, 0))
	em := MustNewEpochMetric("EpochMetric", "em", constantFn)

	// Wrong input ranks.
	err = em.Update(tensors.FromScalar(int64(0)), tensors.FromScalar(int64(0)))
	require.ErrorIs(t, err, ErrInvalidShape)
	require.ErrorContains(t, err, "predictions should be of shape")
	err = em.Update(randScores(rng, 4, 3), randScores(rng, 4, 3, 1))
	require.ErrorIs(t, err, ErrInvalidShape)
	require.ErrorContains(t, err, "targets should be of shape")
	err = em.Update(randScores(rng, 4, 3, 1), randScores(rng, 4, 3))
	require.ErrorContains(t, err, "predictions should be of shape")
	err = em.Update(nil, randScores(rng, 4))
	require.ErrorIs(t, err, ErrInvalidShape)
	assert.Equal(t, 0, em.NumBatches())

	// Incoherent types with the stored batches.
	em.Reset()
	require.NoError(t, em.Update(randScores(rng, 4, 3), randClasses(rng, 2, 4, 3)))
	err = em.Update(randClasses(rng, 5, 4, 3), randClasses(rng, 2, 4, 3))
	require.ErrorIs(t, err, ErrIncoherentTypes)
	require.ErrorContains(t, err, "incoherent types between input predictions and stored predictions: Int64 vs Float32")
	targets32 := tensors.FromShape(shapes.Make(dtypes.Int32, 4, 3))
	err = em.Update(randScores(rng, 4, 3), targets32)
	require.ErrorIs(t, err, ErrIncoherentTypes)
	require.ErrorContains(t, err, "incoherent types between input targets and stored targets")
	assert.Equal(t, 1, em.NumBatches(), "rejected batches must not be stored")

	// Incoherent shapes with the stored batches: only the batch axis may change.
	err = em.Update(randScores(rng, 2), randClasses(rng, 2, 2, 3))
	require.ErrorIs(t, err, ErrInvalidShape)
	require.ErrorContains(t, err, "incoherent shapes between input predictions and stored predictions")
	err = em.Update(randScores(rng, 2, 5), randClasses(rng, 2, 2, 3))
	require.ErrorIs(t, err, ErrInvalidShape)
	require.ErrorContains(t, err, "incoherent shapes between input predictions and stored predictions")
	err = em.Update(randScores(rng, 2, 3), randClasses(rng, 2, 2))
	require.ErrorIs(t, err, ErrInvalidShape)
	require.ErrorContains(t, err, "incoherent shapes between input targets and stored targets")
	assert.Equal(t, 1, em.NumBatches(), "rejected batches must not be stored")
	require.NoError(t, em.Update(randScores(rng, 2, 3), randClasses(rng, 2, 2, 3)))
	require.NoError(t, em.Update(randScores(rng, 7, 3), randClasses(rng, 2, 7, 3)))
	assert.Equal(t, 3, em.NumBatches())
	_, err = em.Compute()
	require.NoError(t, err)

	// Not computable.
	em = MustNewEpochMetric("EpochMetric", "em", constantFn)
	_, err = em.Compute()
	require.ErrorIs(t, err, ErrNotComputable)
	require.ErrorContains(t, err, "EpochMetric must have at least one example before it can be computed")
}

func TestEpochMetric(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 1))
	em := MustNewEpochMetric("EpochMetric", "em", constantFn)
	em.Reset()
	predictions1, targets1 := randScores(rng, 4, 3), randClasses(rng, 2, 4, 3)
	predictions2, targets2 := randScores(rng, 4, 3), randClasses(rng, 2, 4, 3)
	require.NoError(t, em.Update(predictions1, targets1))
	require.NoError(t, em.Update(predictions2, targets2))
	require.Equal(t, 2, em.NumBatches())
	for ii := range em.NumBatches() {
		assert.Equal(t, tensors.CPU, em.predictions[ii].Device())
		assert.Equal(t, tensors.CPU, em.targets[ii].Device())
	}
	assert.True(t, em.predictions[0].Equal(predictions1))
	assert.True(t, em.predictions[1].Equal(predictions2))
	assert.True(t, em.targets[0].Equal(targets1))
	assert.True(t, em.targets[1].Equal(targets2))

	// Stored batches are copies: changing the input doesn't change them.
	tensors.MustMutableFlatData(predictions1, func(flat []float32) { flat[0] = -1 })
	assert.False(t, em.predictions[0].Equal(predictions1))

	result, err := em.Compute()
	require.NoError(t, err)
	assert.Equal(t, KindScalar, result.Kind)
	assert.Equal(t, 0.0, result.Value())

	// (batch_size, 1) is squeezed to (batch_size,).
	em.Reset()
	require.Equal(t, 0, em.NumBatches())
	predictions1, targets1 = randScores(rng, 4, 1), randClasses(rng, 2, 4, 1)
	require.NoError(t, em.Update(predictions1, targets1))
	squeezed, err := predictions1.Squeeze(-1)
	require.NoError(t, err)
	assert.True(t, em.predictions[0].Shape().Equal(shapes.Make(dtypes.Float32, 4)))
	assert.True(t, em.predictions[0].Equal(squeezed))
	assert.True(t, em.targets[0].Shape().Equal(shapes.Make(dtypes.Int64, 4)))
	result, err = em.Compute()
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Value())
}

func TestEpochMetricDevice(t *testing.T) {
	em := MustNewEpochMetric("EpochMetric", "em", constantFn).WithDevice("accelerator:1")
	require.NoError(t, em.Update(tensors.FromValue([]float32{1, 2}), tensors.FromValue([]int64{1, 0})))
	assert.Equal(t, tensors.Device("accelerator:1"), em.Device())
	assert.Equal(t, tensors.Device("accelerator:1"), em.predictions[0].Device())
	assert.Equal(t, tensors.Device("accelerator:1"), em.targets[0].Device())
}

func TestMSEEpochMetric(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 2))
	em := NewMeanSquaredError("MSE", "mse")
	assert.Equal(t, LossMetricType, em.MetricType())
	for range 2 {
		em.Reset()
		var allPredictions, allTargets []*tensors.Tensor
		for range 3 {
			predictions, targets := randScores(rng, 4, 3), randScores(rng, 4, 3)
			require.NoError(t, em.Update(predictions, targets))
			allPredictions = append(allPredictions, predictions)
			allTargets = append(allTargets, targets)
		}
		result, err := em.Compute()
		require.NoError(t, err)

		predictions, err := tensors.Concatenate(allPredictions...)
		require.NoError(t, err)
		targets, err := tensors.Concatenate(allTargets...)
		require.NoError(t, err)
		want, err := MeanSquaredError(predictions, targets)
		require.NoError(t, err)
		assert.Equal(t, want, result.Value())
	}
}

func TestEpochMetricComputeIsCached(t *testing.T) {
	var calls int
	var seen []*tensors.Tensor
	em := MustNewEpochMetric("EpochMetric", "em", func(predictions, targets *tensors.Tensor) (any, error) {
		calls++
		seen = append(seen, predictions)
		return predictions, nil
	}).WithCheckComputeFn(false)
	require.NoError(t, em.Update(tensors.FromValue([]float64{1, 2}), tensors.FromValue([]float64{0, 0})))
	require.NoError(t, em.Update(tensors.FromValue([]float64{3}), tensors.FromValue([]float64{0})))
	first, err := em.Compute()
	require.NoError(t, err)
	second, err := em.Compute()
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NotSame(t, seen[0], seen[1])
	assert.True(t, seen[0].Equal(seen[1]))
	assert.True(t, first.Tensor.Equal(second.Tensor))
	assert.Equal(t, []float64{1, 2, 3}, first.Tensor.Value())

	// A new update invalidates the merge.
	require.NoError(t, em.Update(tensors.FromValue([]float64{4}), tensors.FromValue([]float64{0})))
	third, err := em.Compute()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, third.Tensor.Value())

	// Reset drops everything from the previous epoch.
	em.Reset()
	require.NoError(t, em.Update(tensors.FromValue([]float64{5}), tensors.FromValue([]float64{0})))
	fourth, err := em.Compute()
	require.NoError(t, err)
	assert.Equal(t, []float64{5}, fourth.Tensor.Value())
}

func TestEpochMetricComputeFnModifiesInputs(t *testing.T) {
	// A compute function that sums the predictions, and then doubles them in place.
	em := MustNewEpochMetric("EpochMetric", "em", func(predictions, targets *tensors.Tensor) (any, error) {
		var sum float64
		tensors.MustMutableFlatData(predictions, func(flat []float64) {
			for ii, v := range flat {
				sum += v
				flat[ii] = 2 * v
			}
		})
		return sum, nil
	})
	require.NoError(t, em.Update(tensors.FromValue([]float64{1, 2}), tensors.FromValue([]float64{0, 0})))
	require.NoError(t, em.Update(tensors.FromValue([]float64{3}), tensors.FromValue([]float64{0})))
	for range 3 {
		result, err := em.Compute()
		require.NoError(t, err)
		assert.Equal(t, 6.0, result.Value())
	}
	predictions, _, err := em.Merged()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, predictions.Value())
}

func TestBadComputeFn(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 3))
	var warnings []*ComputeFnWarning
	em := NewMeanSquaredError("MSE", "mse").
		WithWarningHandler(func(w *ComputeFnWarning) { warnings = append(warnings, w) })
	// Predictions and targets of different sizes: MeanSquaredError fails, but Update doesn't.
	require.NoError(t, em.Update(randScores(rng, 4, 3), randScores(rng, 4, 4)))
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Error(), "probably, there can be a problem with compute function")
	assert.Equal(t, "MSE", warnings[0].Metric)

	// The self-check only runs for the first batch.
	require.NoError(t, em.Update(randScores(rng, 4, 3), randScores(rng, 4, 4)))
	assert.Len(t, warnings, 1)

	// At compute time the error is returned.
	_, err := em.Compute()
	require.Error(t, err)
}

func TestCheckComputeFn(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 4))
	errFailed := errors.New("failed")
	failingFn := func(predictions, targets *tensors.Tensor) (any, error) { return nil, errFailed }
	panickingFn := func(predictions, targets *tensors.Tensor) (any, error) { panic("oops") }
	unsupportedFn := func(predictions, targets *tensors.Tensor) (any, error) { return "val", nil }

	for _, tc := range []struct {
		name string
		fn   ComputeFn
	}{
		{"error", failingFn},
		{"panic", panickingFn},
		{"unsupported", unsupportedFn},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var warnings []*ComputeFnWarning
			handler := func(w *ComputeFnWarning) { warnings = append(warnings, w) }
			em := MustNewEpochMetric("EpochMetric", "em", tc.fn).WithWarningHandler(handler)
			require.NoError(t, em.Update(randScores(rng, 4, 3), randClasses(rng, 2, 4, 3)))
			require.Len(t, warnings, 1)
			assert.Equal(t, 1, em.NumBatches())

			em = MustNewEpochMetric("EpochMetric", "em", tc.fn).WithWarningHandler(handler).WithCheckComputeFn(false)
			require.NoError(t, em.Update(randScores(rng, 4, 3), randClasses(rng, 2, 4, 3)))
			assert.Len(t, warnings, 1)
		})
	}

	// Errors of the compute function are returned verbatim.
	em := MustNewEpochMetric("EpochMetric", "em", failingFn).WithWarningHandler(func(*ComputeFnWarning) {})
	require.NoError(t, em.Update(randScores(rng, 4, 3), randClasses(rng, 2, 4, 3)))
	_, err := em.Compute()
	require.Same(t, errFailed, err)

	// Panics at compute time are not recovered.
	em = MustNewEpochMetric("EpochMetric", "em", panickingFn).WithWarningHandler(func(*ComputeFnWarning) {})
	require.NoError(t, em.Update(randScores(rng, 4, 3), randClasses(rng, 2, 4, 3)))
	require.Panics(t, func() { _, _ = em.Compute() })
}

func TestEpochMetricWrongComputeFnReturn(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 5))
	for _, value := range []any{"wrongval", []any{1, 2, "wrongval"}, map[int]string{1: "welcome"}, []any{1, "welcome"}} {
		em := MustNewEpochMetric("EpochMetric", "em", func(predictions, targets *tensors.Tensor) (any, error) {
			return value, nil
		}).WithWarningHandler(func(*ComputeFnWarning) {})
		for range 3 {
			require.NoError(t, em.Update(randScores(rng, 4, 3), randClasses(rng, 2, 4, 3)))
		}
		_, err := em.Compute()
		require.ErrorIs(t, err, ErrUnsupportedOutput, "value=%#v", value)
		require.ErrorContains(t, err,
			"output not supported: compute function should return scalar, tensor, tuple/list/mapping of tensors")
	}
}

// argMaxMatches counts the examples whose arg-max (or arg-min) of the scores match the targets.
func argMaxMatches(predictions, targets *tensors.Tensor, useMin bool) int64 {
	numClasses := predictions.Shape().Dim(-1)
	scores := tensors.MustCopyFlatData[float32](predictions)
	labels := tensors.MustCopyFlatData[int64](targets)
	var count int64
	for ii, label := range labels {
		row := make([]float64, numClasses)
		for jj := range numClasses {
			row[jj] = float64(scores[ii*numClasses+jj])
		}
		idx := floats.MaxIdx(row)
		if useMin {
			idx = floats.MinIdx(row)
		}
		if int64(idx) == label {
			count++
		}
	}
	return count
}

func TestEpochMetricDistributed(t *testing.T) {
	const (
		worldSize  = 3
		numIters   = 12
		batchSize  = 16
		numClasses = 7
		offset     = numIters * batchSize
	)
	rng := rand.New(rand.NewPCG(12, 0))
	allTargets := randClasses(rng, numClasses, offset*worldSize)
	allPredictions := randScores(rng, offset*worldSize, numClasses)
	wantMax := argMaxMatches(allPredictions, allTargets, false)
	wantMin := argMaxMatches(allPredictions, allTargets, true)

	computeFns := map[string]ComputeFn{
		"scalar": func(predictions, targets *tensors.Tensor) (any, error) {
			if !predictions.Equal(allPredictions) || !targets.Equal(allTargets) {
				return nil, errors.Errorf("merged tensors differ: got %s and %s", predictions.Shape(), targets.Shape())
			}
			return argMaxMatches(predictions, targets, false), nil
		},
		"sequence": func(predictions, targets *tensors.Tensor) (any, error) {
			return []*tensors.Tensor{
				tensors.FromScalar(argMaxMatches(predictions, targets, false)),
				tensors.FromScalar(argMaxMatches(predictions, targets, true)),
			}, nil
		},
		"mapping": func(predictions, targets *tensors.Tensor) (any, error) {
			return map[string]*tensors.Tensor{
				"first":  tensors.FromScalar(argMaxMatches(predictions, targets, false)),
				"second": tensors.FromScalar(argMaxMatches(predictions, targets, true)),
			}, nil
		},
	}

	for name, fn := range computeFns {
		t.Run(name, func(t *testing.T) {
			group, err := distributed.NewLocalGroup(worldSize)
			require.NoError(t, err)
			results := make([]*Result, worldSize)
			errs := make([]error, worldSize)
			var wg sync.WaitGroup
			for rank := range worldSize {
				wg.Add(1)
				go func() {
					defer wg.Done()
					em := MustNewEpochMetric("EpochMetric", "em", fn).
						WithCheckComputeFn(false).
						WithCommunicator(group.Member(rank))
					// Several epochs, as in a training loop.
					for range 2 {
						em.Reset()
						for ii := range numIters {
							start := ii*batchSize + rank*offset
							predictions, err := allPredictions.Slice(start, start+batchSize)
							if err != nil {
								errs[rank] = err
								return
							}
							targets, err := allTargets.Slice(start, start+batchSize)
							if err != nil {
								errs[rank] = err
								return
							}
							if err = em.Update(predictions, targets); err != nil {
								errs[rank] = err
								return
							}
						}
						results[rank], errs[rank] = em.Compute()
						if errs[rank] != nil {
							return
						}
					}
				}()
			}
			wg.Wait()
			for rank := range worldSize {
				require.NoError(t, errs[rank], "rank %d", rank)
				result := results[rank]
				switch name {
				case "scalar":
					assert.Equal(t, KindScalar, result.Kind)
					assert.Equal(t, wantMax, result.Value())
				case "sequence":
					require.Equal(t, KindSequence, result.Kind)
					require.Len(t, result.Sequence, 2)
					assert.Equal(t, wantMax, result.Sequence[0].Value())
					assert.Equal(t, wantMin, result.Sequence[1].Value())
				case "mapping":
					require.Equal(t, KindMapping, result.Kind)
					assert.Equal(t, wantMax, result.Mapping["first"].Value())
					assert.Equal(t, wantMin, result.Mapping["second"].Value())
				}
			}
		})
	}
}
