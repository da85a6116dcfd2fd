// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/epochmetrics/pkg/core/distributed"
	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/pkg/errors"
)

// SampleFn converts a batch of predictions and targets to the values fed to a StreamingMedianMetric.
type SampleFn func(predictions, targets *tensors.Tensor) ([]float64, error)

// StreamingMedianMetric implements a metric that keeps an approximate median of a metric from a streaming
// input.
//
// It keeps a uniform random sample (reservoir sampling) of at most WithSampleSize values, so its memory use
// doesn't grow with the epoch. With a Communicator, Compute takes the median of the samples of all processes.
type StreamingMedianMetric struct {
	baseMetric
	sampleFn                   SampleFn
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
	comm                       distributed.Communicator
}

// Assert StreamingMedianMetric implements Interface.
var _ Interface = (*StreamingMedianMetric)(nil)

// NewMedianMetric creates a streaming median metric from any SampleFn.
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewMedianMetric(
	name, shortName, metricType string,
	sampleFn SampleFn,
	prettyPrintFn PrettyPrintFn,
) *StreamingMedianMetric {
	return &StreamingMedianMetric{
		baseMetric: baseMetric{
			name:       name,
			shortName:  shortName,
			metricType: metricType,
			pPrintFn:   prettyPrintFn,
		},
		sampleFn:      sampleFn,
		maxNumSamples: 10_001,
	}
}

// NewMedianAbsoluteError creates a streaming median of the absolute errors |prediction - target|.
func NewMedianAbsoluteError(name, shortName string) *StreamingMedianMetric {
	return NewMedianMetric(name, shortName, LossMetricType, AbsoluteErrors, nil)
}

// AbsoluteErrors is a SampleFn that returns |prediction - target| for each element.
func AbsoluteErrors(predictions, targets *tensors.Tensor) ([]float64, error) {
	diff, err := differences(predictions, targets)
	if err != nil {
		return nil, err
	}
	for ii, d := range diff {
		diff[ii] = math.Abs(d)
	}
	return diff, nil
}

// WithSampleSize configures the default number of random samples to keep to estimate the median.
func (m *StreamingMedianMetric) WithSampleSize(n int) *StreamingMedianMetric {
	m.maxNumSamples = n
	return m
}

// WithRand sets the random number generator used to select samples. By default, a randomly seeded one is used.
func (m *StreamingMedianMetric) WithRand(rng *rand.Rand) *StreamingMedianMetric {
	m.rng = rng
	return m
}

// WithCommunicator sets the Communicator used to gather the samples of all processes at Compute time.
func (m *StreamingMedianMetric) WithCommunicator(comm distributed.Communicator) *StreamingMedianMetric {
	m.comm = comm
	return m
}

// Update implements Interface.
func (m *StreamingMedianMetric) Update(predictions, targets *tensors.Tensor) error {
	predictions, err := checkShape("predictions", predictions)
	if err != nil {
		return err
	}
	targets, err = checkShape("targets", targets)
	if err != nil {
		return err
	}
	values, err := m.sampleFn(predictions, targets)
	if err != nil {
		return errors.WithMessagef(err, "streaming median metric %q", m.Name())
	}
	m.AddSamples(values...)
	return nil
}

// AddSamples feeds values directly to the reservoir.
func (m *StreamingMedianMetric) AddSamples(values ...float64) {
	if m.samples == nil {
		m.samples = make([]float64, 0, m.maxNumSamples)
		m.samplesSeen = 0
		if m.rng == nil {
			m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	for _, x := range values {
		m.samplesSeen++

		// Simple case: we have space to simply store the new sampled x.
		if len(m.samples) < m.maxNumSamples {
			m.samples = append(m.samples, x)
			continue
		}

		// We must decide whether to keep x:
		if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
			// We don't add new sample.
			continue
		}
		// We replace the new sampled x in a random position.
		pos := m.rng.IntN(m.maxNumSamples)
		m.samples[pos] = x
	}
}

// SamplesSeen returns the number of values fed since the last Reset.
func (m *StreamingMedianMetric) SamplesSeen() int { return m.samplesSeen }

// Compute implements Interface. The result is a KindScalar.
func (m *StreamingMedianMetric) Compute() (*Result, error) {
	if len(m.samples) == 0 {
		return nil, errors.Wrapf(ErrNotComputable,
			"%s must have at least one example before it can be computed", m.Name())
	}
	merged, err := distributed.Merge(m.comm, tensors.FromValue(m.samples))
	if err != nil {
		return nil, errors.WithMessagef(err, "streaming median metric %q", m.Name())
	}
	samples, err := tensors.CopyFlatData[float64](merged)
	if err != nil {
		return nil, err
	}
	slices.Sort(samples)
	return Normalize(samples[len(samples)/2])
}

// Reset will delete all samples: they will be recreated again at the start of an update.
func (m *StreamingMedianMetric) Reset() {
	m.samples = nil
	m.samplesSeen = 0
}
