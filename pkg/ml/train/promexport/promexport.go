// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package promexport exports the progress and the results of a train.Evaluator as Prometheus metrics.
//
// The exporter keeps its own registry, which can be served by the caller or written to a file in the
// text exposition format, for the node-exporter textfile collector (see Exporter.WriteTextfile).
package promexport

import (
	"strconv"

	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/gomlx/epochmetrics/pkg/ml/train"
	"github.com/gomlx/epochmetrics/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// HookName is the name of the hooks registered by Exporter.Attach.
const HookName = "epochmetrics.promexport"

// Exporter holds the Prometheus collectors updated by the Evaluator hooks.
type Exporter struct {
	registry     *prometheus.Registry
	results      *prometheus.GaugeVec
	epochs       prometheus.Counter
	steps        prometheus.Counter
	examples     prometheus.Counter
	stepDuration prometheus.Histogram
}

// New creates an Exporter with collectors named "<namespace>_...". constLabels (e.g. the rank of the process)
// are added to every collector, and can be nil.
func New(namespace string, constLabels prometheus.Labels) *Exporter {
	x := &Exporter{
		registry: prometheus.NewRegistry(),
		results: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "result",
			Help:        "Last computed value of each metric. Non-scalar results have one series per key and index.",
			ConstLabels: constLabels,
		}, []string{"metric", "type", "key", "index"}),
		epochs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "epochs_total",
			Help:        "Number of evaluation epochs completed.",
			ConstLabels: constLabels,
		}),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "steps_total",
			Help:        "Number of batches fed to the metrics.",
			ConstLabels: constLabels,
		}),
		examples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "examples_total",
			Help:        "Number of examples fed to the metrics.",
			ConstLabels: constLabels,
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "step_duration_seconds",
			Help:        "Time spent updating the metrics with one batch.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
	}
	x.registry.MustRegister(x.results, x.epochs, x.steps, x.examples, x.stepDuration)
	return x
}

// Registry with the exporter collectors.
func (x *Exporter) Registry() *prometheus.Registry { return x.registry }

// Attach registers the hooks that update the collectors to the evaluator.
func (x *Exporter) Attach(e *train.Evaluator) {
	e.OnStep(HookName, 100, x.onStep)
	e.OnEnd(HookName, 100, x.onEnd)
}

func (x *Exporter) onStep(e *train.Evaluator, predictions, _ *tensors.Tensor) error {
	x.steps.Inc()
	if predictions.Rank() > 0 {
		x.examples.Add(float64(predictions.Shape().Dim(0)))
	}
	if n := len(e.StepDurations); n > 0 {
		x.stepDuration.Observe(e.StepDurations[n-1].Seconds())
	}
	return nil
}

func (x *Exporter) onEnd(e *train.Evaluator, results []*metrics.Result) error {
	x.epochs.Inc()
	for ii, metric := range e.Metrics {
		if err := x.setResult(metric, results[ii]); err != nil {
			return err
		}
	}
	return nil
}

// setResult exports one result: scalars as a single series, tensors with one series per element.
//
// The "index" label holds the flat position of a tensor element, the position of a sequence element, or
// both ("<position>:<flat position>") for non-scalar tensors in a sequence. The "key" label holds the keys
// of mappings.
func (x *Exporter) setResult(metric metrics.Interface, result *metrics.Result) error {
	setTensor := func(key, position string, t *tensors.Tensor) error {
		values, err := tensors.ToFloat64s(t)
		if err != nil {
			return errors.WithMessagef(err, "exporting metric %q", metric.Name())
		}
		for idx, value := range values {
			index := position
			if !t.IsScalar() {
				index = strconv.Itoa(idx)
				if position != "" {
					index = position + ":" + index
				}
			}
			x.results.WithLabelValues(metric.ShortName(), metric.MetricType(), key, index).Set(value)
		}
		return nil
	}
	switch result.Kind {
	case metrics.KindScalar:
		x.results.WithLabelValues(metric.ShortName(), metric.MetricType(), "", "").Set(result.Scalar)
	case metrics.KindTensor:
		return setTensor("", "", result.Tensor)
	case metrics.KindSequence:
		for ii, t := range result.Sequence {
			if err := setTensor("", strconv.Itoa(ii), t); err != nil {
				return err
			}
		}
	case metrics.KindMapping:
		for key, t := range result.Mapping {
			if err := setTensor(key, "", t); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteTextfile writes the current value of all collectors to path, in the Prometheus text format.
// The file is written atomically.
func (x *Exporter) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, x.registry); err != nil {
		return errors.Wrapf(err, "failed to write Prometheus metrics to %q", path)
	}
	klog.V(1).Infof("Prometheus metrics written to %q", path)
	return nil
}
