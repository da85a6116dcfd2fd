// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math/rand/v2"
	"slices"

	"github.com/gomlx/epochmetrics/pkg/core/distributed"
	"github.com/gomlx/epochmetrics/pkg/ml/train/metrics"
	"github.com/gomlx/epochmetrics/ui/commandline"
	"github.com/pkg/errors"
)

// MetricNames lists the values accepted by -metric.
var MetricNames = []string{"mse", "accuracy", "kappa", "kappa_linear", "kappa_quadratic", "report", "median_ae"}

// defaultParams returns the metric parameters settable with -set, with their default values.
func defaultParams() commandline.Params {
	return commandline.Params{
		"beta":             1.0,
		"labels":           []string{},
		"sample_size":      10_001,
		"seed":             int64(0),
		"check_compute_fn": true,
		"json":             false,
	}
}

// isClassification returns whether the metric takes class indices as targets.
func isClassification(metricName string) bool {
	switch metricName {
	case "mse", "median_ae":
		return false
	}
	return true
}

// newMetric creates the metric named metricName, configured with params and merging its state through comm.
func newMetric(metricName string, params commandline.Params, comm distributed.Communicator) (metrics.Interface, error) {
	checkComputeFn := params["check_compute_fn"].(bool)
	switch metricName {
	case "mse":
		return metrics.NewMeanSquaredError("Mean-Squared-Error", "mse").
			WithCheckComputeFn(checkComputeFn).
			WithCommunicator(comm), nil
	case "accuracy":
		return metrics.NewCategoricalAccuracy("Accuracy", "acc").
			WithCheckComputeFn(checkComputeFn).
			WithCommunicator(comm), nil
	case "kappa", "kappa_linear", "kappa_quadratic":
		weighting := metrics.KappaUnweighted
		if metricName != "kappa" {
			var err error
			weighting, err = metrics.ParseKappaWeighting(metricName[len("kappa_"):])
			if err != nil {
				return nil, err
			}
		}
		kappa, err := metrics.NewCohenKappa(weighting)
		if err != nil {
			return nil, err
		}
		kappa.WithCommunicator(comm)
		return kappa, nil
	case "report":
		beta := params["beta"].(float64)
		if beta <= 0 {
			return nil, errors.Errorf("metric %q: beta must be > 0, got %g", metricName, beta)
		}
		report := metrics.NewClassificationReport().
			WithBeta(beta).
			WithLabels(params["labels"].([]string)...)
		report.WithCheckComputeFn(checkComputeFn).WithCommunicator(comm)
		return report, nil
	case "median_ae":
		sampleSize := params["sample_size"].(int)
		if sampleSize < 1 {
			return nil, errors.Errorf("metric %q: sample_size must be >= 1, got %d", metricName, sampleSize)
		}
		metric := metrics.NewMedianAbsoluteError("Median-Absolute-Error", "median_ae").
			WithSampleSize(sampleSize).
			WithCommunicator(comm)
		if seed := params["seed"].(int64); seed != 0 {
			// Each rank samples with a different stream.
			metric.WithRand(rand.New(rand.NewPCG(uint64(seed), uint64(comm.Rank()))))
		}
		return metric, nil
	}
	return nil, errors.Errorf("unknown metric %q, valid values are %q", metricName, MetricNames)
}

// validMetric returns whether metricName is one of MetricNames.
func validMetric(metricName string) bool {
	return slices.Contains(MetricNames, metricName)
}
