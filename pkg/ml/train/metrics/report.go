// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"fmt"
	"strconv"

	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// MacroAverageKey is the key of the report entry with the unweighted mean over all classes.
const MacroAverageKey = "macro avg"

// reportEpsilon avoids divisions by zero for classes never predicted or never present.
const reportEpsilon = 1e-20

// ClassificationReport computes per-class precision, recall and F-beta score over the whole epoch,
// plus their mean over classes ("macro avg").
//
// Predictions are either scores with shape (batch_size, num_classes), of which the arg-max is taken, or
// class indices with shape (batch_size,). Targets are class indices, or one-hot/scores with shape
// (batch_size, num_classes). The number of classes is the largest of the number of columns of scores and
// the largest class index plus one.
//
// Compute returns a mapping with the keys "precision", "recall" and "f<beta>-score", each a float64
// tensor of shape (num_classes,). Use Report or ReportJSON for the per-label view.
type ClassificationReport struct {
	*EpochMetric
	beta   float64
	labels []string
}

// NewClassificationReport creates a ClassificationReport with beta=1.
func NewClassificationReport() *ClassificationReport {
	r := &ClassificationReport{beta: 1}
	r.EpochMetric = MustNewEpochMetric("Classification-Report", "report", r.compute).
		WithMetricType(ReportMetricType).
		WithPrettyPrint(r.prettyPrint)
	return r
}

// WithBeta sets the weight of recall in the F-score. It must be > 0. Default is 1.
func (r *ClassificationReport) WithBeta(beta float64) *ClassificationReport {
	if beta <= 0 {
		panic(errors.Errorf("ClassificationReport.WithBeta(%g): beta must be > 0", beta))
	}
	r.beta = beta
	return r
}

// WithLabels sets the names of the classes used in Report, indexed by class. Classes without a name are
// reported by their index.
func (r *ClassificationReport) WithLabels(labels ...string) *ClassificationReport {
	r.labels = labels
	return r
}

// FScoreKey returns the key of the F-beta score, e.g. "f1-score".
func (r *ClassificationReport) FScoreKey() string {
	return fmt.Sprintf("f%s-score", strconv.FormatFloat(r.beta, 'g', -1, 64))
}

// Label returns the label used in Report for the class index: the one given by WithLabels, or the index itself.
func (r *ClassificationReport) Label(class int) string {
	if class < len(r.labels) {
		return r.labels[class]
	}
	return strconv.Itoa(class)
}

func (r *ClassificationReport) compute(predictions, targets *tensors.Tensor) (any, error) {
	predicted, numPredictedClasses, err := classIndices(predictions)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s predictions", r.Name())
	}
	expected, numTargetClasses, err := classIndices(targets)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s targets", r.Name())
	}
	if len(predicted) != len(expected) {
		return nil, errors.Errorf("%s: %d predictions but %d targets", r.Name(), len(predicted), len(expected))
	}
	if len(predicted) == 0 {
		return nil, errors.Errorf("%s: no examples", r.Name())
	}
	numClasses := max(numPredictedClasses, numTargetClasses)
	truePositives := make([]float64, numClasses)
	predictedPositives := make([]float64, numClasses)
	actualPositives := make([]float64, numClasses)
	for ii, class := range predicted {
		predictedPositives[class]++
		actualPositives[expected[ii]]++
		if class == expected[ii] {
			truePositives[class]++
		}
	}

	precision := make([]float64, numClasses)
	recall := make([]float64, numClasses)
	fScore := make([]float64, numClasses)
	beta2 := r.beta * r.beta
	for class := range numClasses {
		precision[class] = truePositives[class] / (predictedPositives[class] + reportEpsilon)
		recall[class] = truePositives[class] / (actualPositives[class] + reportEpsilon)
		fScore[class] = (1 + beta2) * precision[class] * recall[class] /
			(beta2*precision[class] + recall[class] + reportEpsilon)
	}
	return map[string]*tensors.Tensor{
		"precision":   tensors.FromValue(precision),
		"recall":      tensors.FromValue(recall),
		r.FScoreKey(): tensors.FromValue(fScore),
	}, nil
}

// Report computes the metric and returns it keyed by class label, plus MacroAverageKey.
// Each entry maps "precision", "recall" and the FScoreKey to their values.
func (r *ClassificationReport) Report() (map[string]map[string]float64, error) {
	result, err := r.Compute()
	if err != nil {
		return nil, err
	}
	keys := []string{"precision", "recall", r.FScoreKey()}
	perKey := make(map[string][]float64, len(keys))
	for _, key := range keys {
		perKey[key], err = tensors.ToFloat64s(result.Mapping[key])
		if err != nil {
			return nil, err
		}
	}
	numClasses := len(perKey["precision"])
	report := make(map[string]map[string]float64, numClasses+1)
	for class := range numClasses {
		entry := make(map[string]float64, len(keys))
		for _, key := range keys {
			entry[key] = perKey[key][class]
		}
		report[r.Label(class)] = entry
	}
	average := make(map[string]float64, len(keys))
	for _, key := range keys {
		average[key] = floats.Sum(perKey[key]) / float64(numClasses)
	}
	report[MacroAverageKey] = average
	return report, nil
}

// ReportJSON returns Report encoded as JSON, with sorted keys.
func (r *ClassificationReport) ReportJSON() (string, error) {
	report, err := r.Report()
	if err != nil {
		return "", err
	}
	encoded, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(report)
	if err != nil {
		return "", errors.Wrapf(err, "%s: encoding report", r.Name())
	}
	return encoded, nil
}

func (r *ClassificationReport) prettyPrint(result *Result) string {
	if result == nil || result.Kind != KindMapping {
		return DefaultPrettyPrint(result)
	}
	values, err := tensors.ToFloat64s(result.Mapping[r.FScoreKey()])
	if err != nil || len(values) == 0 {
		return DefaultPrettyPrint(result)
	}
	return fmt.Sprintf("%s=%.3g", r.FScoreKey(), floats.Sum(values)/float64(len(values)))
}
