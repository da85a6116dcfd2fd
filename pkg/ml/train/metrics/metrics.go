// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds a library of metrics computed over a whole epoch, and defines
// the Interface they implement.
//
// The core is EpochMetric: it stores every (predictions, targets) batch given to Update, and
// Compute merges them (across processes, if a distributed.Communicator is configured) and applies
// a user-given ComputeFn to the full epoch. The value returned by the ComputeFn is normalized to a Result.
//
// CohenKappa, ClassificationReport, MeanSquaredError and CategoricalAccuracy are built on EpochMetric.
// StreamingMedianMetric instead keeps a bounded reservoir of samples.
package metrics

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/google/uuid"
	"github.com/x448/float16"
)

// Interface for a Metric.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// ScopeName is a combination of name and something unique, used to tag the metric's log lines.
	ScopeName() string

	// MetricType is a key for metrics that share the same quantity or semantics. Eg.:
	// "Kappa" and "Linear-Kappa" would both have the same "agreement" metric type, and for instance,
	// can be displayed in the same table column.
	MetricType() string

	// Reset clears the metric state when starting a new evaluation epoch.
	Reset()

	// Update the metric with a batch of predictions and targets.
	Update(predictions, targets *tensors.Tensor) error

	// Compute the metric over everything seen since the last Reset.
	Compute() (*Result, error)

	// PrettyPrint is used to pretty-print a metric value, usually in a short form.
	PrettyPrint(result *Result) string
}

const (
	// LossMetricType is the type of loss metrics.
	LossMetricType = "loss"

	// AccuracyMetricType is the type of accuracy metrics.
	AccuracyMetricType = "accuracy"

	// AgreementMetricType is the type of inter-rater agreement metrics, like Cohen's kappa.
	AgreementMetricType = "agreement"

	// ReportMetricType is the type of metrics that return a table of values, like ClassificationReport.
	ReportMetricType = "report"
)

// PrettyPrintFn is a function to convert a metric value to a string.
type PrettyPrintFn func(result *Result) string

// baseMetric implements the naming part of Interface.
type baseMetric struct {
	name, shortName, metricType, scopeName string
	pPrintFn                               PrettyPrintFn // if nil will display default.
}

func (m *baseMetric) Name() string {
	return m.name
}

func (m *baseMetric) ShortName() string {
	return m.shortName
}

func (m *baseMetric) MetricType() string {
	return m.metricType
}

func (m *baseMetric) ScopeName() string {
	if m.scopeName == "" {
		m.scopeName = escapeScopeName(fmt.Sprintf("%s_uuid_%s", m.Name(), uuid.NewString()))
	}
	return m.scopeName
}

func (m *baseMetric) PrettyPrint(result *Result) string {
	if m.pPrintFn == nil {
		return DefaultPrettyPrint(result)
	}
	return m.pPrintFn(result)
}

// escapeScopeName replaces separators and spaces, so the scope name is a single token.
func escapeScopeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, name)
}

// DefaultPrettyPrint prints scalars (and scalar tensors) of float dtypes with 3 significant digits,
// other tensors with Tensor.String, sequences as "[a, b]" and mappings as "{key=value}" with sorted keys.
func DefaultPrettyPrint(result *Result) string {
	if result == nil {
		return "<nil>"
	}
	switch result.Kind {
	case KindScalar:
		return fmt.Sprintf("%.3g", result.Scalar)
	case KindTensor:
		return prettyPrintTensor(result.Tensor)
	case KindSequence:
		parts := make([]string, len(result.Sequence))
		for ii, t := range result.Sequence {
			parts[ii] = prettyPrintTensor(t)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMapping:
		keys := slices.Sorted(maps.Keys(result.Mapping))
		parts := make([]string, len(keys))
		for ii, key := range keys {
			parts[ii] = key + "=" + prettyPrintTensor(result.Mapping[key])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprintf("%v", result.Value())
}

func prettyPrintTensor(t *tensors.Tensor) string {
	dtype := t.DType()
	if !t.IsScalar() || !dtype.IsFloat() {
		return t.String()
	}
	v := t.Value()
	if dtype == dtypes.Float16 {
		v = v.(float16.Float16).Float32()
	} else if dtype == dtypes.BFloat16 {
		v = v.(bfloat16.BFloat16).Float32()
	}
	return fmt.Sprintf("%.3g", v)
}
