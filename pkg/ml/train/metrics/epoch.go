// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"fmt"

	"github.com/gomlx/epochmetrics/pkg/core/distributed"
	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ComputeFn reduces the predictions and targets of a whole epoch to a metric value.
//
// The returned value must be accepted by Normalize: a Go number, a tensor, or a slice or map (with string keys)
// of tensors.
//
// It receives its own copies of the merged tensors, so it may modify them. In a distributed setting every
// process calls it on the same merged tensors: the results only agree across processes if it is deterministic.
type ComputeFn func(predictions, targets *tensors.Tensor) (any, error)

// ComputeFnWarning reports a failure of the compute function during the self-check run on the first batch.
type ComputeFnWarning struct {
	// Metric is the name of the metric.
	Metric string

	// Err is the error returned by the compute function, the panic it raised, or the error of the
	// normalization of its returned value.
	Err error
}

// Error implements error.
func (w *ComputeFnWarning) Error() string {
	return fmt.Sprintf("metric %q: probably, there can be a problem with compute function: %v", w.Metric, w.Err)
}

// Unwrap returns the underlying error.
func (w *ComputeFnWarning) Unwrap() error { return w.Err }

// WarningHandler receives the warnings of an EpochMetric.
type WarningHandler func(warning *ComputeFnWarning)

// EpochMetric is a metric that stores all the predictions and targets of an epoch, and at Compute time
// applies its ComputeFn to their concatenation.
//
// In a distributed setting (see WithCommunicator), Compute merges the stored batches of all processes,
// ordered by rank and then by insertion order, and every process runs the ComputeFn on the same merged
// tensors. Compute then issues collective calls, and must be called by all processes at the same point.
//
// It is not safe for concurrent use.
type EpochMetric struct {
	baseMetric
	computeFn      ComputeFn
	checkComputeFn bool
	device         tensors.Device
	comm           distributed.Communicator
	warningHandler WarningHandler

	predictions, targets []*tensors.Tensor

	// Merged tensors cached until the next Update or Reset.
	mergedPredictions, mergedTargets *tensors.Tensor
}

// Assert EpochMetric implements Interface.
var _ Interface = (*EpochMetric)(nil)

// NewEpochMetric creates an EpochMetric with the given compute function.
//
// By default, the compute function is checked on the first batch (see WithCheckComputeFn), tensors are stored
// on tensors.CPU, and it works on a single process.
func NewEpochMetric(name, shortName string, computeFn ComputeFn) (*EpochMetric, error) {
	if computeFn == nil {
		return nil, errors.Wrapf(ErrNilComputeFn, "NewEpochMetric(%q)", name)
	}
	return &EpochMetric{
		baseMetric: baseMetric{
			name:       name,
			shortName:  shortName,
			metricType: name,
		},
		computeFn:      computeFn,
		checkComputeFn: true,
		device:         tensors.CPU,
	}, nil
}

// MustNewEpochMetric creates an EpochMetric, and panics in case of errors.
func MustNewEpochMetric(name, shortName string, computeFn ComputeFn) *EpochMetric {
	m, err := NewEpochMetric(name, shortName, computeFn)
	if err != nil {
		panic(err)
	}
	return m
}

// WithCheckComputeFn sets whether the compute function is run on the first batch stored after a Reset,
// to report configuration problems early. Failures are reported to the WarningHandler and don't fail Update.
// Default is true.
func (m *EpochMetric) WithCheckComputeFn(check bool) *EpochMetric {
	m.checkComputeFn = check
	return m
}

// WithDevice sets the device where the batches are stored. Default is tensors.CPU.
func (m *EpochMetric) WithDevice(device tensors.Device) *EpochMetric {
	m.device = device
	return m
}

// WithCommunicator sets the Communicator used to merge the batches of all processes.
// If nil (the default) or of world size 1, Compute uses only the local batches.
func (m *EpochMetric) WithCommunicator(comm distributed.Communicator) *EpochMetric {
	m.comm = comm
	m.invalidateMerge()
	return m
}

// WithWarningHandler sets the handler of warnings. The default logs them with klog.Warningf.
func (m *EpochMetric) WithWarningHandler(handler WarningHandler) *EpochMetric {
	m.warningHandler = handler
	return m
}

// WithMetricType sets the metric type. Default is the metric name.
func (m *EpochMetric) WithMetricType(metricType string) *EpochMetric {
	m.metricType = metricType
	return m
}

// WithPrettyPrint sets the function used to pretty-print the results. If nil, DefaultPrettyPrint is used.
func (m *EpochMetric) WithPrettyPrint(fn PrettyPrintFn) *EpochMetric {
	m.pPrintFn = fn
	return m
}

// Device where batches are stored.
func (m *EpochMetric) Device() tensors.Device { return m.device }

// NumBatches returns the number of batches stored since the last Reset.
func (m *EpochMetric) NumBatches() int { return len(m.predictions) }

// Reset implements Interface: it drops all stored batches.
func (m *EpochMetric) Reset() {
	m.predictions = nil
	m.targets = nil
	m.invalidateMerge()
}

func (m *EpochMetric) invalidateMerge() {
	m.mergedPredictions = nil
	m.mergedTargets = nil
}

// Update implements Interface. It validates the batch and stores a copy of it.
//
// Predictions and targets must have rank 1 or 2: a trailing axis of dimension 1 is squeezed.
// Their dtypes must match those of the previously stored batches.
// On error, the batch is not stored.
func (m *EpochMetric) Update(predictions, targets *tensors.Tensor) error {
	predictions, err := checkShape("predictions", predictions)
	if err != nil {
		return err
	}
	targets, err = checkShape("targets", targets)
	if err != nil {
		return err
	}
	if err = m.checkTypes(predictions, targets); err != nil {
		return err
	}
	storedPredictions, err := predictions.OnDevice(m.device)
	if err != nil {
		return errors.WithMessagef(err, "metric %q storing predictions", m.name)
	}
	storedTargets, err := targets.OnDevice(m.device)
	if err != nil {
		return errors.WithMessagef(err, "metric %q storing targets", m.name)
	}
	m.predictions = append(m.predictions, storedPredictions)
	m.targets = append(m.targets, storedTargets)
	m.invalidateMerge()

	if m.checkComputeFn && len(m.predictions) == 1 {
		m.selfCheck()
	}
	return nil
}

// selfCheck runs the compute function on the first stored batch and reports any failure as a warning.
func (m *EpochMetric) selfCheck() {
	err := m.tryComputeFn(m.predictions[0], m.targets[0])
	if err == nil {
		return
	}
	warning := &ComputeFnWarning{Metric: m.name, Err: err}
	if m.warningHandler != nil {
		m.warningHandler(warning)
		return
	}
	klog.Warningf("%s", warning)
}

// tryComputeFn runs the compute function on copies of the given tensors, converting a panic into an error.
func (m *EpochMetric) tryComputeFn(predictions, targets *tensors.Tensor) error {
	predictions, err := predictions.LocalClone()
	if err != nil {
		return err
	}
	targets, err = targets.LocalClone()
	if err != nil {
		return err
	}
	var value any
	var fnErr error
	exception := exceptions.Try(func() { value, fnErr = m.computeFn(predictions, targets) })
	if exception != nil {
		if e, ok := exception.(error); ok {
			return errors.WithMessage(e, "compute function panicked")
		}
		return errors.Errorf("compute function panicked: %v", exception)
	}
	if fnErr != nil {
		return fnErr
	}
	_, err = Normalize(value)
	return err
}

// Merged returns the predictions and targets of the epoch, concatenated along the batch axis.
//
// With a Communicator of world size > 1, it includes the batches of all processes, ordered by rank:
// it issues one collective call for the predictions and then one for the targets, unless the result
// is already cached. The cache is invalidated by Update and Reset.
//
// The returned tensors must not be modified.
func (m *EpochMetric) Merged() (predictions, targets *tensors.Tensor, err error) {
	if len(m.predictions) == 0 {
		return nil, nil, errors.Wrapf(ErrNotComputable,
			"%s must have at least one example before it can be computed", m.name)
	}
	if m.mergedPredictions != nil {
		return m.mergedPredictions, m.mergedTargets, nil
	}
	predictions, err = m.merge("predictions", m.predictions)
	if err != nil {
		return nil, nil, err
	}
	targets, err = m.merge("targets", m.targets)
	if err != nil {
		return nil, nil, err
	}
	m.mergedPredictions, m.mergedTargets = predictions, targets
	return predictions, targets, nil
}

func (m *EpochMetric) merge(which string, batches []*tensors.Tensor) (*tensors.Tensor, error) {
	local, err := tensors.Concatenate(batches...)
	if err != nil {
		return nil, errors.WithMessagef(err, "metric %q concatenating %s", m.name, which)
	}
	merged, err := distributed.Merge(m.comm, local)
	if err != nil {
		return nil, errors.WithMessagef(err, "metric %q merging %s", m.name, which)
	}
	if klog.V(1).Enabled() {
		klog.Infof("%s: merged %d local batches of %s into %s", m.ScopeName(), len(batches), which, merged.Shape())
	}
	return merged, nil
}

// Compute implements Interface: it applies the compute function to the merged tensors of the epoch.
//
// It returns an error wrapping ErrNotComputable if no batch was stored since the last Reset.
// The compute function gets copies of the merged tensors, so repeated calls with no Update in between see
// the same values. An error returned by the compute function is returned as is, and a panic is not recovered.
// If the returned value is not supported (see Normalize), it returns an error wrapping ErrUnsupportedOutput.
func (m *EpochMetric) Compute() (*Result, error) {
	predictions, targets, err := m.Merged()
	if err != nil {
		return nil, err
	}
	// The merged tensors stay cached: the compute function gets copies.
	if predictions, err = predictions.LocalClone(); err != nil {
		return nil, err
	}
	if targets, err = targets.LocalClone(); err != nil {
		return nil, err
	}
	value, err := m.computeFn(predictions, targets)
	if err != nil {
		return nil, err
	}
	result, err := Normalize(value)
	if err != nil {
		return nil, errors.WithMessagef(err, "metric %q", m.name)
	}
	return result, nil
}
