// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train holds the Evaluator, the loop that feeds a Dataset to a set of metrics, one epoch at a time.
package train

import (
	"io"
	"iter"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/gomlx/epochmetrics/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks, called at the start of every epoch.
type OnStartFn func(e *Evaluator, ds Dataset) error

// OnStepFn is the type of OnStep hooks, called after the metrics are updated with a batch.
type OnStepFn func(e *Evaluator, predictions, targets *tensors.Tensor) error

// OnEndFn is the type of OnEnd hooks, called with the results of the metrics at the end of every epoch.
type OnEndFn func(e *Evaluator, results []*metrics.Result) error

// Evaluator runs evaluation epochs over a Dataset: for each epoch it resets the metrics, updates them
// with every batch yielded by the dataset, and computes them at the end, calling the appropriate hooks.
//
// By itself it doesn't do much, but one can attach functionality to it, like progress bars.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Evaluator struct {
	// Metrics evaluated, in the order their results are returned.
	Metrics []metrics.Interface

	// Epoch being evaluated, starting from 0.
	Epoch int

	// Step is the number of batches processed in the current epoch.
	Step int

	// NumExamples is the number of examples (the batch dimension of the predictions) processed in the current epoch.
	NumExamples int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by the Evaluator.
	SharedData map[string]any

	// StepDurations collected during the last run.
	StepDurations []time.Duration

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewEvaluator creates a new Evaluator for the given metrics.
func NewEvaluator(ms ...metrics.Interface) *Evaluator {
	return &Evaluator{
		Metrics:    ms,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// start of an epoch: it resets the metrics and calls the appropriate hooks.
func (e *Evaluator) start(ds Dataset) error {
	e.Step = 0
	e.NumExamples = 0
	for _, metric := range e.Metrics {
		metric.Reset()
	}
	for hook := range e.onStart.All() {
		err := hook.fn(e, ds)
		if err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step updates all metrics with one batch and calls the appropriate hooks.
func (e *Evaluator) step(predictions, targets *tensors.Tensor) error {
	startTime := time.Now()
	for _, metric := range e.Metrics {
		if err := metric.Update(predictions, targets); err != nil {
			return errors.WithMessagef(err, "updating metric %q", metric.Name())
		}
	}
	e.StepDurations = append(e.StepDurations, time.Since(startTime))
	e.Step++
	if predictions.Rank() > 0 {
		e.NumExamples += predictions.Shape().Dim(0)
	}
	for hook := range e.onStep.All() {
		if err := hook.fn(e, predictions, targets); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	return nil
}

// end of an epoch: it computes the metrics and calls the appropriate hooks.
func (e *Evaluator) end() ([]*metrics.Result, error) {
	results := make([]*metrics.Result, len(e.Metrics))
	for ii, metric := range e.Metrics {
		var err error
		results[ii], err = metric.Compute()
		if err != nil {
			return nil, errors.WithMessagef(err, "computing metric %q", metric.Name())
		}
		if klog.V(1).Enabled() {
			klog.Infof("epoch %d: %s=%s", e.Epoch, metric.Name(), metric.PrettyPrint(results[ii]))
		}
	}
	for hook := range e.onEnd.All() {
		if err := hook.fn(e, results); err != nil {
			return nil, errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return results, nil
}

var yieldInputTypeNames = []string{"inputs", "labels"}

// checkYield returns the predictions (inputs[0]) and targets (labels[0]) of a yielded batch.
func checkYield(inputs, labels []*tensors.Tensor) (predictions, targets *tensors.Tensor, err error) {
	for inputTypeIdx, slice := range [][]*tensors.Tensor{inputs, labels} {
		if len(slice) == 0 {
			return nil, nil, errors.Errorf("dataset yielded no %s, at least one tensor is required",
				yieldInputTypeNames[inputTypeIdx])
		}
		for tensorIdx, t := range slice {
			if !t.Ok() {
				return nil, nil, errors.Errorf("dataset yielded an invalid tensor (tensor #%d of %s)",
					tensorIdx, yieldInputTypeNames[inputTypeIdx])
			}
		}
	}
	return inputs[0], labels[0], nil
}

// Eval runs one epoch over the dataset and returns the results of the metrics, in the order of Evaluator.Metrics.
//
// Dataset.Reset is called at the end of the epoch.
//
// In a distributed setting, every process must call Eval at the same time, since the metrics
// merge their state across processes when computed.
func (e *Evaluator) Eval(ds Dataset) ([]*metrics.Result, error) {
	e.StepDurations = nil
	if err := e.start(ds); err != nil {
		return nil, err
	}
	for {
		_, inputs, labels, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.WithMessagef(err, "Evaluator.Eval(epoch %d): failed reading from Dataset %q",
				e.Epoch, ds.Name())
		}
		predictions, targets, err := checkYield(inputs, labels)
		if err == nil {
			err = e.step(predictions, targets)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "Evaluator.Eval(epoch %d): step %d of Dataset %q",
				e.Epoch, e.Step, ds.Name())
		}
	}
	ds.Reset()
	results, err := e.end()
	if err != nil {
		return nil, errors.WithMessagef(err, "Evaluator.Eval(epoch %d) of Dataset %q", e.Epoch, ds.Name())
	}
	return results, nil
}

// RunEpochs runs Eval for the given number of epochs, and returns the results of each epoch.
func (e *Evaluator) RunEpochs(ds Dataset, epochs int) ([][]*metrics.Result, error) {
	allResults := make([][]*metrics.Result, 0, epochs)
	for e.Epoch = 0; e.Epoch < epochs; e.Epoch++ {
		results, err := e.Eval(ds)
		if err != nil {
			return nil, errors.WithMessagef(err, "Evaluator.RunEpochs(%d)", epochs)
		}
		allResults = append(allResults, results)
	}
	return allResults, nil
}

// MedianStepDuration returns the median duration of each step of the last epoch. It returns 1 millisecond
// if no step was recorded (to avoid potential division by 0).
func (e *Evaluator) MedianStepDuration() time.Duration {
	if len(e.StepDurations) == 0 {
		// Return something different from 0 to avoid division by 0.
		return time.Millisecond
	}
	times := slices.Clone(e.StepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of each epoch.
func (e *Evaluator) OnStart(name string, priority Priority, fn OnStartFn) {
	e.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of an epoch.
// The function `fn` is called after the metrics are updated.
func (e *Evaluator) OnStep(name string, priority Priority, fn OnStepFn) {
	e.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of each epoch,
// after the metrics are computed.
func (e *Evaluator) OnEnd(name string, priority Priority, fn OnEndFn) {
	e.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
