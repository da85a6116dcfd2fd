// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed defines the collective-communication layer used to merge per-process state:
//
//   - Communicator: rank, world size and an AllGather collective over tensors.
//   - Single: the trivial single-process Communicator.
//   - LocalGroup: a group of in-process members, one per simulated process, useful for tests.
//   - TCP: a Communicator across OS processes, with rank 0 acting as the hub.
//   - Merge: concatenates a process' local tensor with every other process' tensor, in rank order.
//
// Collectives are blocking and have no timeout: every member of the group must issue the same
// sequence of collective calls, otherwise the group stalls. A Communicator is not safe for
// concurrent collective calls from multiple goroutines.
package distributed

import (
	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Communicator is the collective-communication interface used by metrics to merge their state.
type Communicator interface {
	// Rank of the current process in the group, from 0 to WorldSize()-1.
	Rank() int

	// WorldSize is the number of cooperating processes.
	WorldSize() int

	// AllGather contributes the local tensor and returns the tensors of every process of the group,
	// indexed by rank. Every process receives the same list.
	//
	// Tensors of different processes may have different batch sizes (axis 0).
	// It blocks until all processes of the group have contributed.
	AllGather(local *tensors.Tensor) ([]*tensors.Tensor, error)
}

// Single is the Communicator of a single process: rank 0 in a group of 1.
type Single struct{}

// Assert Single implements Communicator.
var _ Communicator = Single{}

// Rank implements Communicator.
func (Single) Rank() int { return 0 }

// WorldSize implements Communicator.
func (Single) WorldSize() int { return 1 }

// AllGather implements Communicator. It returns the local tensor itself.
func (Single) AllGather(local *tensors.Tensor) ([]*tensors.Tensor, error) {
	if err := local.CheckValid(); err != nil {
		return nil, errors.WithMessage(err, "AllGather")
	}
	return []*tensors.Tensor{local}, nil
}
