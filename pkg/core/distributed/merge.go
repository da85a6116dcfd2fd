// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Merge returns the global concatenation (along the batch axis) of the local tensors of every process
// in the group, ordered by rank.
//
// With a nil Communicator or a group of one, it returns local unchanged and no collective is issued.
// Otherwise, it issues one AllGather, so every process of the group must call Merge at the same point.
func Merge(comm Communicator, local *tensors.Tensor) (*tensors.Tensor, error) {
	if err := local.CheckValid(); err != nil {
		return nil, errors.WithMessage(err, "Merge")
	}
	if comm == nil || comm.WorldSize() <= 1 {
		return local, nil
	}
	parts, err := comm.AllGather(local)
	if err != nil {
		return nil, errors.WithMessagef(err, "Merge on rank %d of %d", comm.Rank(), comm.WorldSize())
	}
	if len(parts) != comm.WorldSize() {
		return nil, errors.Errorf("Merge on rank %d: AllGather returned %d tensors for a world size of %d",
			comm.Rank(), len(parts), comm.WorldSize())
	}
	merged, err := tensors.Concatenate(parts...)
	if err != nil {
		return nil, errors.WithMessagef(err, "Merge on rank %d: incompatible tensors across ranks", comm.Rank())
	}
	if klog.V(1).Enabled() {
		klog.Infof("distributed.Merge rank %d/%d: local %s -> merged %s",
			comm.Rank(), comm.WorldSize(), local.Shape(), merged.Shape())
	}
	return merged, nil
}
