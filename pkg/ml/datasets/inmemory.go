// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"encoding/gob"
	"fmt"
	"io"
	"sync"

	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InMemoryDataset represents a Dataset that has been completely read into memory.
//
// It yields the examples sequentially, in batches (see BatchSize), and can be split
// into contiguous shards, one per rank of a distributed evaluation (see Shard).
// Since it is never shuffled, merging the per-rank results in rank order reproduces the order
// of the examples of the full dataset.
//
// It supports serialization and deserialization, see GobSerialize.
type InMemoryDataset struct {
	// name of the dataset.
	name      string
	shortName string

	// spec returned by Yield.
	spec any

	// inputsAndLabelsData contains the full dataset for each of the inputs and labels.
	inputsAndLabelsData []*tensors.Tensor

	// numInputsTensors indicate how many in inputsAndLabelsData are inputs, the remainder are labels.
	numInputsTensors int

	// numExamples indicates the total number of examples held.
	numExamples int

	// muSampling protects all the member variables below.
	muSampling sync.Mutex

	// batchSize to yield. If set to 0 yields only one example at a time, without the batch axis.
	batchSize int

	// dropIncompleteBatch, when there are not enough remaining examples in the epoch.
	dropIncompleteBatch bool

	// next example to be yielded. If set to -1, the dataset has been exhausted.
	next int

	// numYielded batches since the last Reset.
	numYielded int

	infinite bool
	takeN    int
}

// InMemoryFromData creates an InMemoryDataset from the static data given -- it is immediately converted to
// a tensor, if not a tensor already.
// The first dimension of each element of inputs and labels must be the batch size, and the same for every
// element.
//
// Example: A dataset with one input tensor and one label tensor. Each with two examples.
//
//	mds, err := InMemoryFromData("test",
//		[]any{[][]float32{{1, 2}, {3, 4}}},
//		[]any{[]int64{0, 1}})
func InMemoryFromData(name string, inputs []any, labels []any) (mds *InMemoryDataset, err error) {
	mds = &InMemoryDataset{
		name:                name,
		shortName:           defaultShortName(name),
		inputsAndLabelsData: make([]*tensors.Tensor, 0, len(inputs)+len(labels)),
		numInputsTensors:    len(inputs),
	}
	errMsgFn := func(ii int) string {
		if ii < mds.numInputsTensors {
			return fmt.Sprintf("parsing inputs[%d]", ii)
		}
		return fmt.Sprintf("parsing labels[%d]", ii-mds.numInputsTensors)
	}
	all := make([]any, 0, len(inputs)+len(labels))
	all = append(all, inputs...)
	all = append(all, labels...)
	if len(all) == 0 {
		return nil, errors.Errorf("InMemoryFromData(%q): no inputs or labels given", name)
	}
	for ii, value := range all {
		var valueT *tensors.Tensor
		err = exceptions.TryCatch[error](func() { valueT = tensors.FromAnyValue(value) })
		if err != nil {
			return nil, errors.WithMessage(err, errMsgFn(ii))
		}
		if valueT == nil || !valueT.Ok() {
			return nil, errors.Errorf("invalid tensor when %s", errMsgFn(ii))
		}
		if valueT.IsScalar() {
			return nil, errors.Errorf("cannot use scalars when %s", errMsgFn(ii))
		}
		numExamples := valueT.Shape().Dimensions[0]
		if ii == 0 {
			mds.numExamples = numExamples
		} else if mds.numExamples != numExamples {
			return nil, errors.Errorf(
				"inputs[0] has %d examples, but got %d examples when %s -- all must have the same number",
				mds.numExamples, numExamples, errMsgFn(ii))
		}
		mds.inputsAndLabelsData = append(mds.inputsAndLabelsData, valueT)
	}
	return mds, nil
}

func defaultShortName(name string) string {
	runes := []rune(name)
	return string(runes[:min(3, len(runes))])
}

// Memory returns an approximation of the memory being used.
func (mds *InMemoryDataset) Memory() uintptr {
	var mem uintptr
	for _, t := range mds.inputsAndLabelsData {
		mem += t.Memory()
	}
	return mem
}

// NumExamples held by the dataset.
func (mds *InMemoryDataset) NumExamples() int {
	return mds.numExamples
}

// Copy returns a copy of the dataset. It uses the same underlying data -- so very little memory is used.
//
// The copy comes configured by default with one example per Yield, non-looping, and reset.
func (mds *InMemoryDataset) Copy() *InMemoryDataset {
	return &InMemoryDataset{
		name:                mds.name,
		shortName:           mds.shortName,
		spec:                mds.spec,
		inputsAndLabelsData: mds.inputsAndLabelsData,
		numInputsTensors:    mds.numInputsTensors,
		numExamples:         mds.numExamples,
		takeN:               mds.takeN,
	}
}

// Shard returns a new dataset with the contiguous block of examples assigned to the given rank, out of worldSize ranks.
//
// Rank r gets the examples [r*N/worldSize, (r+1)*N/worldSize), so the shards of all ranks, in rank order, cover the
// whole dataset exactly once. Some shards may be empty if there are fewer examples than ranks.
// The batching configuration is preserved.
func (mds *InMemoryDataset) Shard(rank, worldSize int) (*InMemoryDataset, error) {
	if worldSize < 1 || rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("InMemoryDataset.Shard(rank=%d, worldSize=%d): invalid rank or world size", rank, worldSize)
	}
	start := rank * mds.numExamples / worldSize
	end := (rank + 1) * mds.numExamples / worldSize
	shard := mds.Copy()
	shard.batchSize = mds.batchSize
	shard.dropIncompleteBatch = mds.dropIncompleteBatch
	if worldSize > 1 {
		shard.name = fmt.Sprintf("%s [shard %d/%d]", mds.name, rank, worldSize)
	}
	shard.numExamples = end - start
	shard.inputsAndLabelsData = make([]*tensors.Tensor, len(mds.inputsAndLabelsData))
	for ii, data := range mds.inputsAndLabelsData {
		sliced, err := data.Slice(start, end)
		if err != nil {
			return nil, errors.WithMessagef(err, "InMemoryDataset.Shard(rank=%d, worldSize=%d)", rank, worldSize)
		}
		shard.inputsAndLabelsData[ii] = sliced
	}
	klog.V(1).Infof("dataset %q: rank %d takes examples [%d, %d) of %d", mds.name, rank, start, end, mds.numExamples)
	return shard, nil
}

// Name implements `train.Dataset`
func (mds *InMemoryDataset) Name() string {
	return mds.name
}

// ShortName implements `train.HasShortName`
func (mds *InMemoryDataset) ShortName() string {
	return mds.shortName
}

// SetName sets the name of the dataset and optionally its ShortName, and returns the updated dataset.
func (mds *InMemoryDataset) SetName(name string, shortName ...string) *InMemoryDataset {
	mds.name = name
	if len(shortName) > 0 {
		mds.shortName = shortName[0]
	} else {
		mds.shortName = defaultShortName(name)
	}
	return mds
}

// Reset implements `train.Dataset`
func (mds *InMemoryDataset) Reset() {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.next = 0
	mds.numYielded = 0
}

// rangeNextYield returns the range of examples for the next Yield call. An empty range means the dataset is exhausted.
func (mds *InMemoryDataset) rangeNextYield() (start, end int) {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	if mds.next == -1 || mds.next >= mds.numExamples {
		mds.next = -1
		return 0, 0
	}
	if mds.takeN > 0 && mds.numYielded >= mds.takeN {
		mds.next = -1
		return 0, 0
	}
	n := max(mds.batchSize, 1)
	start = mds.next
	end = min(start+n, mds.numExamples)
	if end-start < n && mds.dropIncompleteBatch {
		mds.next = -1
		return 0, 0
	}
	mds.next = end
	mds.numYielded++
	return start, end
}

// Yield implements `train.Dataset`.
// It returns copies of the data, so the yielded tensors can be freely modified.
func (mds *InMemoryDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if len(mds.inputsAndLabelsData) == 0 {
		err = errors.Errorf("InMemoryDataset %q is empty", mds.name)
		return
	}
	start, end := mds.rangeNextYield()
	if start == end {
		if !mds.infinite || mds.numExamples == 0 {
			err = io.EOF
			return
		}
		// If looping infinitely, automatically Reset and pull a new range.
		mds.Reset()
		start, end = mds.rangeNextYield()
		if start == end {
			klog.Warningf("InMemoryDataset %q configured for infinite loop, but Reset failed to generate new examples", mds.name)
			err = io.EOF
			return
		}
	}

	inputsAndLabels := make([]*tensors.Tensor, len(mds.inputsAndLabelsData))
	for ii, data := range mds.inputsAndLabelsData {
		var batch *tensors.Tensor
		batch, err = data.Slice(start, end)
		if err == nil && mds.batchSize <= 0 {
			batch, err = batch.Squeeze(0)
		}
		if err != nil {
			err = errors.WithMessagef(err, "failed slicing examples [%d, %d) of InMemoryDataset %q", start, end, mds.name)
			return
		}
		inputsAndLabels[ii] = batch
	}
	spec = mds.spec
	if mds.numInputsTensors > 0 {
		inputs = inputsAndLabels[:mds.numInputsTensors]
	}
	if len(inputsAndLabels) > mds.numInputsTensors {
		labels = inputsAndLabels[mds.numInputsTensors:]
	}
	return
}

// BatchSize configures the InMemoryDataset to yield batches of the given size.
// It also allows it to be configured to drop the last batch, if there are not enough examples to fill a
// batch of an epoch. Otherwise, it will return a partially filled batch.
//
// If `n` is set to 0, it reverts back to yielding one example at a time, without the batch axis.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) BatchSize(n int, dropIncompleteBatch bool) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.batchSize = max(n, 0)
	mds.dropIncompleteBatch = dropIncompleteBatch
	return mds
}

// WithSpec sets the `spec` that is returned in Yield.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) WithSpec(spec any) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.spec = spec
	return mds
}

// Infinite sets whether the dataset should loop indefinitely. The default is `infinite = false`, which
// causes the dataset to going through the data only once before returning io.EOF.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) Infinite(infinite bool) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.infinite = infinite
	return mds
}

// TakeN configures dataset to only yield N batches (or examples, if not batching) before returning io.EOF.
// If set to 0 or -1, it takes as many as there is data.
// If configured, it automatically disables InMemoryDataset.Infinite.
func (mds *InMemoryDataset) TakeN(n int) *InMemoryDataset {
	if n > 0 {
		mds.Infinite(false)
	}
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.takeN = n
	return mds
}

// GobSerialize in-memory content to the encoder.
//
// Only the underlying data is serialized. The batching configuration and the `spec` (see WithSpec)
// are not serialized.
func (mds *InMemoryDataset) GobSerialize(encoder *gob.Encoder) (err error) {
	enc := func(data any) {
		if err != nil {
			return
		}
		err = encoder.Encode(data)
		if err != nil {
			err = errors.Wrapf(err, "failed to serialize InMemoryDataset")
		}
	}
	enc(mds.name)
	enc(mds.shortName)
	enc(mds.numExamples)
	enc(int32(len(mds.inputsAndLabelsData)))
	enc(mds.numInputsTensors)
	if err != nil {
		return
	}
	for _, data := range mds.inputsAndLabelsData {
		if err = data.GobSerialize(encoder); err != nil {
			return err
		}
	}
	return
}

// GobDeserializeInMemory reads a dataset written with InMemoryDataset.GobSerialize.
//
// No batching configuration is recovered: the InMemoryDataset created yields one example at a time,
// and reads through only one epoch.
func GobDeserializeInMemory(decoder *gob.Decoder) (mds *InMemoryDataset, err error) {
	dec := func(data any) {
		if err != nil {
			return
		}
		err = decoder.Decode(data)
		if err != nil {
			err = errors.Wrapf(err, "failed to deserialize InMemoryDataset")
		}
	}
	mds = &InMemoryDataset{}
	var numInputsAndLabels int32
	dec(&mds.name)
	dec(&mds.shortName)
	dec(&mds.numExamples)
	dec(&numInputsAndLabels)
	dec(&mds.numInputsTensors)
	if err != nil {
		return nil, err
	}
	mds.inputsAndLabelsData = make([]*tensors.Tensor, 0, numInputsAndLabels)
	for range numInputsAndLabels {
		var data *tensors.Tensor
		data, err = tensors.GobDeserialize(decoder)
		if err != nil {
			return nil, err
		}
		mds.inputsAndLabelsData = append(mds.inputsAndLabelsData, data)
	}
	return mds, nil
}
