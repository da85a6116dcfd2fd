// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"sync"

	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/pkg/errors"
)

// LocalGroup is a group of in-process members that implement Communicator, one per simulated process.
//
// Each member is expected to be driven by its own goroutine. Members never share tensors: every
// AllGather returns to each member its own copies of the contributions.
type LocalGroup struct {
	mu      sync.Mutex
	cond    sync.Cond
	members []*LocalMember

	round   uint64            // Incremented every time a collective completes.
	pending []*tensors.Tensor // Contributions to the current round, indexed by rank.
	arrived int               // Number of contributions to the current round.
	last    []*tensors.Tensor // Contributions of the last completed round.
}

// LocalMember is the Communicator of one member of a LocalGroup.
type LocalMember struct {
	group *LocalGroup
	rank  int
}

// Assert LocalMember implements Communicator.
var _ Communicator = (*LocalMember)(nil)

// NewLocalGroup creates a group of worldSize members.
func NewLocalGroup(worldSize int) (*LocalGroup, error) {
	if worldSize < 1 {
		return nil, errors.Errorf("NewLocalGroup(%d): world size must be >= 1", worldSize)
	}
	g := &LocalGroup{
		members: make([]*LocalMember, worldSize),
		pending: make([]*tensors.Tensor, worldSize),
	}
	g.cond.L = &g.mu
	for rank := range worldSize {
		g.members[rank] = &LocalMember{group: g, rank: rank}
	}
	return g, nil
}

// Member returns the Communicator for the given rank.
func (g *LocalGroup) Member(rank int) *LocalMember {
	return g.members[rank]
}

// Members returns the Communicators of all members, indexed by rank.
func (g *LocalGroup) Members() []*LocalMember {
	return g.members
}

// Rank implements Communicator.
func (m *LocalMember) Rank() int { return m.rank }

// WorldSize implements Communicator.
func (m *LocalMember) WorldSize() int { return len(m.group.members) }

// AllGather implements Communicator. It blocks until every member of the group has called AllGather.
func (m *LocalMember) AllGather(local *tensors.Tensor) ([]*tensors.Tensor, error) {
	contribution, err := local.LocalClone()
	if err != nil {
		return nil, errors.WithMessagef(err, "AllGather on rank %d", m.rank)
	}
	g := m.group
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending[m.rank] != nil {
		return nil, errors.Errorf("AllGather on rank %d: rank already contributed to the current collective "+
			"(concurrent collectives on the same member are not supported)", m.rank)
	}
	myRound := g.round
	g.pending[m.rank] = contribution
	g.arrived++
	if g.arrived == len(g.members) {
		g.last = g.pending
		g.pending = make([]*tensors.Tensor, len(g.members))
		g.arrived = 0
		g.round++
		g.cond.Broadcast()
	} else {
		// The round can't advance twice while waiting: the next round requires this member's contribution.
		for g.round == myRound {
			g.cond.Wait()
		}
	}
	results := make([]*tensors.Tensor, len(g.last))
	for rank, t := range g.last {
		results[rank], err = t.LocalClone()
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}
