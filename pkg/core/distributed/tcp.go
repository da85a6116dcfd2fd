// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"encoding/gob"
	"net"
	"time"

	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultDialTimeout is the time a non-zero rank keeps retrying to connect to rank 0.
const DefaultDialTimeout = 30 * time.Second

// TCPConfig configures a TCP Communicator.
type TCPConfig struct {
	// Rank of this process, from 0 to WorldSize-1.
	Rank int

	// WorldSize is the number of cooperating processes.
	WorldSize int

	// Address ("host:port") where rank 0 listens and the other ranks connect to.
	Address string

	// Listener optionally provides an already listening socket for rank 0, in which case Address is ignored
	// by rank 0. Useful to listen on an ephemeral port.
	Listener net.Listener

	// DialTimeout is how long non-zero ranks keep retrying to connect to rank 0. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration
}

// TCP is a Communicator across OS processes. Rank 0 is the hub: the other ranks connect to it, and
// every collective is routed through it. Tensors are encoded with encoding/gob.
//
// Collectives block without timeout, and once a collective fails the Communicator is unusable.
type TCP struct {
	rank, worldSize int
	session         string
	listener        net.Listener
	peers           []*tcpPeer // Indexed by rank. For rank 0 all other ranks; for others only peers[0].
	round           uint64
	err             error // Sticky error.
}

type tcpPeer struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func newTCPPeer(conn net.Conn) *tcpPeer {
	return &tcpPeer{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

// tcpHello is sent by non-zero ranks when they connect.
type tcpHello struct {
	Rank, WorldSize int
}

// tcpWelcome is sent by rank 0 once every rank has joined.
type tcpWelcome struct {
	Session string
	Error   string
}

// tcpFrame precedes the tensors of a collective.
type tcpFrame struct {
	Round      uint64
	NumTensors int
}

// Assert TCP implements Communicator.
var _ Communicator = (*TCP)(nil)

// NewTCP creates a TCP Communicator. It blocks until the whole group is connected:
// rank 0 waits for all other ranks to join, the other ranks retry to connect to rank 0 for up to DialTimeout.
func NewTCP(config TCPConfig) (*TCP, error) {
	if config.WorldSize < 1 {
		return nil, errors.Errorf("NewTCP: world size must be >= 1, got %d", config.WorldSize)
	}
	if config.Rank < 0 || config.Rank >= config.WorldSize {
		return nil, errors.Errorf("NewTCP: rank %d out of range for world size %d", config.Rank, config.WorldSize)
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	c := &TCP{
		rank:      config.Rank,
		worldSize: config.WorldSize,
		peers:     make([]*tcpPeer, config.WorldSize),
	}
	var err error
	if config.Rank == 0 {
		err = c.accept(config)
	} else {
		err = c.join(config)
	}
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// accept connections from all other ranks (rank 0 only).
func (c *TCP) accept(config TCPConfig) error {
	c.listener = config.Listener
	if c.listener == nil {
		if c.worldSize == 1 {
			c.session = uuid.NewString()
			return nil
		}
		var err error
		c.listener, err = net.Listen("tcp", config.Address)
		if err != nil {
			return errors.Wrapf(err, "rank 0 failed to listen on %q", config.Address)
		}
	}
	klog.V(1).Infof("distributed.TCP rank 0 waiting for %d ranks on %s", c.worldSize-1, c.listener.Addr())
	for joined := 1; joined < c.worldSize; {
		conn, err := c.listener.Accept()
		if err != nil {
			return errors.Wrapf(err, "rank 0 failed to accept connection")
		}
		peer := newTCPPeer(conn)
		var hello tcpHello
		if err := peer.dec.Decode(&hello); err != nil {
			klog.Warningf("distributed.TCP: dropping connection from %s: %v", conn.RemoteAddr(), err)
			_ = conn.Close()
			continue
		}
		var reason string
		switch {
		case hello.WorldSize != c.worldSize:
			reason = errors.Errorf("world size %d does not match rank 0's world size %d",
				hello.WorldSize, c.worldSize).Error()
		case hello.Rank <= 0 || hello.Rank >= c.worldSize:
			reason = errors.Errorf("invalid rank %d for world size %d", hello.Rank, c.worldSize).Error()
		case c.peers[hello.Rank] != nil:
			reason = errors.Errorf("rank %d already joined", hello.Rank).Error()
		}
		if reason != "" {
			klog.Warningf("distributed.TCP: rejecting connection from %s: %s", conn.RemoteAddr(), reason)
			_ = peer.enc.Encode(&tcpWelcome{Error: reason})
			_ = conn.Close()
			continue
		}
		c.peers[hello.Rank] = peer
		joined++
		klog.V(1).Infof("distributed.TCP rank %d joined from %s (%d of %d)", hello.Rank, conn.RemoteAddr(), joined, c.worldSize)
	}
	c.session = uuid.NewString()
	for rank := 1; rank < c.worldSize; rank++ {
		if err := c.peers[rank].enc.Encode(&tcpWelcome{Session: c.session}); err != nil {
			return errors.Wrapf(err, "rank 0 failed to welcome rank %d", rank)
		}
	}
	return nil
}

// join connects to rank 0 (non-zero ranks only).
func (c *TCP) join(config TCPConfig) error {
	deadline := time.Now().Add(config.DialTimeout)
	var conn net.Conn
	var err error
	for {
		conn, err = net.DialTimeout("tcp", config.Address, config.DialTimeout)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(err, "rank %d failed to connect to rank 0 at %q", c.rank, config.Address)
		}
		klog.V(1).Infof("distributed.TCP rank %d: rank 0 not reachable yet at %q, retrying: %v", c.rank, config.Address, err)
		time.Sleep(100 * time.Millisecond)
	}
	peer := newTCPPeer(conn)
	c.peers[0] = peer
	if err := peer.enc.Encode(&tcpHello{Rank: c.rank, WorldSize: c.worldSize}); err != nil {
		return errors.Wrapf(err, "rank %d failed to send hello to rank 0", c.rank)
	}
	var welcome tcpWelcome
	if err := peer.dec.Decode(&welcome); err != nil {
		return errors.Wrapf(err, "rank %d failed to receive welcome from rank 0", c.rank)
	}
	if welcome.Error != "" {
		return errors.Errorf("rank %d rejected by rank 0: %s", c.rank, welcome.Error)
	}
	c.session = welcome.Session
	klog.V(1).Infof("distributed.TCP rank %d joined session %s", c.rank, c.session)
	return nil
}

// Rank implements Communicator.
func (c *TCP) Rank() int { return c.rank }

// WorldSize implements Communicator.
func (c *TCP) WorldSize() int { return c.worldSize }

// Session returns the unique identifier of the group, created by rank 0 and shared with all ranks.
func (c *TCP) Session() string { return c.session }

// Close closes all connections (and the listener on rank 0).
func (c *TCP) Close() error {
	var firstErr error
	for _, peer := range c.peers {
		if peer == nil {
			continue
		}
		if err := peer.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.listener != nil {
		if err := c.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.err == nil {
		c.err = errors.New("distributed.TCP communicator closed")
	}
	return firstErr
}

// AllGather implements Communicator.
func (c *TCP) AllGather(local *tensors.Tensor) ([]*tensors.Tensor, error) {
	if c.err != nil {
		return nil, c.err
	}
	if err := local.CheckValid(); err != nil {
		return nil, errors.WithMessage(err, "AllGather")
	}
	var results []*tensors.Tensor
	var err error
	if c.rank == 0 {
		results, err = c.hubAllGather(local)
	} else {
		results, err = c.peerAllGather(local)
	}
	if err != nil {
		c.err = errors.WithMessagef(err, "AllGather round %d on rank %d", c.round, c.rank)
		return nil, c.err
	}
	c.round++
	return results, nil
}

func (c *TCP) hubAllGather(local *tensors.Tensor) ([]*tensors.Tensor, error) {
	results := make([]*tensors.Tensor, c.worldSize)
	var err error
	results[0], err = local.LocalClone()
	if err != nil {
		return nil, err
	}
	for rank := 1; rank < c.worldSize; rank++ {
		peer := c.peers[rank]
		var frame tcpFrame
		if err := peer.dec.Decode(&frame); err != nil {
			return nil, errors.Wrapf(err, "receiving from rank %d", rank)
		}
		if frame.Round != c.round || frame.NumTensors != 1 {
			return nil, errors.Errorf("rank %d is out of sync: sent round %d with %d tensors, expected round %d with 1 tensor",
				rank, frame.Round, frame.NumTensors, c.round)
		}
		results[rank], err = tensors.GobDeserialize(peer.dec)
		if err != nil {
			return nil, errors.WithMessagef(err, "receiving tensor from rank %d", rank)
		}
	}
	for rank := 1; rank < c.worldSize; rank++ {
		peer := c.peers[rank]
		if err := peer.enc.Encode(&tcpFrame{Round: c.round, NumTensors: c.worldSize}); err != nil {
			return nil, errors.Wrapf(err, "sending to rank %d", rank)
		}
		for _, t := range results {
			if err := t.GobSerialize(peer.enc); err != nil {
				return nil, errors.WithMessagef(err, "sending tensors to rank %d", rank)
			}
		}
	}
	return results, nil
}

func (c *TCP) peerAllGather(local *tensors.Tensor) ([]*tensors.Tensor, error) {
	hub := c.peers[0]
	if err := hub.enc.Encode(&tcpFrame{Round: c.round, NumTensors: 1}); err != nil {
		return nil, errors.Wrap(err, "sending to rank 0")
	}
	if err := local.GobSerialize(hub.enc); err != nil {
		return nil, errors.WithMessage(err, "sending tensor to rank 0")
	}
	var frame tcpFrame
	if err := hub.dec.Decode(&frame); err != nil {
		return nil, errors.Wrap(err, "receiving from rank 0")
	}
	if frame.Round != c.round || frame.NumTensors != c.worldSize {
		return nil, errors.Errorf("rank 0 is out of sync: sent round %d with %d tensors, expected round %d with %d tensors",
			frame.Round, frame.NumTensors, c.round, c.worldSize)
	}
	results := make([]*tensors.Tensor, c.worldSize)
	for rank := range results {
		var err error
		results[rank], err = tensors.GobDeserialize(hub.dec)
		if err != nil {
			return nil, errors.WithMessagef(err, "receiving tensor of rank %d from rank 0", rank)
		}
	}
	return results, nil
}
