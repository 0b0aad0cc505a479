// Copyright 2026 The uStack Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stack ties together the pieces of the networking stack: the
// Ethernet devices, the packet buffer pools and the network protocol
// handlers registered by the protocol packages.
//
// The stack itself knows nothing about any particular protocol. Protocol
// packages implement NetworkProtocol, get registered with
// RegisterNetworkProtocol and receive every frame carrying their
// EtherType.
package stack

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/header"
	"github.com/jgrivera67/ustack/pkg/ustack/link/ethdev"
	"github.com/jgrivera67/ustack/pkg/ustack/packet"
)

// DefaultTxPoolSize is the number of transmit buffers a stack allocates
// when Options does not say otherwise.
const DefaultTxPoolSize = 16

// A NetworkProtocol handles all received frames carrying one EtherType.
type NetworkProtocol interface {
	// Number returns the EtherType the protocol handles.
	Number() ustack.NetworkProtocolNumber

	// HandlePacket processes one received frame, Ethernet header
	// included. The protocol takes ownership of the packet and must
	// Release it when done.
	HandlePacket(nic *NIC, pkt *packet.Packet)
}

// Options configures a new Stack.
type Options struct {
	// Clock is the time source for every timeout in the stack.
	// Defaults to the real time clock.
	Clock ustack.Clock

	// Logger receives stack events. Required.
	Logger logrus.FieldLogger

	// TxPoolSize is the number of shared transmit buffers. Defaults to
	// DefaultTxPoolSize.
	TxPoolSize int

	// MTU is the Ethernet payload MTU, used to size transmit buffers.
	// Defaults to ethdev.DefaultMTU.
	MTU int
}

// A Stack is one instance of the networking stack. Multiple stacks can
// coexist in one process, each with its own devices, pools and
// protocol state.
type Stack struct {
	clock  ustack.Clock
	log    logrus.FieldLogger
	stats  ustack.Stats
	txPool *packet.Pool

	mu        sync.Mutex
	nics      map[ustack.NICID]*NIC
	protocols map[ustack.NetworkProtocolNumber]NetworkProtocol
	closed    bool
}

// New creates a stack with no NICs and no protocols.
func New(opts Options) *Stack {
	if opts.Clock == nil {
		opts.Clock = &ustack.StdClock{}
	}
	if opts.TxPoolSize == 0 {
		opts.TxPoolSize = DefaultTxPoolSize
	}
	if opts.MTU == 0 {
		opts.MTU = ethdev.DefaultMTU
	}
	s := &Stack{
		clock:     opts.Clock,
		log:       opts.Logger,
		nics:      make(map[ustack.NICID]*NIC),
		protocols: make(map[ustack.NetworkProtocolNumber]NetworkProtocol),
	}
	s.txPool = packet.NewPool(packet.PoolOptions{
		Name:       "tx",
		Capacity:   opts.TxPoolSize,
		BufferSize: header.EthernetMinimumSize + opts.MTU,
		Clock:      opts.Clock,
	})
	return s
}

// Clock returns the stack's time source.
func (s *Stack) Clock() ustack.Clock {
	return s.clock
}

// Logger returns the stack's logger.
func (s *Stack) Logger() logrus.FieldLogger {
	return s.log
}

// Stats returns the stack-wide counters.
func (s *Stack) Stats() *ustack.Stats {
	return &s.stats
}

// AllocTxPacket takes a transmit buffer from the shared pool, blocking up
// to timeout (0 means forever). Returns nil on timeout.
func (s *Stack) AllocTxPacket(timeout time.Duration, freeOnTxDone bool) *packet.Packet {
	return s.txPool.Alloc(timeout, freeOnTxDone)
}

// TxPool returns the shared transmit buffer pool.
func (s *Stack) TxPool() *packet.Pool {
	return s.txPool
}

// RegisterNetworkProtocol routes all frames with the protocol's EtherType
// to it. Registering two handlers for one EtherType panics.
func (s *Stack) RegisterNetworkProtocol(p NetworkProtocol) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.protocols[p.Number()]; ok {
		panic("stack: duplicate network protocol registration")
	}
	s.protocols[p.Number()] = p
}

func (s *Stack) networkProtocol(number ustack.NetworkProtocolNumber) NetworkProtocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocols[number]
}

// CreateNIC attaches a device to the stack under the given id, starts the
// device and starts delivering its frames to the registered protocols.
func (s *Stack) CreateNIC(id ustack.NICID, dev *ethdev.Device) (*NIC, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ustack.ErrClosed
	}
	if _, ok := s.nics[id]; ok {
		s.mu.Unlock()
		return nil, ustack.ErrDuplicateNICID
	}
	n := &NIC{
		id:      id,
		stack:   s,
		dev:     dev,
		log:     s.log.WithField("nic", id),
		rxQueue: packet.NewQueue("nic-rx", dev.RxPool()),
	}
	s.nics[id] = n
	s.mu.Unlock()

	if err := dev.Start(n.rxQueue); err != nil {
		s.mu.Lock()
		delete(s.nics, id)
		s.mu.Unlock()
		return nil, err
	}
	n.wg.Add(1)
	go n.receiveLoop()
	return n, nil
}

// NIC returns the NIC with the given id.
func (s *Stack) NIC(id ustack.NICID) (*NIC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nics[id]
	if !ok {
		return nil, ustack.ErrUnknownNICID
	}
	return n, nil
}

// NICs returns the stack's NICs in no particular order.
func (s *Stack) NICs() []*NIC {
	s.mu.Lock()
	defer s.mu.Unlock()
	nics := make([]*NIC, 0, len(s.nics))
	for _, n := range s.nics {
		nics = append(nics, n)
	}
	return nics
}

// Close stops every NIC and its device. Protocol state attached to the
// stack must be closed by its owner first.
func (s *Stack) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	nics := make([]*NIC, 0, len(s.nics))
	for _, n := range s.nics {
		nics = append(nics, n)
	}
	s.mu.Unlock()

	for _, n := range nics {
		n.close()
	}
}
