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

// Package arp implements the Address Resolution Protocol for IPv4 over
// Ethernet, including the per-NIC neighbor cache.
package arp

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/header"
	"github.com/jgrivera67/ustack/pkg/ustack/packet"
	"github.com/jgrivera67/ustack/pkg/ustack/stack"
)

// An AddressSource tells the ARP endpoint which IPv4 address its NIC
// currently owns. The IPv4 layer implements it; ok is false while no
// address is configured, in which case requests are sent from 0.0.0.0
// and incoming requests are never answered.
type AddressSource interface {
	LocalAddress() (addr ustack.Address, ok bool)
}

// Protocol dispatches received ARP frames to the per-NIC endpoints. One
// Protocol instance is registered with the stack; Enable creates an
// endpoint for each NIC that speaks IPv4.
type Protocol struct {
	eps endpointTable
}

// NewProtocol creates an ARP protocol instance to register with a stack.
func NewProtocol() *Protocol {
	return &Protocol{}
}

// Number implements stack.NetworkProtocol.Number.
func (*Protocol) Number() ustack.NetworkProtocolNumber {
	return header.ARPProtocolNumber
}

// HandlePacket implements stack.NetworkProtocol.HandlePacket.
func (p *Protocol) HandlePacket(nic *stack.NIC, pkt *packet.Packet) {
	ep := p.eps.lookup(nic.ID())
	if ep == nil {
		pkt.Release()
		return
	}
	ep.handlePacket(pkt)
}

// Enable creates and returns the ARP endpoint for a NIC.
func (p *Protocol) Enable(nic *stack.NIC, source AddressSource, opts Options) *Endpoint {
	ep := newEndpoint(nic, source, opts)
	p.eps.add(nic.ID(), ep)
	return ep
}

// Options tunes an ARP endpoint. The zero value selects the protocol
// defaults; tests shorten the times and drive them with a manual clock.
type Options struct {
	// AgeLimit is how long a learned mapping stays fresh. Expired
	// mappings are re-resolved on the next lookup. Defaults to
	// DefaultAgeLimit.
	AgeLimit time.Duration

	// ResolutionTimeout is how long to wait for a reply to one request
	// before retrying. Defaults to DefaultResolutionTimeout.
	ResolutionTimeout time.Duration

	// ResolutionAttempts is how many requests are sent before a
	// resolution fails. Defaults to DefaultResolutionAttempts.
	ResolutionAttempts int

	// CacheSize is the neighbor cache capacity. When full, the entry
	// looked up least recently is evicted. Defaults to
	// DefaultCacheSize.
	CacheSize int
}

const (
	// DefaultAgeLimit is how long learned mappings stay fresh.
	DefaultAgeLimit = 20 * time.Minute

	// DefaultResolutionTimeout is the reply wait per request.
	DefaultResolutionTimeout = 3 * time.Minute

	// DefaultResolutionAttempts is the number of requests sent before
	// giving an address up as unreachable.
	DefaultResolutionAttempts = 64

	// DefaultCacheSize is the neighbor cache capacity.
	DefaultCacheSize = 32
)

func (o *Options) fillDefaults() {
	if o.AgeLimit == 0 {
		o.AgeLimit = DefaultAgeLimit
	}
	if o.ResolutionTimeout == 0 {
		o.ResolutionTimeout = DefaultResolutionTimeout
	}
	if o.ResolutionAttempts == 0 {
		o.ResolutionAttempts = DefaultResolutionAttempts
	}
	if o.CacheSize == 0 {
		o.CacheSize = DefaultCacheSize
	}
}

// An Endpoint is the ARP state of one NIC: its neighbor cache and the
// resolution machinery.
type Endpoint struct {
	nic    *stack.NIC
	source AddressSource
	clock  ustack.Clock
	stats  *ustack.ARPStats
	opts   Options

	cache cache
}

func newEndpoint(nic *stack.NIC, source AddressSource, opts Options) *Endpoint {
	opts.fillDefaults()
	ep := &Endpoint{
		nic:    nic,
		source: source,
		clock:  nic.Stack().Clock(),
		stats:  &nic.Stack().Stats().ARP,
		opts:   opts,
	}
	ep.cache.init(ep)
	return ep
}

// Stats returns the endpoint's protocol counters.
func (ep *Endpoint) Stats() *ustack.ARPStats {
	return ep.stats
}

// Resolve maps an on-link IPv4 address to its MAC address, transmitting
// requests and blocking until a reply arrives or the attempts run out.
// Concurrent resolutions of the same address share one request exchange.
func (ep *Endpoint) Resolve(addr ustack.Address) (ustack.LinkAddress, error) {
	return ep.cache.resolve(addr)
}

// LookupCached returns the cached mapping for an address without
// triggering a resolution.
func (ep *Endpoint) LookupCached(addr ustack.Address) (ustack.LinkAddress, bool) {
	return ep.cache.lookupCached(addr)
}

// Announce broadcasts a gratuitous ARP request for the NIC's own
// address, updating the caches of the neighbors. Called after an address
// is configured.
func (ep *Endpoint) Announce() error {
	local, ok := ep.source.LocalAddress()
	if !ok {
		return ustack.ErrNoAddress
	}
	return ep.sendRequest(local, local)
}

// sendRequest broadcasts one ARP request for target. Gratuitous
// announcements pass their own address as the target.
func (ep *Endpoint) sendRequest(local, target ustack.Address) error {
	pkt := ep.nic.Stack().AllocTxPacket(ep.opts.ResolutionTimeout, true)
	if pkt == nil {
		return ustack.ErrTimeout
	}
	h := header.ARP(pkt.Buf()[header.EthernetMinimumSize:])
	h.SetIPv4OverEthernet()
	h.SetOp(header.ARPRequest)
	copy(h.HardwareAddressSender(), ep.nic.LinkAddress())
	copy(h.ProtocolAddressSender(), local)
	for i := range h.HardwareAddressTarget() {
		h.HardwareAddressTarget()[i] = 0
	}
	copy(h.ProtocolAddressTarget(), target)

	if err := ep.nic.SendFrame(pkt, header.EthernetBroadcastAddress, header.ARPProtocolNumber, header.ARPSize); err != nil {
		pkt.Release()
		return err
	}
	ep.stats.RequestsSent.Increment()
	return nil
}

func (ep *Endpoint) sendReply(toMAC ustack.LinkAddress, toIP, local ustack.Address) error {
	pkt := ep.nic.Stack().AllocTxPacket(ep.opts.ResolutionTimeout, true)
	if pkt == nil {
		return ustack.ErrTimeout
	}
	h := header.ARP(pkt.Buf()[header.EthernetMinimumSize:])
	h.SetIPv4OverEthernet()
	h.SetOp(header.ARPReply)
	copy(h.HardwareAddressSender(), ep.nic.LinkAddress())
	copy(h.ProtocolAddressSender(), local)
	copy(h.HardwareAddressTarget(), toMAC)
	copy(h.ProtocolAddressTarget(), toIP)

	if err := ep.nic.SendFrame(pkt, toMAC, header.ARPProtocolNumber, header.ARPSize); err != nil {
		pkt.Release()
		return err
	}
	ep.stats.RepliesSent.Increment()
	return nil
}

// handlePacket processes one received ARP frame and releases it.
func (ep *Endpoint) handlePacket(pkt *packet.Packet) {
	defer pkt.Release()
	if pkt.Length() < header.EthernetMinimumSize+header.ARPSize {
		return
	}
	h := header.ARP(pkt.Frame()[header.EthernetMinimumSize:])
	if !h.IsValid() {
		return
	}

	senderMAC := ustack.LinkAddress(h.HardwareAddressSender())
	senderIP := ustack.Address(h.ProtocolAddressSender())
	local, haveLocal := ep.source.LocalAddress()

	// A neighbor claiming our own address is a configuration conflict.
	// It is reported but never learned.
	if haveLocal && senderIP == local && senderMAC != ep.nic.LinkAddress() {
		ep.stats.DuplicateAddressConflicts.Increment()
		ep.nic.Logger().WithFields(logrus.Fields{
			"addr":  senderIP.String(),
			"other": senderMAC.String(),
		}).Warn("another station is using our IPv4 address")
		return
	}

	switch h.Op() {
	case header.ARPRequest:
		ep.stats.RequestsReceived.Increment()
		if senderMAC == ep.nic.LinkAddress() {
			// Our own broadcast looped back through a hub.
			return
		}
		ep.cache.learn(senderIP, senderMAC)
		target := ustack.Address(h.ProtocolAddressTarget())
		if haveLocal && target == local && senderIP != local {
			if err := ep.sendReply(senderMAC, senderIP, local); err != nil {
				ep.nic.Logger().WithField("err", err).Warn("failed to send arp reply")
			}
		}
	case header.ARPReply:
		ep.stats.RepliesReceived.Increment()
		ep.cache.learn(senderIP, senderMAC)
	}
}
