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

// Package ipv4 implements the IPv4 network layer: address configuration,
// next-hop routing through the ARP cache, transport demultiplexing and
// the ICMPv4 echo machinery.
package ipv4

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/header"
	"github.com/jgrivera67/ustack/pkg/ustack/network/arp"
	"github.com/jgrivera67/ustack/pkg/ustack/packet"
	"github.com/jgrivera67/ustack/pkg/ustack/stack"
)

// DefaultTTL is the time to live of all transmitted datagrams.
const DefaultTTL = 64

// HeaderOffset is where the IPv4 header starts within a packet buffer.
const HeaderOffset = header.EthernetMinimumSize

// PayloadOffset is where the transport payload starts within a packet
// buffer. Options are never sent.
const PayloadOffset = HeaderOffset + header.IPv4MinimumSize

// A TransportHandler receives the datagrams of one IP protocol number.
// The handler takes ownership of the packet and must Release it.
type TransportHandler interface {
	DeliverPacket(ep *Endpoint, pkt *packet.Packet, src, dst ustack.Address, payload []byte)
}

// Protocol dispatches received IPv4 datagrams to the per-NIC endpoints.
type Protocol struct {
	mu  sync.Mutex
	eps map[ustack.NICID]*Endpoint
}

// NewProtocol creates an IPv4 protocol instance to register with a stack.
func NewProtocol() *Protocol {
	return &Protocol{eps: make(map[ustack.NICID]*Endpoint)}
}

// Number implements stack.NetworkProtocol.Number.
func (*Protocol) Number() ustack.NetworkProtocolNumber {
	return header.IPv4ProtocolNumber
}

// HandlePacket implements stack.NetworkProtocol.HandlePacket.
func (p *Protocol) HandlePacket(nic *stack.NIC, pkt *packet.Packet) {
	p.mu.Lock()
	ep := p.eps[nic.ID()]
	p.mu.Unlock()
	if ep == nil {
		pkt.Release()
		return
	}
	ep.handlePacket(pkt)
}

// Enable creates the IPv4 endpoint for a NIC and wires its ARP endpoint
// to it. The returned endpoint has no address until SetAddress or a DHCP
// client configures one.
func (p *Protocol) Enable(nic *stack.NIC, arpProto *arp.Protocol, arpOpts arp.Options) *Endpoint {
	ep := &Endpoint{
		nic:   nic,
		clock: nic.Stack().Clock(),
		log:   nic.Logger(),
		stats: nic.Stack().Stats(),
	}
	ep.handlers = make(map[ustack.TransportProtocolNumber]TransportHandler)
	ep.arp = arpProto.Enable(nic, ep, arpOpts)
	ep.icmp.init(ep)

	p.mu.Lock()
	p.eps[nic.ID()] = ep
	p.mu.Unlock()
	return ep
}

// An Endpoint is the IPv4 state of one NIC.
type Endpoint struct {
	nic   *stack.NIC
	arp   *arp.Endpoint
	clock ustack.Clock
	log   logrus.FieldLogger
	stats *ustack.Stats

	// nextID generates the identification field of transmitted
	// datagrams.
	nextID atomic.Uint32

	mu       sync.Mutex
	addr     ustack.Address
	subnet   ustack.Subnet
	gateway  ustack.Address
	haveAddr bool
	handlers map[ustack.TransportProtocolNumber]TransportHandler

	icmp icmpState
}

// NIC returns the NIC the endpoint is attached to.
func (ep *Endpoint) NIC() *stack.NIC {
	return ep.nic
}

// ARP returns the NIC's ARP endpoint.
func (ep *Endpoint) ARP() *arp.Endpoint {
	return ep.arp
}

// LocalAddress implements arp.AddressSource.LocalAddress.
func (ep *Endpoint) LocalAddress() (ustack.Address, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.addr, ep.haveAddr
}

// Address returns the configured address and subnet.
func (ep *Endpoint) Address() (addr ustack.Address, subnet ustack.Subnet, ok bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.addr, ep.subnet, ep.haveAddr
}

// Gateway returns the configured default gateway, if any.
func (ep *Endpoint) Gateway() (ustack.Address, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.gateway, ep.gateway != ""
}

// SetAddress configures the endpoint's address, netmask and optional
// default gateway ("" for none), and broadcasts a gratuitous ARP so the
// neighbors refresh their caches.
func (ep *Endpoint) SetAddress(addr ustack.Address, mask ustack.AddressMask, gateway ustack.Address) error {
	if len(addr) != header.IPv4AddressSize || len(mask) != header.IPv4AddressSize {
		return ustack.ErrBadAddress
	}
	id := make([]byte, header.IPv4AddressSize)
	for i := range id {
		id[i] = addr[i] & mask[i]
	}
	subnet, err := ustack.NewSubnet(ustack.Address(id), mask)
	if err != nil {
		return ustack.ErrBadAddress
	}

	ep.mu.Lock()
	ep.addr = addr
	ep.subnet = subnet
	ep.gateway = gateway
	ep.haveAddr = true
	ep.mu.Unlock()

	ep.log.WithFields(logrus.Fields{
		"addr":    addr.String(),
		"subnet":  subnet.String(),
		"gateway": gateway.String(),
	}).Info("ipv4 address configured")
	return ep.arp.Announce()
}

// UnsetAddress removes the configured address, e.g. when a DHCP lease is
// lost.
func (ep *Endpoint) UnsetAddress() {
	ep.mu.Lock()
	ep.addr = ""
	ep.subnet = ustack.Subnet{}
	ep.gateway = ""
	ep.haveAddr = false
	ep.mu.Unlock()
	ep.log.Info("ipv4 address removed")
}

// RegisterTransportHandler routes received datagrams with the given IP
// protocol number to h. ICMP is handled internally and cannot be
// claimed.
func (ep *Endpoint) RegisterTransportHandler(proto ustack.TransportProtocolNumber, h TransportHandler) {
	if proto == header.ICMPv4ProtocolNumber {
		panic("ipv4: icmp is handled by the endpoint itself")
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if _, ok := ep.handlers[proto]; ok {
		panic("ipv4: duplicate transport handler registration")
	}
	ep.handlers[proto] = h
}

// JoinMulticastGroup subscribes the NIC to the Ethernet group the
// multicast address maps to.
func (ep *Endpoint) JoinMulticastGroup(addr ustack.Address) error {
	if !header.IsV4MulticastAddress(addr) {
		return ustack.ErrBadAddress
	}
	ep.nic.JoinMulticastGroup(header.EthernetAddressFromMulticastIPv4(addr))
	return nil
}

// LeaveMulticastGroup removes the subscription made by
// JoinMulticastGroup.
func (ep *Endpoint) LeaveMulticastGroup(addr ustack.Address) error {
	if !header.IsV4MulticastAddress(addr) {
		return ustack.ErrBadAddress
	}
	ep.nic.LeaveMulticastGroup(header.EthernetAddressFromMulticastIPv4(addr))
	return nil
}

// isBroadcast reports whether dst is the limited broadcast address or the
// configured subnet's broadcast address.
func (ep *Endpoint) isBroadcast(dst ustack.Address) bool {
	if dst == header.IPv4Broadcast {
		return true
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.haveAddr && dst == ep.subnet.Broadcast()
}

// nextHopLinkAddr routes dst to the MAC address of the next hop,
// resolving it through ARP when needed.
func (ep *Endpoint) nextHopLinkAddr(dst ustack.Address) (ustack.LinkAddress, error) {
	if ep.isBroadcast(dst) {
		return header.EthernetBroadcastAddress, nil
	}
	if header.IsV4MulticastAddress(dst) {
		return header.EthernetAddressFromMulticastIPv4(dst), nil
	}

	ep.mu.Lock()
	if ep.haveAddr && dst == ep.addr {
		ep.mu.Unlock()
		return "", ustack.ErrLoopbackUnsupported
	}
	onLink := !ep.haveAddr || ep.subnet.Contains(dst)
	gateway := ep.gateway
	ep.mu.Unlock()

	nextHop := dst
	if !onLink {
		if gateway == "" {
			return "", ustack.ErrNoGateway
		}
		nextHop = gateway
	}
	return ep.arp.Resolve(nextHop)
}

// WritePacket transmits a datagram whose transport payload the caller
// has already staged at pkt.Buf()[PayloadOffset:]. The endpoint fills in
// the IPv4 header and the Ethernet encapsulation. On failure the caller
// keeps the buffer.
func (ep *Endpoint) WritePacket(pkt *packet.Packet, proto ustack.TransportProtocolNumber, dst ustack.Address, payloadLen int) error {
	if len(dst) != header.IPv4AddressSize {
		return ustack.ErrBadAddress
	}
	if PayloadOffset+payloadLen > len(pkt.Buf()) {
		return ustack.ErrMessageTooLong
	}
	linkAddr, err := ep.nextHopLinkAddr(dst)
	if err != nil {
		return err
	}

	src, ok := ep.LocalAddress()
	if !ok {
		// Not configured yet; datagrams go out with the unspecified
		// source, which is how DHCP bootstraps.
		src = header.IPv4Any
	}

	h := header.IPv4(pkt.Buf()[HeaderOffset:])
	h.Encode(&header.IPv4Fields{
		TotalLength: uint16(header.IPv4MinimumSize + payloadLen),
		ID:          uint16(ep.nextID.Add(1)),
		Flags:       header.IPv4FlagDontFragment,
		TTL:         DefaultTTL,
		Protocol:    uint8(proto),
		SrcAddr:     src,
		DstAddr:     dst,
	})
	h.SetChecksum(^h.CalculateChecksum())

	if err := ep.nic.SendFrame(pkt, linkAddr, header.IPv4ProtocolNumber, header.IPv4MinimumSize+payloadLen); err != nil {
		return err
	}
	ep.stats.IPv4.PacketsSent.Increment()
	return nil
}

// acceptsPacket applies the destination address filter of the receive
// path.
func (ep *Endpoint) acceptsPacket(dst ustack.Address) bool {
	if ep.isBroadcast(dst) || header.IsV4MulticastAddress(dst) {
		return true
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.haveAddr && dst == ep.addr
}

// handlePacket processes one received IPv4 frame and releases it, either
// directly or through the transport handler it hands the packet to.
func (ep *Endpoint) handlePacket(pkt *packet.Packet) {
	frame := pkt.Frame()
	if len(frame) < PayloadOffset {
		ep.stats.IPv4.InvalidHeaders.Increment()
		pkt.Release()
		return
	}
	h := header.IPv4(frame[HeaderOffset:])
	if !h.IsValid(len(frame)-HeaderOffset) || h.CalculateChecksum() != 0xffff {
		ep.stats.IPv4.InvalidHeaders.Increment()
		pkt.Release()
		return
	}
	dst := h.DestinationAddress()
	if !ep.acceptsPacket(dst) {
		ep.stats.IPv4.NotForUs.Increment()
		pkt.Release()
		return
	}
	ep.stats.IPv4.PacketsReceived.Increment()

	src := h.SourceAddress()
	proto := ustack.TransportProtocolNumber(h.Protocol())
	payload := h.Payload()

	if proto == header.ICMPv4ProtocolNumber {
		ep.icmp.handlePacket(pkt, src, payload)
		return
	}

	ep.mu.Lock()
	handler := ep.handlers[proto]
	ep.mu.Unlock()
	if handler == nil {
		ep.stats.IPv4.UnknownProtocol.Increment()
		ep.log.WithField("proto", uint8(proto)).Debug("dropping datagram with unhandled protocol")
		pkt.Release()
		return
	}
	handler.DeliverPacket(ep, pkt, src, dst, payload)
}

// Ping sends one ICMP echo request to dst and waits up to timeout for
// the matching reply, returning the measured round-trip time. Only one
// ping can be outstanding per endpoint; concurrent callers are
// serialized.
func (ep *Endpoint) Ping(dst ustack.Address, ident, seq uint16, payload []byte, timeout time.Duration) (time.Duration, error) {
	return ep.icmp.ping(dst, ident, seq, payload, timeout)
}
