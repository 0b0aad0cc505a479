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

// Package ipv6 implements a link-local IPv6 network layer: stateless
// address autoconfiguration with duplicate address detection, Neighbor
// Discovery with a NUD neighbor cache, and the ICMPv6 echo machinery.
package ipv6

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/checksum"
	"github.com/jgrivera67/ustack/pkg/ustack/header"
	"github.com/jgrivera67/ustack/pkg/ustack/packet"
	"github.com/jgrivera67/ustack/pkg/ustack/stack"
)

// HeaderOffset is where the IPv6 header starts within a packet buffer.
const HeaderOffset = header.EthernetMinimumSize

// PayloadOffset is where the upper-layer payload starts within a packet
// buffer. Extension headers are never sent.
const PayloadOffset = HeaderOffset + header.IPv6MinimumSize

// ndpHopLimit is the hop limit all Neighbor Discovery messages are sent
// and verified with, per RFC 4861.
const ndpHopLimit = 255

// Options tunes an IPv6 endpoint. The zero value selects the protocol
// defaults; tests shorten the times and drive them with a manual clock.
type Options struct {
	// ReachableTime is how long a confirmed neighbor stays reachable
	// before its next use triggers a probe. Defaults to
	// DefaultReachableTime.
	ReachableTime time.Duration

	// RetransmitTimer is the delay between neighbor solicitations.
	// Defaults to DefaultRetransmitTimer.
	RetransmitTimer time.Duration

	// SolicitAttempts is how many solicitations are sent before a
	// resolution or reachability probe fails. Defaults to
	// DefaultSolicitAttempts.
	SolicitAttempts int

	// DelayFirstProbeTime is how long a stale neighbor may be used
	// before the first reachability probe goes out. Defaults to
	// DefaultDelayFirstProbeTime.
	DelayFirstProbeTime time.Duration

	// DadTransmits is how many solicitations duplicate address
	// detection sends before an address is accepted. Defaults to
	// DefaultDadTransmits.
	DadTransmits int

	// CacheSize is the neighbor cache capacity. When full, the entry
	// looked up least recently is evicted. Defaults to
	// DefaultCacheSize.
	CacheSize int
}

// Protocol defaults, from RFC 4861 section 10 where it has an opinion.
const (
	DefaultReachableTime       = 30 * time.Second
	DefaultRetransmitTimer     = time.Second
	DefaultSolicitAttempts     = 3
	DefaultDelayFirstProbeTime = 5 * time.Second
	DefaultDadTransmits        = 3
	DefaultCacheSize           = 32
)

func (o *Options) fillDefaults() {
	if o.ReachableTime == 0 {
		o.ReachableTime = DefaultReachableTime
	}
	if o.RetransmitTimer == 0 {
		o.RetransmitTimer = DefaultRetransmitTimer
	}
	if o.SolicitAttempts == 0 {
		o.SolicitAttempts = DefaultSolicitAttempts
	}
	if o.DelayFirstProbeTime == 0 {
		o.DelayFirstProbeTime = DefaultDelayFirstProbeTime
	}
	if o.DadTransmits == 0 {
		o.DadTransmits = DefaultDadTransmits
	}
	if o.CacheSize == 0 {
		o.CacheSize = DefaultCacheSize
	}
}

// Protocol dispatches received IPv6 packets to the per-NIC endpoints.
type Protocol struct {
	mu  sync.Mutex
	eps map[ustack.NICID]*Endpoint
}

// NewProtocol creates an IPv6 protocol instance to register with a stack.
func NewProtocol() *Protocol {
	return &Protocol{eps: make(map[ustack.NICID]*Endpoint)}
}

// Number implements stack.NetworkProtocol.Number.
func (*Protocol) Number() ustack.NetworkProtocolNumber {
	return header.IPv6ProtocolNumber
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

// Enable creates the IPv6 endpoint for a NIC. The endpoint derives its
// link-local address from the NIC's MAC address and starts duplicate
// address detection for it; the address is usable once WaitForAddress
// reports success.
func (p *Protocol) Enable(nic *stack.NIC, opts Options) *Endpoint {
	opts.fillDefaults()
	ep := &Endpoint{
		nic:       nic,
		clock:     nic.Stack().Clock(),
		log:       nic.Logger().WithField("proto", "ipv6"),
		stats:     &nic.Stack().Stats().IPv6,
		opts:      opts,
		linkLocal: header.LinkLocalAddr(nic.LinkAddress()),
		addrState: addrTentative,
		dadDone:   make(chan struct{}),
	}
	ep.neighbors.init(ep)
	ep.echo.init(ep)

	// The all-nodes group and the address's solicited-node group must
	// pass the device filter before anything else happens.
	nic.JoinMulticastGroup(header.EthernetAddressFromMulticastIPv6(header.IPv6AllNodesMulticastAddress))
	nic.JoinMulticastGroup(header.EthernetAddressFromMulticastIPv6(header.SolicitedNodeAddr(ep.linkLocal)))

	p.mu.Lock()
	p.eps[nic.ID()] = ep
	p.mu.Unlock()

	go ep.runDAD()
	return ep
}

type addrState int

const (
	// addrTentative addresses are still being probed for duplicates and
	// may not source packets.
	addrTentative addrState = iota

	// addrReady addresses passed duplicate address detection.
	addrReady

	// addrConflict addresses lost duplicate address detection to
	// another node and are never used.
	addrConflict
)

// An Endpoint is the IPv6 state of one NIC.
type Endpoint struct {
	nic   *stack.NIC
	clock ustack.Clock
	log   logrus.FieldLogger
	stats *ustack.IPv6Stats
	opts  Options

	linkLocal ustack.Address

	mu        sync.Mutex
	addrState addrState

	// dadDone is closed when duplicate address detection concludes,
	// either way.
	dadDone chan struct{}

	neighbors neighborCache
	echo      echoState
}

// NIC returns the NIC the endpoint is attached to.
func (ep *Endpoint) NIC() *stack.NIC {
	return ep.nic
}

// Stats returns the endpoint's protocol counters.
func (ep *Endpoint) Stats() *ustack.IPv6Stats {
	return ep.stats
}

// LinkLocalAddress returns the endpoint's link-local address. ok is
// false until the address has passed duplicate address detection, or
// forever if it did not.
func (ep *Endpoint) LinkLocalAddress() (ustack.Address, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.linkLocal, ep.addrState == addrReady
}

// WaitForAddress blocks until duplicate address detection concludes. It
// returns ErrDuplicateAddress when another node owns the address.
func (ep *Endpoint) WaitForAddress(timeout time.Duration) error {
	select {
	case <-ep.dadDone:
	case <-ep.clock.After(timeout):
		return ustack.ErrTimeout
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.addrState != addrReady {
		return ustack.ErrDuplicateAddress
	}
	return nil
}

// runDAD probes the solicited-node group for the tentative address and
// marks it ready when no other node claims it.
func (ep *Endpoint) runDAD() {
	for i := 0; i < ep.opts.DadTransmits; i++ {
		ep.mu.Lock()
		conflicted := ep.addrState == addrConflict
		ep.mu.Unlock()
		if conflicted {
			return
		}
		// Probes are sourced from the unspecified address and carry no
		// link-layer option, per RFC 4862.
		err := ep.sendSolicit(ep.linkLocal, header.IPv6Any,
			header.SolicitedNodeAddr(ep.linkLocal),
			header.EthernetAddressFromMulticastIPv6(header.SolicitedNodeAddr(ep.linkLocal)))
		if err != nil {
			ep.log.WithField("err", err).Warn("failed to send dad probe")
		}
		<-ep.clock.After(ep.opts.RetransmitTimer)
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.addrState != addrTentative {
		return
	}
	ep.addrState = addrReady
	close(ep.dadDone)
	ep.log.WithField("addr", ep.linkLocal.String()).Info("link-local address ready")
}

// failDAD records that another node owns our tentative address. other
// may be empty when the competing claim did not name a MAC address.
func (ep *Endpoint) failDAD(other ustack.LinkAddress) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.addrState != addrTentative {
		return
	}
	ep.addrState = addrConflict
	close(ep.dadDone)
	ep.stats.DuplicateAddressConflicts.Increment()
	fields := logrus.Fields{"addr": ep.linkLocal.String()}
	if other != "" {
		fields["other"] = other.String()
	}
	ep.log.WithFields(fields).Error("duplicate address detection failed")
}

// Resolve maps an on-link IPv6 address to its MAC address, soliciting
// the neighbor and blocking as needed.
func (ep *Endpoint) Resolve(addr ustack.Address) (ustack.LinkAddress, error) {
	if header.IsV6MulticastAddress(addr) {
		return header.EthernetAddressFromMulticastIPv6(addr), nil
	}
	return ep.neighbors.resolve(addr)
}

// nextHopLinkAddr routes a destination to the MAC address of its next
// hop. Only on-link destinations are supported; there is no router
// discovery.
func (ep *Endpoint) nextHopLinkAddr(dst ustack.Address) (ustack.LinkAddress, error) {
	if header.IsV6MulticastAddress(dst) {
		return header.EthernetAddressFromMulticastIPv6(dst), nil
	}
	if dst == ep.linkLocal {
		return "", ustack.ErrLoopbackUnsupported
	}
	if !header.IsV6LinkLocalAddress(dst) {
		return "", ustack.ErrNoGateway
	}
	return ep.neighbors.resolve(dst)
}

// WritePacket transmits a packet whose upper-layer payload the caller
// has already staged at pkt.Buf()[PayloadOffset:]. On failure the caller
// keeps the buffer.
func (ep *Endpoint) WritePacket(pkt *packet.Packet, proto ustack.TransportProtocolNumber, dst ustack.Address, payloadLen int) error {
	if len(dst) != header.IPv6AddressSize {
		return ustack.ErrBadAddress
	}
	if PayloadOffset+payloadLen > len(pkt.Buf()) {
		return ustack.ErrMessageTooLong
	}
	src, ok := ep.LinkLocalAddress()
	if !ok {
		return ustack.ErrNoAddress
	}
	linkAddr, err := ep.nextHopLinkAddr(dst)
	if err != nil {
		return err
	}
	return ep.writePacketTo(pkt, linkAddr, src, dst, proto, uint8(header.IPv6DefaultHopLimit), payloadLen)
}

// writePacketTo encodes the IPv6 header and hands the frame to the NIC.
// Neighbor Discovery uses it directly to pick its own source address,
// hop limit and link-layer destination.
func (ep *Endpoint) writePacketTo(pkt *packet.Packet, linkAddr ustack.LinkAddress, src, dst ustack.Address, proto ustack.TransportProtocolNumber, hopLimit uint8, payloadLen int) error {
	h := header.IPv6(pkt.Buf()[HeaderOffset:])
	h.Encode(&header.IPv6Fields{
		PayloadLength: uint16(payloadLen),
		NextHeader:    uint8(proto),
		HopLimit:      hopLimit,
		SrcAddr:       src,
		DstAddr:       dst,
	})
	if err := ep.nic.SendFrame(pkt, linkAddr, header.IPv6ProtocolNumber, header.IPv6MinimumSize+payloadLen); err != nil {
		return err
	}
	ep.stats.PacketsSent.Increment()
	return nil
}

// acceptsPacket applies the destination address filter of the receive
// path. The tentative address is accepted so duplicate address
// detection can see competing claims.
func (ep *Endpoint) acceptsPacket(dst ustack.Address) bool {
	return dst == ep.linkLocal || header.IsV6MulticastAddress(dst)
}

// handlePacket processes one received IPv6 frame and releases it.
func (ep *Endpoint) handlePacket(pkt *packet.Packet) {
	defer pkt.Release()
	frame := pkt.Frame()
	if len(frame) < PayloadOffset {
		ep.stats.InvalidHeaders.Increment()
		return
	}
	h := header.IPv6(frame[HeaderOffset:])
	if !h.IsValid(len(frame) - HeaderOffset) {
		ep.stats.InvalidHeaders.Increment()
		return
	}
	dst := h.DestinationAddress()
	if !ep.acceptsPacket(dst) {
		return
	}
	ep.stats.PacketsReceived.Increment()

	src := h.SourceAddress()
	payload := h.Payload()

	switch ustack.TransportProtocolNumber(h.NextHeader()) {
	case header.ICMPv6ProtocolNumber:
		ep.handleICMP(src, dst, h.HopLimit(), payload)
	default:
		ep.stats.UnknownProtocol.Increment()
		ep.log.WithField("next", h.NextHeader()).Debug("dropping packet with unhandled next header")
	}
}

func (ep *Endpoint) handleICMP(src, dst ustack.Address, hopLimit uint8, payload []byte) {
	if len(payload) < header.ICMPv6MinimumSize {
		ep.stats.InvalidHeaders.Increment()
		return
	}
	xsum := header.PseudoHeaderChecksum(header.ICMPv6ProtocolNumber, src, dst, uint16(len(payload)))
	if checksum.Checksum(payload, xsum) != 0xffff {
		ep.stats.InvalidHeaders.Increment()
		return
	}
	msg := header.ICMPv6(payload)

	switch msg.Type() {
	case header.ICMPv6NeighborSolicit:
		// RFC 4861 section 7.1.1: discard messages that crossed a
		// router.
		if hopLimit == ndpHopLimit {
			ep.stats.NeighborSolicitsReceived.Increment()
			ep.handleSolicit(src, msg.MessageBody())
		}
	case header.ICMPv6NeighborAdvert:
		if hopLimit == ndpHopLimit {
			ep.stats.NeighborAdvertsReceived.Increment()
			ep.handleAdvert(msg.MessageBody())
		}
	case header.ICMPv6EchoRequest:
		ep.echo.handleRequest(src, payload)
	case header.ICMPv6EchoReply:
		ep.echo.handleReply(payload)
	}
}

// Ping sends one ICMPv6 echo request to dst and waits up to timeout for
// the matching reply, returning the measured round-trip time. Only one
// ping can be outstanding per endpoint; concurrent callers are
// serialized.
func (ep *Endpoint) Ping(dst ustack.Address, ident, seq uint16, payload []byte, timeout time.Duration) (time.Duration, error) {
	return ep.echo.ping(dst, ident, seq, payload, timeout)
}
