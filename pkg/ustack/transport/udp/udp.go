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

// Package udp implements UDP datagram endpoints on top of the IPv4
// layer.
package udp

import (
	"sync"
	"time"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/checksum"
	"github.com/jgrivera67/ustack/pkg/ustack/header"
	"github.com/jgrivera67/ustack/pkg/ustack/network/ipv4"
	"github.com/jgrivera67/ustack/pkg/ustack/packet"
	"github.com/jgrivera67/ustack/pkg/ustack/ports"
)

// receiveBacklog is the number of datagrams an endpoint buffers before it
// starts dropping new arrivals.
const receiveBacklog = 32

// Protocol is the UDP state of one IPv4 endpoint: the port space and the
// demultiplexing table. It registers itself as the IPv4 transport
// handler for protocol 17.
type Protocol struct {
	ip    *ipv4.Endpoint
	ports *ports.Allocator
	stats *ustack.UDPStats

	mu        sync.Mutex
	endpoints map[uint16]*Endpoint
}

// NewProtocol creates the UDP protocol instance for an IPv4 endpoint and
// hooks it into the receive path.
func NewProtocol(ip *ipv4.Endpoint) *Protocol {
	p := &Protocol{
		ip:        ip,
		ports:     ports.NewAllocator(),
		stats:     &ip.NIC().Stack().Stats().UDP,
		endpoints: make(map[uint16]*Endpoint),
	}
	ip.RegisterTransportHandler(header.UDPProtocolNumber, p)
	return p
}

// Stats returns the UDP counters.
func (p *Protocol) Stats() *ustack.UDPStats {
	return p.stats
}

// NewEndpoint creates an unbound endpoint.
func (p *Protocol) NewEndpoint() *Endpoint {
	return &Endpoint{
		proto: p,
		clock: p.ip.NIC().Stack().Clock(),
		rcv:   make(chan datagram, receiveBacklog),
		done:  make(chan struct{}),
	}
}

// DeliverPacket implements ipv4.TransportHandler.DeliverPacket.
func (p *Protocol) DeliverPacket(ip *ipv4.Endpoint, pkt *packet.Packet, src, dst ustack.Address, payload []byte) {
	defer pkt.Release()
	if len(payload) < header.UDPMinimumSize {
		p.stats.MalformedPacketsReceived.Increment()
		return
	}
	h := header.UDP(payload)
	length := int(h.Length())
	if length < header.UDPMinimumSize || length > len(payload) {
		p.stats.MalformedPacketsReceived.Increment()
		return
	}
	if h.Checksum() != 0 {
		sum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, src, dst, uint16(length))
		if checksum.Checksum(payload[:length], sum) != 0xffff {
			p.stats.MalformedPacketsReceived.Increment()
			return
		}
	}

	p.mu.Lock()
	ep := p.endpoints[h.DestinationPort()]
	p.mu.Unlock()
	if ep == nil {
		p.stats.UnknownPortErrors.Increment()
		p.ip.NIC().Logger().WithField("port", h.DestinationPort()).Debug("udp datagram for unbound port")
		return
	}

	d := datagram{
		payload: append([]byte(nil), payload[header.UDPMinimumSize:length]...),
		src: ustack.FullAddress{
			NIC:  ip.NIC().ID(),
			Addr: src,
			Port: h.SourcePort(),
		},
	}
	select {
	case ep.rcv <- d:
		p.stats.DatagramsReceived.Increment()
	default:
		// Receiver is not keeping up; the datagram is dropped, as UDP
		// allows.
		ep.proto.ip.NIC().Logger().WithField("port", h.DestinationPort()).Debug("udp receive backlog full")
	}
}

type datagram struct {
	payload []byte
	src     ustack.FullAddress
}

// An Endpoint is one UDP socket equivalent: a bound local port with a
// receive queue.
type Endpoint struct {
	proto *Protocol
	clock ustack.Clock
	rcv   chan datagram
	done  chan struct{}

	mu        sync.Mutex
	localPort uint16
	bound     bool
	closed    bool
}

// Bind reserves a local port for the endpoint. Port 0 picks an ephemeral
// port.
func (e *Endpoint) Bind(port uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ustack.ErrClosed
	}
	if e.bound {
		return ustack.ErrAlreadyBound
	}

	var err error
	if port == 0 {
		port, err = e.proto.ports.ReserveEphemeral()
	} else {
		err = e.proto.ports.Reserve(port)
	}
	if err != nil {
		return err
	}

	e.proto.mu.Lock()
	e.proto.endpoints[port] = e
	e.proto.mu.Unlock()

	e.localPort = port
	e.bound = true
	return nil
}

// LocalPort returns the bound port.
func (e *Endpoint) LocalPort() (uint16, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localPort, e.bound
}

// Write sends one datagram to the given address and port, binding to an
// ephemeral port first if the endpoint is unbound. It blocks while the
// next hop is resolved.
func (e *Endpoint) Write(payload []byte, to ustack.FullAddress) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ustack.ErrClosed
	}
	bound := e.bound
	e.mu.Unlock()
	if !bound {
		if err := e.Bind(0); err != nil {
			return err
		}
	}
	e.mu.Lock()
	localPort := e.localPort
	e.mu.Unlock()

	length := header.UDPMinimumSize + len(payload)
	if length > 0xffff {
		return ustack.ErrMessageTooLong
	}

	pkt := e.proto.ip.NIC().Stack().AllocTxPacket(0, true)
	if ipv4.PayloadOffset+length > len(pkt.Buf()) {
		pkt.Release()
		return ustack.ErrMessageTooLong
	}
	h := header.UDP(pkt.Buf()[ipv4.PayloadOffset:])
	h.Encode(&header.UDPFields{
		SrcPort: localPort,
		DstPort: to.Port,
		Length:  uint16(length),
	})
	copy(h[header.UDPMinimumSize:], payload)

	src, ok := e.proto.ip.LocalAddress()
	if !ok {
		src = header.IPv4Any
	}
	sum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, src, to.Addr, uint16(length))
	xsum := ^checksum.Checksum(h[:length], sum)
	if xsum == 0 {
		// Zero means "no checksum"; an all-ones sum is sent instead.
		xsum = 0xffff
	}
	h.SetChecksum(xsum)

	if err := e.proto.ip.WritePacket(pkt, header.UDPProtocolNumber, to.Addr, length); err != nil {
		pkt.Release()
		return err
	}
	e.proto.stats.DatagramsSent.Increment()
	return nil
}

// Read returns the next received datagram and its source, blocking up to
// timeout (0 means forever).
func (e *Endpoint) Read(timeout time.Duration) ([]byte, ustack.FullAddress, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ustack.FullAddress{}, ustack.ErrClosed
	}
	if !e.bound {
		e.mu.Unlock()
		return nil, ustack.FullAddress{}, ustack.ErrNotBound
	}
	e.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout != 0 {
		timeoutCh = e.clock.After(timeout)
	}
	select {
	case d := <-e.rcv:
		return d.payload, d.src, nil
	case <-e.done:
		return nil, ustack.FullAddress{}, ustack.ErrClosed
	case <-timeoutCh:
		return nil, ustack.FullAddress{}, ustack.ErrTimeout
	}
}

// Close releases the endpoint's port and wakes blocked readers.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	bound := e.bound
	port := e.localPort
	e.bound = false
	e.mu.Unlock()

	if bound {
		e.proto.mu.Lock()
		delete(e.proto.endpoints, port)
		e.proto.mu.Unlock()
		e.proto.ports.Release(port)
	}
	close(e.done)
}
