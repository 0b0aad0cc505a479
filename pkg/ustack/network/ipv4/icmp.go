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

package ipv4

import (
	"sync"
	"time"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/checksum"
	"github.com/jgrivera67/ustack/pkg/ustack/header"
	"github.com/jgrivera67/ustack/pkg/ustack/packet"
)

// icmpState is the ICMPv4 machinery of an endpoint: the echo responder
// and the single-slot ping client.
type icmpState struct {
	ep *Endpoint

	// pingMu serializes Ping callers so at most one echo exchange is
	// outstanding.
	pingMu sync.Mutex

	// mu guards the reply matching state.
	mu      sync.Mutex
	waiting bool
	ident   uint16
	seq     uint16
	reply   chan struct{}
}

func (s *icmpState) init(ep *Endpoint) {
	s.ep = ep
}

// ping implements Endpoint.Ping.
func (s *icmpState) ping(dst ustack.Address, ident, seq uint16, payload []byte, timeout time.Duration) (time.Duration, error) {
	s.pingMu.Lock()
	defer s.pingMu.Unlock()

	pkt := s.ep.nic.Stack().AllocTxPacket(timeout, true)
	if pkt == nil {
		return 0, ustack.ErrTimeout
	}
	msgLen := header.ICMPv4MinimumSize + len(payload)
	if PayloadOffset+msgLen > len(pkt.Buf()) {
		pkt.Release()
		return 0, ustack.ErrMessageTooLong
	}
	h := header.ICMPv4(pkt.Buf()[PayloadOffset:])
	h.SetType(header.ICMPv4Echo)
	h.SetCode(0)
	h.SetIdent(ident)
	h.SetSequence(seq)
	copy(h[header.ICMPv4MinimumSize:], payload)
	h.SetChecksum(0)
	h.SetChecksum(^checksum.Checksum(h[:msgLen], 0))

	reply := make(chan struct{}, 1)
	s.mu.Lock()
	s.waiting = true
	s.ident = ident
	s.seq = seq
	s.reply = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.waiting = false
		s.mu.Unlock()
	}()

	start := s.ep.clock.NowMonotonic()
	if err := s.ep.WritePacket(pkt, header.ICMPv4ProtocolNumber, dst, msgLen); err != nil {
		pkt.Release()
		return 0, err
	}
	s.ep.stats.ICMP.EchoRequestsSent.Increment()

	select {
	case <-reply:
		return time.Duration(s.ep.clock.NowMonotonic() - start), nil
	case <-s.ep.clock.After(timeout):
		return 0, ustack.ErrTimeout
	}
}

// handlePacket processes one received ICMPv4 message and releases the
// packet.
func (s *icmpState) handlePacket(pkt *packet.Packet, src ustack.Address, payload []byte) {
	defer pkt.Release()
	if len(payload) < header.ICMPv4MinimumSize {
		return
	}
	if checksum.Checksum(payload, 0) != 0xffff {
		return
	}
	h := header.ICMPv4(payload)

	switch h.Type() {
	case header.ICMPv4Echo:
		s.ep.stats.ICMP.EchoRequestsReceived.Increment()
		s.sendEchoReply(src, payload)
	case header.ICMPv4EchoReply:
		s.ep.stats.ICMP.EchoRepliesReceived.Increment()
		s.mu.Lock()
		if s.waiting && h.Ident() == s.ident && h.Sequence() == s.seq {
			s.waiting = false
			select {
			case s.reply <- struct{}{}:
			default:
			}
		}
		s.mu.Unlock()
	default:
		s.ep.stats.ICMP.UnknownTypes.Increment()
	}
}

// sendEchoReply answers an echo request, mirroring its identifier,
// sequence number and data.
func (s *icmpState) sendEchoReply(dst ustack.Address, request []byte) {
	pkt := s.ep.nic.Stack().AllocTxPacket(time.Second, true)
	if pkt == nil {
		return
	}
	if PayloadOffset+len(request) > len(pkt.Buf()) {
		pkt.Release()
		return
	}
	h := header.ICMPv4(pkt.Buf()[PayloadOffset:])
	copy(h, request)
	h.SetType(header.ICMPv4EchoReply)
	h.SetChecksum(0)
	h.SetChecksum(^checksum.Checksum(h[:len(request)], 0))

	if err := s.ep.WritePacket(pkt, header.ICMPv4ProtocolNumber, dst, len(request)); err != nil {
		s.ep.log.WithField("err", err).Warn("failed to send icmp echo reply")
		pkt.Release()
		return
	}
	s.ep.stats.ICMP.EchoRepliesSent.Increment()
}
