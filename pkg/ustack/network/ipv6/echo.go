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

package ipv6

import (
	"sync"
	"time"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/header"
)

// echoState is the ICMPv6 echo machinery of an endpoint: the responder
// and the single-slot ping client.
type echoState struct {
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

func (s *echoState) init(ep *Endpoint) {
	s.ep = ep
}

// ping implements Endpoint.Ping.
func (s *echoState) ping(dst ustack.Address, ident, seq uint16, payload []byte, timeout time.Duration) (time.Duration, error) {
	s.pingMu.Lock()
	defer s.pingMu.Unlock()

	src, ok := s.ep.LinkLocalAddress()
	if !ok {
		return 0, ustack.ErrNoAddress
	}

	pkt := s.ep.nic.Stack().AllocTxPacket(timeout, true)
	if pkt == nil {
		return 0, ustack.ErrTimeout
	}
	msgLen := header.ICMPv6HeaderSize + len(payload)
	if PayloadOffset+msgLen > len(pkt.Buf()) {
		pkt.Release()
		return 0, ustack.ErrMessageTooLong
	}
	msg := header.ICMPv6(pkt.Buf()[PayloadOffset:][:msgLen])
	msg.SetType(header.ICMPv6EchoRequest)
	msg.SetCode(0)
	msg.SetIdent(ident)
	msg.SetSequence(seq)
	copy(msg[header.ICMPv6HeaderSize:], payload)
	msg.SetChecksum(0)
	msg.SetChecksum(header.CalculateICMPv6Checksum(msg, src, dst))

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
	if err := s.ep.WritePacket(pkt, header.ICMPv6ProtocolNumber, dst, msgLen); err != nil {
		pkt.Release()
		return 0, err
	}

	select {
	case <-reply:
		return time.Duration(s.ep.clock.NowMonotonic() - start), nil
	case <-s.ep.clock.After(timeout):
		return 0, ustack.ErrTimeout
	}
}

// handleRequest answers an echo request, mirroring its identifier,
// sequence number and data.
func (s *echoState) handleRequest(src ustack.Address, request []byte) {
	if len(request) < header.ICMPv6HeaderSize {
		return
	}
	local, ok := s.ep.LinkLocalAddress()
	if !ok {
		return
	}
	pkt := s.ep.nic.Stack().AllocTxPacket(time.Second, true)
	if pkt == nil {
		return
	}
	if PayloadOffset+len(request) > len(pkt.Buf()) {
		pkt.Release()
		return
	}
	msg := header.ICMPv6(pkt.Buf()[PayloadOffset:][:len(request)])
	copy(msg, request)
	msg.SetType(header.ICMPv6EchoReply)
	msg.SetChecksum(0)
	msg.SetChecksum(header.CalculateICMPv6Checksum(msg, local, src))

	if err := s.ep.WritePacket(pkt, header.ICMPv6ProtocolNumber, src, len(msg)); err != nil {
		s.ep.log.WithField("err", err).Warn("failed to send icmpv6 echo reply")
		pkt.Release()
	}
}

// handleReply matches an echo reply against the outstanding ping.
func (s *echoState) handleReply(payload []byte) {
	if len(payload) < header.ICMPv6HeaderSize {
		return
	}
	msg := header.ICMPv6(payload)
	s.mu.Lock()
	if s.waiting && msg.Ident() == s.ident && msg.Sequence() == s.seq {
		s.waiting = false
		select {
		case s.reply <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
}
