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

// Package dhcp implements a DHCPv4 client.
package dhcp

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/header"
)

// DHCP well-known UDP ports.
const (
	ServerPort = 67
	ClientPort = 68
)

// headerSize is the size of a DHCP message up to and including the magic
// cookie, with no options.
const headerSize = 240

// flagBroadcast asks the server to broadcast its replies, needed while
// the client cannot yet receive unicast datagrams.
const flagBroadcast = 0x8000

// magicCookie identifies the options region per RFC 2131.
var magicCookie = [4]byte{99, 130, 83, 99}

type op byte

const (
	opRequest op = 1
	opReply   op = 2
)

// MessageType is the DHCP message type option value.
type MessageType byte

// DHCP message types.
const (
	TypeDiscover MessageType = 1
	TypeOffer    MessageType = 2
	TypeRequest  MessageType = 3
	TypeDecline  MessageType = 4
	TypeAck      MessageType = 5
	TypeNak      MessageType = 6
	TypeRelease  MessageType = 7
)

// String implements fmt.Stringer.String.
func (t MessageType) String() string {
	switch t {
	case TypeDiscover:
		return "DISCOVER"
	case TypeOffer:
		return "OFFER"
	case TypeRequest:
		return "REQUEST"
	case TypeDecline:
		return "DECLINE"
	case TypeAck:
		return "ACK"
	case TypeNak:
		return "NAK"
	case TypeRelease:
		return "RELEASE"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Option codes used by the client.
const (
	optSubnetMask    = 1
	optRouter        = 3
	optRequestedIP   = 50
	optLeaseTime     = 51
	optMessageType   = 53
	optServerID      = 54
	optParameterList = 55
	optEnd           = 255
)

// hdr is a DHCP message in wire format.
type hdr []byte

func (h hdr) init(o op, xid uint32, chaddr ustack.LinkAddress, ciaddr ustack.Address, broadcast bool) {
	for i := range h[:headerSize] {
		h[i] = 0
	}
	h[0] = byte(o)
	h[1] = 1 // Ethernet
	h[2] = 6 // MAC length
	binary.BigEndian.PutUint32(h[4:8], xid)
	if broadcast {
		binary.BigEndian.PutUint16(h[10:12], flagBroadcast)
	}
	copy(h[12:16], ciaddr)
	copy(h[28:44], chaddr)
	copy(h[236:headerSize], magicCookie[:])
}

func (h hdr) isValid() bool {
	return len(h) >= headerSize &&
		(op(h[0]) == opRequest || op(h[0]) == opReply) &&
		[4]byte(h[236:headerSize]) == magicCookie
}

func (h hdr) op() op      { return op(h[0]) }
func (h hdr) xid() uint32 { return binary.BigEndian.Uint32(h[4:8]) }

func (h hdr) broadcast() bool {
	return binary.BigEndian.Uint16(h[10:12])&flagBroadcast != 0
}

func (h hdr) ciaddr() ustack.Address { return ustack.Address(h[12:16]) }
func (h hdr) yiaddr() ustack.Address { return ustack.Address(h[16:20]) }

func (h hdr) setYiaddr(addr ustack.Address) {
	copy(h[16:20], addr)
}

func (h hdr) chaddr() ustack.LinkAddress {
	return ustack.LinkAddress(h[28 : 28+h[2]])
}

// options walks the options region and collects the fields the client
// cares about.
type options struct {
	typ         MessageType
	haveType    bool
	subnetMask  ustack.AddressMask
	router      ustack.Address
	serverID    ustack.Address
	requestedIP ustack.Address
	leaseTime   time.Duration
}

func (h hdr) parseOptions() (options, bool) {
	var opts options
	b := h[headerSize:]
	for len(b) > 0 {
		code := b[0]
		if code == optEnd {
			break
		}
		if code == 0 { // pad
			b = b[1:]
			continue
		}
		if len(b) < 2 || len(b) < 2+int(b[1]) {
			return options{}, false
		}
		body := b[2 : 2+b[1]]
		b = b[2+b[1]:]

		switch code {
		case optMessageType:
			if len(body) != 1 {
				return options{}, false
			}
			opts.typ = MessageType(body[0])
			opts.haveType = true
		case optSubnetMask:
			if len(body) != header.IPv4AddressSize {
				return options{}, false
			}
			opts.subnetMask = ustack.AddressMask(body)
		case optRouter:
			// Only the first router matters.
			if len(body) < header.IPv4AddressSize {
				return options{}, false
			}
			opts.router = ustack.Address(body[:header.IPv4AddressSize])
		case optServerID:
			if len(body) != header.IPv4AddressSize {
				return options{}, false
			}
			opts.serverID = ustack.Address(body)
		case optRequestedIP:
			if len(body) != header.IPv4AddressSize {
				return options{}, false
			}
			opts.requestedIP = ustack.Address(body)
		case optLeaseTime:
			if len(body) != 4 {
				return options{}, false
			}
			opts.leaseTime = time.Duration(binary.BigEndian.Uint32(body)) * time.Second
		}
	}
	return opts, opts.haveType
}

// optionWriter appends options after the magic cookie.
type optionWriter struct {
	b []byte
}

func (w *optionWriter) add(code byte, body ...byte) {
	w.b = append(w.b, code, byte(len(body)))
	w.b = append(w.b, body...)
}

func (w *optionWriter) end() []byte {
	return append(w.b, optEnd)
}
