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

package header

import (
	"encoding/binary"

	"github.com/jgrivera67/ustack/pkg/ustack"
)

const (
	ipv6PayloadLen = 4
	ipv6NextHdr    = 6
	ipv6HopLimit   = 7
	ipv6SrcAddr    = 8
	ipv6DstAddr    = 24
)

const (
	// IPv6ProtocolNumber is IPv6's network protocol number (EtherType).
	IPv6ProtocolNumber ustack.NetworkProtocolNumber = 0x86dd

	// IPv6MinimumSize is the size of a valid IPv6 packet header.
	IPv6MinimumSize = 40

	// IPv6AddressSize is the size, in bytes, of an IPv6 address.
	IPv6AddressSize = 16

	// IPv6DefaultHopLimit is the default hop limit for outbound packets.
	IPv6DefaultHopLimit = 64
)

// IPv6Any is the IPv6 unspecified address.
const IPv6Any ustack.Address = "\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"

// IPv6AllNodesMulticastAddress is the link-local all-nodes group, ff02::1.
const IPv6AllNodesMulticastAddress ustack.Address = "\xff\x02\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01"

// IPv6Fields contains the fields of an IPv6 packet. It is used to describe
// the fields of a packet that needs to be encoded.
type IPv6Fields struct {
	// TrafficClass is the "traffic class" field of an IPv6 packet.
	TrafficClass uint8

	// FlowLabel is the "flow label" field of an IPv6 packet.
	FlowLabel uint32

	// PayloadLength is the "payload length" field of an IPv6 packet.
	PayloadLength uint16

	// NextHeader is the "next header" field of an IPv6 packet.
	NextHeader uint8

	// HopLimit is the "hop limit" field of an IPv6 packet.
	HopLimit uint8

	// SrcAddr is the "source ip address" of an IPv6 packet.
	SrcAddr ustack.Address

	// DstAddr is the "destination ip address" of an IPv6 packet.
	DstAddr ustack.Address
}

// IPv6 represents an IPv6 header stored in a byte array.
type IPv6 []byte

// PayloadLength returns the value of the "payload length" field of the
// IPv6 header.
func (b IPv6) PayloadLength() uint16 {
	return binary.BigEndian.Uint16(b[ipv6PayloadLen:])
}

// HopLimit returns the value of the "hop limit" field of the IPv6 header.
func (b IPv6) HopLimit() uint8 {
	return b[ipv6HopLimit]
}

// NextHeader returns the value of the "next header" field of the IPv6
// header.
func (b IPv6) NextHeader() uint8 {
	return b[ipv6NextHdr]
}

// Payload returns a byte slice containing the payload of the IPv6 packet.
func (b IPv6) Payload() []byte {
	return b[IPv6MinimumSize:][:b.PayloadLength()]
}

// SourceAddress returns the "source address" field of the IPv6 header.
func (b IPv6) SourceAddress() ustack.Address {
	return ustack.Address(b[ipv6SrcAddr : ipv6SrcAddr+IPv6AddressSize])
}

// DestinationAddress returns the "destination address" field of the IPv6
// header.
func (b IPv6) DestinationAddress() ustack.Address {
	return ustack.Address(b[ipv6DstAddr : ipv6DstAddr+IPv6AddressSize])
}

// SetPayloadLength sets the "payload length" field of the IPv6 header.
func (b IPv6) SetPayloadLength(payloadLength uint16) {
	binary.BigEndian.PutUint16(b[ipv6PayloadLen:], payloadLength)
}

// Encode encodes all the fields of the IPv6 header.
func (b IPv6) Encode(i *IPv6Fields) {
	b[0] = (6 << 4) | (i.TrafficClass >> 4)
	b[1] = (i.TrafficClass << 4) | uint8(i.FlowLabel>>16)
	binary.BigEndian.PutUint16(b[2:], uint16(i.FlowLabel))
	b.SetPayloadLength(i.PayloadLength)
	b[ipv6NextHdr] = i.NextHeader
	b[ipv6HopLimit] = i.HopLimit
	copy(b[ipv6SrcAddr:ipv6SrcAddr+IPv6AddressSize], i.SrcAddr)
	copy(b[ipv6DstAddr:ipv6DstAddr+IPv6AddressSize], i.DstAddr)
}

// IsValid performs basic validation on the packet.
func (b IPv6) IsValid(pktSize int) bool {
	if len(b) < IPv6MinimumSize {
		return false
	}

	dlen := int(b.PayloadLength())
	if b[0]>>4 != 6 || dlen > pktSize-IPv6MinimumSize {
		return false
	}

	return true
}

// IsV6MulticastAddress determines if the provided address is an IPv6
// multicast address (anything starting with ff).
func IsV6MulticastAddress(addr ustack.Address) bool {
	if len(addr) != IPv6AddressSize {
		return false
	}
	return addr[0] == 0xff
}

// IsV6LinkLocalAddress determines if the provided address is an IPv6
// link-local address (fe80::/10).
func IsV6LinkLocalAddress(addr ustack.Address) bool {
	if len(addr) != IPv6AddressSize {
		return false
	}
	return addr[0] == 0xfe && (addr[1]&0xc0) == 0x80
}

// SolicitedNodeAddr computes the solicited-node multicast address: the
// ff02::1:ff00:0/104 prefix with the low 24 bits of addr appended.
func SolicitedNodeAddr(addr ustack.Address) ustack.Address {
	const solicitedPrefix = "\xff\x02\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01\xff"
	return ustack.Address(solicitedPrefix + string(addr[len(addr)-3:]))
}

// LinkLocalAddr computes the default IPv6 link-local address from a
// link-layer (MAC) address: fe80:: plus the modified EUI-64 interface
// identifier (RFC 4291 section 2.5.1 and appendix A).
func LinkLocalAddr(linkAddr ustack.LinkAddress) ustack.Address {
	// The universal/local bit is inverted and ff:fe is inserted in the
	// middle of the MAC address.
	aux := [IPv6AddressSize]byte{
		0: 0xfe,
		1: 0x80,
		8: linkAddr[0] ^ 0x02,
		9: linkAddr[1],
		10: linkAddr[2],
		11: 0xff,
		12: 0xfe,
		13: linkAddr[3],
		14: linkAddr[4],
		15: linkAddr[5],
	}
	return ustack.Address(aux[:])
}
