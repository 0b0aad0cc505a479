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

// Package header provides the encoding and decoding of network protocol
// headers as views over byte slices.
package header

import (
	"encoding/binary"

	"github.com/jgrivera67/ustack/pkg/ustack"
)

const (
	dstMAC  = 0
	srcMAC  = 6
	ethType = 12
)

const (
	// EthernetMinimumSize is the minimum size of a valid ethernet frame
	// header.
	EthernetMinimumSize = 14

	// EthernetAddressSize is the size, in bytes, of an ethernet address.
	EthernetAddressSize = 6
)

// EthernetBroadcastAddress is the broadcast link address.
const EthernetBroadcastAddress = ustack.LinkAddress("\xff\xff\xff\xff\xff\xff")

// EthernetFields contains the fields of an ethernet frame header. It is
// used to describe the fields of a frame that needs to be encoded.
type EthernetFields struct {
	// SrcAddr is the "MAC source" field of an ethernet frame header.
	SrcAddr ustack.LinkAddress

	// DstAddr is the "MAC destination" field of an ethernet frame header.
	DstAddr ustack.LinkAddress

	// Type is the "ethertype" field of an ethernet frame header.
	Type ustack.NetworkProtocolNumber
}

// Ethernet represents an ethernet frame header stored in a byte array.
type Ethernet []byte

// SourceAddress returns the "MAC source" field of the ethernet frame
// header.
func (b Ethernet) SourceAddress() ustack.LinkAddress {
	return ustack.LinkAddress(b[srcMAC:][:EthernetAddressSize])
}

// DestinationAddress returns the "MAC destination" field of the ethernet
// frame header.
func (b Ethernet) DestinationAddress() ustack.LinkAddress {
	return ustack.LinkAddress(b[dstMAC:][:EthernetAddressSize])
}

// Type returns the "ethertype" field of the ethernet frame header.
func (b Ethernet) Type() ustack.NetworkProtocolNumber {
	return ustack.NetworkProtocolNumber(binary.BigEndian.Uint16(b[ethType:]))
}

// Encode encodes all the fields of the ethernet frame header.
func (b Ethernet) Encode(e *EthernetFields) {
	binary.BigEndian.PutUint16(b[ethType:], uint16(e.Type))
	copy(b[srcMAC:][:EthernetAddressSize], e.SrcAddr)
	copy(b[dstMAC:][:EthernetAddressSize], e.DstAddr)
}

// IsMulticastLinkAddress reports whether the link address is a multicast
// address, the broadcast address included.
func IsMulticastLinkAddress(addr ustack.LinkAddress) bool {
	return len(addr) == EthernetAddressSize && addr[0]&0x01 != 0
}

// EthernetAddressFromMulticastIPv4 returns the multicast link address
// corresponding to an IPv4 multicast address, per RFC 1112 section 6.4:
// the low 23 bits of the group address placed into the low 23 bits of
// 01-00-5e-00-00-00.
func EthernetAddressFromMulticastIPv4(addr ustack.Address) ustack.LinkAddress {
	return ustack.LinkAddress([]byte{
		0x01,
		0x00,
		0x5e,
		addr[IPv4AddressSize-3] & 0x7f,
		addr[IPv4AddressSize-2],
		addr[IPv4AddressSize-1],
	})
}

// EthernetAddressFromMulticastIPv6 returns the multicast link address
// corresponding to an IPv6 multicast address, per RFC 2464 section 7:
// 33-33 followed by the low 32 bits of the group address.
func EthernetAddressFromMulticastIPv6(addr ustack.Address) ustack.LinkAddress {
	return ustack.LinkAddress([]byte{
		0x33,
		0x33,
		addr[IPv6AddressSize-4],
		addr[IPv6AddressSize-3],
		addr[IPv6AddressSize-2],
		addr[IPv6AddressSize-1],
	})
}
