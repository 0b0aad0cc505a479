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

import "github.com/jgrivera67/ustack/pkg/ustack"

// Neighbor Discovery message bodies, as described in RFC 4861. Both views
// start at the ICMPv6 message body (after type, code and checksum).

const (
	// NDPTargetOffset is the offset of the target address field in a
	// neighbor solicitation or advertisement body, counting the 4
	// reserved/flags bytes.
	NDPTargetOffset = 4

	// NDPMinimumBodySize is the minimum body size of a neighbor
	// solicitation or advertisement: reserved/flags plus the target.
	NDPMinimumBodySize = NDPTargetOffset + IPv6AddressSize

	// NDPSolicitSize is the full ICMPv6 size of a neighbor solicitation
	// carrying a source link-layer address option.
	NDPSolicitSize = ICMPv6MinimumSize + NDPMinimumBodySize + ndpLinkLayerOptSize

	// NDPAdvertSize is the full ICMPv6 size of a neighbor advertisement
	// carrying a target link-layer address option.
	NDPAdvertSize = ICMPv6MinimumSize + NDPMinimumBodySize + ndpLinkLayerOptSize

	// ndpLinkLayerOptSize is the encoded size of a link-layer address
	// option: type, length and a 6-byte address, padded to 8 bytes.
	ndpLinkLayerOptSize = 8
)

// NDP option types from RFC 4861 section 4.6.
const (
	NDPSourceLinkLayerOption = 1
	NDPTargetLinkLayerOption = 2
)

// Neighbor advertisement flags, stored in the first body byte.
const (
	NDPAdvertFlagRouter    = 1 << 7
	NDPAdvertFlagSolicited = 1 << 6
	NDPAdvertFlagOverride  = 1 << 5
)

// NDPNeighbor is a neighbor solicitation or advertisement body stored in
// a byte array.
type NDPNeighbor []byte

// TargetAddress is the "target address" field.
// It is a view on to the message so it can be used to set the value.
func (b NDPNeighbor) TargetAddress() []byte {
	return b[NDPTargetOffset:][:IPv6AddressSize]
}

// Flags returns the flags byte of a neighbor advertisement.
func (b NDPNeighbor) Flags() uint8 {
	return b[0]
}

// SetFlags sets the flags byte of a neighbor advertisement.
func (b NDPNeighbor) SetFlags(f uint8) {
	b[0] = f
}

// Options returns the option bytes following the target address.
func (b NDPNeighbor) Options() NDPOptions {
	return NDPOptions(b[NDPMinimumBodySize:])
}

// NDPOptions is a sequence of NDP options in TLV form, lengths counted in
// units of 8 bytes.
type NDPOptions []byte

// LinkLayerAddress walks the options looking for the given link-layer
// address option type and returns the address it carries.
func (b NDPOptions) LinkLayerAddress(optType uint8) (ustack.LinkAddress, bool) {
	for len(b) >= 2 {
		l := int(b[1]) * 8
		if l == 0 || l > len(b) {
			// A zero length is forbidden by RFC 4861 section 4.6.
			return "", false
		}
		if b[0] == optType && l >= 2+EthernetAddressSize {
			return ustack.LinkAddress(b[2 : 2+EthernetAddressSize]), true
		}
		b = b[l:]
	}
	return "", false
}

// EncodeLinkLayerAddress appends a link-layer address option of the given
// type at the start of b, returning the number of bytes written.
func (b NDPOptions) EncodeLinkLayerAddress(optType uint8, addr ustack.LinkAddress) int {
	b[0] = optType
	b[1] = 1 // length in units of 8 bytes
	copy(b[2:], addr)
	return ndpLinkLayerOptSize
}
