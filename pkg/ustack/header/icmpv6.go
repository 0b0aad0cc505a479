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
	"github.com/jgrivera67/ustack/pkg/ustack/checksum"
)

// ICMPv6 represents an ICMPv6 header stored in a byte array.
type ICMPv6 []byte

const (
	// ICMPv6MinimumSize is the minimum size of a valid ICMPv6 packet.
	ICMPv6MinimumSize = 4

	// ICMPv6HeaderSize is the size of the ICMPv6 header up to and
	// including the 4-byte type-specific field.
	ICMPv6HeaderSize = 8

	// ICMPv6ProtocolNumber is ICMPv6's transport protocol number.
	ICMPv6ProtocolNumber ustack.TransportProtocolNumber = 58

	// icmpv6ChecksumOffset is the offset of the checksum field in an
	// ICMPv6 message.
	icmpv6ChecksumOffset = 2
)

// ICMPv6Type is the ICMP type field described in RFC 4443 and RFC 4861.
type ICMPv6Type byte

// Typical values of ICMPv6Type defined in RFC 4443 and RFC 4861.
const (
	ICMPv6EchoRequest       ICMPv6Type = 128
	ICMPv6EchoReply         ICMPv6Type = 129
	ICMPv6NeighborSolicit   ICMPv6Type = 135
	ICMPv6NeighborAdvert    ICMPv6Type = 136
)

// Type is the ICMP type field.
func (b ICMPv6) Type() ICMPv6Type { return ICMPv6Type(b[0]) }

// SetType sets the ICMP type field.
func (b ICMPv6) SetType(t ICMPv6Type) { b[0] = byte(t) }

// Code is the ICMP code field. Its meaning depends on the value of Type.
func (b ICMPv6) Code() byte { return b[1] }

// SetCode sets the ICMP code field.
func (b ICMPv6) SetCode(c byte) { b[1] = c }

// Checksum is the ICMP checksum field.
func (b ICMPv6) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[icmpv6ChecksumOffset:])
}

// SetChecksum sets the ICMP checksum field.
func (b ICMPv6) SetChecksum(xsum uint16) {
	checksum.Put(b[icmpv6ChecksumOffset:], xsum)
}

// Ident retrieves the Ident field from an ICMPv6 echo message.
func (b ICMPv6) Ident() uint16 {
	return binary.BigEndian.Uint16(b[4:])
}

// SetIdent sets the Ident field of an ICMPv6 echo message.
func (b ICMPv6) SetIdent(ident uint16) {
	binary.BigEndian.PutUint16(b[4:], ident)
}

// Sequence retrieves the Sequence field from an ICMPv6 echo message.
func (b ICMPv6) Sequence() uint16 {
	return binary.BigEndian.Uint16(b[6:])
}

// SetSequence sets the Sequence field of an ICMPv6 echo message.
func (b ICMPv6) SetSequence(sequence uint16) {
	binary.BigEndian.PutUint16(b[6:], sequence)
}

// MessageBody returns the message body after the first 4 bytes of the
// ICMPv6 header.
func (b ICMPv6) MessageBody() []byte {
	return b[ICMPv6MinimumSize:]
}

// CalculateICMPv6Checksum computes the ICMPv6 checksum over the given
// message (with a zeroed checksum field) and the IPv6 pseudo-header.
func CalculateICMPv6Checksum(msg []byte, src, dst ustack.Address) uint16 {
	xsum := PseudoHeaderChecksum(ICMPv6ProtocolNumber, src, dst, uint16(len(msg)))
	return ^checksum.Checksum(msg, xsum)
}
