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

// Package ustack provides the types shared by every layer of the stack:
// addresses, protocol numbers, the error space, the clock abstraction and
// the per-layer statistics counters.
//
// The starting point for users is the stack package: create a simulated
// Ethernet device (link/ethdev), hand it to stack.New, add an IPv4/IPv6
// configuration, and open UDP endpoints via the transport/udp package.
package ustack

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Error represents an error in the ustack error space.
//
// Only transient, caller-recoverable conditions are represented as errors.
// Invariant violations (double free, double enqueue, descriptor ownership
// violations) are programming bugs and panic instead.
type Error struct {
	msg string
}

// String implements fmt.Stringer.String.
func (e *Error) String() string {
	if e == nil {
		return "<nil>"
	}
	return e.msg
}

// Error implements error.Error.
func (e *Error) Error() string { return e.String() }

// Errors that can be returned by the network stack.
var (
	ErrTimeout             = &Error{msg: "operation timed out"}
	ErrAborted             = &Error{msg: "operation aborted"}
	ErrHostUnreachable     = &Error{msg: "destination address unreachable"}
	ErrNoGateway           = &Error{msg: "no default gateway configured"}
	ErrLoopbackUnsupported = &Error{msg: "sending to own address is not supported"}
	ErrUnknownProtocol     = &Error{msg: "unknown protocol"}
	ErrUnknownNICID        = &Error{msg: "unknown nic id"}
	ErrDuplicateNICID      = &Error{msg: "duplicate nic id"}
	ErrAlreadyBound        = &Error{msg: "endpoint already bound"}
	ErrPortInUse           = &Error{msg: "port is in use"}
	ErrNoPortAvailable     = &Error{msg: "no ports are available"}
	ErrInvalidPort         = &Error{msg: "port is outside the bindable range"}
	ErrNotBound            = &Error{msg: "endpoint is not bound"}
	ErrMessageTooLong      = &Error{msg: "message too long"}
	ErrBadAddress          = &Error{msg: "bad address"}
	ErrDuplicateAddress    = &Error{msg: "duplicate address detected"}
	ErrClosed              = &Error{msg: "endpoint is closed"}
	ErrNoAddress           = &Error{msg: "no local address configured"}
)

// Address is a byte slice cast as a string that represents the address of
// a network node. It holds 4 bytes for IPv4 and 16 bytes for IPv6.
type Address string

// AddressMask is a bitmask for an address.
type AddressMask string

// LinkAddress is a byte slice cast as a string representing a link-layer
// (MAC) address. It always holds 6 bytes.
type LinkAddress string

// NetworkProtocolNumber is the EtherType of a network protocol.
type NetworkProtocolNumber uint16

// TransportProtocolNumber is the IP protocol number of a transport
// protocol.
type TransportProtocolNumber uint8

// NICID is a number that uniquely identifies a NIC within a stack.
type NICID int32

// FullAddress represents a full transport address: NIC, network address
// and port.
type FullAddress struct {
	// NIC is the ID of the NIC this address refers to. Zero means any.
	NIC NICID

	// Addr is the network address.
	Addr Address

	// Port is the transport port.
	Port uint16
}

// String implements fmt.Stringer.String.
func (a Address) String() string {
	switch len(a) {
	case 4:
		return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
	case 16:
		// Find the longest subsequence of hexadecimal zeros.
		start, end := -1, -1
		for i := 0; i < len(a); i += 2 {
			j := i
			for j < len(a) && a[j] == 0 && a[j+1] == 0 {
				j += 2
			}
			if j > i+2 && j-i > end-start {
				start, end = i, j
			}
		}

		var b strings.Builder
		for i := 0; i < len(a); i += 2 {
			if i == start {
				b.WriteString("::")
				i = end
				if end >= len(a) {
					break
				}
			} else if i > 0 {
				b.WriteByte(':')
			}
			v := uint16(a[i+0])<<8 | uint16(a[i+1])
			if v == 0 {
				b.WriteByte('0')
			} else {
				const digits = "0123456789abcdef"
				for i := uint(12); i < 16; i -= 4 {
					v := v >> i
					if v != 0 {
						b.WriteByte(digits[v&0xf])
					}
				}
			}
		}
		return b.String()
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// To4 converts a 4-byte address to itself and a 16-byte IPv4-in-IPv6
// address to its 4-byte form. It returns "" if the address is neither.
func (a Address) To4() Address {
	const prefix = "\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\xff\xff"
	switch {
	case len(a) == 4:
		return a
	case len(a) == 16 && strings.HasPrefix(string(a), prefix):
		return a[12:]
	}
	return ""
}

// ParseIPv4 parses a dotted-decimal IPv4 address string.
func ParseIPv4(s string) (Address, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return "", false
	}
	var b [4]byte
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return "", false
		}
		b[i] = byte(v)
	}
	return Address(b[:]), true
}

// String implements fmt.Stringer.String.
func (a LinkAddress) String() string {
	switch len(a) {
	case 6:
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// String implements fmt.Stringer.String.
func (m AddressMask) String() string {
	return Address(m).String()
}

// Prefix returns the number of bits before the first host bit.
func (m AddressMask) Prefix() int {
	p := 0
	for _, b := range []byte(m) {
		p += bits.LeadingZeros8(^b)
	}
	return p
}

// Subnet is a subnet defined by its address and mask.
type Subnet struct {
	address Address
	mask    AddressMask
}

// NewSubnet creates a new Subnet, checking that the address and mask are
// the same length.
func NewSubnet(a Address, m AddressMask) (Subnet, error) {
	if len(a) != len(m) {
		return Subnet{}, fmt.Errorf("subnet address length %d does not match mask length %d", len(a), len(m))
	}
	for i := 0; i < len(a); i++ {
		if a[i]&^m[i] != 0 {
			return Subnet{}, fmt.Errorf("subnet address %s has bits set outside mask %s", a, m)
		}
	}
	return Subnet{a, m}, nil
}

// String implements fmt.Stringer.String.
func (s Subnet) String() string {
	return fmt.Sprintf("%s/%d", s.address, s.mask.Prefix())
}

// Contains reports whether the address is of the same length and matches
// the subnet address and mask.
func (s *Subnet) Contains(a Address) bool {
	if len(a) != len(s.address) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if a[i]&s.mask[i] != s.address[i] {
			return false
		}
	}
	return true
}

// ID returns the subnet ID.
func (s *Subnet) ID() Address {
	return s.address
}

// Mask returns the subnet mask.
func (s *Subnet) Mask() AddressMask {
	return s.mask
}

// Broadcast returns the subnet's broadcast address.
func (s *Subnet) Broadcast() Address {
	addr := []byte(s.address)
	for i := range addr {
		addr[i] |= ^s.mask[i]
	}
	return Address(addr)
}
