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

package ustack

import "sync/atomic"

// A StatCounter keeps track of a statistic. Counters only ever increase;
// occasional bad frames are expected in normal operation and are counted
// here rather than treated as failures.
type StatCounter struct {
	count atomic.Uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.count.Add(1)
}

// IncrementBy increments the counter by v.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

// LinkStats collects Ethernet device and driver statistics.
type LinkStats struct {
	// TxPackets is the number of frames handed to the device for
	// transmission and completed.
	TxPackets StatCounter

	// TxBytes is the number of frame bytes transmitted.
	TxBytes StatCounter

	// RxPackets is the number of frames received and delivered to the
	// receive queue.
	RxPackets StatCounter

	// RxBytes is the number of frame bytes received.
	RxBytes StatCounter

	// RxCRCErrors is the number of received frames discarded because the
	// device reported a bad frame checksum.
	RxCRCErrors StatCounter

	// RxLengthErrors is the number of received frames discarded because
	// the device reported a frame length violation.
	RxLengthErrors StatCounter

	// RxOverruns is the number of frames dropped because no receive
	// descriptor was available.
	RxOverruns StatCounter

	// RxFiltered is the number of frames ignored by the destination
	// address filter.
	RxFiltered StatCounter

	// UnknownEtherType is the number of frames dropped because their
	// EtherType has no handler.
	UnknownEtherType StatCounter
}

// ARPStats collects ARP statistics.
type ARPStats struct {
	// RequestsSent is the number of ARP requests transmitted.
	RequestsSent StatCounter

	// RequestsReceived is the number of valid ARP requests received.
	RequestsReceived StatCounter

	// RepliesSent is the number of ARP replies transmitted.
	RepliesSent StatCounter

	// RepliesReceived is the number of valid ARP replies received.
	RepliesReceived StatCounter

	// ResolutionFailures is the number of address resolutions that gave
	// up after the maximum number of attempts.
	ResolutionFailures StatCounter

	// DuplicateAddressConflicts is the number of ARP messages seen whose
	// sender claims one of our own IPv4 addresses.
	DuplicateAddressConflicts StatCounter

	// CacheEvictions is the number of cache entries evicted to make room
	// for new ones.
	CacheEvictions StatCounter
}

// IPv4Stats collects IPv4 statistics.
type IPv4Stats struct {
	// PacketsSent is the number of IPv4 packets transmitted.
	PacketsSent StatCounter

	// PacketsReceived is the number of IPv4 packets received.
	PacketsReceived StatCounter

	// InvalidHeaders is the number of received packets dropped because
	// of a malformed IPv4 header.
	InvalidHeaders StatCounter

	// UnknownProtocol is the number of received packets dropped because
	// their transport protocol has no handler.
	UnknownProtocol StatCounter

	// NotForUs is the number of received packets dropped because the
	// destination address is not local.
	NotForUs StatCounter
}

// ICMPStats collects ICMPv4 statistics.
type ICMPStats struct {
	// EchoRequestsSent is the number of echo requests transmitted.
	EchoRequestsSent StatCounter

	// EchoRequestsReceived is the number of echo requests received.
	EchoRequestsReceived StatCounter

	// EchoRepliesSent is the number of echo replies transmitted.
	EchoRepliesSent StatCounter

	// EchoRepliesReceived is the number of echo replies received.
	EchoRepliesReceived StatCounter

	// UnknownTypes is the number of ICMP messages dropped because their
	// type has no handler.
	UnknownTypes StatCounter
}

// IPv6Stats collects IPv6 and Neighbor Discovery statistics.
type IPv6Stats struct {
	// PacketsSent is the number of IPv6 packets transmitted.
	PacketsSent StatCounter

	// PacketsReceived is the number of IPv6 packets received.
	PacketsReceived StatCounter

	// InvalidHeaders is the number of received packets dropped because
	// of a malformed IPv6 header.
	InvalidHeaders StatCounter

	// UnknownProtocol is the number of received packets dropped because
	// their next header has no handler.
	UnknownProtocol StatCounter

	// NeighborSolicitsSent is the number of neighbor solicitations
	// transmitted.
	NeighborSolicitsSent StatCounter

	// NeighborSolicitsReceived is the number of neighbor solicitations
	// received.
	NeighborSolicitsReceived StatCounter

	// NeighborAdvertsSent is the number of neighbor advertisements
	// transmitted.
	NeighborAdvertsSent StatCounter

	// NeighborAdvertsReceived is the number of neighbor advertisements
	// received.
	NeighborAdvertsReceived StatCounter

	// ResolutionFailures is the number of neighbor resolutions that gave
	// up after the maximum number of probes.
	ResolutionFailures StatCounter

	// DuplicateAddressConflicts is the number of duplicate address
	// detection failures.
	DuplicateAddressConflicts StatCounter
}

// UDPStats collects UDP statistics.
type UDPStats struct {
	// DatagramsSent is the number of UDP datagrams transmitted.
	DatagramsSent StatCounter

	// DatagramsReceived is the number of UDP datagrams delivered to an
	// endpoint.
	DatagramsReceived StatCounter

	// UnknownPortErrors is the number of received datagrams dropped
	// because no endpoint is bound to the destination port.
	UnknownPortErrors StatCounter

	// MalformedPacketsReceived is the number of received datagrams
	// dropped because of a malformed UDP header.
	MalformedPacketsReceived StatCounter
}

// DHCPStats collects DHCP client statistics.
type DHCPStats struct {
	// DiscoversSent is the number of DISCOVER messages transmitted.
	DiscoversSent StatCounter

	// OffersReceived is the number of OFFER messages accepted.
	OffersReceived StatCounter

	// RequestsSent is the number of REQUEST messages transmitted.
	RequestsSent StatCounter

	// AcksReceived is the number of ACK messages accepted.
	AcksReceived StatCounter

	// NaksReceived is the number of NAK messages received.
	NaksReceived StatCounter

	// LeasesGranted is the number of times a lease was committed.
	LeasesGranted StatCounter

	// OutOfOrderDropped is the number of messages dropped because they
	// did not match the state machine's expectation or transaction id.
	OutOfOrderDropped StatCounter
}

// Stats holds the statistics of every layer of a stack.
type Stats struct {
	// ARP is the ARP statistics.
	ARP ARPStats

	// IPv4 is the IPv4 statistics.
	IPv4 IPv4Stats

	// ICMP is the ICMPv4 statistics.
	ICMP ICMPStats

	// IPv6 is the IPv6 and Neighbor Discovery statistics.
	IPv6 IPv6Stats

	// UDP is the UDP statistics.
	UDP UDPStats

	// DHCP is the DHCP client statistics.
	DHCP DHCPStats
}
