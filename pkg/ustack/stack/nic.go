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

package stack

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/header"
	"github.com/jgrivera67/ustack/pkg/ustack/link/ethdev"
	"github.com/jgrivera67/ustack/pkg/ustack/packet"
)

// A NIC is one attachment of an Ethernet device to a stack. Its receive
// goroutine demultiplexes incoming frames to the registered network
// protocols by EtherType.
type NIC struct {
	id      ustack.NICID
	stack   *Stack
	dev     *ethdev.Device
	log     logrus.FieldLogger
	rxQueue *packet.Queue
	wg      sync.WaitGroup
}

// ID returns the NIC's id within its stack.
func (n *NIC) ID() ustack.NICID {
	return n.id
}

// Stack returns the stack the NIC belongs to.
func (n *NIC) Stack() *Stack {
	return n.stack
}

// LinkAddress returns the MAC address of the NIC's device.
func (n *NIC) LinkAddress() ustack.LinkAddress {
	return n.dev.LinkAddress()
}

// MTU returns the device's Ethernet payload MTU.
func (n *NIC) MTU() int {
	return n.dev.MTU()
}

// Logger returns the NIC's logger.
func (n *NIC) Logger() logrus.FieldLogger {
	return n.log
}

// LinkStats returns the device counters.
func (n *NIC) LinkStats() *ustack.LinkStats {
	return n.dev.Stats()
}

// JoinMulticastGroup adds a multicast MAC address to the device's receive
// filter.
func (n *NIC) JoinMulticastGroup(addr ustack.LinkAddress) {
	n.dev.JoinMulticastGroup(addr)
}

// LeaveMulticastGroup removes a multicast MAC address from the device's
// receive filter.
func (n *NIC) LeaveMulticastGroup(addr ustack.LinkAddress) {
	n.dev.LeaveMulticastGroup(addr)
}

// SetPromiscuousMode controls the device's destination address filter.
func (n *NIC) SetPromiscuousMode(enabled bool) {
	n.dev.SetPromiscuous(enabled)
}

// SendFrame encapsulates the first payloadLen bytes after the Ethernet
// header already staged in pkt's buffer and hands the frame to the
// device. The source address is always the NIC's own MAC. Sending to the
// NIC's own MAC returns ErrLoopbackUnsupported; the caller keeps the
// buffer in that case.
func (n *NIC) SendFrame(pkt *packet.Packet, dst ustack.LinkAddress, proto ustack.NetworkProtocolNumber, payloadLen int) error {
	if dst == n.dev.LinkAddress() {
		return ustack.ErrLoopbackUnsupported
	}
	eth := header.Ethernet(pkt.Buf())
	eth.Encode(&header.EthernetFields{
		DstAddr: dst,
		SrcAddr: n.dev.LinkAddress(),
		Type:    proto,
	})
	pkt.SetLength(header.EthernetMinimumSize + payloadLen)
	n.dev.StartXmit(pkt)
	return nil
}

// receiveLoop dequeues received frames and dispatches them to the
// registered protocol handlers.
func (n *NIC) receiveLoop() {
	defer n.wg.Done()
	for {
		pkt := n.rxQueue.Dequeue(0)
		if pkt == nil {
			// Queue closed; the NIC is going away.
			return
		}
		pkt.SetOwner(packet.RxQueued, packet.OwnedRx)
		n.deliver(pkt)
	}
}

func (n *NIC) deliver(pkt *packet.Packet) {
	if pkt.Length() < header.EthernetMinimumSize {
		pkt.Release()
		return
	}
	eth := header.Ethernet(pkt.Frame())
	proto := n.stack.networkProtocol(eth.Type())
	if proto == nil {
		n.dev.Stats().UnknownEtherType.Increment()
		n.log.WithField("ethertype", uint16(eth.Type())).Debug("dropping frame with unhandled EtherType")
		pkt.Release()
		return
	}
	proto.HandlePacket(n, pkt)
}

// close stops the device and the receive goroutine. In-flight receive
// buffers are abandoned; the device and its pool go away with the NIC.
func (n *NIC) close() {
	n.dev.Close()
	n.rxQueue.Close()
	n.wg.Wait()
	n.log.Info("nic stopped")
}
