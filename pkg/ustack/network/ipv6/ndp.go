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
	"github.com/sirupsen/logrus"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/header"
)

// sendSolicit transmits a neighbor solicitation for target. Duplicate
// address detection probes pass the unspecified source; those carry no
// source link-layer option.
func (ep *Endpoint) sendSolicit(target, src, dst ustack.Address, dstMAC ustack.LinkAddress) error {
	msgLen := header.ICMPv6MinimumSize + header.NDPMinimumBodySize
	withSource := src != header.IPv6Any
	if withSource {
		msgLen = header.NDPSolicitSize
	}

	pkt := ep.nic.Stack().AllocTxPacket(ep.opts.RetransmitTimer, true)
	if pkt == nil {
		return ustack.ErrTimeout
	}
	msg := header.ICMPv6(pkt.Buf()[PayloadOffset:][:msgLen])
	for i := range msg {
		msg[i] = 0
	}
	msg.SetType(header.ICMPv6NeighborSolicit)
	body := header.NDPNeighbor(msg.MessageBody())
	copy(body.TargetAddress(), target)
	if withSource {
		body.Options().EncodeLinkLayerAddress(header.NDPSourceLinkLayerOption, ep.nic.LinkAddress())
	}
	msg.SetChecksum(header.CalculateICMPv6Checksum(msg, src, dst))

	if err := ep.writePacketTo(pkt, dstMAC, src, dst, header.ICMPv6ProtocolNumber, ndpHopLimit, msgLen); err != nil {
		pkt.Release()
		return err
	}
	ep.stats.NeighborSolicitsSent.Increment()
	return nil
}

// sendAdvert transmits a neighbor advertisement for our own address.
func (ep *Endpoint) sendAdvert(dst ustack.Address, dstMAC ustack.LinkAddress, solicited bool) error {
	pkt := ep.nic.Stack().AllocTxPacket(ep.opts.RetransmitTimer, true)
	if pkt == nil {
		return ustack.ErrTimeout
	}
	msg := header.ICMPv6(pkt.Buf()[PayloadOffset:][:header.NDPAdvertSize])
	for i := range msg {
		msg[i] = 0
	}
	msg.SetType(header.ICMPv6NeighborAdvert)
	body := header.NDPNeighbor(msg.MessageBody())
	flags := uint8(header.NDPAdvertFlagOverride)
	if solicited {
		flags |= header.NDPAdvertFlagSolicited
	}
	body.SetFlags(flags)
	copy(body.TargetAddress(), ep.linkLocal)
	body.Options().EncodeLinkLayerAddress(header.NDPTargetLinkLayerOption, ep.nic.LinkAddress())
	msg.SetChecksum(header.CalculateICMPv6Checksum(msg, ep.linkLocal, dst))

	if err := ep.writePacketTo(pkt, dstMAC, ep.linkLocal, dst, header.ICMPv6ProtocolNumber, ndpHopLimit, header.NDPAdvertSize); err != nil {
		pkt.Release()
		return err
	}
	ep.stats.NeighborAdvertsSent.Increment()
	return nil
}

// handleSolicit processes a received neighbor solicitation.
func (ep *Endpoint) handleSolicit(src ustack.Address, body []byte) {
	if len(body) < header.NDPMinimumBodySize {
		ep.stats.InvalidHeaders.Increment()
		return
	}
	n := header.NDPNeighbor(body)
	target := ustack.Address(n.TargetAddress())

	if src == header.IPv6Any {
		// A duplicate address detection probe from another node. If it
		// probes our address the address is contested: a tentative
		// address loses, a ready one is defended.
		if target != ep.linkLocal {
			return
		}
		ep.mu.Lock()
		state := ep.addrState
		ep.mu.Unlock()
		switch state {
		case addrTentative:
			ep.failDAD("")
		case addrReady:
			err := ep.sendAdvert(header.IPv6AllNodesMulticastAddress,
				header.EthernetAddressFromMulticastIPv6(header.IPv6AllNodesMulticastAddress), false)
			if err != nil {
				ep.log.WithField("err", err).Warn("failed to defend address")
			}
		}
		return
	}

	sll, haveSLL := n.Options().LinkLayerAddress(header.NDPSourceLinkLayerOption)
	if haveSLL {
		if sll == ep.nic.LinkAddress() {
			// Our own multicast looped back through a hub.
			return
		}
		ep.neighbors.learn(src, sll)
	}

	if target != ep.linkLocal {
		return
	}
	ep.mu.Lock()
	ready := ep.addrState == addrReady
	ep.mu.Unlock()
	if !ready || !haveSLL {
		return
	}
	if err := ep.sendAdvert(src, sll, true); err != nil {
		ep.log.WithField("err", err).Warn("failed to send neighbor advertisement")
	}
}

// handleAdvert processes a received neighbor advertisement.
func (ep *Endpoint) handleAdvert(body []byte) {
	if len(body) < header.NDPMinimumBodySize {
		ep.stats.InvalidHeaders.Increment()
		return
	}
	n := header.NDPNeighbor(body)
	target := ustack.Address(n.TargetAddress())
	flags := n.Flags()
	tll, haveTLL := n.Options().LinkLayerAddress(header.NDPTargetLinkLayerOption)

	if target == ep.linkLocal {
		ep.mu.Lock()
		state := ep.addrState
		ep.mu.Unlock()
		if state == addrTentative {
			// While tentative we never advertise, so any claim is
			// foreign even when it names our own MAC.
			ep.failDAD(tll)
			return
		}
		if haveTLL && tll == ep.nic.LinkAddress() {
			// Our own advertisement looped back through a hub.
			return
		}
		// Another node advertising our established address is a
		// configuration conflict. It is reported but never learned.
		ep.stats.DuplicateAddressConflicts.Increment()
		fields := logrus.Fields{"addr": ep.linkLocal.String()}
		if haveTLL {
			fields["other"] = tll.String()
		}
		ep.log.WithFields(fields).Warn("another station is using our IPv6 address")
		return
	}

	if !haveTLL {
		return
	}
	ep.neighbors.handleAdvert(target, tll,
		flags&header.NDPAdvertFlagSolicited != 0,
		flags&header.NDPAdvertFlagOverride != 0)
}
