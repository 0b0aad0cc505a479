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

package ipv4

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/header"
	"github.com/jgrivera67/ustack/pkg/ustack/link/ethdev"
	"github.com/jgrivera67/ustack/pkg/ustack/network/arp"
	"github.com/jgrivera67/ustack/pkg/ustack/packet"
	"github.com/jgrivera67/ustack/pkg/ustack/stack"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

var (
	addrA = ustack.Address("\x0a\x00\x00\x01") // 10.0.0.1
	addrB = ustack.Address("\x0a\x00\x00\x02") // 10.0.0.2
	addrC = ustack.Address("\x0a\x00\x00\x63") // 10.0.0.99, unassigned
	mask  = ustack.AddressMask("\xff\xff\xff\x00")
	far   = ustack.Address("\x08\x08\x08\x08") // off-link
)

// arpOptions keeps failed resolutions fast on the real clock.
func arpOptions() arp.Options {
	return arp.Options{
		ResolutionTimeout:  50 * time.Millisecond,
		ResolutionAttempts: 3,
	}
}

type testNode struct {
	stack *stack.Stack
	nic   *stack.NIC
	ep    *Endpoint
}

func newNode(t *testing.T, port *ethdev.Port, serial string) *testNode {
	t.Helper()
	clock := &ustack.StdClock{}
	s := stack.New(stack.Options{Clock: clock, Logger: testLogger()})
	dev := ethdev.New(port, ethdev.Options{Serial: []byte(serial), Clock: clock, Logger: testLogger()})
	nic, err := s.CreateNIC(1, dev)
	if err != nil {
		t.Fatalf("CreateNIC: %v", err)
	}
	arpProto := arp.NewProtocol()
	ipProto := NewProtocol()
	s.RegisterNetworkProtocol(arpProto)
	s.RegisterNetworkProtocol(ipProto)
	ep := ipProto.Enable(nic, arpProto, arpOptions())
	t.Cleanup(s.Close)
	return &testNode{stack: s, nic: nic, ep: ep}
}

func twoNodes(t *testing.T) (a, b *testNode) {
	t.Helper()
	pa, pb := ethdev.NewPair()
	a = newNode(t, pa, "ip-node-a")
	b = newNode(t, pb, "ip-node-b")
	if err := a.ep.SetAddress(addrA, mask, ""); err != nil {
		t.Fatalf("a.SetAddress: %v", err)
	}
	if err := b.ep.SetAddress(addrB, mask, ""); err != nil {
		t.Fatalf("b.SetAddress: %v", err)
	}
	return a, b
}

type capturedDatagram struct {
	src, dst ustack.Address
	payload  []byte
	ipHeader []byte
}

type capturingHandler struct {
	datagrams chan capturedDatagram
}

func newCapturingHandler() *capturingHandler {
	return &capturingHandler{datagrams: make(chan capturedDatagram, 8)}
}

func (h *capturingHandler) DeliverPacket(ep *Endpoint, pkt *packet.Packet, src, dst ustack.Address, payload []byte) {
	d := capturedDatagram{
		src:      src,
		dst:      dst,
		payload:  append([]byte(nil), payload...),
		ipHeader: append([]byte(nil), pkt.Frame()[HeaderOffset:PayloadOffset]...),
	}
	pkt.Release()
	h.datagrams <- d
}

// sendDatagram stages payload and transmits it from node a.
func sendDatagram(t *testing.T, a *testNode, proto ustack.TransportProtocolNumber, dst ustack.Address, payload []byte) {
	t.Helper()
	pkt := a.stack.AllocTxPacket(0, true)
	copy(pkt.Buf()[PayloadOffset:], payload)
	if err := a.ep.WritePacket(pkt, proto, dst, len(payload)); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
}

func TestPingNeighbor(t *testing.T) {
	a, b := twoNodes(t)

	rtt, err := a.ep.Ping(addrB, 0x1234, 1, []byte("ping payload"), 5*time.Second)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if rtt < 0 {
		t.Errorf("got negative round-trip time %v", rtt)
	}

	if got := a.stack.Stats().ICMP.EchoRequestsSent.Value(); got != 1 {
		t.Errorf("got EchoRequestsSent = %d, want 1", got)
	}
	if got := a.stack.Stats().ICMP.EchoRepliesReceived.Value(); got != 1 {
		t.Errorf("got EchoRepliesReceived = %d, want 1", got)
	}
	if got := b.stack.Stats().ICMP.EchoRequestsReceived.Value(); got != 1 {
		t.Errorf("got b EchoRequestsReceived = %d, want 1", got)
	}
	if got := b.stack.Stats().ICMP.EchoRepliesSent.Value(); got != 1 {
		t.Errorf("got b EchoRepliesSent = %d, want 1", got)
	}
}

func TestPingSequence(t *testing.T) {
	a, _ := twoNodes(t)
	for seq := uint16(1); seq <= 3; seq++ {
		if _, err := a.ep.Ping(addrB, 7, seq, nil, 5*time.Second); err != nil {
			t.Fatalf("Ping seq %d: %v", seq, err)
		}
	}
}

func TestPingUnassignedAddress(t *testing.T) {
	a, _ := twoNodes(t)
	if _, err := a.ep.Ping(addrC, 1, 1, nil, 5*time.Second); err != ustack.ErrHostUnreachable {
		t.Fatalf("got Ping = %v, want %v", err, ustack.ErrHostUnreachable)
	}
}

func TestPingOwnAddress(t *testing.T) {
	a, _ := twoNodes(t)
	if _, err := a.ep.Ping(addrA, 1, 1, nil, 5*time.Second); err != ustack.ErrLoopbackUnsupported {
		t.Fatalf("got Ping = %v, want %v", err, ustack.ErrLoopbackUnsupported)
	}
}

func TestOffLinkRequiresGateway(t *testing.T) {
	a, _ := twoNodes(t)
	pkt := a.stack.AllocTxPacket(0, false)
	if err := a.ep.WritePacket(pkt, 17, far, 16); err != ustack.ErrNoGateway {
		t.Fatalf("got WritePacket = %v, want %v", err, ustack.ErrNoGateway)
	}
	a.stack.TxPool().Free(pkt)
}

func TestOffLinkRoutesViaGateway(t *testing.T) {
	a, b := twoNodes(t)
	if err := a.ep.SetAddress(addrA, mask, addrB); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}

	sendDatagram(t, a, 17, far, []byte("to the gateway"))

	// The gateway receives the frame but the datagram is not for it.
	deadline := time.Now().Add(5 * time.Second)
	for b.stack.Stats().IPv4.NotForUs.Value() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("got NotForUs = %d, want 1", b.stack.Stats().IPv4.NotForUs.Value())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTransportHandlerDelivery(t *testing.T) {
	a, b := twoNodes(t)
	h := newCapturingHandler()
	b.ep.RegisterTransportHandler(17, h)

	payload := []byte("transport payload")
	sendDatagram(t, a, 17, addrB, payload)

	select {
	case d := <-h.datagrams:
		if d.src != addrA || d.dst != addrB {
			t.Errorf("got datagram %s -> %s, want %s -> %s", d.src, d.dst, addrA, addrB)
		}
		if !bytes.Equal(d.payload, payload) {
			t.Errorf("got payload %q, want %q", d.payload, payload)
		}
		ip := header.IPv4(d.ipHeader)
		if ip.TTL() != DefaultTTL {
			t.Errorf("got TTL %d, want %d", ip.TTL(), DefaultTTL)
		}
		if ip.Flags()&header.IPv4FlagDontFragment == 0 {
			t.Error("sent datagram does not have the DF flag")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("datagram was not delivered")
	}
}

func TestDatagramIDsIncrease(t *testing.T) {
	a, b := twoNodes(t)
	h := newCapturingHandler()
	b.ep.RegisterTransportHandler(17, h)

	sendDatagram(t, a, 17, addrB, []byte("first"))
	sendDatagram(t, a, 17, addrB, []byte("second"))

	var ids []uint16
	for i := 0; i < 2; i++ {
		select {
		case d := <-h.datagrams:
			ids = append(ids, header.IPv4(d.ipHeader).ID())
		case <-time.After(5 * time.Second):
			t.Fatal("datagram was not delivered")
		}
	}
	if ids[1] != ids[0]+1 {
		t.Errorf("got IDs %d, %d, want consecutive", ids[0], ids[1])
	}
}

func TestUnknownTransportProtocolDropped(t *testing.T) {
	a, b := twoNodes(t)
	sendDatagram(t, a, 99, addrB, []byte("nobody wants this"))

	deadline := time.Now().Add(5 * time.Second)
	for b.stack.Stats().IPv4.UnknownProtocol.Value() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("got UnknownProtocol = %d, want 1", b.stack.Stats().IPv4.UnknownProtocol.Value())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLimitedBroadcastDelivered(t *testing.T) {
	a, b := twoNodes(t)
	h := newCapturingHandler()
	b.ep.RegisterTransportHandler(17, h)

	arpRequestsBefore := a.stack.Stats().ARP.RequestsSent.Value()
	sendDatagram(t, a, 17, header.IPv4Broadcast, []byte("to everyone"))

	select {
	case d := <-h.datagrams:
		if d.dst != header.IPv4Broadcast {
			t.Errorf("got destination %s, want %s", d.dst, header.IPv4Broadcast)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast datagram was not delivered")
	}
	// No ARP exchange is needed for broadcasts.
	if got := a.stack.Stats().ARP.RequestsSent.Value(); got != arpRequestsBefore {
		t.Errorf("broadcast triggered %d ARP requests", got-arpRequestsBefore)
	}
}

func TestSubnetBroadcastDelivered(t *testing.T) {
	a, b := twoNodes(t)
	h := newCapturingHandler()
	b.ep.RegisterTransportHandler(17, h)

	subnetBroadcast := ustack.Address("\x0a\x00\x00\xff")
	sendDatagram(t, a, 17, subnetBroadcast, []byte("to the subnet"))

	select {
	case <-h.datagrams:
	case <-time.After(5 * time.Second):
		t.Fatal("subnet broadcast was not delivered")
	}
}

func TestCorruptHeaderDropped(t *testing.T) {
	a, b := twoNodes(t)

	// Hand-build a datagram with a damaged header checksum.
	pkt := a.stack.AllocTxPacket(0, true)
	h := header.IPv4(pkt.Buf()[HeaderOffset:])
	h.Encode(&header.IPv4Fields{
		TotalLength: header.IPv4MinimumSize + 4,
		TTL:         DefaultTTL,
		Protocol:    17,
		SrcAddr:     addrA,
		DstAddr:     addrB,
	})
	h.SetChecksum(0xdead)
	mac, err := a.ep.ARP().Resolve(addrB)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := a.nic.SendFrame(pkt, mac, header.IPv4ProtocolNumber, header.IPv4MinimumSize+4); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for b.stack.Stats().IPv4.InvalidHeaders.Value() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("got InvalidHeaders = %d, want 1", b.stack.Stats().IPv4.InvalidHeaders.Value())
		}
		time.Sleep(time.Millisecond)
	}
	if got := b.stack.Stats().IPv4.PacketsReceived.Value(); got != 0 {
		t.Errorf("got PacketsReceived = %d, want 0", got)
	}
}

func TestUnsetAddressStopsDelivery(t *testing.T) {
	a, b := twoNodes(t)
	h := newCapturingHandler()
	b.ep.RegisterTransportHandler(17, h)

	// Resolve before the address goes away so the sender still has the
	// mapping.
	if _, err := a.ep.ARP().Resolve(addrB); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b.ep.UnsetAddress()

	sendDatagram(t, a, 17, addrB, []byte("late datagram"))

	deadline := time.Now().Add(5 * time.Second)
	for b.stack.Stats().IPv4.NotForUs.Value() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("got NotForUs = %d, want 1", b.stack.Stats().IPv4.NotForUs.Value())
		}
		time.Sleep(time.Millisecond)
	}
}
