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

package dhcp

import (
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/header"
	"github.com/jgrivera67/ustack/pkg/ustack/link/ethdev"
	"github.com/jgrivera67/ustack/pkg/ustack/network/arp"
	"github.com/jgrivera67/ustack/pkg/ustack/network/ipv4"
	"github.com/jgrivera67/ustack/pkg/ustack/stack"
	"github.com/jgrivera67/ustack/pkg/ustack/transport/udp"
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
	serverAddr = ustack.Address("\x0a\x00\x00\x01")
	poolAddr   = ustack.Address("\x0a\x00\x00\x64")
	poolAddr2  = ustack.Address("\x0a\x00\x00\x65")
	routerAddr = ustack.Address("\x0a\x00\x00\xfe")
	mask       = ustack.AddressMask("\xff\xff\xff\x00")
)

// testOptions keeps exchanges short so failure paths run fast.
var testOptions = Options{
	RetryInterval:   100 * time.Millisecond,
	RequestAttempts: 3,
}

type testNode struct {
	stack *stack.Stack
	ip    *ipv4.Endpoint
	udp   *udp.Protocol
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
	ipProto := ipv4.NewProtocol()
	s.RegisterNetworkProtocol(arpProto)
	s.RegisterNetworkProtocol(ipProto)
	ip := ipProto.Enable(nic, arpProto, arp.Options{
		ResolutionTimeout:  50 * time.Millisecond,
		ResolutionAttempts: 3,
	})
	t.Cleanup(s.Close)
	return &testNode{stack: s, ip: ip, udp: udp.NewProtocol(ip)}
}

func serverConfig() ServerConfig {
	return ServerConfig{
		ServerAddr: serverAddr,
		SubnetMask: mask,
		Router:     routerAddr,
		Addresses:  []ustack.Address{poolAddr, poolAddr2},
	}
}

// startServer brings up a configured server node answering on the given
// port.
func startServer(t *testing.T, port *ethdev.Port, cfg ServerConfig) *testNode {
	t.Helper()
	node := newNode(t, port, "dhcp-server")
	if err := node.ip.SetAddress(serverAddr, mask, ""); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}
	srv := NewServer(node.ip, node.udp, cfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return node
}

func TestLeaseAcquisition(t *testing.T) {
	pa, pb := ethdev.NewPair()
	startServer(t, pa, serverConfig())
	clientNode := newNode(t, pb, "dhcp-client")

	client := NewClient(clientNode.ip, clientNode.udp, testOptions)
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer client.Stop()

	if err := client.WaitForLease(5 * time.Second); err != nil {
		t.Fatalf("WaitForLease: %v", err)
	}
	if got := client.State(); got != StateBound {
		t.Errorf("got state %v, want %v", got, StateBound)
	}

	lease, ok := client.Lease()
	if !ok {
		t.Fatal("no lease held after WaitForLease")
	}
	want := Lease{
		Addr:       poolAddr,
		SubnetMask: mask,
		Router:     routerAddr,
		Server:     serverAddr,
		Duration:   DefaultLeaseDuration,
	}
	if diff := cmp.Diff(want, lease); diff != "" {
		t.Errorf("lease mismatch (-want +got):\n%s", diff)
	}

	addr, _, ok := clientNode.ip.Address()
	if !ok || addr != poolAddr {
		t.Errorf("endpoint address = %s, %t; want %s configured", addr, ok, poolAddr)
	}

	stats := &clientNode.stack.Stats().DHCP
	if got := stats.DiscoversSent.Value(); got == 0 {
		t.Error("no DISCOVERs counted")
	}
	if got := stats.OffersReceived.Value(); got != 1 {
		t.Errorf("got %d offers, want 1", got)
	}
	if got := stats.AcksReceived.Value(); got != 1 {
		t.Errorf("got %d acks, want 1", got)
	}
	if got := stats.LeasesGranted.Value(); got != 1 {
		t.Errorf("got %d leases, want 1", got)
	}
}

// fakeServer answers with a scripted message sequence, letting tests
// exercise out-of-order and refusal paths the real server never takes.
type fakeServer struct {
	t  *testing.T
	ep *udp.Endpoint
}

func startFakeServer(t *testing.T, port *ethdev.Port, handle func(f *fakeServer, h hdr, opts options)) {
	t.Helper()
	node := newNode(t, port, "dhcp-server")
	if err := node.ip.SetAddress(serverAddr, mask, ""); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}
	ep := node.udp.NewEndpoint()
	if err := ep.Bind(ServerPort); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	t.Cleanup(ep.Close)

	f := &fakeServer{t: t, ep: ep}
	go func() {
		for {
			payload, _, err := ep.Read(0)
			if err != nil {
				return
			}
			h := hdr(payload)
			opts, ok := h.parseOptions()
			if !h.isValid() || !ok {
				continue
			}
			handle(f, h, opts)
		}
	}()
}

// send broadcasts a reply of the given type for the transaction.
func (f *fakeServer) send(xid uint32, typ MessageType, yiaddr ustack.Address, dur time.Duration) {
	b := make([]byte, headerSize)
	h := hdr(b)
	h.init(opReply, xid, "", header.IPv4Any, false)
	h.setYiaddr(yiaddr)
	w := optionWriter{b: b}
	w.add(optMessageType, byte(typ))
	w.add(optSubnetMask, []byte(mask)...)
	if dur != 0 {
		secs := uint32(dur / time.Second)
		w.add(optLeaseTime, byte(secs>>24), byte(secs>>16), byte(secs>>8), byte(secs))
	}
	w.add(optServerID, []byte(serverAddr)...)
	msg := w.end()
	if err := f.ep.Write(msg, ustack.FullAddress{Addr: header.IPv4Broadcast, Port: ClientPort}); err != nil {
		f.t.Errorf("Write: %v", err)
	}
}

func TestOutOfOrderAckDropped(t *testing.T) {
	pa, pb := ethdev.NewPair()

	// An ACK arriving while an OFFER is expected must be dropped
	// without disturbing the exchange.
	startFakeServer(t, pa, func(f *fakeServer, h hdr, opts options) {
		switch opts.typ {
		case TypeDiscover:
			f.send(h.xid(), TypeAck, poolAddr, 0)
			f.send(h.xid(), TypeOffer, poolAddr, 0)
		case TypeRequest:
			f.send(h.xid(), TypeAck, poolAddr, 0)
		}
	})

	clientNode := newNode(t, pb, "dhcp-client")
	client := NewClient(clientNode.ip, clientNode.udp, testOptions)
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer client.Stop()

	if err := client.WaitForLease(5 * time.Second); err != nil {
		t.Fatalf("WaitForLease: %v", err)
	}
	lease, _ := client.Lease()
	if lease.Addr != poolAddr {
		t.Errorf("got leased address %s, want %s", lease.Addr, poolAddr)
	}
	stats := &clientNode.stack.Stats().DHCP
	if got := stats.OutOfOrderDropped.Value(); got == 0 {
		t.Error("early ACK was not counted as out of order")
	}
	if got := stats.LeasesGranted.Value(); got != 1 {
		t.Errorf("got %d leases, want 1", got)
	}
}

func TestNakRestartsDiscovery(t *testing.T) {
	pa, pb := ethdev.NewPair()

	// Refuse the first REQUEST, grant the second acquisition.
	requests := 0
	startFakeServer(t, pa, func(f *fakeServer, h hdr, opts options) {
		switch opts.typ {
		case TypeDiscover:
			f.send(h.xid(), TypeOffer, poolAddr, 0)
		case TypeRequest:
			requests++
			if requests == 1 {
				f.send(h.xid(), TypeNak, header.IPv4Any, 0)
				return
			}
			f.send(h.xid(), TypeAck, poolAddr, 0)
		}
	})

	clientNode := newNode(t, pb, "dhcp-client")
	client := NewClient(clientNode.ip, clientNode.udp, testOptions)
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer client.Stop()

	if err := client.WaitForLease(5 * time.Second); err != nil {
		t.Fatalf("WaitForLease: %v", err)
	}
	stats := &clientNode.stack.Stats().DHCP
	if got := stats.NaksReceived.Value(); got != 1 {
		t.Errorf("got %d naks, want 1", got)
	}
	if got := stats.LeasesGranted.Value(); got != 1 {
		t.Errorf("got %d leases, want 1", got)
	}
}

func TestRenewal(t *testing.T) {
	pa, pb := ethdev.NewPair()
	cfg := serverConfig()
	cfg.LeaseDuration = time.Second
	startServer(t, pa, cfg)

	clientNode := newNode(t, pb, "dhcp-client")
	client := NewClient(clientNode.ip, clientNode.udp, testOptions)
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer client.Stop()

	if err := client.WaitForLease(5 * time.Second); err != nil {
		t.Fatalf("WaitForLease: %v", err)
	}

	// The client renews at half life. Give it time for at least one
	// renewal and check the lease survived.
	stats := &clientNode.stack.Stats().DHCP
	deadline := time.Now().Add(5 * time.Second)
	for stats.AcksReceived.Value() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("lease was not renewed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := client.State(); got != StateBound {
		t.Errorf("got state %v, want %v", got, StateBound)
	}
	addr, _, ok := clientNode.ip.Address()
	if !ok || addr != poolAddr {
		t.Errorf("endpoint address = %s, %t; want %s configured", addr, ok, poolAddr)
	}
}

func TestLeaseLossRemovesAddress(t *testing.T) {
	pa, pb := ethdev.NewPair()

	// Grant a short lease, then go silent so renewal fails.
	granted := false
	startFakeServer(t, pa, func(f *fakeServer, h hdr, opts options) {
		if granted {
			return
		}
		switch opts.typ {
		case TypeDiscover:
			f.send(h.xid(), TypeOffer, poolAddr, time.Second)
		case TypeRequest:
			granted = true
			f.send(h.xid(), TypeAck, poolAddr, time.Second)
		}
	})

	clientNode := newNode(t, pb, "dhcp-client")
	client := NewClient(clientNode.ip, clientNode.udp, testOptions)
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer client.Stop()

	if err := client.WaitForLease(5 * time.Second); err != nil {
		t.Fatalf("WaitForLease: %v", err)
	}

	// Renewal cannot succeed, so the address must come back off.
	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, _, ok := clientNode.ip.Address(); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("address still configured after lease loss")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := client.Lease(); ok {
		t.Error("lease still held after loss")
	}
}

func TestServerGrantsStableAddress(t *testing.T) {
	pa, pb := ethdev.NewPair()
	startServer(t, pa, serverConfig())
	clientNode := newNode(t, pb, "dhcp-client")

	lease := func() Lease {
		client := NewClient(clientNode.ip, clientNode.udp, testOptions)
		if err := client.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer client.Stop()
		if err := client.WaitForLease(5 * time.Second); err != nil {
			t.Fatalf("WaitForLease: %v", err)
		}
		l, _ := client.Lease()
		return l
	}

	first := lease()
	second := lease()
	if first.Addr != second.Addr {
		t.Errorf("reacquisition moved the address from %s to %s", first.Addr, second.Addr)
	}
}
