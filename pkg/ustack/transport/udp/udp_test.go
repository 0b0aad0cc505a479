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

package udp

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/link/ethdev"
	"github.com/jgrivera67/ustack/pkg/ustack/network/arp"
	"github.com/jgrivera67/ustack/pkg/ustack/network/ipv4"
	"github.com/jgrivera67/ustack/pkg/ustack/ports"
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
	addrA = ustack.Address("\x0a\x00\x00\x01")
	addrB = ustack.Address("\x0a\x00\x00\x02")
	mask  = ustack.AddressMask("\xff\xff\xff\x00")
)

type testNode struct {
	stack *stack.Stack
	ip    *ipv4.Endpoint
	udp   *Protocol
}

func newNode(t *testing.T, port *ethdev.Port, serial string, addr ustack.Address) *testNode {
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
	if err := ip.SetAddress(addr, mask, ""); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}
	t.Cleanup(s.Close)
	return &testNode{stack: s, ip: ip, udp: NewProtocol(ip)}
}

func twoNodes(t *testing.T) (a, b *testNode) {
	t.Helper()
	pa, pb := ethdev.NewPair()
	a = newNode(t, pa, "udp-node-a", addrA)
	b = newNode(t, pb, "udp-node-b", addrB)
	return a, b
}

func TestWriteRead(t *testing.T) {
	a, b := twoNodes(t)

	server := b.udp.NewEndpoint()
	defer server.Close()
	if err := server.Bind(7777); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	client := a.udp.NewEndpoint()
	defer client.Close()
	payload := []byte("hello over udp")
	if err := client.Write(payload, ustack.FullAddress{Addr: addrB, Port: 7777}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, src, err := server.Read(5 * time.Second)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got payload %q, want %q", got, payload)
	}
	if src.Addr != addrA {
		t.Errorf("got source address %s, want %s", src.Addr, addrA)
	}
	clientPort, _ := client.LocalPort()
	if src.Port != clientPort {
		t.Errorf("got source port %d, want %d", src.Port, clientPort)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	a, b := twoNodes(t)

	server := b.udp.NewEndpoint()
	defer server.Close()
	if err := server.Bind(9000); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	client := a.udp.NewEndpoint()
	defer client.Close()
	if err := client.Bind(0); err != nil {
		t.Fatalf("client Bind: %v", err)
	}

	if err := client.Write([]byte("marco"), ustack.FullAddress{Addr: addrB, Port: 9000}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	msg, src, err := server.Read(5 * time.Second)
	if err != nil {
		t.Fatalf("server Read: %v", err)
	}
	if err := server.Write(append(msg, []byte(" polo")...), src); err != nil {
		t.Fatalf("server Write: %v", err)
	}

	reply, _, err := client.Read(5 * time.Second)
	if err != nil {
		t.Fatalf("client Read: %v", err)
	}
	if string(reply) != "marco polo" {
		t.Errorf("got reply %q, want %q", reply, "marco polo")
	}
}

func TestAutoBindUsesEphemeralRange(t *testing.T) {
	a, b := twoNodes(t)
	_ = b

	ep := a.udp.NewEndpoint()
	defer ep.Close()
	if err := ep.Write([]byte("x"), ustack.FullAddress{Addr: addrB, Port: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	port, bound := ep.LocalPort()
	if !bound {
		t.Fatal("Write did not bind the endpoint")
	}
	if port != ports.FirstEphemeralPort {
		t.Errorf("got port %d, want %d", port, ports.FirstEphemeralPort)
	}
}

func TestBindConflict(t *testing.T) {
	a, _ := twoNodes(t)

	ep1 := a.udp.NewEndpoint()
	defer ep1.Close()
	if err := ep1.Bind(5353); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	ep2 := a.udp.NewEndpoint()
	defer ep2.Close()
	if err := ep2.Bind(5353); err != ustack.ErrPortInUse {
		t.Fatalf("got second Bind = %v, want %v", err, ustack.ErrPortInUse)
	}
	if err := ep1.Bind(1234); err != ustack.ErrAlreadyBound {
		t.Fatalf("got rebind = %v, want %v", err, ustack.ErrAlreadyBound)
	}
}

func TestBindEphemeralRangeRejected(t *testing.T) {
	a, _ := twoNodes(t)

	// Ports at and above the ephemeral range are only handed out by
	// Bind(0).
	for _, port := range []uint16{ports.FirstEphemeralPort, 60000} {
		ep := a.udp.NewEndpoint()
		if err := ep.Bind(port); err != ustack.ErrInvalidPort {
			t.Errorf("got Bind(%d) = %v, want %v", port, err, ustack.ErrInvalidPort)
		}
		ep.Close()
	}
}

func TestReadTimeout(t *testing.T) {
	a, _ := twoNodes(t)
	ep := a.udp.NewEndpoint()
	defer ep.Close()
	if err := ep.Bind(0); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, _, err := ep.Read(50 * time.Millisecond); err != ustack.ErrTimeout {
		t.Fatalf("got Read = %v, want %v", err, ustack.ErrTimeout)
	}
}

func TestReadUnbound(t *testing.T) {
	a, _ := twoNodes(t)
	ep := a.udp.NewEndpoint()
	defer ep.Close()
	if _, _, err := ep.Read(time.Second); err != ustack.ErrNotBound {
		t.Fatalf("got Read = %v, want %v", err, ustack.ErrNotBound)
	}
}

func TestUnknownPortCounted(t *testing.T) {
	a, b := twoNodes(t)

	ep := a.udp.NewEndpoint()
	defer ep.Close()
	if err := ep.Write([]byte("void"), ustack.FullAddress{Addr: addrB, Port: 4444}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for b.udp.Stats().UnknownPortErrors.Value() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("got UnknownPortErrors = %d, want 1", b.udp.Stats().UnknownPortErrors.Value())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCloseWakesReaderAndFreesPort(t *testing.T) {
	a, _ := twoNodes(t)

	ep := a.udp.NewEndpoint()
	if err := ep.Bind(8080); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	errs := make(chan error)
	go func() {
		_, _, err := ep.Read(0)
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	ep.Close()
	if err := <-errs; err != ustack.ErrClosed {
		t.Fatalf("got Read after Close = %v, want %v", err, ustack.ErrClosed)
	}

	ep2 := a.udp.NewEndpoint()
	defer ep2.Close()
	if err := ep2.Bind(8080); err != nil {
		t.Fatalf("Bind after Close: %v", err)
	}
}
