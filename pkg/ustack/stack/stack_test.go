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
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/header"
	"github.com/jgrivera67/ustack/pkg/ustack/link/ethdev"
	"github.com/jgrivera67/ustack/pkg/ustack/packet"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// capturingProtocol records delivered packets' payloads on a channel.
type capturingProtocol struct {
	number ustack.NetworkProtocolNumber
	frames chan []byte
}

func newCapturingProtocol(number ustack.NetworkProtocolNumber) *capturingProtocol {
	return &capturingProtocol{number: number, frames: make(chan []byte, 8)}
}

func (p *capturingProtocol) Number() ustack.NetworkProtocolNumber {
	return p.number
}

func (p *capturingProtocol) HandlePacket(nic *NIC, pkt *packet.Packet) {
	frame := make([]byte, pkt.Length())
	copy(frame, pkt.Frame())
	pkt.Release()
	p.frames <- frame
}

// twoStacks builds two single-NIC stacks connected back to back.
func twoStacks(t *testing.T) (sa, sb *Stack, na, nb *NIC) {
	t.Helper()
	pa, pb := ethdev.NewPair()
	clock := &ustack.StdClock{}

	sa = New(Options{Clock: clock, Logger: testLogger()})
	sb = New(Options{Clock: clock, Logger: testLogger()})
	da := ethdev.New(pa, ethdev.Options{Serial: []byte("stack-a"), Clock: clock, Logger: testLogger()})
	db := ethdev.New(pb, ethdev.Options{Serial: []byte("stack-b"), Clock: clock, Logger: testLogger()})

	var err error
	if na, err = sa.CreateNIC(1, da); err != nil {
		t.Fatalf("CreateNIC a: %v", err)
	}
	if nb, err = sb.CreateNIC(1, db); err != nil {
		t.Fatalf("CreateNIC b: %v", err)
	}
	t.Cleanup(func() {
		sa.Close()
		sb.Close()
	})
	return sa, sb, na, nb
}

func TestFrameDispatchByEtherType(t *testing.T) {
	sa, sb, na, nb := twoStacks(t)
	_ = sa

	ipProto := newCapturingProtocol(header.IPv4ProtocolNumber)
	arpProto := newCapturingProtocol(header.ARPProtocolNumber)
	sb.RegisterNetworkProtocol(ipProto)
	sb.RegisterNetworkProtocol(arpProto)

	pkt := sa.AllocTxPacket(0, true)
	copy(pkt.Buf()[header.EthernetMinimumSize:], "ip payload")
	if err := na.SendFrame(pkt, nb.LinkAddress(), header.IPv4ProtocolNumber, 46); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	select {
	case frame := <-ipProto.frames:
		eth := header.Ethernet(frame)
		if eth.Type() != header.IPv4ProtocolNumber {
			t.Errorf("got EtherType %#x, want %#x", uint16(eth.Type()), uint16(header.IPv4ProtocolNumber))
		}
		if eth.SourceAddress() != na.LinkAddress() {
			t.Errorf("got source %s, want %s", eth.SourceAddress(), na.LinkAddress())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame was not dispatched to the IPv4 handler")
	}

	select {
	case <-arpProto.frames:
		t.Fatal("frame was dispatched to the wrong protocol")
	default:
	}
}

func TestUnknownEtherTypeDropped(t *testing.T) {
	sa, sb, na, nb := twoStacks(t)
	_ = sa
	_ = sb

	pkt := sa.AllocTxPacket(0, true)
	if err := na.SendFrame(pkt, nb.LinkAddress(), 0x88b5, 46); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for nb.LinkStats().UnknownEtherType.Value() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("got UnknownEtherType = %d, want 1", nb.LinkStats().UnknownEtherType.Value())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSendToOwnAddressFails(t *testing.T) {
	sa, _, na, _ := twoStacks(t)

	pkt := sa.AllocTxPacket(0, false)
	err := na.SendFrame(pkt, na.LinkAddress(), header.IPv4ProtocolNumber, 46)
	if err != ustack.ErrLoopbackUnsupported {
		t.Fatalf("got SendFrame to own MAC = %v, want %v", err, ustack.ErrLoopbackUnsupported)
	}
	// The buffer stays with the caller on that failure.
	sa.TxPool().Free(pkt)
}

func TestDuplicateNICID(t *testing.T) {
	port, _ := ethdev.NewPair()
	clock := &ustack.StdClock{}
	s := New(Options{Clock: clock, Logger: testLogger()})
	defer s.Close()

	dev := ethdev.New(port, ethdev.Options{Serial: []byte("dup"), Clock: clock, Logger: testLogger()})
	if _, err := s.CreateNIC(1, dev); err != nil {
		t.Fatalf("CreateNIC: %v", err)
	}
	dev2 := ethdev.New(port, ethdev.Options{Serial: []byte("dup2"), Clock: clock, Logger: testLogger()})
	if _, err := s.CreateNIC(1, dev2); err != ustack.ErrDuplicateNICID {
		t.Fatalf("got CreateNIC with a duplicate id = %v, want %v", err, ustack.ErrDuplicateNICID)
	}
}

func TestNICLookup(t *testing.T) {
	sa, _, na, _ := twoStacks(t)
	got, err := sa.NIC(1)
	if err != nil || got != na {
		t.Fatalf("got NIC(1) = (%p, %v), want (%p, nil)", got, err, na)
	}
	if _, err := sa.NIC(7); err != ustack.ErrUnknownNICID {
		t.Fatalf("got NIC(7) error = %v, want %v", err, ustack.ErrUnknownNICID)
	}
}

func TestCreateNICAfterClose(t *testing.T) {
	port, _ := ethdev.NewPair()
	clock := &ustack.StdClock{}
	s := New(Options{Clock: clock, Logger: testLogger()})
	s.Close()

	dev := ethdev.New(port, ethdev.Options{Serial: []byte("late"), Clock: clock, Logger: testLogger()})
	if _, err := s.CreateNIC(1, dev); err != ustack.ErrClosed {
		t.Fatalf("got CreateNIC after Close = %v, want %v", err, ustack.ErrClosed)
	}
}
