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

package ring

import (
	"testing"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/packet"
)

func newTestPool(capacity int) *packet.Pool {
	return packet.NewPool(packet.PoolOptions{
		Name:       "test",
		Capacity:   capacity,
		BufferSize: 128,
		Clock:      &ustack.StdClock{},
	})
}

func TestPostPeekCompleteReclaim(t *testing.T) {
	p := newTestPool(2)
	r := New("tx", 2)

	a := p.Alloc(0, false)
	b := p.Alloc(0, false)
	r.Post(a, 60)
	r.Post(b, 90)

	select {
	case <-r.Kick():
	default:
		t.Fatal("Post did not signal the kick channel")
	}

	// Device side consumes in posting order.
	for i, want := range []struct {
		pkt    *packet.Packet
		length int
	}{{a, 60}, {b, 90}} {
		pkt, length, ok := r.Peek()
		if !ok {
			t.Fatalf("Peek #%d found no posted descriptor", i)
		}
		if pkt != want.pkt || length != want.length {
			t.Fatalf("Peek #%d = (%p, %d), want (%p, %d)", i, pkt, length, want.pkt, want.length)
		}
		r.Complete(length, StatusOK)
	}
	if _, _, ok := r.Peek(); ok {
		t.Fatal("Peek found a posted descriptor on a drained ring")
	}

	// Driver side reclaims in the same order.
	for i, want := range []*packet.Packet{a, b} {
		pkt, _, status, ok := r.Reclaim()
		if !ok {
			t.Fatalf("Reclaim #%d found no completed descriptor", i)
		}
		if pkt != want || status != StatusOK {
			t.Fatalf("Reclaim #%d = (%p, %s), want (%p, ok)", i, pkt, status, want)
		}
	}
	if _, _, _, ok := r.Reclaim(); ok {
		t.Fatal("Reclaim found a completed descriptor on an empty ring")
	}
}

func TestReclaimBeforeComplete(t *testing.T) {
	p := newTestPool(1)
	r := New("tx", 1)
	r.Post(p.Alloc(0, false), 60)

	if _, _, _, ok := r.Reclaim(); ok {
		t.Fatal("Reclaim returned a descriptor the device has not completed")
	}
}

func TestCompletionStatus(t *testing.T) {
	p := newTestPool(1)
	r := New("rx", 1)
	pkt := p.Alloc(0, false)
	r.Post(pkt, 0)

	if _, _, ok := r.Peek(); !ok {
		t.Fatal("Peek found no posted descriptor")
	}
	r.Complete(64, StatusCRCError)

	got, length, status, ok := r.Reclaim()
	if !ok {
		t.Fatal("Reclaim found no completed descriptor")
	}
	if got != pkt || length != 64 || status != StatusCRCError {
		t.Fatalf("Reclaim = (%p, %d, %s), want (%p, 64, crc-error)", got, length, status, pkt)
	}
}

func TestWrapAround(t *testing.T) {
	p := newTestPool(2)
	r := New("tx", 2)
	pkt := p.Alloc(0, false)

	// Cycle a single buffer through the ring more times than the ring
	// has descriptors.
	for i := 0; i < 5; i++ {
		r.Post(pkt, 40+i)
		if _, _, ok := r.Peek(); !ok {
			t.Fatalf("cycle %d: Peek found no posted descriptor", i)
		}
		r.Complete(40+i, StatusOK)
		got, length, _, ok := r.Reclaim()
		if !ok || got != pkt || length != 40+i {
			t.Fatalf("cycle %d: Reclaim = (%p, %d, ok=%t), want (%p, %d, true)", i, got, length, ok, pkt, 40+i)
		}
	}
}

func TestPostFullRingPanics(t *testing.T) {
	p := newTestPool(3)
	r := New("tx", 2)
	r.Post(p.Alloc(0, false), 60)
	r.Post(p.Alloc(0, false), 60)

	defer func() {
		if recover() == nil {
			t.Error("Post on a full ring did not panic")
		}
	}()
	r.Post(p.Alloc(0, false), 60)
}

func TestDrain(t *testing.T) {
	p := newTestPool(2)
	r := New("rx", 2)
	a := p.Alloc(0, false)
	b := p.Alloc(0, false)
	r.Post(a, 0)
	r.Post(b, 0)
	r.Complete(64, StatusOK)

	pkts := r.Drain()
	if len(pkts) != 2 {
		t.Fatalf("got %d packets from Drain, want 2", len(pkts))
	}
	if _, _, ok := r.Peek(); ok {
		t.Fatal("Peek found a posted descriptor after Drain")
	}
	r.Post(a, 0)
}
