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

// Package packet provides the fixed network packet buffer pool and the
// FIFO packet queues connecting the layers of the stack.
//
// All buffers are allocated once, at pool construction, and cycle between
// the free list, a descriptor ring, a queue and the application for the
// life of the stack. A packet belongs to exactly one of those places at
// any instant; violating that (double free, double enqueue, freeing a
// buffer still in a ring) is a programming bug and panics.
package packet

import (
	"fmt"
	"sync"
	"time"

	"github.com/jgrivera67/ustack/pkg/ustack"
)

// Headroom is the number of unused bytes kept at the front of every
// buffer so that, with the 14-byte Ethernet header in place, the network
// header starts on a 4-byte boundary. Headroom bytes never go on the
// wire.
const Headroom = 2

// Ownership identifies the single owner of a packet buffer.
type Ownership uint8

// Valid packet owners.
const (
	// Free means the packet is on its pool's free list.
	Free Ownership = iota

	// OwnedTx means the packet is owned by the application, being
	// prepared for transmission.
	OwnedTx

	// TxRing means the packet is in a transmit descriptor ring.
	TxRing

	// RxRing means the packet is in a receive descriptor ring.
	RxRing

	// RxQueued means the packet is in a receive queue.
	RxQueued

	// OwnedRx means the packet is owned by the application, carrying
	// received data.
	OwnedRx
)

// String implements fmt.Stringer.String.
func (o Ownership) String() string {
	switch o {
	case Free:
		return "free"
	case OwnedTx:
		return "owned-tx"
	case TxRing:
		return "tx-ring"
	case RxRing:
		return "rx-ring"
	case RxQueued:
		return "rx-queued"
	case OwnedRx:
		return "owned-rx"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// A Packet is a fixed-size network packet buffer. Packets are created by
// their pool and are never freed in the dynamic-memory sense.
//
// The owner, queue linkage and failure flag are guarded by the pool
// mutex. The buffer contents and length are only ever touched by the
// packet's current owner.
type Packet struct {
	pool *Pool
	buf  []byte

	// length is the number of valid frame bytes, starting after the
	// headroom.
	length int

	// freeOnTxDone makes the driver return the packet to the pool when
	// its transmission completes.
	freeOnTxDone bool

	// rxFailed marks a received frame the device reported as bad.
	rxFailed bool

	// owner, queue and next are guarded by pool.mu. queue is non-nil,
	// and next meaningful, only while the packet is linked into a
	// queue.
	owner Ownership
	queue *Queue
	next  *Packet
}

// Pool returns the pool the packet belongs to.
func (pkt *Packet) Pool() *Pool {
	return pkt.pool
}

// Buf returns the frame area of the buffer, starting after the headroom.
func (pkt *Packet) Buf() []byte {
	return pkt.buf[Headroom:]
}

// Frame returns the valid frame bytes.
func (pkt *Packet) Frame() []byte {
	return pkt.buf[Headroom : Headroom+pkt.length]
}

// Length returns the number of valid frame bytes.
func (pkt *Packet) Length() int {
	return pkt.length
}

// SetLength sets the number of valid frame bytes.
func (pkt *Packet) SetLength(n int) {
	if n > len(pkt.buf)-Headroom {
		panic(fmt.Sprintf("packet: length %d exceeds buffer size %d", n, len(pkt.buf)-Headroom))
	}
	pkt.length = n
}

// FreeOnTxDone reports whether the packet returns to the pool
// automatically when its transmission completes.
func (pkt *Packet) FreeOnTxDone() bool {
	return pkt.freeOnTxDone
}

// RxFailed reports whether the device marked this received frame as bad.
func (pkt *Packet) RxFailed() bool {
	return pkt.rxFailed
}

// SetRxFailed sets the receive failure mark.
func (pkt *Packet) SetRxFailed(failed bool) {
	pkt.rxFailed = failed
}

// Owner returns the current owner of the packet.
func (pkt *Packet) Owner() Ownership {
	pkt.pool.mu.Lock()
	defer pkt.pool.mu.Unlock()
	return pkt.owner
}

// SetOwner transitions the packet from one owner to another. It panics if
// the packet is not currently owned by from: such a transition is always
// a bug, never a recoverable condition.
func (pkt *Packet) SetOwner(from, to Ownership) {
	pkt.pool.mu.Lock()
	defer pkt.pool.mu.Unlock()
	pkt.setOwnerLocked(from, to)
}

func (pkt *Packet) setOwnerLocked(from, to Ownership) {
	if pkt.owner != from {
		panic(fmt.Sprintf("packet: owner is %s, expected %s (transition to %s)", pkt.owner, from, to))
	}
	pkt.owner = to
}

// Release returns the packet to where it belongs once the application is
// done with it: transmit buffers go back to the pool, receive buffers go
// back to the device's receive ring.
func (pkt *Packet) Release() {
	switch owner := pkt.Owner(); owner {
	case OwnedTx:
		pkt.pool.Free(pkt)
	case OwnedRx:
		recycle := pkt.pool.recycler()
		if recycle == nil {
			panic("packet: releasing a receive packet on a pool with no recycler")
		}
		recycle(pkt)
	default:
		panic(fmt.Sprintf("packet: release of a packet owned by %s", owner))
	}
}

// A Pool is a fixed-size pool of packet buffers, all allocated at
// construction time.
type Pool struct {
	name    string
	clock   ustack.Clock
	bufSize int

	mu   sync.Mutex
	pkts []Packet
	// recycle is called by Release for receive packets; the device
	// driver installs it to repost consumed buffers to its ring.
	recycle func(*Packet)

	free *Queue
}

// PoolOptions configures a new pool.
type PoolOptions struct {
	// Name is used in panic and log messages.
	Name string

	// Capacity is the number of packet buffers in the pool.
	Capacity int

	// BufferSize is the frame capacity of each buffer, excluding the
	// headroom.
	BufferSize int

	// Clock is the clock used for blocking allocation timeouts.
	Clock ustack.Clock
}

// NewPool creates a pool with all of its buffers on the free list.
func NewPool(opts PoolOptions) *Pool {
	if opts.Capacity <= 0 || opts.BufferSize <= 0 {
		panic(fmt.Sprintf("packet: bad pool geometry %d x %d", opts.Capacity, opts.BufferSize))
	}
	p := &Pool{
		name:    opts.Name,
		clock:   opts.Clock,
		bufSize: opts.BufferSize,
	}
	p.free = NewQueue(opts.Name+"-free", p)

	// One backing slab for the whole pool.
	slab := make([]byte, opts.Capacity*(opts.BufferSize+Headroom))
	p.pkts = make([]Packet, opts.Capacity)
	for i := range p.pkts {
		pkt := &p.pkts[i]
		pkt.pool = p
		pkt.buf = slab[i*(opts.BufferSize+Headroom):][:opts.BufferSize+Headroom]
		p.free.Enqueue(pkt)
	}
	return p
}

// Capacity returns the number of buffers in the pool.
func (p *Pool) Capacity() int {
	return len(p.pkts)
}

// BufferSize returns the frame capacity of each buffer.
func (p *Pool) BufferSize() int {
	return p.bufSize
}

// Clock returns the pool's clock.
func (p *Pool) Clock() ustack.Clock {
	return p.clock
}

// SetRecycler installs the function Release calls to return consumed
// receive buffers to the device.
func (p *Pool) SetRecycler(recycle func(*Packet)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recycle = recycle
}

func (p *Pool) recycler() func(*Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recycle
}

// Alloc takes a buffer off the free list for transmission, blocking up to
// timeout (0 means forever). It returns nil only on timeout. If
// freeOnTxDone is set the buffer returns to the pool when its
// transmission completes; otherwise the caller must free it explicitly.
func (p *Pool) Alloc(timeout time.Duration, freeOnTxDone bool) *Packet {
	pkt := p.free.Dequeue(timeout)
	if pkt == nil {
		return nil
	}
	p.mu.Lock()
	pkt.setOwnerLocked(Free, OwnedTx)
	p.mu.Unlock()
	pkt.freeOnTxDone = freeOnTxDone
	pkt.rxFailed = false
	pkt.length = 0
	return pkt
}

// AllocForRx takes a buffer off the free list destined for a receive
// descriptor ring. It returns nil if the free list is empty.
func (p *Pool) AllocForRx() *Packet {
	pkt := p.free.dequeueNonBlocking()
	if pkt == nil {
		return nil
	}
	p.mu.Lock()
	pkt.setOwnerLocked(Free, RxRing)
	p.mu.Unlock()
	pkt.freeOnTxDone = false
	pkt.rxFailed = false
	pkt.length = 0
	return pkt
}

// Free returns an application-owned transmit buffer to the pool. It
// panics if the packet is still in a descriptor ring or a queue.
func (p *Pool) Free(pkt *Packet) {
	if pkt.pool != p {
		panic("packet: freeing a packet into a foreign pool")
	}
	pkt.SetOwner(OwnedTx, Free)
	p.free.Enqueue(pkt)
}

// FreeCount returns the current length of the free list.
func (p *Pool) FreeCount() int {
	return p.free.Len()
}
