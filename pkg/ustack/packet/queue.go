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

package packet

import (
	"fmt"
	"time"
)

// A Queue is an unbounded FIFO of packets from a single pool. A packet
// can sit in at most one queue at a time; enqueueing an already-queued
// packet panics.
//
// Queues are intrusive: linkage lives in the packets themselves, so
// enqueue and dequeue never allocate.
type Queue struct {
	name string
	pool *Pool

	// head, tail, length, highWater and closed are guarded by pool.mu.
	head      *Packet
	tail      *Packet
	length    int
	highWater int
	closed    bool

	// notify wakes one blocked Dequeue when a packet arrives. done is
	// closed by Close to wake all of them.
	notify chan struct{}
	done   chan struct{}
}

// NewQueue creates an empty queue for packets of the given pool.
func NewQueue(name string, pool *Pool) *Queue {
	return &Queue{
		name:   name,
		pool:   pool,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Name returns the queue's name.
func (q *Queue) Name() string {
	return q.name
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	q.pool.mu.Lock()
	defer q.pool.mu.Unlock()
	return q.length
}

// HighWater returns the largest length the queue has reached.
func (q *Queue) HighWater() int {
	q.pool.mu.Lock()
	defer q.pool.mu.Unlock()
	return q.highWater
}

// Enqueue appends a packet to the queue. It panics if the packet belongs
// to a different pool or is already in a queue. Enqueueing on a closed
// queue leaves the packet with the caller and reports false, so that
// producers can race Close harmlessly.
func (q *Queue) Enqueue(pkt *Packet) bool {
	if pkt.pool != q.pool {
		panic(fmt.Sprintf("packet: queue %s: enqueue of a packet from a foreign pool", q.name))
	}
	q.pool.mu.Lock()
	if q.closed {
		q.pool.mu.Unlock()
		return false
	}
	if pkt.queue != nil {
		q.pool.mu.Unlock()
		panic(fmt.Sprintf("packet: queue %s: packet already in queue %s", q.name, pkt.queue.name))
	}
	pkt.queue = q
	pkt.next = nil
	if q.tail == nil {
		q.head = pkt
	} else {
		q.tail.next = pkt
	}
	q.tail = pkt
	q.length++
	if q.length > q.highWater {
		q.highWater = q.length
	}
	q.pool.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Dequeue removes and returns the packet at the head of the queue,
// blocking up to timeout for one to arrive. A timeout of 0 blocks
// forever. It returns nil on timeout or if the queue is closed.
func (q *Queue) Dequeue(timeout time.Duration) *Packet {
	var timeoutCh <-chan time.Time
	if timeout != 0 {
		timeoutCh = q.pool.clock.After(timeout)
	}
	for {
		q.pool.mu.Lock()
		if q.closed {
			q.pool.mu.Unlock()
			return nil
		}
		pkt := q.dequeueLocked()
		leftover := q.head != nil
		q.pool.mu.Unlock()
		if pkt != nil {
			if leftover {
				// Pass the wakeup on to the next waiter.
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return pkt
		}

		select {
		case <-q.notify:
		case <-q.done:
			return nil
		case <-timeoutCh:
			return nil
		}
	}
}

// dequeueNonBlocking removes and returns the head packet, or nil if the
// queue is empty or closed.
func (q *Queue) dequeueNonBlocking() *Packet {
	q.pool.mu.Lock()
	defer q.pool.mu.Unlock()
	if q.closed {
		return nil
	}
	return q.dequeueLocked()
}

func (q *Queue) dequeueLocked() *Packet {
	pkt := q.head
	if pkt == nil {
		return nil
	}
	q.head = pkt.next
	if q.head == nil {
		q.tail = nil
	}
	pkt.queue = nil
	pkt.next = nil
	q.length--
	return pkt
}

// Close marks the queue closed and wakes every blocked Dequeue. Packets
// still queued are unlinked and returned so the caller can dispose of
// them.
func (q *Queue) Close() []*Packet {
	q.pool.mu.Lock()
	if q.closed {
		q.pool.mu.Unlock()
		return nil
	}
	q.closed = true
	var pkts []*Packet
	for {
		pkt := q.dequeueLocked()
		if pkt == nil {
			break
		}
		pkts = append(pkts, pkt)
	}
	q.pool.mu.Unlock()
	close(q.done)
	return pkts
}
