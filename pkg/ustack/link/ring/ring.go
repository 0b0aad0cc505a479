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

// Package ring implements the circular descriptor rings through which
// packet buffers are handed to and reclaimed from an Ethernet device.
//
// A ring has two sides. The driver side posts buffers with Post and takes
// back completed ones with Reclaim. The device side consumes posted
// descriptors strictly in order with Peek and Complete. Descriptors move
// through three states: free (reusable by Post), posted (owned by the
// device) and done (completed, awaiting Reclaim).
package ring

import (
	"fmt"
	"sync"

	"github.com/jgrivera67/ustack/pkg/ustack/packet"
)

// Status is the completion status the device reports for a descriptor.
type Status uint8

// Completion statuses.
const (
	// StatusOK marks a successfully transferred frame.
	StatusOK Status = iota

	// StatusCRCError marks a received frame with a bad frame check
	// sequence.
	StatusCRCError

	// StatusLengthError marks a received frame that is shorter than a
	// minimal Ethernet header or longer than the buffer.
	StatusLengthError
)

// String implements fmt.Stringer.String.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusCRCError:
		return "crc-error"
	case StatusLengthError:
		return "length-error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

type descState uint8

const (
	descFree descState = iota
	descPosted
	descDone
)

type descriptor struct {
	pkt    *packet.Packet
	length int
	status Status
	state  descState
}

// A Ring is a fixed-size circular descriptor ring. All methods are safe
// for concurrent use; the cursors advance strictly in order on both
// sides, so frames complete in the order they were posted.
type Ring struct {
	name string

	mu    sync.Mutex
	descs []descriptor

	// write is the next slot Post fills, device the next slot the
	// device side consumes, read the next slot Reclaim drains.
	write  int
	device int
	read   int

	// kick wakes the device side when descriptors are posted.
	kick chan struct{}
}

// New creates a ring with size descriptors, all free.
func New(name string, size int) *Ring {
	if size <= 0 {
		panic(fmt.Sprintf("ring %s: bad size %d", name, size))
	}
	return &Ring{
		name:  name,
		descs: make([]descriptor, size),
		kick:  make(chan struct{}, 1),
	}
}

// Size returns the number of descriptors in the ring.
func (r *Ring) Size() int {
	return len(r.descs)
}

// Kick returns the channel the device side selects on to learn that
// descriptors have been posted.
func (r *Ring) Kick() <-chan struct{} {
	return r.kick
}

// Post hands a buffer to the device. For transmit rings length is the
// frame length to send; for receive rings it is ignored and the whole
// buffer is available to the device. Post panics if the next slot is not
// free: the ring is sized to its buffer pool, so a full ring means
// buffers are leaking somewhere.
func (r *Ring) Post(pkt *packet.Packet, length int) {
	r.mu.Lock()
	d := &r.descs[r.write]
	if d.state != descFree {
		r.mu.Unlock()
		panic(fmt.Sprintf("ring %s: ring full", r.name))
	}
	d.pkt = pkt
	d.length = length
	d.status = StatusOK
	d.state = descPosted
	r.write = (r.write + 1) % len(r.descs)
	r.mu.Unlock()

	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Reclaim returns the oldest completed descriptor, or ok=false if none
// has completed.
func (r *Ring) Reclaim() (pkt *packet.Packet, length int, status Status, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := &r.descs[r.read]
	if d.state != descDone {
		return nil, 0, StatusOK, false
	}
	pkt, length, status = d.pkt, d.length, d.status
	d.pkt = nil
	d.state = descFree
	r.read = (r.read + 1) % len(r.descs)
	return pkt, length, status, true
}

// Peek returns the oldest posted descriptor without consuming it, or
// ok=false if none is posted. The device owns the returned buffer until
// it calls Complete.
func (r *Ring) Peek() (pkt *packet.Packet, length int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := &r.descs[r.device]
	if d.state != descPosted {
		return nil, 0, false
	}
	return d.pkt, d.length, true
}

// Complete marks the oldest posted descriptor done with the given
// transferred length and status, and advances the device cursor. It
// panics if no descriptor is posted.
func (r *Ring) Complete(length int, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := &r.descs[r.device]
	if d.state != descPosted {
		panic(fmt.Sprintf("ring %s: complete with no posted descriptor", r.name))
	}
	d.length = length
	d.status = status
	d.state = descDone
	r.device = (r.device + 1) % len(r.descs)
}

// Drain returns the packets of every descriptor still in the ring,
// leaving it empty. Used on shutdown.
func (r *Ring) Drain() []*packet.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pkts []*packet.Packet
	for i := range r.descs {
		d := &r.descs[i]
		if d.state != descFree && d.pkt != nil {
			pkts = append(pkts, d.pkt)
		}
		d.pkt = nil
		d.state = descFree
	}
	r.write, r.device, r.read = 0, 0, 0
	return pkts
}
