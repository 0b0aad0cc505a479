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

// Package ethdev implements an Ethernet device on top of an in-memory
// medium.
//
// Each device runs a single transfer goroutine that plays the role the
// DMA engine plays in hardware: it is the only goroutine that touches
// buffers while they sit in the descriptor rings. The driver side talks
// to it exclusively through ring cursors and the rings' kick channels.
package ethdev

import (
	"crypto/sha256"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/header"
	"github.com/jgrivera67/ustack/pkg/ustack/link/ring"
	"github.com/jgrivera67/ustack/pkg/ustack/packet"
)

const (
	// DefaultMTU is the Ethernet payload MTU.
	DefaultMTU = 1500

	// DefaultRingSize is the default number of descriptors in each of
	// the transmit and receive rings.
	DefaultRingSize = 8
)

// Options configures a new Device.
type Options struct {
	// Serial is the unique device serial the MAC address is derived
	// from. It must not be empty.
	Serial []byte

	// MTU is the Ethernet payload MTU. Defaults to DefaultMTU.
	MTU int

	// RingSize is the number of descriptors in each ring. Defaults to
	// DefaultRingSize.
	RingSize int

	// Clock is used for the receive pool. Required.
	Clock ustack.Clock

	// Logger receives device events. Required.
	Logger logrus.FieldLogger
}

// A Device is one Ethernet interface. It owns a transmit ring, a receive
// ring and the receive buffer pool; received frames that pass the
// destination address filter are delivered to the receive queue handed to
// Start.
type Device struct {
	mac      ustack.LinkAddress
	mtu      int
	ringSize int
	clock    ustack.Clock
	log      logrus.FieldLogger

	port   *Port
	txRing *ring.Ring
	rxRing *ring.Ring
	rxPool *packet.Pool

	stats *ustack.LinkStats

	// filterMu guards the multicast hash filter and the promiscuous
	// flag.
	filterMu    sync.Mutex
	hashFilter  uint64
	hashRefs    [64]uint16
	promiscuous bool

	mu      sync.Mutex
	started bool
	rxQueue *packet.Queue
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a device attached to the given medium port. The MAC address
// is derived deterministically from the serial, with the locally
// administered bit set and the group bit clear.
func New(port *Port, opts Options) *Device {
	if len(opts.Serial) == 0 {
		panic("ethdev: empty device serial")
	}
	if opts.MTU == 0 {
		opts.MTU = DefaultMTU
	}
	if opts.RingSize == 0 {
		opts.RingSize = DefaultRingSize
	}

	d := &Device{
		mac:      macFromSerial(opts.Serial),
		mtu:      opts.MTU,
		ringSize: opts.RingSize,
		clock:    opts.Clock,
		port:     port,
		txRing:   ring.New("tx", opts.RingSize),
		rxRing:   ring.New("rx", opts.RingSize),
		stats:    &ustack.LinkStats{},
		done:     make(chan struct{}),
	}
	d.log = opts.Logger.WithField("mac", d.mac.String())
	d.rxPool = packet.NewPool(packet.PoolOptions{
		Name:       "rx-" + d.mac.String(),
		Capacity:   opts.RingSize,
		BufferSize: frameSize(opts.MTU),
		Clock:      opts.Clock,
	})
	d.rxPool.SetRecycler(d.repostRx)
	return d
}

func frameSize(mtu int) int {
	return header.EthernetMinimumSize + mtu
}

func macFromSerial(serial []byte) ustack.LinkAddress {
	sum := sha256.Sum256(serial)
	mac := sum[:header.EthernetAddressSize]
	mac[0] = (mac[0] | 0x02) &^ 0x01
	return ustack.LinkAddress(mac)
}

// LinkAddress returns the device's MAC address.
func (d *Device) LinkAddress() ustack.LinkAddress {
	return d.mac
}

// MTU returns the Ethernet payload MTU.
func (d *Device) MTU() int {
	return d.mtu
}

// Stats returns the device counters.
func (d *Device) Stats() *ustack.LinkStats {
	return d.stats
}

// RxPool returns the receive buffer pool. Received packets must be
// returned to it with Release once consumed.
func (d *Device) RxPool() *packet.Pool {
	return d.rxPool
}

// Start fills the receive ring with buffers and starts the transfer
// goroutine. Frames that pass the address filter are delivered to
// rxQueue.
func (d *Device) Start(rxQueue *packet.Queue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ustack.ErrAborted
	}
	d.started = true
	d.rxQueue = rxQueue

	for {
		pkt := d.rxPool.AllocForRx()
		if pkt == nil {
			break
		}
		d.rxRing.Post(pkt, 0)
	}

	d.wg.Add(1)
	go d.transferLoop()
	d.log.Info("ethernet device started")
	return nil
}

// Close stops the transfer goroutine and drains the rings. The device
// cannot be restarted.
func (d *Device) Close() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()
	d.txRing.Drain()
	d.rxRing.Drain()
	d.log.Info("ethernet device stopped")
}

// StartXmit hands a fully built frame to the device for transmission.
// The caller gives up the buffer: it comes back either to the pool (if
// allocated with freeOnTxDone) or to the caller's ownership when the
// transfer completes.
func (d *Device) StartXmit(pkt *packet.Packet) {
	length := pkt.Length()
	if length < header.EthernetMinimumSize || length > frameSize(d.mtu) {
		panic(fmt.Sprintf("ethdev: transmit of a %d byte frame", length))
	}
	pkt.SetOwner(packet.OwnedTx, packet.TxRing)
	d.txRing.Post(pkt, length)
}

// repostRx returns a consumed receive buffer to the receive ring. The
// failure mark is rewritten at the next completion, so it is left alone
// here.
func (d *Device) repostRx(pkt *packet.Packet) {
	pkt.SetOwner(packet.OwnedRx, packet.RxRing)
	d.rxRing.Post(pkt, 0)
}

// SetPromiscuous controls whether the destination address filter is
// bypassed.
func (d *Device) SetPromiscuous(enabled bool) {
	d.filterMu.Lock()
	defer d.filterMu.Unlock()
	d.promiscuous = enabled
}

// multicastHashBucket maps a multicast MAC address to one of the 64
// buckets of the hash filter, the way Ethernet MACs do it in hardware:
// the upper 6 bits of the frame check sequence CRC of the address.
func multicastHashBucket(addr ustack.LinkAddress) uint {
	crc := crc32.ChecksumIEEE([]byte(addr))
	return uint(crc >> 26)
}

// JoinMulticastGroup adds a multicast MAC address to the receive filter.
// Joins are reference counted per hash bucket.
func (d *Device) JoinMulticastGroup(addr ustack.LinkAddress) {
	if !header.IsMulticastLinkAddress(addr) {
		panic(fmt.Sprintf("ethdev: join of non-multicast address %s", addr))
	}
	bucket := multicastHashBucket(addr)
	d.filterMu.Lock()
	defer d.filterMu.Unlock()
	d.hashRefs[bucket]++
	d.hashFilter |= 1 << bucket
}

// LeaveMulticastGroup removes a multicast MAC address from the receive
// filter.
func (d *Device) LeaveMulticastGroup(addr ustack.LinkAddress) {
	bucket := multicastHashBucket(addr)
	d.filterMu.Lock()
	defer d.filterMu.Unlock()
	if d.hashRefs[bucket] == 0 {
		panic(fmt.Sprintf("ethdev: leave of never-joined address %s", addr))
	}
	d.hashRefs[bucket]--
	if d.hashRefs[bucket] == 0 {
		d.hashFilter &^= 1 << bucket
	}
}

// accepts applies the destination address filter to an incoming frame.
func (d *Device) accepts(dst ustack.LinkAddress) bool {
	d.filterMu.Lock()
	defer d.filterMu.Unlock()
	if d.promiscuous || dst == d.mac || dst == header.EthernetBroadcastAddress {
		return true
	}
	if header.IsMulticastLinkAddress(dst) {
		return d.hashFilter&(1<<multicastHashBucket(dst)) != 0
	}
	return false
}

// transferLoop is the device's transfer goroutine. It moves posted
// transmit frames onto the medium, copies incoming frames into posted
// receive buffers, and delivers completed receive buffers to the receive
// queue.
func (d *Device) transferLoop() {
	defer d.wg.Done()
	d.drainTxRing()
	for {
		select {
		case <-d.done:
			return
		case <-d.txRing.Kick():
			d.drainTxRing()
		case f := <-d.port.frames:
			d.receiveFrame(f)
			d.drainRxRing()
		}
	}
}

func (d *Device) drainTxRing() {
	// Move every posted frame onto the medium.
	for {
		pkt, length, ok := d.txRing.Peek()
		if !ok {
			break
		}
		frame := make([]byte, length)
		copy(frame, pkt.Buf()[:length])
		d.port.send(frame)
		d.txRing.Complete(length, ring.StatusOK)
	}
	// Hand completed buffers back.
	for {
		pkt, length, _, ok := d.txRing.Reclaim()
		if !ok {
			break
		}
		pkt.SetOwner(packet.TxRing, packet.OwnedTx)
		d.stats.TxPackets.Increment()
		d.stats.TxBytes.IncrementBy(uint64(length))
		if pkt.FreeOnTxDone() {
			pkt.Pool().Free(pkt)
		}
	}
}

func (d *Device) receiveFrame(f wireFrame) {
	if len(f.data) >= header.EthernetAddressSize {
		if !d.accepts(ustack.LinkAddress(f.data[:header.EthernetAddressSize])) {
			d.stats.RxFiltered.Increment()
			return
		}
	}

	pkt, _, ok := d.rxRing.Peek()
	if !ok {
		// No posted buffer: the frame is lost, as it would be in
		// hardware.
		d.stats.RxOverruns.Increment()
		return
	}

	status := ring.StatusOK
	switch {
	case f.badCRC:
		status = ring.StatusCRCError
	case len(f.data) < header.EthernetMinimumSize || len(f.data) > len(pkt.Buf()):
		status = ring.StatusLengthError
	default:
		copy(pkt.Buf(), f.data)
	}
	d.rxRing.Complete(len(f.data), status)
}

func (d *Device) drainRxRing() {
	for {
		pkt, length, status, ok := d.rxRing.Reclaim()
		if !ok {
			break
		}
		pkt.SetRxFailed(status != ring.StatusOK)
		if status != ring.StatusOK {
			switch status {
			case ring.StatusCRCError:
				d.stats.RxCRCErrors.Increment()
			case ring.StatusLengthError:
				d.stats.RxLengthErrors.Increment()
			}
			d.log.WithFields(logrus.Fields{
				"status": status.String(),
				"length": length,
			}).Debug("dropping bad received frame")
			// Bad frames never leave the driver. The buffer goes
			// straight back into the ring.
			d.rxRing.Post(pkt, 0)
			continue
		}

		pkt.SetLength(length)
		pkt.SetOwner(packet.RxRing, packet.RxQueued)
		d.stats.RxPackets.Increment()
		d.stats.RxBytes.IncrementBy(uint64(length))
		if !d.rxQueue.Enqueue(pkt) {
			// Receiver is gone; put the buffer back.
			pkt.SetOwner(packet.RxQueued, packet.RxRing)
			d.rxRing.Post(pkt, 0)
		}
	}
}
