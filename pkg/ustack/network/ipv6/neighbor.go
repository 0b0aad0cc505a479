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
	"sync"
	"time"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/header"
)

// neighborState is a neighbor unreachability detection state from RFC
// 4861 section 7.3.2.
type neighborState int

const (
	// nudIncomplete entries are being resolved with multicast
	// solicitations; waiters block on the entry's done channel.
	nudIncomplete neighborState = iota

	// nudReachable entries were confirmed within the reachable time.
	nudReachable

	// nudStale entries hold a mapping that has not been confirmed
	// recently. Using one triggers a reachability probe.
	nudStale

	// nudDelay entries are in the grace period before the first probe.
	nudDelay

	// nudProbe entries are being confirmed with unicast solicitations.
	nudProbe

	// nudFailed entries exhausted their solicitations.
	nudFailed
)

func (s neighborState) String() string {
	switch s {
	case nudIncomplete:
		return "incomplete"
	case nudReachable:
		return "reachable"
	case nudStale:
		return "stale"
	case nudDelay:
		return "delay"
	case nudProbe:
		return "probe"
	case nudFailed:
		return "failed"
	default:
		return "invalid"
	}
}

type neighbor struct {
	addr     ustack.Address
	linkAddr ustack.LinkAddress
	state    neighborState

	// stateTime is when the entry entered its current state.
	stateTime time.Time

	// lastLookup orders entries for eviction.
	lastLookup time.Time

	// done is closed when the current resolution or probe round ends.
	done chan struct{}
}

// neighborCache is a fixed-capacity cache running unreachability
// detection. Stale mappings remain usable while a probe round confirms
// them in the background.
type neighborCache struct {
	ep *Endpoint

	mu      sync.Mutex
	entries map[ustack.Address]*neighbor
}

func (c *neighborCache) init(ep *Endpoint) {
	c.ep = ep
	c.entries = make(map[ustack.Address]*neighbor)
}

// resolve returns the mapping for addr, soliciting the neighbor and
// blocking when it is unknown.
func (c *neighborCache) resolve(addr ustack.Address) (ustack.LinkAddress, error) {
	for {
		c.mu.Lock()
		now := c.ep.clock.Now()
		e := c.entries[addr]
		if e == nil {
			c.evictIfFullLocked()
			e = &neighbor{addr: addr, state: nudIncomplete, stateTime: now, lastLookup: now, done: make(chan struct{})}
			c.entries[addr] = e
			done := e.done
			c.mu.Unlock()
			go c.solicitLoop(e, done)
			<-done
			continue
		}
		e.lastLookup = now
		switch e.state {
		case nudReachable:
			if now.Sub(e.stateTime) > c.ep.opts.ReachableTime {
				e.state = nudStale
				e.stateTime = now
			}
			linkAddr := e.linkAddr
			c.mu.Unlock()
			return linkAddr, nil
		case nudStale:
			// Usable, but its use starts a reachability probe.
			e.state = nudDelay
			e.stateTime = now
			e.done = make(chan struct{})
			done := e.done
			linkAddr := e.linkAddr
			c.mu.Unlock()
			go c.probeLoop(e, done, linkAddr)
			return linkAddr, nil
		case nudDelay, nudProbe:
			linkAddr := e.linkAddr
			c.mu.Unlock()
			return linkAddr, nil
		case nudFailed:
			// Forget the failure so the next caller tries again.
			delete(c.entries, addr)
			c.mu.Unlock()
			return "", ustack.ErrHostUnreachable
		default:
			done := e.done
			c.mu.Unlock()
			<-done
		}
	}
}

// learn records a mapping taken from a solicitation's source link-layer
// option. Per RFC 4861 section 7.2.3 the entry becomes stale, not
// reachable; a changed address also demotes the entry.
func (c *neighborCache) learn(addr ustack.Address, linkAddr ustack.LinkAddress) {
	now := c.ep.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[addr]
	if e == nil {
		c.evictIfFullLocked()
		e = &neighbor{addr: addr, lastLookup: now, done: make(chan struct{})}
		c.entries[addr] = e
		e.linkAddr = linkAddr
		e.state = nudStale
		e.stateTime = now
		return
	}
	switch e.state {
	case nudIncomplete:
		e.linkAddr = linkAddr
		e.state = nudStale
		e.stateTime = now
		close(e.done)
	default:
		if e.linkAddr != linkAddr {
			e.linkAddr = linkAddr
			e.state = nudStale
			e.stateTime = now
		}
	}
}

// handleAdvert folds a received neighbor advertisement into the cache.
func (c *neighborCache) handleAdvert(addr ustack.Address, linkAddr ustack.LinkAddress, solicited, override bool) {
	now := c.ep.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[addr]
	if e == nil {
		// An advertisement nobody asked about.
		return
	}
	switch e.state {
	case nudIncomplete:
		e.linkAddr = linkAddr
		e.stateTime = now
		if solicited {
			e.state = nudReachable
		} else {
			e.state = nudStale
		}
		close(e.done)
	case nudDelay, nudProbe:
		if linkAddr != e.linkAddr && !override {
			return
		}
		e.linkAddr = linkAddr
		e.stateTime = now
		if solicited {
			e.state = nudReachable
		} else {
			e.state = nudStale
		}
		close(e.done)
	default:
		if linkAddr != e.linkAddr && !override {
			return
		}
		if solicited {
			e.linkAddr = linkAddr
			e.state = nudReachable
			e.stateTime = now
		} else if linkAddr != e.linkAddr {
			e.linkAddr = linkAddr
			e.state = nudStale
			e.stateTime = now
		}
	}
}

// solicitLoop multicasts solicitations for an incomplete entry until it
// is answered or the attempts run out. done identifies the round the
// loop belongs to.
func (c *neighborCache) solicitLoop(e *neighbor, done chan struct{}) {
	src, ok := c.ep.LinkLocalAddress()
	if !ok {
		src = header.IPv6Any
	}
	snm := header.SolicitedNodeAddr(e.addr)
	snmMAC := header.EthernetAddressFromMulticastIPv6(snm)
	for i := 0; i < c.ep.opts.SolicitAttempts; i++ {
		if err := c.ep.sendSolicit(e.addr, src, snm, snmMAC); err != nil {
			c.ep.log.WithField("err", err).Warn("failed to send neighbor solicitation")
		}
		select {
		case <-done:
			return
		case <-c.ep.clock.After(c.ep.opts.RetransmitTimer):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e.state == nudIncomplete && e.done == done {
		e.state = nudFailed
		e.stateTime = c.ep.clock.Now()
		c.ep.stats.ResolutionFailures.Increment()
		close(done)
	}
}

// probeLoop confirms a stale mapping with unicast solicitations after
// the delay grace period. The entry stays usable while it runs; only an
// unanswered probe round fails it.
func (c *neighborCache) probeLoop(e *neighbor, done chan struct{}, linkAddr ustack.LinkAddress) {
	select {
	case <-done:
		return
	case <-c.ep.clock.After(c.ep.opts.DelayFirstProbeTime):
	}

	c.mu.Lock()
	if e.state != nudDelay || e.done != done {
		c.mu.Unlock()
		return
	}
	e.state = nudProbe
	e.stateTime = c.ep.clock.Now()
	c.mu.Unlock()

	src, ok := c.ep.LinkLocalAddress()
	if !ok {
		src = header.IPv6Any
	}
	for i := 0; i < c.ep.opts.SolicitAttempts; i++ {
		if err := c.ep.sendSolicit(e.addr, src, e.addr, linkAddr); err != nil {
			c.ep.log.WithField("err", err).Warn("failed to send neighbor solicitation")
		}
		select {
		case <-done:
			return
		case <-c.ep.clock.After(c.ep.opts.RetransmitTimer):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e.state == nudProbe && e.done == done {
		e.state = nudFailed
		e.stateTime = c.ep.clock.Now()
		c.ep.stats.ResolutionFailures.Increment()
		close(done)
	}
}

// evictIfFullLocked makes room for one more entry. Entries with settled
// states go first, by oldest lookup; an entry mid-round is evicted only
// as a last resort, failing its waiters.
func (c *neighborCache) evictIfFullLocked() {
	if len(c.entries) < c.ep.opts.CacheSize {
		return
	}
	victim := c.pickVictimLocked(false)
	if victim == nil {
		victim = c.pickVictimLocked(true)
	}
	if victim == nil {
		return
	}
	switch victim.state {
	case nudIncomplete, nudDelay, nudProbe:
		victim.state = nudFailed
		close(victim.done)
	}
	delete(c.entries, victim.addr)
}

func (c *neighborCache) pickVictimLocked(allowInProgress bool) *neighbor {
	var victim *neighbor
	for _, e := range c.entries {
		switch e.state {
		case nudIncomplete, nudDelay, nudProbe:
			if !allowInProgress {
				continue
			}
		}
		if victim == nil || e.lastLookup.Before(victim.lastLookup) {
			victim = e
		}
	}
	return victim
}
