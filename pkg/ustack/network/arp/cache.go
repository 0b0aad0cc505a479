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

package arp

import (
	"sync"
	"time"

	"github.com/jgrivera67/ustack/pkg/ustack"
)

// endpointTable maps NIC ids to their ARP endpoints.
type endpointTable struct {
	mu  sync.Mutex
	eps map[ustack.NICID]*Endpoint
}

func (t *endpointTable) add(id ustack.NICID, ep *Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.eps == nil {
		t.eps = make(map[ustack.NICID]*Endpoint)
	}
	t.eps[id] = ep
}

func (t *endpointTable) lookup(id ustack.NICID) *Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eps[id]
}

type entryState int

const (
	// incomplete entries are being resolved; waiters block on done.
	incomplete entryState = iota

	// ready entries hold a learned mapping, valid until expiration.
	ready

	// failed entries exhausted their resolution attempts.
	failed
)

type entry struct {
	addr     ustack.Address
	linkAddr ustack.LinkAddress
	state    entryState

	// expiration is when a ready mapping goes stale.
	expiration time.Time

	// lastLookup orders entries for eviction.
	lastLookup time.Time

	// done is closed when the entry leaves the incomplete state.
	done chan struct{}

	// expireTimer prunes the entry once its age limit passes without a
	// refresh.
	expireTimer ustack.Timer
}

// cache is a fixed-capacity neighbor cache. When full, the entry that was
// looked up least recently is evicted; resolutions in progress are
// evicted only if nothing else can be.
type cache struct {
	ep *Endpoint

	mu      sync.Mutex
	entries map[ustack.Address]*entry
}

func (c *cache) init(ep *Endpoint) {
	c.ep = ep
	c.entries = make(map[ustack.Address]*entry)
}

// lookupCached returns the fresh mapping for addr, if any, without
// starting a resolution.
func (c *cache) lookupCached(addr ustack.Address) (ustack.LinkAddress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[addr]
	if e == nil || e.state != ready || c.ep.clock.Now().After(e.expiration) {
		return "", false
	}
	e.lastLookup = c.ep.clock.Now()
	return e.linkAddr, true
}

// learn records a sender mapping observed on the wire. It refreshes
// existing entries and completes resolutions in progress.
func (c *cache) learn(addr ustack.Address, linkAddr ustack.LinkAddress) {
	now := c.ep.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[addr]
	if e == nil {
		c.evictIfFullLocked()
		e = &entry{addr: addr, lastLookup: now, done: make(chan struct{})}
		c.entries[addr] = e
	}
	wasIncomplete := e.state == incomplete
	e.linkAddr = linkAddr
	e.state = ready
	e.expiration = now.Add(c.ep.opts.AgeLimit)
	if e.expireTimer == nil {
		e.expireTimer = c.ep.clock.AfterFunc(c.ep.opts.AgeLimit, func() {
			c.expire(e)
		})
	} else {
		e.expireTimer.Reset(c.ep.opts.AgeLimit)
	}
	if wasIncomplete {
		close(e.done)
	}
}

// expire prunes a mapping whose age limit passed without a refresh. The
// staleness checks on the lookup paths stay authoritative; the timer
// only keeps dead mappings from lingering in the table.
func (c *cache) expire(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[e.addr] != e || e.state != ready {
		return
	}
	// The timer fires at the expiration instant itself, so "no longer
	// before" rather than "after".
	if !c.ep.clock.Now().Before(e.expiration) {
		delete(c.entries, e.addr)
	}
}

// resolve returns the mapping for addr, starting and waiting on a
// request exchange when it is not cached.
func (c *cache) resolve(addr ustack.Address) (ustack.LinkAddress, error) {
	for {
		c.mu.Lock()
		now := c.ep.clock.Now()
		e := c.entries[addr]
		if e == nil {
			c.evictIfFullLocked()
			e = &entry{addr: addr, lastLookup: now, done: make(chan struct{})}
			c.entries[addr] = e
			done := e.done
			c.mu.Unlock()
			go c.resolveLoop(e, done)
			if c.wait(e, done) {
				return "", ustack.ErrHostUnreachable
			}
			continue
		}
		e.lastLookup = now
		switch e.state {
		case ready:
			if now.After(e.expiration) {
				// Stale; resolve afresh.
				e.state = incomplete
				e.done = make(chan struct{})
				done := e.done
				c.mu.Unlock()
				go c.resolveLoop(e, done)
				if c.wait(e, done) {
					return "", ustack.ErrHostUnreachable
				}
				continue
			}
			linkAddr := e.linkAddr
			c.mu.Unlock()
			return linkAddr, nil
		case failed:
			// Forget the failure so the next caller tries again.
			delete(c.entries, addr)
			c.mu.Unlock()
			return "", ustack.ErrHostUnreachable
		default:
			done := e.done
			c.mu.Unlock()
			if c.wait(e, done) {
				return "", ustack.ErrHostUnreachable
			}
		}
	}
}

// wait blocks until the resolution round identified by done finishes and
// reports whether it failed. Every waiter of a failed round observes the
// failure; the entry is forgotten so later callers start a fresh
// exchange.
func (c *cache) wait(e *entry, done chan struct{}) bool {
	<-done
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.done != done || e.state != failed {
		return false
	}
	if c.entries[e.addr] == e {
		delete(c.entries, e.addr)
	}
	return true
}

// resolveLoop transmits requests for an incomplete entry until it is
// answered or the attempts run out. One loop runs per resolution round;
// done identifies the round the loop belongs to.
func (c *cache) resolveLoop(e *entry, done chan struct{}) {
	local, _ := c.ep.source.LocalAddress()
	for i := 0; i < c.ep.opts.ResolutionAttempts; i++ {
		if err := c.ep.sendRequest(local, e.addr); err != nil {
			c.ep.nic.Logger().WithField("err", err).Warn("failed to send arp request")
		}
		select {
		case <-done:
			return
		case <-c.ep.clock.After(c.ep.opts.ResolutionTimeout):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e.state == incomplete && e.done == done {
		e.state = failed
		c.ep.stats.ResolutionFailures.Increment()
		close(done)
	}
}

// evictIfFullLocked makes room for one more entry. Ready and failed
// entries go first, by oldest lookup; an incomplete entry is evicted
// only as a last resort, failing its waiters.
func (c *cache) evictIfFullLocked() {
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
	if victim.state == incomplete {
		victim.state = failed
		close(victim.done)
	}
	delete(c.entries, victim.addr)
	c.ep.stats.CacheEvictions.Increment()
}

func (c *cache) pickVictimLocked(allowIncomplete bool) *entry {
	var victim *entry
	for _, e := range c.entries {
		if e.state == incomplete && !allowIncomplete {
			continue
		}
		if victim == nil || e.lastLookup.Before(victim.lastLookup) {
			victim = e
		}
	}
	return victim
}
