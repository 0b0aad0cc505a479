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

// Package ports tracks transport port reservations for one transport
// protocol.
package ports

import (
	"sync"

	"github.com/jgrivera67/ustack/pkg/ustack"
)

const (
	// FirstEphemeralPort is the beginning of the ephemeral port range.
	FirstEphemeralPort = 49152

	// numEphemeralPorts is the number of ports in the ephemeral range.
	numEphemeralPorts = 65536 - FirstEphemeralPort
)

// An Allocator hands out port reservations. Ephemeral ports are assigned
// from a monotonically advancing cursor so recently released ports are
// not reused immediately.
type Allocator struct {
	mu    sync.Mutex
	inUse map[uint16]struct{}
	next  uint16
}

// NewAllocator creates an allocator with no reservations.
func NewAllocator() *Allocator {
	return &Allocator{
		inUse: make(map[uint16]struct{}),
		next:  FirstEphemeralPort,
	}
}

// Reserve claims a specific port. The ephemeral range is reserved for
// ReserveEphemeral; explicit binds must stay below it.
func (a *Allocator) Reserve(port uint16) error {
	if port == 0 || port >= FirstEphemeralPort {
		return ustack.ErrInvalidPort
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.inUse[port]; ok {
		return ustack.ErrPortInUse
	}
	a.inUse[port] = struct{}{}
	return nil
}

// ReserveEphemeral claims the next free port in the ephemeral range.
func (a *Allocator) ReserveEphemeral() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < numEphemeralPorts; i++ {
		port := a.next
		if a.next == 65535 {
			a.next = FirstEphemeralPort
		} else {
			a.next++
		}
		if _, ok := a.inUse[port]; !ok {
			a.inUse[port] = struct{}{}
			return port, nil
		}
	}
	return 0, ustack.ErrNoPortAvailable
}

// Release returns a reservation made by Reserve or ReserveEphemeral. It
// panics on a port that is not reserved; releasing twice is always a
// bug.
func (a *Allocator) Release(port uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.inUse[port]; !ok {
		panic("ports: release of a port that is not reserved")
	}
	delete(a.inUse, port)
}
