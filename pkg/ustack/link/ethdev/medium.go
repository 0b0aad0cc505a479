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

package ethdev

import "sync"

// portBacklog is the number of in-flight frames a port buffers before it
// starts losing them, like a wire with a busy receiver.
const portBacklog = 64

type wireFrame struct {
	data []byte

	// badCRC marks a frame whose frame check sequence was damaged in
	// transit.
	badCRC bool
}

// A Port is one connection point on an in-memory Ethernet medium. Frames
// sent on a port are delivered to every peer port; delivery is
// best-effort, so a peer with a full backlog loses the frame.
type Port struct {
	frames chan wireFrame

	mu          sync.Mutex
	peers       []*Port
	corruptNext int
}

func newPort() *Port {
	return &Port{frames: make(chan wireFrame, portBacklog)}
}

// NewPair creates two ports connected back to back, like a crossover
// cable.
func NewPair() (*Port, *Port) {
	a, b := newPort(), newPort()
	a.peers = []*Port{b}
	b.peers = []*Port{a}
	return a, b
}

// NewHub creates n ports all connected to each other. Every frame sent on
// one port is delivered to all the others.
func NewHub(n int) []*Port {
	ports := make([]*Port, n)
	for i := range ports {
		ports[i] = newPort()
	}
	for _, p := range ports {
		for _, q := range ports {
			if q != p {
				p.peers = append(p.peers, q)
			}
		}
	}
	return ports
}

// CorruptNext arranges for the next n frames arriving at this port to
// carry a damaged frame check sequence. Test hook.
func (p *Port) CorruptNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.corruptNext += n
}

// send transmits a frame to every peer.
func (p *Port) send(frame []byte) {
	p.mu.Lock()
	peers := p.peers
	p.mu.Unlock()
	for _, peer := range peers {
		// Each peer gets its own copy: the medium does not share
		// memory between stations.
		data := make([]byte, len(frame))
		copy(data, frame)
		peer.receive(data)
	}
}

func (p *Port) receive(data []byte) {
	p.mu.Lock()
	bad := p.corruptNext > 0
	if bad {
		p.corruptNext--
	}
	p.mu.Unlock()

	select {
	case p.frames <- wireFrame{data: data, badCRC: bad}:
	default:
		// Backlog full; the frame is lost on the wire.
	}
}
