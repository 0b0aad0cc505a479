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

package dhcp

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/header"
	"github.com/jgrivera67/ustack/pkg/ustack/network/ipv4"
	"github.com/jgrivera67/ustack/pkg/ustack/transport/udp"
)

// State is the client's position in the lease acquisition state machine.
type State int

// Client states.
const (
	// StateDiscovering means a DISCOVER has been sent and an OFFER is
	// expected. Any other message is dropped.
	StateDiscovering State = iota

	// StateRequesting means a REQUEST has been sent and an ACK or NAK
	// is expected. Any other message is dropped.
	StateRequesting

	// StateBound means a lease is held and the address is configured.
	StateBound
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StateDiscovering:
		return "discovering"
	case StateRequesting:
		return "requesting"
	case StateBound:
		return "bound"
	default:
		return "invalid"
	}
}

// A Lease is the address configuration granted by a DHCP server.
type Lease struct {
	Addr       ustack.Address
	SubnetMask ustack.AddressMask
	Router     ustack.Address
	Server     ustack.Address
	Duration   time.Duration
}

// Options tunes the client. The zero value selects the protocol
// defaults.
type Options struct {
	// RetryInterval is how long to wait for an OFFER or ACK before
	// retransmitting. Defaults to DefaultRetryInterval.
	RetryInterval time.Duration

	// RequestAttempts is how many REQUESTs are sent before falling back
	// to discovery. Defaults to DefaultRequestAttempts.
	RequestAttempts int
}

const (
	// DefaultRetryInterval is the default retransmission interval.
	DefaultRetryInterval = 4 * time.Second

	// DefaultRequestAttempts is the default number of REQUEST
	// transmissions per acquisition.
	DefaultRequestAttempts = 4

	// DefaultLeaseDuration is assumed when the server grants a lease
	// without a lease time option.
	DefaultLeaseDuration = time.Hour
)

func (o *Options) fillDefaults() {
	if o.RetryInterval == 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.RequestAttempts == 0 {
		o.RequestAttempts = DefaultRequestAttempts
	}
}

// A Client acquires and maintains one IPv4 lease for a NIC. It
// configures the IPv4 endpoint when the lease is granted and removes the
// address when the lease is lost.
type Client struct {
	ip    *ipv4.Endpoint
	proto *udp.Protocol
	clock ustack.Clock
	log   logrus.FieldLogger
	stats *ustack.DHCPStats
	opts  Options

	ep *udp.Endpoint

	mu        sync.Mutex
	state     State
	lease     Lease
	haveLease bool
	bound     chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// NewClient creates a client for the NIC behind the given IPv4 endpoint.
func NewClient(ip *ipv4.Endpoint, proto *udp.Protocol, opts Options) *Client {
	opts.fillDefaults()
	return &Client{
		ip:    ip,
		proto: proto,
		clock: ip.NIC().Stack().Clock(),
		log:   ip.NIC().Logger().WithField("proto", "dhcp"),
		stats: &ip.NIC().Stack().Stats().DHCP,
		opts:  opts,
		bound: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start binds the client port and begins acquiring a lease in the
// background.
func (c *Client) Start() error {
	c.ep = c.proto.NewEndpoint()
	if err := c.ep.Bind(ClientPort); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop halts lease maintenance and removes the configured address.
func (c *Client) Stop() {
	close(c.done)
	c.ep.Close()
	c.wg.Wait()
	c.mu.Lock()
	had := c.haveLease
	c.haveLease = false
	c.mu.Unlock()
	if had {
		c.ip.UnsetAddress()
	}
}

// State returns the client's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Lease returns the current lease, if one is held.
func (c *Client) Lease() (Lease, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lease, c.haveLease
}

// WaitForLease blocks until a lease is granted or the timeout expires.
func (c *Client) WaitForLease(timeout time.Duration) error {
	c.mu.Lock()
	bound := c.bound
	c.mu.Unlock()
	select {
	case <-bound:
		return nil
	case <-c.done:
		return ustack.ErrAborted
	case <-c.clock.After(timeout):
		return ustack.ErrTimeout
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) stopping() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		lease, err := c.acquire()
		if err != nil {
			if c.stopping() {
				return
			}
			continue
		}
		c.commit(lease)

		// Renew at half life; give the lease up when the second half
		// runs out too.
		for {
			select {
			case <-c.done:
				return
			case <-c.clock.After(lease.Duration / 2):
			}
			renewed, ok := c.renew(lease)
			if c.stopping() {
				return
			}
			if ok {
				lease = renewed
				c.commit(lease)
				continue
			}
			break
		}

		c.log.Warn("lease expired")
		c.mu.Lock()
		c.haveLease = false
		c.bound = make(chan struct{})
		c.mu.Unlock()
		c.ip.UnsetAddress()
	}
}

// commit stores a granted lease and configures the address.
func (c *Client) commit(lease Lease) {
	if err := c.ip.SetAddress(lease.Addr, lease.SubnetMask, lease.Router); err != nil {
		c.log.WithField("err", err).Error("failed to configure leased address")
		return
	}
	// Announce the new address so neighbors update their caches and any
	// conflicting host gets a chance to object.
	if err := c.ip.ARP().Announce(); err != nil {
		c.log.WithField("err", err).Warn("gratuitous announcement failed")
	}
	c.stats.LeasesGranted.Increment()
	c.setState(StateBound)

	c.mu.Lock()
	c.lease = lease
	c.haveLease = true
	bound := c.bound
	c.mu.Unlock()
	select {
	case <-bound:
	default:
		close(bound)
	}

	c.log.WithFields(logrus.Fields{
		"addr":   lease.Addr.String(),
		"server": lease.Server.String(),
		"lease":  lease.Duration.String(),
	}).Info("lease granted")
}

// acquire runs one DISCOVER/OFFER/REQUEST/ACK exchange.
func (c *Client) acquire() (Lease, error) {
	xid := rand.Uint32()

	c.setState(StateDiscovering)
	if err := c.sendDiscover(xid); err != nil {
		return Lease{}, err
	}

	var offer Lease
	for {
		msg, err := c.readReply(xid)
		if err == ustack.ErrTimeout {
			if err := c.sendDiscover(xid); err != nil {
				return Lease{}, err
			}
			continue
		}
		if err != nil {
			return Lease{}, err
		}
		if msg.opts.typ != TypeOffer {
			c.dropOutOfOrder(msg.opts.typ)
			continue
		}
		c.stats.OffersReceived.Increment()
		offer = Lease{
			Addr:       msg.yiaddr,
			SubnetMask: msg.opts.subnetMask,
			Router:     msg.opts.router,
			Server:     msg.opts.serverID,
			Duration:   msg.opts.leaseTime,
		}
		break
	}

	c.setState(StateRequesting)
	for attempt := 0; attempt < c.opts.RequestAttempts; attempt++ {
		if err := c.sendRequest(xid, offer.Addr, offer.Server, false); err != nil {
			return Lease{}, err
		}
		lease, err := c.awaitAck(xid, offer)
		if err == ustack.ErrTimeout {
			continue
		}
		return lease, err
	}
	return Lease{}, ustack.ErrTimeout
}

// renew re-requests the current lease directly from its server.
func (c *Client) renew(lease Lease) (Lease, bool) {
	c.setState(StateRequesting)
	for attempt := 0; attempt < c.opts.RequestAttempts; attempt++ {
		xid := rand.Uint32()
		if err := c.sendRequest(xid, lease.Addr, lease.Server, true); err != nil {
			return Lease{}, false
		}
		renewed, err := c.awaitAck(xid, lease)
		if err == nil {
			return renewed, true
		}
		if err != ustack.ErrTimeout {
			return Lease{}, false
		}
	}
	c.setState(StateDiscovering)
	return Lease{}, false
}

// awaitAck waits for the ACK or NAK ending a REQUEST exchange. base
// carries the already known lease fields for servers that omit options
// in the ACK.
func (c *Client) awaitAck(xid uint32, base Lease) (Lease, error) {
	for {
		msg, err := c.readReply(xid)
		if err != nil {
			return Lease{}, err
		}
		switch msg.opts.typ {
		case TypeAck:
			c.stats.AcksReceived.Increment()
			lease := base
			lease.Addr = msg.yiaddr
			if msg.opts.subnetMask != "" {
				lease.SubnetMask = msg.opts.subnetMask
			}
			if msg.opts.router != "" {
				lease.Router = msg.opts.router
			}
			if msg.opts.serverID != "" {
				lease.Server = msg.opts.serverID
			}
			if msg.opts.leaseTime != 0 {
				lease.Duration = msg.opts.leaseTime
			}
			if lease.Duration == 0 {
				lease.Duration = DefaultLeaseDuration
			}
			return lease, nil
		case TypeNak:
			c.stats.NaksReceived.Increment()
			c.log.Warn("request refused by the server")
			return Lease{}, ustack.ErrAborted
		default:
			c.dropOutOfOrder(msg.opts.typ)
		}
	}
}

func (c *Client) dropOutOfOrder(typ MessageType) {
	c.stats.OutOfOrderDropped.Increment()
	c.log.WithFields(logrus.Fields{
		"type":  typ.String(),
		"state": c.State().String(),
	}).Debug("dropping unexpected dhcp message")
}

type reply struct {
	yiaddr ustack.Address
	opts   options
}

// readReply reads DHCP messages until one carries the expected
// transaction id or the retry interval runs out. Messages for other
// transactions or malformed ones are dropped.
func (c *Client) readReply(xid uint32) (reply, error) {
	deadline := c.clock.Now().Add(c.opts.RetryInterval)
	for {
		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			return reply{}, ustack.ErrTimeout
		}
		payload, _, err := c.ep.Read(remaining)
		if err != nil {
			return reply{}, err
		}
		h := hdr(payload)
		if !h.isValid() || h.op() != opReply {
			c.stats.OutOfOrderDropped.Increment()
			continue
		}
		if h.xid() != xid {
			c.dropOutOfOrder(0)
			continue
		}
		opts, ok := h.parseOptions()
		if !ok {
			c.stats.OutOfOrderDropped.Increment()
			continue
		}
		return reply{yiaddr: h.yiaddr(), opts: opts}, nil
	}
}

func (c *Client) sendDiscover(xid uint32) error {
	b := make([]byte, headerSize)
	hdr(b).init(opRequest, xid, c.ip.NIC().LinkAddress(), header.IPv4Any, true)
	w := optionWriter{b: b}
	w.add(optMessageType, byte(TypeDiscover))
	w.add(optParameterList, optSubnetMask, optRouter, optLeaseTime)
	msg := w.end()

	err := c.ep.Write(msg, ustack.FullAddress{Addr: header.IPv4Broadcast, Port: ServerPort})
	if err == nil {
		c.stats.DiscoversSent.Increment()
	}
	return err
}

func (c *Client) sendRequest(xid uint32, requested, server ustack.Address, renewal bool) error {
	ciaddr := header.IPv4Any
	dst := header.IPv4Broadcast
	if renewal {
		// Renewals go straight to the server from the configured
		// address.
		ciaddr = requested
		dst = server
	}
	b := make([]byte, headerSize)
	hdr(b).init(opRequest, xid, c.ip.NIC().LinkAddress(), ciaddr, !renewal)
	w := optionWriter{b: b}
	w.add(optMessageType, byte(TypeRequest))
	if !renewal {
		w.add(optRequestedIP, requested[0], requested[1], requested[2], requested[3])
		w.add(optServerID, server[0], server[1], server[2], server[3])
	}
	w.add(optParameterList, optSubnetMask, optRouter, optLeaseTime)
	msg := w.end()

	err := c.ep.Write(msg, ustack.FullAddress{Addr: dst, Port: ServerPort})
	if err == nil {
		c.stats.RequestsSent.Increment()
	}
	return err
}
