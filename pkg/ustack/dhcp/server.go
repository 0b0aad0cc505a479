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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/header"
	"github.com/jgrivera67/ustack/pkg/ustack/network/ipv4"
	"github.com/jgrivera67/ustack/pkg/ustack/transport/udp"
)

// ServerConfig describes the address pool a Server hands out.
type ServerConfig struct {
	// ServerAddr is the server's own address, sent as the server
	// identifier.
	ServerAddr ustack.Address

	// SubnetMask is the mask granted with every lease.
	SubnetMask ustack.AddressMask

	// Router is the default gateway granted with every lease. Empty
	// omits the option.
	Router ustack.Address

	// LeaseDuration is the lease time granted.
	LeaseDuration time.Duration

	// Addresses is the pool of assignable addresses.
	Addresses []ustack.Address
}

// A Server is a small DHCPv4 server. It hands each client MAC a stable
// address from its pool.
type Server struct {
	proto *udp.Protocol
	cfg   ServerConfig
	log   logrus.FieldLogger
	ep    *udp.Endpoint

	mu     sync.Mutex
	leases map[ustack.LinkAddress]ustack.Address

	wg sync.WaitGroup
}

// NewServer creates a server for the NIC behind the given IPv4 endpoint.
func NewServer(ip *ipv4.Endpoint, proto *udp.Protocol, cfg ServerConfig) *Server {
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	return &Server{
		proto:  proto,
		cfg:    cfg,
		log:    ip.NIC().Logger().WithField("proto", "dhcp-server"),
		leases: make(map[ustack.LinkAddress]ustack.Address),
	}
}

// Start binds the server port and begins answering requests.
func (s *Server) Start() error {
	s.ep = s.proto.NewEndpoint()
	if err := s.ep.Bind(ServerPort); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.serve()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() {
	s.ep.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		payload, _, err := s.ep.Read(0)
		if err != nil {
			return
		}
		s.handle(payload)
	}
}

func (s *Server) handle(payload []byte) {
	h := hdr(payload)
	if !h.isValid() || h.op() != opRequest {
		return
	}
	opts, ok := h.parseOptions()
	if !ok {
		return
	}

	switch opts.typ {
	case TypeDiscover:
		addr, ok := s.addrFor(h.chaddr())
		if !ok {
			s.log.WithField("mac", h.chaddr().String()).Warn("address pool exhausted")
			return
		}
		s.reply(h.xid(), TypeOffer, addr)
	case TypeRequest:
		requested := opts.requestedIP
		if requested == "" {
			// Renewal; the address is in ciaddr.
			requested = h.ciaddr()
		}
		addr, ok := s.addrFor(h.chaddr())
		if !ok || requested != addr {
			s.reply(h.xid(), TypeNak, header.IPv4Any)
			return
		}
		s.reply(h.xid(), TypeAck, addr)
	}
}

// addrFor returns the stable pool address for a client MAC.
func (s *Server) addrFor(mac ustack.LinkAddress) (ustack.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr, ok := s.leases[mac]; ok {
		return addr, true
	}
	if len(s.leases) >= len(s.cfg.Addresses) {
		return "", false
	}
	addr := s.cfg.Addresses[len(s.leases)]
	s.leases[mac] = addr
	return addr, true
}

func (s *Server) reply(xid uint32, typ MessageType, yiaddr ustack.Address) {
	b := make([]byte, headerSize)
	h := hdr(b)
	h.init(opReply, xid, "", header.IPv4Any, false)
	h.setYiaddr(yiaddr)
	w := optionWriter{b: b}
	w.add(optMessageType, byte(typ))
	if typ != TypeNak {
		w.add(optSubnetMask, []byte(s.cfg.SubnetMask)...)
		if s.cfg.Router != "" {
			w.add(optRouter, []byte(s.cfg.Router)...)
		}
		leaseSecs := uint32(s.cfg.LeaseDuration / time.Second)
		w.add(optLeaseTime, byte(leaseSecs>>24), byte(leaseSecs>>16), byte(leaseSecs>>8), byte(leaseSecs))
	}
	w.add(optServerID, []byte(s.cfg.ServerAddr)...)
	msg := w.end()

	// Clients without an address cannot receive unicast, so replies are
	// always broadcast.
	err := s.ep.Write(msg, ustack.FullAddress{Addr: header.IPv4Broadcast, Port: ClientPort})
	if err != nil {
		s.log.WithField("err", err).Warn("failed to send reply")
	}
}
