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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jgrivera67/ustack/internal/config"
	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/dhcp"
	"github.com/jgrivera67/ustack/pkg/ustack/link/ethdev"
	"github.com/jgrivera67/ustack/pkg/ustack/metrics"
	"github.com/jgrivera67/ustack/pkg/ustack/network/arp"
	"github.com/jgrivera67/ustack/pkg/ustack/network/ipv4"
	"github.com/jgrivera67/ustack/pkg/ustack/network/ipv6"
	"github.com/jgrivera67/ustack/pkg/ustack/stack"
	"github.com/jgrivera67/ustack/pkg/ustack/transport/udp"
)

const leaseWaitTimeout = time.Minute

// A node is one simulated host on the segment: a stack with a single
// device attached to the shared hub and the full protocol suite enabled
// on it.
type node struct {
	name string
	s    *stack.Stack
	ip   *ipv4.Endpoint
	ip6  *ipv6.Endpoint
	udp  *udp.Protocol
}

func buildNode(name string, port *ethdev.Port, ringSize int, log *logrus.Logger, reg *prometheus.Registry) *node {
	nodeLog := log.WithField("node", name)
	s := stack.New(stack.Options{Logger: nodeLog})
	dev := ethdev.New(port, ethdev.Options{
		Serial:   []byte("ustackd-" + name),
		RingSize: ringSize,
		Clock:    s.Clock(),
		Logger:   nodeLog,
	})

	arpProto := arp.NewProtocol()
	ipProto := ipv4.NewProtocol()
	ip6Proto := ipv6.NewProtocol()
	s.RegisterNetworkProtocol(arpProto)
	s.RegisterNetworkProtocol(ipProto)
	s.RegisterNetworkProtocol(ip6Proto)

	nic, err := s.CreateNIC(1, dev)
	if err != nil {
		// Only fails on a duplicate NIC id or a closed stack, neither
		// of which can happen here.
		panic(err)
	}

	ip := ipProto.Enable(nic, arpProto, arp.Options{})
	ip6 := ip6Proto.Enable(nic, ipv6.Options{})
	metrics.NewCollector(s, reg, prometheus.Labels{"node": name})
	return &node{
		name: name,
		s:    s,
		ip:   ip,
		ip6:  ip6,
		udp:  udp.NewProtocol(ip),
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, mask, pool, err := cfg.Network.Addresses()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()

	// One hub port per client node plus one for the gateway.
	ports := ethdev.NewHub(cfg.Network.Nodes + 1)

	gw := buildNode("gateway", ports[0], cfg.Network.RingSize, log, reg)
	defer gw.s.Close()
	if err := gw.ip.SetAddress(gateway, mask, ""); err != nil {
		return err
	}

	server := dhcp.NewServer(gw.ip, gw.udp, dhcp.ServerConfig{
		ServerAddr:    gateway,
		SubnetMask:    mask,
		Router:        gateway,
		LeaseDuration: cfg.Network.LeaseDuration,
		Addresses:     pool,
	})
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	echo := gw.udp.NewEndpoint()
	if err := echo.Bind(cfg.Demo.EchoPort); err != nil {
		return err
	}
	defer echo.Close()

	log.WithFields(logrus.Fields{
		"gateway": gateway.String(),
		"nodes":   cfg.Network.Nodes,
		"subnet":  cfg.Network.Subnet,
	}).Info("segment up")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return echoLoop(echo)
	})

	for i := 0; i < cfg.Network.Nodes; i++ {
		n := buildNode(fmt.Sprintf("node-%d", i+1), ports[i+1], cfg.Network.RingSize, log, reg)
		defer n.s.Close()

		c := dhcp.NewClient(n.ip, n.udp, dhcp.Options{})
		if err := c.Start(); err != nil {
			return err
		}
		defer c.Stop()

		g.Go(func() error {
			return demoLoop(ctx, cfg, n, c, gateway)
		})
	}

	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics, reg, log)
		})
	}

	<-ctx.Done()
	// Closing the echo endpoint unblocks echoLoop; the demo loops exit
	// on ctx.
	echo.Close()
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// echoLoop reflects every datagram back to its sender. It returns when
// the endpoint is closed.
func echoLoop(ep *udp.Endpoint) error {
	for {
		payload, from, err := ep.Read(0)
		if err != nil {
			if errors.Is(err, ustack.ErrClosed) {
				return nil
			}
			return err
		}
		if err := ep.Write(payload, from); err != nil {
			return err
		}
	}
}

// demoLoop acquires a lease and then periodically pings the gateway and
// runs a UDP echo round trip against it.
func demoLoop(ctx context.Context, cfg *config.Config, n *node, c *dhcp.Client, gateway ustack.Address) error {
	log := n.s.Logger()

	if err := c.WaitForLease(leaseWaitTimeout); err != nil {
		return fmt.Errorf("%s: no lease: %w", n.name, err)
	}
	lease, _ := c.Lease()
	log.WithField("addr", lease.Addr.String()).Info("lease acquired")

	if err := n.ip6.WaitForAddress(leaseWaitTimeout); err != nil {
		log.WithField("err", err).Warn("no usable IPv6 link-local address")
	}

	ep := n.udp.NewEndpoint()
	defer ep.Close()

	ticker := time.NewTicker(cfg.Demo.PingInterval)
	defer ticker.Stop()
	for seq := uint16(0); ; seq++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		rtt, err := n.ip.Ping(gateway, uint16(os.Getpid()), seq, []byte(n.name), cfg.Demo.PingInterval)
		if err != nil {
			log.WithFields(logrus.Fields{"seq": seq, "err": err}).Warn("ping failed")
		} else {
			log.WithFields(logrus.Fields{"seq": seq, "rtt": rtt}).Debug("ping reply")
		}

		if err := echoRoundTrip(ep, gateway, cfg.Demo.EchoPort, seq); err != nil {
			log.WithFields(logrus.Fields{"seq": seq, "err": err}).Warn("udp echo failed")
		}
	}
}

func echoRoundTrip(ep *udp.Endpoint, gateway ustack.Address, port uint16, seq uint16) error {
	msg := []byte(fmt.Sprintf("echo %d", seq))
	to := ustack.FullAddress{Addr: gateway, Port: port}
	if err := ep.Write(msg, to); err != nil {
		return err
	}
	reply, _, err := ep.Read(5 * time.Second)
	if err != nil {
		return err
	}
	if string(reply) != string(msg) {
		return fmt.Errorf("echo reply mismatch: got %q, want %q", reply, msg)
	}
	return nil
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig, reg *prometheus.Registry, log *logrus.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.WithFields(logrus.Fields{"addr": cfg.Addr, "path": cfg.Path}).Info("metrics endpoint up")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
