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

// Package config manages the ustackd configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jgrivera67/ustack/pkg/ustack"
)

// Config holds the complete ustackd configuration.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
	Network NetworkConfig `koanf:"network"`
	Demo    DemoConfig    `koanf:"demo"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`

	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint. Empty
	// disables the endpoint.
	Addr string `koanf:"addr"`

	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// NetworkConfig describes the simulated Ethernet segment.
type NetworkConfig struct {
	// Nodes is the number of DHCP client nodes attached to the hub,
	// not counting the gateway node.
	Nodes int `koanf:"nodes"`

	// Subnet is the IPv4 subnet in CIDR form. The gateway takes the
	// first host address and leases are handed out from the top half.
	Subnet string `koanf:"subnet"`

	// LeaseDuration is the DHCP lease time the gateway grants.
	LeaseDuration time.Duration `koanf:"lease_duration"`

	// RingSize is the per-device transmit and receive descriptor ring
	// size.
	RingSize int `koanf:"ring_size"`
}

// DemoConfig tunes the traffic the client nodes generate.
type DemoConfig struct {
	// PingInterval is how often each client pings the gateway.
	PingInterval time.Duration `koanf:"ping_interval"`

	// EchoPort is the UDP port of the gateway's echo service.
	EchoPort uint16 `koanf:"echo_port"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: ":9101",
			Path: "/metrics",
		},
		Network: NetworkConfig{
			Nodes:         2,
			Subnet:        "10.1.0.0/24",
			LeaseDuration: time.Hour,
			RingSize:      8,
		},
		Demo: DemoConfig{
			PingInterval: 5 * time.Second,
			EchoPort:     7,
		},
	}
}

// envPrefix is the environment variable prefix for ustackd
// configuration. Variables are named USTACKD_<section>_<key>, e.g.
// USTACKD_LOG_LEVEL.
const envPrefix = "USTACKD_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides and merges on top of DefaultConfig().
// An empty path skips the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKeyMapper transforms USTACKD_LOG_LEVEL -> log.level.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":              defaults.Log.Level,
		"log.format":             defaults.Log.Format,
		"metrics.addr":           defaults.Metrics.Addr,
		"metrics.path":           defaults.Metrics.Path,
		"network.nodes":          defaults.Network.Nodes,
		"network.subnet":         defaults.Network.Subnet,
		"network.lease_duration": defaults.Network.LeaseDuration.String(),
		"network.ring_size":      defaults.Network.RingSize,
		"demo.ping_interval":     defaults.Demo.PingInterval.String(),
		"demo.echo_port":         defaults.Demo.EchoPort,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validation errors.
var (
	// ErrNoNodes indicates the segment has no client nodes.
	ErrNoNodes = errors.New("network.nodes must be >= 1")

	// ErrInvalidSubnet indicates the subnet does not parse as IPv4 CIDR
	// or is too small for the configured nodes.
	ErrInvalidSubnet = errors.New("network.subnet must be an IPv4 CIDR with room for every node")

	// ErrInvalidLease indicates a non-positive lease duration.
	ErrInvalidLease = errors.New("network.lease_duration must be > 0")

	// ErrInvalidPingInterval indicates a non-positive ping interval.
	ErrInvalidPingInterval = errors.New("demo.ping_interval must be > 0")

	// ErrInvalidEchoPort indicates a zero echo port.
	ErrInvalidEchoPort = errors.New("demo.echo_port must not be 0")
)

// Validate checks a loaded configuration for consistency.
func Validate(cfg *Config) error {
	if cfg.Network.Nodes < 1 {
		return ErrNoNodes
	}
	if _, _, _, err := cfg.Network.Addresses(); err != nil {
		return err
	}
	if cfg.Network.LeaseDuration <= 0 {
		return ErrInvalidLease
	}
	if cfg.Demo.PingInterval <= 0 {
		return ErrInvalidPingInterval
	}
	if cfg.Demo.EchoPort == 0 {
		return ErrInvalidEchoPort
	}
	return nil
}

// Addresses derives the gateway address, the subnet mask and the lease
// pool from the configured subnet. The gateway takes the first host
// address; the pool is one address per node, starting at host 100 or
// right after the gateway on small subnets.
func (nc NetworkConfig) Addresses() (gateway ustack.Address, mask ustack.AddressMask, pool []ustack.Address, err error) {
	_, ipnet, err := net.ParseCIDR(nc.Subnet)
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", ErrInvalidSubnet, err)
	}
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return "", "", nil, ErrInvalidSubnet
	}
	ones, bits := ipnet.Mask.Size()
	hosts := 1<<(bits-ones) - 2
	mask = ustack.AddressMask(net.IP(ipnet.Mask).To4())

	gw := make(net.IP, 4)
	copy(gw, ip4)
	gw[3]++
	gateway = ustack.Address(gw)

	firstLease := 100
	if hosts < firstLease+nc.Nodes {
		firstLease = 2
	}
	if hosts < firstLease+nc.Nodes-1 {
		return "", "", nil, ErrInvalidSubnet
	}
	for i := 0; i < nc.Nodes; i++ {
		host := firstLease + i
		addr := make(net.IP, 4)
		copy(addr, ip4)
		addr[2] += byte(host >> 8)
		addr[3] += byte(host)
		pool = append(pool, ustack.Address(addr))
	}
	return gateway, mask, pool, nil
}
