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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgrivera67/ustack/internal/config"
	"github.com/jgrivera67/ustack/pkg/ustack"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ustackd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, ":9101", cfg.Metrics.Addr)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 2, cfg.Network.Nodes)
	assert.Equal(t, "10.1.0.0/24", cfg.Network.Subnet)
	assert.Equal(t, time.Hour, cfg.Network.LeaseDuration)
	assert.Equal(t, 8, cfg.Network.RingSize)
	assert.Equal(t, 5*time.Second, cfg.Demo.PingInterval)
	assert.Equal(t, uint16(7), cfg.Demo.EchoPort)

	// Defaults must pass validation.
	assert.NoError(t, config.Validate(cfg))
}

func TestLoadFromYAML(t *testing.T) {
	yamlContent := `
log:
  level: "debug"
  format: "json"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
network:
  nodes: 4
  subnet: "192.168.5.0/24"
  lease_duration: "30m"
  ring_size: 16
demo:
  ping_interval: "1s"
  echo_port: 7007
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":9200", cfg.Metrics.Addr)
	assert.Equal(t, "/custom-metrics", cfg.Metrics.Path)
	assert.Equal(t, 4, cfg.Network.Nodes)
	assert.Equal(t, "192.168.5.0/24", cfg.Network.Subnet)
	assert.Equal(t, 30*time.Minute, cfg.Network.LeaseDuration)
	assert.Equal(t, 16, cfg.Network.RingSize)
	assert.Equal(t, time.Second, cfg.Demo.PingInterval)
	assert.Equal(t, uint16(7007), cfg.Demo.EchoPort)
}

func TestLoadMergesDefaults(t *testing.T) {
	// Partial YAML: only override log.level and network.nodes.
	yamlContent := `
log:
  level: "warn"
network:
  nodes: 3
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Network.Nodes)

	// Everything else inherits from defaults.
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, ":9101", cfg.Metrics.Addr)
	assert.Equal(t, "10.1.0.0/24", cfg.Network.Subnet)
	assert.Equal(t, 5*time.Second, cfg.Demo.PingInterval)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("USTACKD_LOG_LEVEL", "error")
	t.Setenv("USTACKD_METRICS_ADDR", ":9999")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, ":9999", cfg.Metrics.Addr)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "zero nodes",
			modify: func(cfg *config.Config) {
				cfg.Network.Nodes = 0
			},
			wantErr: config.ErrNoNodes,
		},
		{
			name: "bad subnet",
			modify: func(cfg *config.Config) {
				cfg.Network.Subnet = "not-a-subnet"
			},
			wantErr: config.ErrInvalidSubnet,
		},
		{
			name: "ipv6 subnet",
			modify: func(cfg *config.Config) {
				cfg.Network.Subnet = "2001:db8::/64"
			},
			wantErr: config.ErrInvalidSubnet,
		},
		{
			name: "subnet too small",
			modify: func(cfg *config.Config) {
				cfg.Network.Subnet = "10.1.0.0/30"
				cfg.Network.Nodes = 5
			},
			wantErr: config.ErrInvalidSubnet,
		},
		{
			name: "zero lease",
			modify: func(cfg *config.Config) {
				cfg.Network.LeaseDuration = 0
			},
			wantErr: config.ErrInvalidLease,
		},
		{
			name: "zero ping interval",
			modify: func(cfg *config.Config) {
				cfg.Demo.PingInterval = 0
			},
			wantErr: config.ErrInvalidPingInterval,
		},
		{
			name: "zero echo port",
			modify: func(cfg *config.Config) {
				cfg.Demo.EchoPort = 0
			},
			wantErr: config.ErrInvalidEchoPort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAddresses(t *testing.T) {
	nc := config.NetworkConfig{Nodes: 3, Subnet: "10.1.0.0/24"}

	gateway, mask, pool, err := nc.Addresses()
	require.NoError(t, err)

	assert.Equal(t, ustack.Address("\x0a\x01\x00\x01"), gateway)
	assert.Equal(t, ustack.AddressMask("\xff\xff\xff\x00"), mask)
	assert.Equal(t, []ustack.Address{
		ustack.Address("\x0a\x01\x00\x64"),
		ustack.Address("\x0a\x01\x00\x65"),
		ustack.Address("\x0a\x01\x00\x66"),
	}, pool)
}

func TestAddressesSmallSubnet(t *testing.T) {
	// A /29 has 6 hosts: gateway at .1, leases start right after it.
	nc := config.NetworkConfig{Nodes: 2, Subnet: "10.1.0.0/29"}

	gateway, _, pool, err := nc.Addresses()
	require.NoError(t, err)

	assert.Equal(t, ustack.Address("\x0a\x01\x00\x01"), gateway)
	assert.Equal(t, []ustack.Address{
		ustack.Address("\x0a\x01\x00\x02"),
		ustack.Address("\x0a\x01\x00\x03"),
	}, pool)
}
