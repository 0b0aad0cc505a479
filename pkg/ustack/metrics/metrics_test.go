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

package metrics

import (
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/link/ethdev"
	"github.com/jgrivera67/ustack/pkg/ustack/stack"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newStack(t *testing.T) *stack.Stack {
	t.Helper()
	port, _ := ethdev.NewPair()
	s := stack.New(stack.Options{Clock: &ustack.StdClock{}, Logger: testLogger()})
	dev := ethdev.New(port, ethdev.Options{Serial: []byte("metrics-node"), Clock: s.Clock(), Logger: testLogger()})
	if _, err := s.CreateNIC(1, dev); err != nil {
		t.Fatalf("CreateNIC: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// gatherValue finds one metric family and returns the value of its
// first metric.
func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			if len(f.Metric) == 0 {
				t.Fatalf("family %s has no metrics", name)
			}
			return f.Metric[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("no metric family named %s", name)
	return 0
}

func TestCollectorExportsCounters(t *testing.T) {
	s := newStack(t)
	reg := prometheus.NewRegistry()
	NewCollector(s, reg, nil)

	s.Stats().IPv4.PacketsSent.IncrementBy(7)
	s.Stats().DHCP.LeasesGranted.Increment()

	if got := gatherValue(t, reg, "ustack_ipv4_packets_sent_total"); got != 7 {
		t.Errorf("got ustack_ipv4_packets_sent_total = %v, want 7", got)
	}
	if got := gatherValue(t, reg, "ustack_dhcp_leases_granted_total"); got != 1 {
		t.Errorf("got ustack_dhcp_leases_granted_total = %v, want 1", got)
	}
}

func TestCollectorExportsLinkCountersPerNIC(t *testing.T) {
	s := newStack(t)
	reg := prometheus.NewRegistry()
	NewCollector(s, reg, nil)

	nics := s.NICs()
	if len(nics) != 1 {
		t.Fatalf("got %d NICs, want 1", len(nics))
	}
	nics[0].LinkStats().RxCRCErrors.IncrementBy(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var family *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "ustack_link_rx_crc_errors_total" {
			family = f
		}
	}
	if family == nil {
		t.Fatal("no ustack_link_rx_crc_errors_total family")
	}
	m := family.Metric[0]
	if got := m.GetCounter().GetValue(); got != 3 {
		t.Errorf("got value %v, want 3", got)
	}
	if len(m.Label) != 1 || m.Label[0].GetName() != "nic" || m.Label[0].GetValue() != "1" {
		t.Errorf("got labels %v, want nic=1", m.Label)
	}
}

func TestSnakeCase(t *testing.T) {
	cases := map[string]string{
		"PacketsSent":               "packets_sent",
		"RxCRCErrors":               "rx_crc_errors",
		"UnknownEtherType":          "unknown_ether_type",
		"DuplicateAddressConflicts": "duplicate_address_conflicts",
	}
	for in, want := range cases {
		if got := snakeCase(in); got != want {
			t.Errorf("snakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}
