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

// Package metrics exports a stack's counters to Prometheus.
package metrics

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jgrivera67/ustack/pkg/ustack"
	"github.com/jgrivera67/ustack/pkg/ustack/stack"
)

const namespace = "ustack"

// labelNIC distinguishes the link counters of multi-NIC stacks.
const labelNIC = "nic"

// A Collector exposes every counter of a stack in the Prometheus
// exposition format. Metric names derive from the counter group and
// field names: IPv4.PacketsSent becomes ustack_ipv4_packets_sent_total.
// Link counters are emitted per NIC with a nic label.
//
// The collector reads the stack's live counters on every scrape; there
// is nothing to update.
type Collector struct {
	stack *stack.Stack

	// groups holds one descriptor per protocol counter, indexed the
	// same way the Stats struct is.
	groups []groupDescs

	linkDescs []*prometheus.Desc
}

type groupDescs struct {
	field int
	descs []*prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for the given stack and registers it
// with reg. If reg is nil, prometheus.DefaultRegisterer is used.
// constLabels distinguishes stacks sharing one registry and may be nil.
func NewCollector(s *stack.Stack, reg prometheus.Registerer, constLabels prometheus.Labels) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{stack: s}

	st := reflect.TypeOf(ustack.Stats{})
	for i := 0; i < st.NumField(); i++ {
		group := st.Field(i)
		c.groups = append(c.groups, groupDescs{
			field: i,
			descs: buildDescs(strings.ToLower(group.Name), group.Type, nil, constLabels),
		})
	}
	c.linkDescs = buildDescs("link", reflect.TypeOf(ustack.LinkStats{}), []string{labelNIC}, constLabels)

	reg.MustRegister(c)
	return c
}

// buildDescs creates one descriptor per StatCounter field of a counter
// group struct.
func buildDescs(subsystem string, t reflect.Type, labels []string, constLabels prometheus.Labels) []*prometheus.Desc {
	descs := make([]*prometheus.Desc, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		descs[i] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, snakeCase(f.Name)+"_total"),
			fmt.Sprintf("Value of the %s %s stack counter.", subsystem, f.Name),
			labels, constLabels,
		)
	}
	return descs
}

// Describe implements prometheus.Collector.Describe.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.groups {
		for _, d := range g.descs {
			ch <- d
		}
	}
	for _, d := range c.linkDescs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.Collect.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := reflect.ValueOf(c.stack.Stats()).Elem()
	for _, g := range c.groups {
		group := stats.Field(g.field)
		for i, d := range g.descs {
			counter := group.Field(i).Addr().Interface().(*ustack.StatCounter)
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(counter.Value()))
		}
	}

	for _, nic := range c.stack.NICs() {
		link := reflect.ValueOf(nic.LinkStats()).Elem()
		nicLabel := fmt.Sprintf("%d", nic.ID())
		for i, d := range c.linkDescs {
			counter := link.Field(i).Addr().Interface().(*ustack.StatCounter)
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(counter.Value()), nicLabel)
		}
	}
}

// snakeCase converts a Go field name to a Prometheus metric name
// fragment. Acronym runs stay together: RxCRCErrors becomes
// rx_crc_errors.
func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && isUpper(r) {
			prevLower := !isUpper(runes[i-1])
			nextLower := i+1 < len(runes) && !isUpper(runes[i+1])
			if prevLower || nextLower {
				b.WriteByte('_')
			}
		}
		b.WriteRune(toLower(r))
	}
	return b.String()
}

func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }

func toLower(r rune) rune {
	if isUpper(r) {
		return r + 'a' - 'A'
	}
	return r
}
