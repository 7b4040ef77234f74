// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/absmach/mds/config"
	"github.com/absmach/mds/message"
)

// routingTable rewrites destinations by the first matching rule.
type routingTable struct {
	rules []*rule
}

type rule struct {
	name   string
	filter config.RouteFilter
	// ruleSet tells whether the transmit rule filter is set.
	ruleSet  bool
	rule     message.TransmitRule
	random   bool
	dests    []config.RouteDestination
	weights  []int
	total    int
	sequence atomic.Uint64
}

func newRoutingTable(routes []config.Route) (*routingTable, error) {
	t := &routingTable{}
	for i, rt := range routes {
		if len(rt.Destinations) == 0 {
			return nil, fmt.Errorf("route %d (%s): no destinations", i, rt.Name)
		}
		ru := &rule{
			name:   rt.Name,
			filter: rt.Filter,
			random: rt.Strategy == "random",
			dests:  rt.Destinations,
		}
		if rt.Filter.TransmitRule != "" {
			tr, err := message.ParseTransmitRule(rt.Filter.TransmitRule)
			if err != nil {
				return nil, fmt.Errorf("route %d (%s): %w", i, rt.Name, err)
			}
			ru.ruleSet = true
			ru.rule = tr
		}
		for _, d := range rt.Destinations {
			// An unset weight counts once.
			w := max(d.Weight, 1)
			ru.weights = append(ru.weights, w)
			ru.total += w
		}
		t.rules = append(t.rules, ru)
	}
	return t, nil
}

// apply rewrites the destination of msg and reports whether a rule matched.
func (t *routingTable) apply(msg *message.Message) bool {
	for _, ru := range t.rules {
		if !ru.matches(msg) {
			continue
		}
		d := ru.pick()
		if d.Server != "" {
			msg.DestinationServer = d.Server
		}
		if d.Application != "" {
			msg.DestinationApplication = d.Application
		}
		msg.DestinationCommunicatorID = 0
		return true
	}
	return false
}

func (ru *rule) matches(msg *message.Message) bool {
	f := ru.filter
	switch {
	case f.SourceServer != "" && f.SourceServer != msg.SourceServer:
		return false
	case f.SourceApplication != "" && f.SourceApplication != msg.SourceApplication:
		return false
	case f.DestinationServer != "" && f.DestinationServer != msg.DestinationServer:
		return false
	case f.DestinationApplication != "" && f.DestinationApplication != msg.DestinationApplication:
		return false
	case ru.ruleSet && ru.rule != msg.TransmitRule:
		return false
	}
	return true
}

// pick selects a destination by weight, either in weighted round-robin order
// or at random.
func (ru *rule) pick() config.RouteDestination {
	var n int
	if ru.random {
		n = rand.IntN(ru.total)
	} else {
		n = int((ru.sequence.Add(1) - 1) % uint64(ru.total))
	}
	for i, w := range ru.weights {
		if n < w {
			return ru.dests[i]
		}
		n -= w
	}
	return ru.dests[len(ru.dests)-1]
}
