package coordinator

import (
	"sort"

	"github.com/wehubfusion/Daedalus/pkg/graph"
)

// routingTable maps each output channel to the actors subscribed to it, in
// subscription (declaration) order. It is built once from the validated
// graph, under exclusive access during startup, and is read-only afterwards:
// only message traffic flows through it.
type routingTable struct {
	entries map[string][]*actor
}

func newRoutingTable(g *graph.Graph, actors map[string]*actor) *routingTable {
	rt := &routingTable{entries: make(map[string][]*actor)}

	channels := make(map[string]struct{})
	for _, s := range g.Steps() {
		for _, in := range s.Inputs {
			channels[in] = struct{}{}
		}
	}

	for ch := range channels {
		for _, name := range g.Consumers(ch) {
			if a, ok := actors[name]; ok {
				rt.entries[ch] = append(rt.entries[ch], a)
			}
		}
	}
	return rt
}

// subscribers returns the actors subscribed to the channel, in delivery
// order.
func (rt *routingTable) subscribers(channel string) []*actor {
	return rt.entries[channel]
}

// channels returns the known channel names, sorted for determinism.
func (rt *routingTable) channels() []string {
	out := make([]string, 0, len(rt.entries))
	for ch := range rt.entries {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
