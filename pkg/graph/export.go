package graph

import (
	"fmt"
	"io"
	"sort"
)

// Edge is one channel binding between two steps, part of the read-only view
// an external renderer needs to draw the pipeline.
type Edge struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Channel string `json:"channel"`
}

// Edges returns every producer-to-consumer binding in the graph. Entry
// channels (no producing step) are reported with an empty From.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, s := range g.steps {
		for _, in := range s.Inputs {
			from := g.producers[in] // empty for entry channels
			edges = append(edges, Edge{From: from, To: s.Name, Channel: in})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].Channel < edges[j].Channel
	})
	return edges
}

// WriteDOT emits the graph in Graphviz DOT syntax. Rendering is left to
// external tooling; this is only the structural export.
func (g *Graph) WriteDOT(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "digraph pipeline {"); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "  rankdir=LR;"); err != nil {
		return err
	}
	for _, s := range g.steps {
		if _, err := fmt.Fprintf(w, "  %q [label=%q shape=box];\n", s.Name, fmt.Sprintf("%s\n%s", s.Name, s.Kind)); err != nil {
			return err
		}
	}
	for _, e := range g.Edges() {
		from := e.From
		if from == "" {
			// Entry channels get a synthetic point node.
			if _, err := fmt.Fprintf(w, "  %q [shape=point];\n", e.Channel); err != nil {
				return err
			}
			from = e.Channel
		}
		if _, err := fmt.Fprintf(w, "  %q -> %q [label=%q];\n", from, e.To, e.Channel); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}
