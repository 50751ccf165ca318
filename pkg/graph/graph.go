// Package graph models a pipeline definition as a validated directed acyclic
// graph of steps connected by named channels. A Graph is immutable once
// built: validation and any mode-specific rewriting happen strictly before
// construction, never concurrently with running actors.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// Kind identifies a step's behavior variant. The set is closed: the step
// factory and the validator enumerate it exhaustively.
type Kind string

const (
	KindDataSource        Kind = "DataSource"
	KindTransform         Kind = "Transform"
	KindExternalTransform Kind = "ExternalTransform"
	KindModel             Kind = "Model"
	KindJoin              Kind = "Join"
	KindPooler            Kind = "Pooler"
	KindSink              Kind = "Sink"
)

// Mode selects the execution mode a graph is validated for.
type Mode int

const (
	// ModeBatch runs the pipeline from its internal data sources.
	ModeBatch Mode = iota

	// ModeServe runs the pipeline behind a request/response entry point:
	// data sources are removed and an external call supplies each message.
	ModeServe
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeServe {
		return "serve"
	}
	return "batch"
}

// EntryChannel is the channel name externally injected messages are published
// on in serve mode. Serve-mode rewriting rewires former source consumers to
// this channel.
const EntryChannel = "ingress"

// Params holds a step's type-specific configuration as decoded from JSON.
type Params map[string]any

// String returns the string value for key.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// Int returns the integer value for key. JSON numbers decode as float64, so
// both representations are accepted.
func (p Params) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Float returns the numeric value for key.
func (p Params) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Bool returns the boolean value for key.
func (p Params) Bool(key string) (bool, bool) {
	v, ok := p[key].(bool)
	return v, ok
}

func (p Params) clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// StepSpec declares one node of the pipeline: its name, behavior variant,
// consumed and produced channels, and variant-specific parameters. Specs are
// immutable once the graph is validated.
type StepSpec struct {
	Name    string   `json:"name"`
	Kind    Kind     `json:"type"`
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
	Params  Params   `json:"params,omitempty"`
}

func (s StepSpec) clone() StepSpec {
	out := s
	out.Inputs = append([]string(nil), s.Inputs...)
	out.Outputs = append([]string(nil), s.Outputs...)
	out.Params = s.Params.clone()
	return out
}

// ValidationError reports every problem found in a pipeline definition at
// once, so a bad definition can be fixed in a single pass.
type ValidationError struct {
	Problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("pipeline validation failed: %s", strings.Join(e.Problems, "; "))
}

// Unwrap ties validation failures to the package sentinel.
func (e *ValidationError) Unwrap() error {
	return errors.ErrInvalidGraph
}

// Graph is a validated, immutable pipeline definition plus its derived edge
// set and topological order.
type Graph struct {
	mode      Mode
	steps     []StepSpec
	byName    map[string]int
	producers map[string]string // channel -> producing step name
	order     []string          // topological order of step names
}

// Build validates the given step specs for the given mode and returns the
// finalized graph. In serve mode the specs are rewritten first: data sources
// are removed and terminal poolers are restricted to single-output behavior.
// The input slice is never modified.
func Build(specs []StepSpec, mode Mode) (*Graph, error) {
	steps := make([]StepSpec, 0, len(specs))
	for _, s := range specs {
		steps = append(steps, s.clone())
	}
	if mode == ModeServe {
		steps = rewriteForServe(steps)
	}

	g := &Graph{
		mode:      mode,
		steps:     steps,
		byName:    make(map[string]int, len(steps)),
		producers: make(map[string]string),
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Mode returns the mode the graph was validated for.
func (g *Graph) Mode() Mode {
	return g.mode
}

// Steps returns a copy of the finalized step specs in declaration order.
func (g *Graph) Steps() []StepSpec {
	out := make([]StepSpec, 0, len(g.steps))
	for _, s := range g.steps {
		out = append(out, s.clone())
	}
	return out
}

// Step returns the spec for the named step.
func (g *Graph) Step(name string) (StepSpec, bool) {
	i, ok := g.byName[name]
	if !ok {
		return StepSpec{}, false
	}
	return g.steps[i].clone(), true
}

// Consumers returns the names of the steps subscribed to the given channel,
// in declaration order. Message fan-out follows this order.
func (g *Graph) Consumers(channel string) []string {
	var out []string
	for _, s := range g.steps {
		for _, in := range s.Inputs {
			if in == channel {
				out = append(out, s.Name)
				break
			}
		}
	}
	return out
}

// Producer returns the name of the step producing the given channel.
func (g *Graph) Producer(channel string) (string, bool) {
	name, ok := g.producers[channel]
	return name, ok
}

// TopoOrder returns the step names in a valid topological order.
func (g *Graph) TopoOrder() []string {
	return append([]string(nil), g.order...)
}

// EntryChannels returns the consumed channels that have no producing step,
// sorted for determinism. In serve mode this is exactly the entry channel.
func (g *Graph) EntryChannels() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range g.steps {
		for _, in := range s.Inputs {
			if _, produced := g.producers[in]; produced {
				continue
			}
			if _, dup := seen[in]; dup {
				continue
			}
			seen[in] = struct{}{}
			out = append(out, in)
		}
	}
	sort.Strings(out)
	return out
}

// TerminalSink returns the name of the designated terminal sink step.
func (g *Graph) TerminalSink() string {
	for _, s := range g.steps {
		if s.Kind == KindSink {
			return s.Name
		}
	}
	return ""
}

func (g *Graph) validate() error {
	var problems []string

	if len(g.steps) == 0 {
		problems = append(problems, "pipeline has no steps")
		return &ValidationError{Problems: problems}
	}

	// Unique step names.
	for i, s := range g.steps {
		if s.Name == "" {
			problems = append(problems, fmt.Sprintf("step %d has no name", i))
			continue
		}
		if _, dup := g.byName[s.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate step name %q", s.Name))
			continue
		}
		g.byName[s.Name] = i
	}

	// Single producer per channel.
	for _, s := range g.steps {
		for _, out := range s.Outputs {
			if out == "" {
				problems = append(problems, fmt.Sprintf("step %q declares an empty output channel", s.Name))
				continue
			}
			if prev, dup := g.producers[out]; dup {
				problems = append(problems, fmt.Sprintf("channel %q produced by both %q and %q", out, prev, s.Name))
				continue
			}
			g.producers[out] = s.Name
		}
	}

	// Per-kind arity and parameter shape.
	for _, s := range g.steps {
		problems = append(problems, validateStep(s)...)
	}

	// Every consumed channel needs a producer, except declared entry points.
	var orphans []string
	for _, s := range g.steps {
		for _, in := range s.Inputs {
			if _, ok := g.producers[in]; !ok {
				orphans = append(orphans, in)
			}
		}
	}
	switch g.mode {
	case ModeServe:
		for _, ch := range orphans {
			if ch != EntryChannel {
				problems = append(problems, fmt.Sprintf("channel %q has no producing step", ch))
			}
		}
		if len(g.EntryChannels()) == 0 {
			problems = append(problems, "serve mode requires a consumer of the entry channel")
		}
	default:
		for _, ch := range orphans {
			problems = append(problems, fmt.Sprintf("channel %q has no producing step", ch))
		}
	}

	// Mode-specific structure.
	sources, sinks := 0, 0
	for _, s := range g.steps {
		switch s.Kind {
		case KindDataSource:
			sources++
		case KindSink:
			sinks++
		}
	}
	if g.mode == ModeBatch && sources == 0 {
		problems = append(problems, "batch mode requires at least one DataSource step")
	}
	if sinks != 1 {
		problems = append(problems, fmt.Sprintf("pipeline must have exactly one Sink step, found %d", sinks))
	}

	// Cycle check: a topological sort must consume every step.
	if len(problems) == 0 {
		order, ok := g.topoSort()
		if !ok {
			problems = append(problems, "pipeline contains a cycle")
		} else {
			g.order = order
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// topoSort runs Kahn's algorithm over the step-level edges derived from
// channel bindings. It reports false if a cycle prevents a complete order.
func (g *Graph) topoSort() ([]string, bool) {
	indegree := make(map[string]int, len(g.steps))
	successors := make(map[string][]string, len(g.steps))
	for _, s := range g.steps {
		indegree[s.Name] += 0
		for _, in := range s.Inputs {
			producer, ok := g.producers[in]
			if !ok {
				continue
			}
			successors[producer] = append(successors[producer], s.Name)
			indegree[s.Name]++
		}
	}

	var ready []string
	for _, s := range g.steps {
		if indegree[s.Name] == 0 {
			ready = append(ready, s.Name)
		}
	}

	order := make([]string, 0, len(g.steps))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, succ := range successors[name] {
			indegree[succ]--
			if indegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}
	return order, len(order) == len(g.steps)
}
