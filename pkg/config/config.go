// Package config loads pipeline definitions from JSON files.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/wehubfusion/Daedalus/pkg/graph"
)

// Pipeline is the on-disk pipeline definition.
type Pipeline struct {
	// Name is an optional human-readable pipeline name.
	Name string `json:"name,omitempty"`

	// Steps declares the graph nodes. Validation happens in graph.Build,
	// not here; loading only checks structural well-formedness of the file.
	Steps []graph.StepSpec `json:"steps"`
}

// Load reads and decodes a pipeline definition file.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline definition: %w", err)
	}
	return Parse(data)
}

// Parse decodes a pipeline definition from raw JSON.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding pipeline definition: %w", err)
	}
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("pipeline definition declares no steps")
	}
	return &p, nil
}

// Build validates the loaded definition for the given mode and returns the
// finalized graph.
func (p *Pipeline) Build(mode graph.Mode) (*graph.Graph, error) {
	return graph.Build(p.Steps, mode)
}
