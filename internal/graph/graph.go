// Package graph holds the in-memory model representation consumed by the
// compile core and a reader for its YAML/JSON text form.
package graph

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Node is a single operation in the graph.
type Node struct {
	Name   string         `yaml:"name" json:"name"`
	Op     string         `yaml:"op" json:"op"`
	Inputs []string       `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Shape  []int64        `yaml:"shape,omitempty" json:"shape,omitempty"`
	Attrs  map[string]any `yaml:"attrs,omitempty" json:"attrs,omitempty"`
}

// Model is a declarative computation graph plus its weights buffer.
type Model struct {
	Name    string   `yaml:"name" json:"name"`
	Outputs []string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Nodes   []Node   `yaml:"nodes" json:"nodes"`
	// Weights is the raw constant buffer referenced by the graph.
	Weights []byte `yaml:"-" json:"-"`
}

// WeightsExt is the extension of the weights file read alongside a model file.
const WeightsExt = ".bin"

// Parse decodes model text (YAML, or JSON as a YAML subset) and attaches the
// weights buffer.
func Parse(text, weights []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(text, &m); err != nil {
		return nil, fmt.Errorf("parse model: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	m.Weights = weights
	return &m, nil
}

// ReadFile reads a model file and, if present, its sibling weights file
// (same base name with the WeightsExt extension).
func ReadFile(path string) (*Model, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	weights, err := os.ReadFile(WeightsPath(path))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	return Parse(text, weights)
}

// WeightsPath returns the weights file path paired with a model path.
func WeightsPath(modelPath string) string {
	if i := strings.LastIndexByte(modelPath, '.'); i > strings.LastIndexAny(modelPath, `/\`) {
		return modelPath[:i] + WeightsExt
	}
	return modelPath + WeightsExt
}

// Validate checks structural well-formedness: at least one node, unique
// names, and inputs that reference earlier nodes.
func (m *Model) Validate() error {
	if len(m.Nodes) == 0 {
		return errors.New("model has no nodes")
	}
	seen := make(map[string]bool, len(m.Nodes))
	for i, n := range m.Nodes {
		if n.Name == "" {
			return fmt.Errorf("node %d: empty name", i)
		}
		if n.Op == "" {
			return fmt.Errorf("node %q: empty op", n.Name)
		}
		if seen[n.Name] {
			return fmt.Errorf("node %q: duplicate name", n.Name)
		}
		for _, in := range n.Inputs {
			if !seen[in] {
				return fmt.Errorf("node %q: unknown input %q", n.Name, in)
			}
		}
		seen[n.Name] = true
	}
	for _, out := range m.Outputs {
		if !seen[out] {
			return fmt.Errorf("unknown output %q", out)
		}
	}
	return nil
}

// Ops returns the number of nodes with the given op type.
func (m *Model) Ops(op string) int {
	n := 0
	for _, node := range m.Nodes {
		if node.Op == op {
			n++
		}
	}
	return n
}
