// Package graphtest builds small models for tests.
package graphtest

import (
	"fmt"

	"compiled/internal/graph"
)

// OneAdd returns a graph with two parameters feeding a single Add node.
func OneAdd() *graph.Model {
	return &graph.Model{
		Name: "one_add",
		Nodes: []graph.Node{
			{Name: "a", Op: "Parameter", Shape: []int64{1, 3}},
			{Name: "b", Op: "Parameter", Shape: []int64{1, 3}},
			{Name: "sum", Op: "Add", Inputs: []string{"a", "b"}, Shape: []int64{1, 3}},
		},
		Outputs: []string{"sum"},
	}
}

// Chain returns a parameter followed by n Relu nodes with the given width.
func Chain(n int, width int64) *graph.Model {
	m := &graph.Model{Name: fmt.Sprintf("chain_%d", n)}
	m.Nodes = append(m.Nodes, graph.Node{Name: "in", Op: "Parameter", Shape: []int64{1, width}})
	prev := "in"
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("relu%d", i)
		m.Nodes = append(m.Nodes, graph.Node{Name: name, Op: "Relu", Inputs: []string{prev}, Shape: []int64{1, width}})
		prev = name
	}
	m.Outputs = []string{prev}
	return m
}

// OneAddYAML is OneAdd in text form.
const OneAddYAML = `name: one_add
outputs: [sum]
nodes:
  - {name: a, op: Parameter, shape: [1, 3]}
  - {name: b, op: Parameter, shape: [1, 3]}
  - {name: sum, op: Add, inputs: [a, b], shape: [1, 3]}
`
