package graph

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const addText = `name: add
outputs: [sum]
nodes:
  - {name: a, op: Parameter, shape: [1, 3]}
  - {name: b, op: Parameter, shape: [1, 3]}
  - {name: sum, op: Add, inputs: [a, b], attrs: {broadcast: numpy}}
`

func TestParseYAML(t *testing.T) {
	m, err := Parse([]byte(addText), []byte{1, 2})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Name != "add" || len(m.Nodes) != 3 || m.Ops("Add") != 1 {
		t.Fatalf("unexpected model: %+v", m)
	}
	if got := m.Nodes[2].Attrs["broadcast"]; got != "numpy" {
		t.Fatalf("attr broadcast = %v", got)
	}
	if len(m.Weights) != 2 {
		t.Fatalf("weights not attached")
	}
}

func TestParseJSON(t *testing.T) {
	text := `{"name":"j","nodes":[{"name":"x","op":"Parameter"},{"name":"y","op":"Relu","inputs":["x"]}]}`
	m, err := Parse([]byte(text), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Nodes[1].Inputs[0] != "x" {
		t.Fatalf("unexpected inputs: %+v", m.Nodes[1])
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"empty", "name: e\nnodes: []\n", "no nodes"},
		{"dup", "nodes:\n  - {name: a, op: P}\n  - {name: a, op: P}\n", "duplicate"},
		{"unknown input", "nodes:\n  - {name: a, op: Relu, inputs: [z]}\n", "unknown input"},
		{"no op", "nodes:\n  - {name: a}\n", "empty op"},
		{"bad output", "outputs: [q]\nnodes:\n  - {name: a, op: P}\n", "unknown output"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.text), nil)
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("err = %v, want %q", err, c.want)
			}
		})
	}
}

func TestReadFileWithWeights(t *testing.T) {
	d := t.TempDir()
	p := filepath.Join(d, "add.yaml")
	if err := os.WriteFile(p, []byte(addText), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(d, "add.bin"), []byte{9, 9, 9}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := ReadFile(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(m.Weights) != 3 {
		t.Fatalf("expected weights from sibling file, got %d bytes", len(m.Weights))
	}
}

func TestWeightsPath(t *testing.T) {
	cases := map[string]string{
		"/m/model.yaml": "/m/model.bin",
		"/m/model":      "/m/model.bin",
		"/m.d/model":    "/m.d/model.bin",
		"rel/x.v1.json": "rel/x.v1.bin",
	}
	for in, want := range cases {
		if got := WeightsPath(in); got != want {
			t.Fatalf("WeightsPath(%q) = %q, want %q", in, got, want)
		}
	}
}
