package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"

	"compiled/internal/backend/backendtest"
	"compiled/internal/config"
	"compiled/internal/core"
	"compiled/internal/registry"
	"compiled/pkg/types"
)

const addText = `name: add
outputs: [sum]
nodes:
  - {name: a, op: Parameter, shape: [1, 3]}
  - {name: b, op: Parameter, shape: [1, 3]}
  - {name: sum, op: Add, inputs: [a, b]}
`

func corsOptionsForTest() config.CORSConfig {
	return config.CORSConfig{Enabled: true, Origins: []string{"http://ui.local"}}
}

func corsOptionsZero() config.CORSConfig { return config.CORSConfig{} }

func newCoreMux(t *testing.T) (http.Handler, *backendtest.Fake) {
	t.Helper()
	fake := backendtest.New("arch-1")
	c, err := core.NewWithConfig(core.Config{
		CacheDir: t.TempDir(),
		Devices:  []registry.Descriptor{{Name: "ACC1", Factory: fake.Factory()}},
	})
	if err != nil {
		t.Fatalf("core: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return NewMux(c), fake
}

func compileText(t *testing.T, h http.Handler, body string) types.CompileResponse {
	t.Helper()
	w := do(t, h, http.MethodPost, "/compile", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp types.CompileResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	return resp
}

func TestCompileThroughCache(t *testing.T) {
	h, fake := newCoreMux(t)
	body, _ := json.Marshal(types.CompileRequest{Device: "ACC1", Text: addText})

	first := compileText(t, h, string(body))
	if first.LoadedFromCache || first.Model != "add" || first.CacheKey == "" || first.RequestID == "" {
		t.Fatalf("first=%+v", first)
	}
	second := compileText(t, h, string(body))
	if !second.LoadedFromCache || second.CacheKey != first.CacheKey {
		t.Fatalf("second=%+v", second)
	}
	want := []string{"start", "cache_lookup", "cache_hit", "done"}
	if len(second.States) != len(want) {
		t.Fatalf("states=%v", second.States)
	}
	for i := range want {
		if second.States[i] != want[i] {
			t.Fatalf("states=%v", second.States)
		}
	}
	if fake.Compiles() != 1 {
		t.Fatalf("compiles=%d", fake.Compiles())
	}
}

func TestCompileExportThenImport(t *testing.T) {
	h, _ := newCoreMux(t)
	body, _ := json.Marshal(types.CompileRequest{Device: "ACC1", Text: addText, Export: true})
	resp := compileText(t, h, string(body))
	if len(resp.Artifact) == 0 {
		t.Fatal("artifact not exported")
	}

	imp, _ := json.Marshal(types.ImportRequest{Device: "ACC1", Data: resp.Artifact})
	w := do(t, h, http.MethodPost, "/import", string(imp))
	if w.Code != http.StatusOK {
		t.Fatalf("import status=%d body=%s", w.Code, w.Body.String())
	}
	var got types.CompileResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("json: %v", err)
	}
	if got.Model != "add" || got.Device != "ACC1" {
		t.Fatalf("import=%+v", got)
	}
}

func TestCompileErrorsFromCore(t *testing.T) {
	h, _ := newCoreMux(t)
	if w := do(t, h, http.MethodPost, "/compile", `{"device":"NOPE","text":"name: x"}`); w.Code != http.StatusNotFound {
		t.Fatalf("unknown device status=%d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/compile", `{"device":"ACC1","text":"nodes: ["}`); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("parse error status=%d", w.Code)
	}
}

func TestDeviceLifecycle(t *testing.T) {
	h, _ := newCoreMux(t)
	if w := do(t, h, http.MethodPost, "/devices", `{"name":"ACC1","location":"/x/backend"}`); w.Code != http.StatusConflict {
		t.Fatalf("duplicate status=%d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/devices", `{"name":"BAD.NAME","location":"/x/backend"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid name status=%d", w.Code)
	}
	w := do(t, h, http.MethodPost, "/devices", `{"name":"PLUG","location":"/x/backend"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status=%d body=%s", w.Code, w.Body.String())
	}
	var dev types.Device
	if err := json.Unmarshal(w.Body.Bytes(), &dev); err != nil {
		t.Fatalf("json: %v", err)
	}
	if dev.Name != "PLUG" || dev.Loaded {
		t.Fatalf("device=%+v", dev)
	}

	if w := do(t, h, http.MethodDelete, "/devices/ACC1/instance", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unload of idle device status=%d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/devices/ACC1/properties/DEVICE_ARCHITECTURE", ""); w.Code != http.StatusOK {
		t.Fatalf("property status=%d", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/devices/ACC1/instance", ""); w.Code != http.StatusNoContent {
		t.Fatalf("unload status=%d", w.Code)
	}
}
