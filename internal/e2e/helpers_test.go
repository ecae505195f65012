package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"compiled/internal/backend/reference"
	"compiled/internal/backend/rpcplugin"
	"compiled/internal/core"
	"compiled/internal/events"
	"compiled/internal/httpapi"
	"compiled/internal/registry"
	"compiled/pkg/types"
)

const addModel = `name: add
outputs: [sum]
nodes:
  - {name: a, op: Parameter, shape: [1, 3]}
  - {name: b, op: Parameter, shape: [1, 3]}
  - {name: sum, op: Add, inputs: [a, b]}
`

// newServer starts an HTTP server over a core with a reference backend
// registered as REF and a cache in a temp dir.
func newServer(t *testing.T, refCfg reference.Config) (*httptest.Server, *core.Core, *events.Memory) {
	t.Helper()
	pub := events.NewMemory()
	c, err := core.NewWithConfig(core.Config{
		DefaultDevice: "REF",
		Devices:       []registry.Descriptor{{Name: "REF", Factory: reference.Factory(refCfg)}},
		CacheDir:      t.TempDir(),
		Opener:        rpcplugin.Opener{},
		Publisher:     pub,
	})
	if err != nil {
		t.Fatalf("core: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(c))
	t.Cleanup(func() {
		srv.Close()
		c.Close()
	})
	return srv, c, pub
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	return doReq(t, req)
}

func httpSendJSON(t *testing.T, method, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, bytes.NewReader(b))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doReq(t, req)
}

func doReq(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func compile(t *testing.T, url string, req types.CompileRequest) types.CompileResponse {
	t.Helper()
	resp, body := httpSendJSON(t, http.MethodPost, url+"/compile", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/compile status=%d body=%s", resp.StatusCode, body)
	}
	var out types.CompileResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("json: %v", err)
	}
	return out
}
