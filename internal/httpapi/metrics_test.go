package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"compiled/pkg/types"
)

func TestMetricsMiddlewareLabelsByRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/devices/{name}/properties/{property}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := MetricsMiddleware(r)

	route := "/devices/{name}/properties/{property}"
	before := testutil.ToFloat64(httpRequests.WithLabelValues(route, http.MethodGet, "418"))
	unmatched := testutil.ToFloat64(httpRequests.WithLabelValues("unmatched", http.MethodGet, "404"))

	for _, p := range []string{"/devices/A/properties/X", "/devices/B/properties/Y"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/random/path", nil))

	if got := testutil.ToFloat64(httpRequests.WithLabelValues(route, http.MethodGet, "418")) - before; got != 2 {
		t.Fatalf("route requests=%v, want 2", got)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("unmatched", http.MethodGet, "404")) - unmatched; got != 1 {
		t.Fatalf("unmatched requests=%v, want 1", got)
	}
}

func TestMetricsMiddlewareDefaultStatus(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/ok", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	before := testutil.ToFloat64(httpRequests.WithLabelValues("/ok", http.MethodGet, "200"))
	MetricsMiddleware(r).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("/ok", http.MethodGet, "200")) - before; got != 1 {
		t.Fatalf("requests=%v, want 1", got)
	}
}

func TestCompileResultMetrics(t *testing.T) {
	h, _ := newCoreMux(t)
	compiled := compileResults.WithLabelValues("compile", "ACC1", "compiled")
	cached := compileResults.WithLabelValues("compile", "ACC1", "cache")
	imported := compileResults.WithLabelValues("import", "ACC1", "imported")
	c0, h0, i0 := testutil.ToFloat64(compiled), testutil.ToFloat64(cached), testutil.ToFloat64(imported)
	out0 := testutil.CollectAndCount(artifactBytes)

	// A model name not used by other tests keeps the first compile a miss.
	text := "name: metrics-add\n" + addText[len("name: add\n"):]
	body, _ := json.Marshal(types.CompileRequest{Device: "ACC1", Text: text, Export: true})
	first := compileText(t, h, string(body))
	compileText(t, h, string(body))

	imp, _ := json.Marshal(types.ImportRequest{Device: "ACC1", Data: first.Artifact})
	if w := do(t, h, http.MethodPost, "/import", string(imp)); w.Code != http.StatusOK {
		t.Fatalf("import status=%d body=%s", w.Code, w.Body.String())
	}

	if got := testutil.ToFloat64(compiled) - c0; got != 1 {
		t.Fatalf("compiled=%v, want 1", got)
	}
	if got := testutil.ToFloat64(cached) - h0; got != 1 {
		t.Fatalf("cache=%v, want 1", got)
	}
	if got := testutil.ToFloat64(imported) - i0; got != 1 {
		t.Fatalf("imported=%v, want 1", got)
	}
	if n := testutil.CollectAndCount(artifactBytes); n < 2 || n < out0 {
		t.Fatalf("artifact_bytes series=%d", n)
	}
	if v := testutil.ToFloat64(compileInflight); v != 0 {
		t.Fatalf("inflight=%v after requests finished", v)
	}
}

func TestErrorResponsesCounted(t *testing.T) {
	before := testutil.ToFloat64(errorResponses.WithLabelValues("400"))
	writeJSONError(httptest.NewRecorder(), http.StatusBadRequest, "bad")
	if got := testutil.ToFloat64(errorResponses.WithLabelValues("400")) - before; got != 1 {
		t.Fatalf("400 responses=%v, want 1", got)
	}
}
