package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
)

func metricsStub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMetricsMountedOnMainServerWithoutBind(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.PrometheusBind = ""
	mux := New(cfg, newLogger()).routes(metricsStub())
	if rec := get(t, mux, "/metrics"); rec.Code != http.StatusOK || rec.Body.String() != "# metrics" {
		t.Fatalf("expected metrics on main mux, got %d %q", rec.Code, rec.Body.String())
	}

	cfg.Telemetry.PrometheusBind = ":9091"
	mux = New(cfg, newLogger()).routes(metricsStub())
	if rec := get(t, mux, "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics should live on its own listener, got %d", rec.Code)
	}
}

func TestReadinessBeforeStart(t *testing.T) {
	mux := New(config.Default(), newLogger()).routes(nil)
	if rec := get(t, mux, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := get(t, mux, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start should be 503, got %d", rec.Code)
	}
}

func TestGenerationEndpoints(t *testing.T) {
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "narrator.db")
	cfg.EventStore.RetentionMode = "persistent"
	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.StartGeneration(context.Background(), eventstore.Generation{ID: "gen-7", Status: "running", Chunks: 2}); err != nil {
		t.Fatalf("start generation: %v", err)
	}
	if err := store.RecordChunk(context.Background(), eventstore.ChunkEvent{GenerationID: "gen-7", Index: 0, Outcome: "completed"}); err != nil {
		t.Fatalf("record chunk: %v", err)
	}

	r := New(cfg, newLogger())
	r.store = store
	mux := r.routes(nil)

	rec := get(t, mux, "/generations?limit=5")
	var list []eventstore.Generation
	if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &list) != nil || len(list) != 1 || list[0].ID != "gen-7" {
		t.Fatalf("unexpected list %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, mux, "/generations?limit=zero"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}

	rec = get(t, mux, "/generations/gen-7")
	var detail generationDetail
	if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &detail) != nil || len(detail.Events) != 1 {
		t.Fatalf("unexpected detail %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, mux, "/generations/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
