package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/emberhall/hearth/internal/history"
	"github.com/emberhall/hearth/internal/homeassistant"
	"github.com/emberhall/hearth/internal/orchestrator"
	"github.com/emberhall/hearth/internal/refine"
	"github.com/emberhall/hearth/internal/session"
	"github.com/emberhall/hearth/internal/synth"
	"github.com/emberhall/hearth/internal/vecindex"
)

// staticLLM answers every classification with a fixed intent.
type staticLLM struct {
	intent string
}

func (s *staticLLM) Complete(ctx context.Context, model, system, user string) (string, error) {
	return s.intent, nil
}

func (s *staticLLM) Ping(ctx context.Context) error { return nil }

type staticEmbedder struct{}

func (staticEmbedder) Generate(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (staticEmbedder) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type staticEntities struct{}

func (staticEntities) ListEntities(ctx context.Context) ([]homeassistant.Entity, error) {
	return nil, nil
}

type nopExecutor struct{}

func (nopExecutor) Execute(ctx context.Context, service string, data map[string]any) bool {
	return true
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func newTestServer(t *testing.T, ha Pinger) *Server {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	dir := t.TempDir()

	syn := synth.New(&staticLLM{intent: "test"}, "gpt-4o-mini", "", logger)
	refiner := refine.New(refine.Config{})
	index := vecindex.New(dir, staticEmbedder{}, logger)
	sessions := session.NewStore(0)
	hist := history.New(dir, logger)
	resolver := session.NewResolver(sessions, nopExecutor{}, hist, nil, session.Config{}, logger)

	orch := orchestrator.New(orchestrator.Config{}, syn, refiner, index, sessions, resolver,
		nil, staticEntities{}, nil, hist, nil, logger)

	return NewServer("127.0.0.1", 0, orch, hist, ha, logger)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
		}
	}
	return rec, out
}

func TestConverse(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	rec, out := doJSON(t, h, "POST", "/api/converse", `{"text":"hello","conversation_id":"conv-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if out["response"] != "Test done" {
		t.Errorf("response = %q, want %q", out["response"], "Test done")
	}
	if out["conversation_id"] != "conv-1" {
		t.Errorf("conversation_id = %q, want conv-1", out["conversation_id"])
	}
	if out["success"] != true {
		t.Errorf("success = %v, want true", out["success"])
	}
	if out["request_id"] == "" {
		t.Error("request_id is empty")
	}
}

func TestConverseGeneratesConversationID(t *testing.T) {
	srv := newTestServer(t, nil)
	_, out := doJSON(t, srv.Handler(), "POST", "/api/converse", `{"text":"hello"}`)
	if id, _ := out["conversation_id"].(string); id == "" {
		t.Error("expected a generated conversation_id")
	}
}

func TestConverseRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	rec, _ := doJSON(t, h, "POST", "/api/converse", `{"text":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty text: status = %d, want 400", rec.Code)
	}

	rec, _ = doJSON(t, h, "POST", "/api/converse", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad JSON: status = %d, want 400", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.hist.Append(history.Entry{UserText: "turn on the lamp"})

	rec, out := doJSON(t, srv.Handler(), "GET", "/api/history?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if out["count"] != float64(1) {
		t.Errorf("count = %v, want 1", out["count"])
	}
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	srv := newTestServer(t, nil)
	rec, _ := doJSON(t, srv.Handler(), "GET", "/api/history?limit=-3", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAreasEmpty(t *testing.T) {
	srv := newTestServer(t, nil)
	rec, out := doJSON(t, srv.Handler(), "GET", "/api/areas", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if _, ok := out["summary"]; !ok {
		t.Error("missing summary field")
	}
	if _, ok := out["devices"]; !ok {
		t.Error("missing devices field")
	}
}

func TestHealthHealthy(t *testing.T) {
	srv := newTestServer(t, &fakePinger{})
	_, out := doJSON(t, srv.Handler(), "GET", "/api/health", "")
	if out["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", out["status"])
	}
	if out["homeassistant"] != "ok" {
		t.Errorf("homeassistant = %v, want ok", out["homeassistant"])
	}
}

func TestHealthDegraded(t *testing.T) {
	srv := newTestServer(t, &fakePinger{err: errors.New("connection refused")})
	_, out := doJSON(t, srv.Handler(), "GET", "/api/health", "")
	if out["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", out["status"])
	}
}

func TestRebuildAccepted(t *testing.T) {
	srv := newTestServer(t, nil)
	rec, out := doJSON(t, srv.Handler(), "POST", "/api/rebuild", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if out["status"] != "rebuilding" {
		t.Errorf("status = %v, want rebuilding", out["status"])
	}
}

func TestVersionAndRoot(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	rec, out := doJSON(t, h, "GET", "/api/version", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("version status = %d, want 200", rec.Code)
	}
	if out["version"] == "" {
		t.Error("version is empty")
	}

	rec, out = doJSON(t, h, "GET", "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("root status = %d, want 200", rec.Code)
	}
	if out["name"] != "Hearth" {
		t.Errorf("name = %v, want Hearth", out["name"])
	}
}
