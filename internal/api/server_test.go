package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenRill/internal/prefs"
	"OpenRill/internal/relay"
	"OpenRill/internal/source"
	"OpenRill/internal/stream"
)

type replayFactory struct {
	records []source.Record
}

func (f *replayFactory) Kind() string { return "replay" }

func (f *replayFactory) Open(_ context.Context, _ source.Options) (source.Opened, error) {
	idx := 0
	src := stream.SourceFuncs{
		PullFunc: func(_ context.Context, ctl *stream.Controller) error {
			if idx < len(f.records) {
				record := f.records[idx]
				idx++
				return ctl.Enqueue(record)
			}
			return ctl.Close()
		},
	}
	return source.Opened{Source: src}, nil
}

func newTestServer(t *testing.T, auth AuthConfig) (*Server, *relay.Relay) {
	t.Helper()
	registry := source.NewRegistry()
	factory := &replayFactory{records: []source.Record{
		{Payload: map[string]any{"n": 1}, Offset: "1", Bytes: 8},
		{Payload: map[string]any{"n": 2}, Offset: "2", Bytes: 8},
	}}
	if err := registry.RegisterFactory(factory); err != nil {
		t.Fatalf("register factory: %v", err)
	}
	if err := registry.Define("numbers", source.Definition{Kind: "replay"}); err != nil {
		t.Fatalf("define source: %v", err)
	}
	prefsMap, err := prefs.Load()
	if err != nil {
		t.Fatalf("load prefs: %v", err)
	}
	rl := relay.New(registry, nil, prefsMap)
	t.Cleanup(func() { _ = rl.Close() })
	return NewServer(":0", rl, registry, prefsMap, auth), rl
}

func TestOpenGetCancelStream(t *testing.T) {
	server, _ := newTestServer(t, AuthConfig{})
	handler := server.Handler()

	body := strings.NewReader(`{"source":"numbers"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/streams", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusCreated)
	}
	var session relay.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if session.ID == "" || session.Source != "numbers" {
		t.Fatalf("unexpected session: %+v", session)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/streams?id="+session.ID, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status: got %d want %d", rec.Code, http.StatusOK)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/streams?id="+session.ID, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cancel status: got %d want %d", rec.Code, http.StatusNoContent)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/streams?id="+session.ID, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var got relay.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.State != relay.StateCanceled {
		t.Fatalf("expected canceled state, got %s", got.State)
	}
}

func TestStreamDetailErrors(t *testing.T) {
	server, _ := newTestServer(t, AuthConfig{})
	handler := server.Handler()

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/api/v1/streams", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/streams?id=missing", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/streams", strings.NewReader(`{"source":"nope"}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestChunksDeliveryNDJSON(t *testing.T) {
	server, rl := newTestServer(t, AuthConfig{})

	session, err := rl.Open(context.Background(), relay.OpenRequest{Source: "numbers"})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/streams/chunks?id=" + session.ID)
	if err != nil {
		t.Fatalf("request chunks: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "application/x-ndjson" {
		t.Fatalf("unexpected content type: %q", got)
	}

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d: %v", len(lines), lines)
	}

	var record source.Record
	if err := json.Unmarshal([]byte(lines[1]), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.Offset != "2" {
		t.Fatalf("unexpected offset: %q", record.Offset)
	}

	if got := resp.Trailer.Get("Last-Offset"); got != "2" {
		t.Fatalf("unexpected Last-Offset trailer: %q", got)
	}
}

func TestChunksSecondConsumerConflicts(t *testing.T) {
	server, rl := newTestServer(t, AuthConfig{})
	handler := server.Handler()

	session, err := rl.Open(context.Background(), relay.OpenRequest{Source: "numbers"})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if _, err := rl.Attach(session.ID); err != nil {
		t.Fatalf("attach: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/streams/chunks?id="+session.ID, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, rec.Code)
	}
}

func TestStaticAuth(t *testing.T) {
	server, _ := newTestServer(t, AuthConfig{Mode: AuthStatic, Keys: []string{"secret-key"}})
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/streams", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key should be rejected, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/streams", nil)
	req.Header.Set("Authorization", "Bearer wrong-keyyy")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key should be rejected, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/streams", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid key should pass, got %d", rec.Code)
	}

	// healthz 不做鉴权。
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz should be open, got %d", rec.Code)
	}
}

func TestListSources(t *testing.T) {
	server, _ := newTestServer(t, AuthConfig{})
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sources", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	var infos []source.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "numbers" {
		t.Fatalf("unexpected sources: %+v", infos)
	}
}
