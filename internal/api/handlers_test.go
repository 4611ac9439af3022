package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/agentwire/agentwire/internal/agent/acp"
	"github.com/agentwire/agentwire/internal/agent/credentials"
	"github.com/agentwire/agentwire/internal/agent/registry"
	"github.com/agentwire/agentwire/internal/agent/runtime"
	"github.com/agentwire/agentwire/internal/common/config"
	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/internal/relay"
	"github.com/agentwire/agentwire/internal/storage"
	"github.com/agentwire/agentwire/internal/streaming"
	"github.com/agentwire/agentwire/pkg/acp/protocol"
)

func newTestRouter(t *testing.T) (*gin.Engine, *relay.Relay) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	r := relay.NewRelay(store, nil, log)
	hub := streaming.NewHub(r, log)

	reg := registry.NewRegistry()
	sessions := acp.NewSessionManager(
		config.AgentsConfig{WorkDir: t.TempDir()},
		reg,
		credentials.NewEnvProvider("AGENTWIRE_TEST_"),
		runtime.NewLocalLauncher(log),
		r,
		log,
	)
	t.Cleanup(func() { sessions.Shutdown(context.Background()) })

	return SetupRouter(sessions, reg, r, hub, log), r
}

func doRequest(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(t, router, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %s", resp.Status)
	}
	if resp.DegradedNetwork {
		t.Errorf("fresh policy should not be degraded")
	}
}

func TestListAgentsReturnsDefaults(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(t, router, http.MethodGet, "/api/v1/agents", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp AgentsListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total == 0 {
		t.Fatal("expected default agent profiles")
	}
	found := false
	for _, a := range resp.Agents {
		if a.ID == "claude-code" {
			found = true
		}
	}
	if !found {
		t.Error("claude-code profile missing from listing")
	}
}

func TestCreateSessionValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"missing agent id", `{}`, http.StatusBadRequest},
		{"unknown agent", `{"agent_id":"nope"}`, http.StatusBadRequest},
		{"malformed json", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(t, router, http.MethodPost, "/api/v1/sessions", tc.body)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestSessionNotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	paths := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodGet, "/api/v1/sessions/missing", ""},
		{http.MethodDelete, "/api/v1/sessions/missing", ""},
		{http.MethodPost, "/api/v1/sessions/missing/prompt", `{"text":"hi"}`},
		{http.MethodPost, "/api/v1/sessions/missing/cancel", `{}`},
		{http.MethodPost, "/api/v1/sessions/missing/permission", `{"call_id":"c1"}`},
	}
	for _, tc := range paths {
		w := doRequest(t, router, tc.method, tc.path, tc.body)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s: status = %d, want 404", tc.method, tc.path, w.Code)
		}
	}
}

func TestListSessionsEmpty(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(t, router, http.MethodGet, "/api/v1/sessions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp SessionsListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 0 {
		t.Errorf("total = %d, want 0", resp.Total)
	}
}

func TestGetMessagesReturnsPersistedHistory(t *testing.T) {
	router, r := newTestRouter(t)
	ctx := context.Background()

	if err := r.Deliver(ctx, protocol.NewFinalMessage("conv-1", "m1", "first")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := r.Deliver(ctx, protocol.NewFinalMessage("conv-1", "m2", "second")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	// Live deltas never reach history.
	if err := r.Deliver(ctx, protocol.NewContentDeltaMessage("conv-1", "m3", "x")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	w := doRequest(t, router, http.MethodGet, "/api/v1/sessions/conv-1/messages", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Messages []*storage.StoredMessage `json:"messages"`
		Total    int                      `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 2 {
		t.Fatalf("total = %d, want 2", resp.Total)
	}
	if resp.Messages[0].MsgID != "m1" || resp.Messages[1].MsgID != "m2" {
		t.Errorf("order = %s, %s", resp.Messages[0].MsgID, resp.Messages[1].MsgID)
	}

	w = doRequest(t, router, http.MethodGet, "/api/v1/sessions/conv-1/messages?limit=bad", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d, want 400", w.Code)
	}
}
