package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/crucible/internal/diversity"
	"github.com/talgya/crucible/internal/engine"
	"github.com/talgya/crucible/internal/llm"
	"github.com/talgya/crucible/internal/session"
	"github.com/talgya/crucible/internal/support"
)

type stubGen struct {
	queue []string
	err   error
}

func (g *stubGen) Generate([]llm.Message) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	if len(g.queue) == 0 {
		return "", errors.New("stubGen: script exhausted")
	}
	next := g.queue[0]
	g.queue = g.queue[1:]
	return next, nil
}

func (g *stubGen) Name() string { return "fake" }

type stubPrompts struct{}

func (stubPrompts) SystemPrompt(engine.SystemPromptContext) string       { return "system" }
func (stubPrompts) UserPrompt(engine.UserPromptInput) string             { return "user" }
func (stubPrompts) MirrorSystemPrompt(engine.SystemPromptContext) string { return "mirror system" }
func (stubPrompts) MirrorQuestionPrompt(q string) string                 { return "mirror: " + q }

type halfSource struct{}

func (halfSource) Float() float64 { return 0.5 }

func newTestServer(gen *stubGen) *Server {
	store := session.NewStore(0)
	return &Server{
		Orchestrator: &engine.Orchestrator{
			Store:     store,
			Providers: map[string]llm.Generator{"fake": gen},
			Prompts:   stubPrompts{},
			Support:   support.NewEngine(halfSource{}),
			Guard:     &diversity.Guard{},
			Rand:      halfSource{},
		},
		Store:    store,
		AdminKey: "secret",
	}
}

const day1Body = `{"title": "The Grain Tax", "description": "d", "actions": ["a"], "topic": "economy", "scope": "city", "tension": "scarcity"}`

func postJSON(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func startSession(t *testing.T, s *Server, gen *stubGen, id string) {
	t.Helper()
	gen.queue = append(gen.queue, day1Body)
	w := postJSON(t, s.handleTurn, fmt.Sprintf(
		`{"sessionId": %q, "day": 1, "isFirstTurn": true, "context": {"roleDescription": "mayor", "provider": "fake"}}`, id))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandleTurnDay1(t *testing.T) {
	gen := &stubGen{}
	s := newTestServer(gen)

	startSession(t, s, gen, "s1")

	var resp engine.TurnResponse
	// Re-run against a fresh id to capture the body.
	gen.queue = append(gen.queue, day1Body)
	w := postJSON(t, s.handleTurn,
		`{"sessionId": "s2", "day": 1, "isFirstTurn": true, "context": {"provider": "fake"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "The Grain Tax", resp.Title)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestHandleTurnErrorMapping(t *testing.T) {
	t.Run("invalid json", func(t *testing.T) {
		s := newTestServer(&stubGen{})
		w := postJSON(t, s.handleTurn, "{not json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("validation error", func(t *testing.T) {
		s := newTestServer(&stubGen{})
		w := postJSON(t, s.handleTurn, `{"sessionId": "s1", "day": 0}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing session", func(t *testing.T) {
		s := newTestServer(&stubGen{})
		w := postJSON(t, s.handleTurn, `{"sessionId": "ghost", "day": 3, "priorChoice": "wait"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("transport failure", func(t *testing.T) {
		gen := &stubGen{err: &llm.TransportError{Status: 503}}
		s := newTestServer(gen)
		w := postJSON(t, s.handleTurn,
			`{"sessionId": "s1", "day": 1, "isFirstTurn": true, "context": {"provider": "fake"}}`)
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.NotContains(t, w.Body.String(), "503", "provider detail must not leak")
	})

	t.Run("generation failure", func(t *testing.T) {
		gen := &stubGen{queue: []string{"prose", "more prose"}}
		s := newTestServer(gen)
		w := postJSON(t, s.handleTurn,
			`{"sessionId": "s1", "day": 1, "isFirstTurn": true, "context": {"provider": "fake"}}`)
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		s := newTestServer(&stubGen{})
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()
		s.handleTurn(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestHandleMirror(t *testing.T) {
	gen := &stubGen{}
	s := newTestServer(gen)
	startSession(t, s, gen, "s1")

	gen.queue = append(gen.queue, `{"reply": "you know the answer"}`)
	w := postJSON(t, s.handleMirror, `{"sessionId": "s1", "question": "why?"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp engine.MirrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "you know the answer", resp.Reply)

	w = postJSON(t, s.handleMirror, `{"sessionId": "ghost", "question": "why?"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleCleanup(t *testing.T) {
	gen := &stubGen{}
	s := newTestServer(gen)
	startSession(t, s, gen, "s1")

	w := postJSON(t, s.handleCleanup, `{"sessionId": "s1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, s.Store.Len())

	// Idempotent.
	w = postJSON(t, s.handleCleanup, `{"sessionId": "s1"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = postJSON(t, s.handleCleanup, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStatus(t *testing.T) {
	gen := &stubGen{}
	s := newTestServer(gen)
	startSession(t, s, gen, "s1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w := httptest.NewRecorder()
	s.handleStatus(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "Crucible", status["name"])
	assert.Equal(t, float64(1), status["active_sessions"])
	assert.Equal(t, float64(engine.DefaultTotalDays), status["total_days"])
}

func TestAdminSessions(t *testing.T) {
	gen := &stubGen{}
	s := newTestServer(gen)
	startSession(t, s, gen, "s1")

	handler := s.adminOnly(s.handleSessions)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	w := httptest.NewRecorder()
	handler(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	handler(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	handler(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var sessions []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0]["id"])
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	s := newTestServer(&stubGen{})
	s.AdminKey = ""

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	w := httptest.NewRecorder()
	s.adminOnly(s.handleSessions)(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCORSMiddleware(t *testing.T) {
	s := newTestServer(&stubGen{})
	s.CORSOrigins = []string{"https://game.example.com", " https://staging.example.com "}

	handler := s.corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	get := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	w := get("https://game.example.com")
	assert.Equal(t, "https://game.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	// Configured origins are trimmed.
	w = get("https://staging.example.com")
	assert.Equal(t, "https://staging.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	// Localhost dev servers work without configuration.
	w = get("http://localhost:5173")
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	w = get("https://elsewhere.example.com")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	// Preflight short-circuits before the wrapped handler.
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/turn", nil)
	req.Header.Set("Origin", "https://game.example.com")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour)

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8"), "limits are per client")
	assert.Greater(t, rl.RetryAfter("1.2.3.4"), 0)
}
