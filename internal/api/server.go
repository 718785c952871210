// Package api exposes the game over HTTP.
// POST /turn and /mirror are the playable surface and are rate limited
// because every call burns provider tokens. The session listing is an
// admin control-plane endpoint behind a bearer token.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/talgya/crucible/internal/engine"
	"github.com/talgya/crucible/internal/llm"
	"github.com/talgya/crucible/internal/persistence"
	"github.com/talgya/crucible/internal/session"
)

// Server serves the game API.
type Server struct {
	Orchestrator *engine.Orchestrator
	Store        *session.Store
	DB           *persistence.DB // Optional archive; nil disables archive-backed fields.
	Port         int
	AdminKey     string   // Bearer token for admin endpoints. Empty = admin disabled.
	CORSOrigins  []string // Extra allowed frontend origins beyond the localhost dev servers.
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	// Turn and mirror calls hit the provider; cap them per client IP.
	turnLimiter := NewRateLimiter(120, time.Hour)

	mux := http.NewServeMux()

	// Game endpoints.
	mux.HandleFunc("/api/v1/turn", RateLimitMiddleware(turnLimiter, s.handleTurn))
	mux.HandleFunc("/api/v1/mirror", RateLimitMiddleware(turnLimiter, s.handleMirror))
	mux.HandleFunc("/api/v1/cleanup", s.handleCleanup)

	// Public read-only endpoint.
	mux.HandleFunc("/api/v1/status", s.handleStatus)

	// Admin endpoints (require bearer token).
	mux.HandleFunc("/api/v1/sessions", s.adminOnly(s.handleSessions))

	addr := fmt.Sprintf(":%d", s.Port)
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")

	go func() {
		handler := s.corsMiddleware(mux)
		if err := http.ListenAndServe(addr, handler); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// CORSOrigins extends the set; localhost dev servers are always allowed.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:4173": true,
		"http://localhost:3000": true,
	}
	for _, origin := range s.CORSOrigins {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			allowedOrigins[origin] = true
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			http.Error(w, "admin endpoints disabled (no CRUCIBLE_ADMIN_KEY set)", http.StatusForbidden)
			return
		}
		if !s.checkBearerToken(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req engine.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	resp, err := s.Orchestrator.RunTurn(req)
	if err != nil {
		s.writeTurnError(w, req.SessionID, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleMirror(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req engine.MirrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	resp, err := s.Orchestrator.RunMirror(req)
	if err != nil {
		s.writeTurnError(w, req.SessionID, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	s.Orchestrator.Cleanup(req.SessionID)
	writeJSON(w, map[string]any{"success": true})
}

// writeTurnError maps engine errors onto HTTP statuses without leaking
// provider internals to the client.
func (s *Server) writeTurnError(w http.ResponseWriter, sessionID string, err error) {
	var verr *engine.ValidationError
	var gerr *engine.GenerationError
	var terr *llm.TransportError

	switch {
	case errors.As(err, &verr):
		http.Error(w, verr.Reason, http.StatusBadRequest)
	case errors.Is(err, engine.ErrMissingSession):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.As(err, &terr):
		slog.Error("provider transport failure", "session", sessionID, "status", terr.Status)
		http.Error(w, "narrative provider unavailable", http.StatusBadGateway)
	case errors.As(err, &gerr):
		slog.Error("generation unrecoverable", "session", sessionID, "raw_len", len(gerr.Raw))
		http.Error(w, "narrative generation failed", http.StatusBadGateway)
	default:
		slog.Error("turn failed", "session", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	totalDays := s.Orchestrator.TotalDays
	if totalDays == 0 {
		totalDays = engine.DefaultTotalDays
	}

	providers := make([]string, 0, len(s.Orchestrator.Providers))
	for name := range s.Orchestrator.Providers {
		providers = append(providers, name)
	}

	status := map[string]any{
		"name":            "Crucible",
		"active_sessions": s.Store.Len(),
		"providers":       providers,
		"total_days":      totalDays,
	}

	if s.DB != nil {
		if n, err := s.DB.GameCount(); err == nil {
			status["archived_games"] = n
		}
	}

	writeJSON(w, status)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type sessionSummary struct {
		ID           string    `json:"id"`
		Provider     string    `json:"provider"`
		Days         int       `json:"days"`
		PersonalDead bool      `json:"personalDead"`
		LastTouched  time.Time `json:"lastTouched"`
	}

	var result []sessionSummary
	for _, sum := range s.Store.Snapshot() {
		result = append(result, sessionSummary{
			ID:           sum.ID,
			Provider:     sum.Provider,
			Days:         sum.Turns,
			PersonalDead: sum.PersonalDead,
			LastTouched:  sum.LastTouched,
		})
	}
	writeJSON(w, result)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
