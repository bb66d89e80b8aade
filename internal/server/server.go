// Package server exposes the HTTP surface: ingest, queries, trash
// lifecycle, identity admin, backup, and health probes. Handlers stay
// thin; everything interesting lives behind the storage and ingest
// packages.
package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsehq/pulse/internal/auth"
	"github.com/pulsehq/pulse/internal/config"
	"github.com/pulsehq/pulse/internal/ingest"
	"github.com/pulsehq/pulse/internal/storage"
)

// Server wires handlers to the storage and ingest layers.
type Server struct {
	store    storage.Store
	ingestor *ingest.Ingestor
	auth     *auth.Service
	cfg      *config.Config
	log      zerolog.Logger
}

func New(store storage.Store, ingestor *ingest.Ingestor, authSvc *auth.Service, cfg *config.Config, log zerolog.Logger) *Server {
	return &Server{
		store:    store,
		ingestor: ingestor,
		auth:     authSvc,
		cfg:      cfg,
		log:      log.With().Str("component", "server").Logger(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/events", s.handleIngest)
	mux.HandleFunc("GET /api/events", s.handleGetEvents)
	mux.HandleFunc("GET /api/events/{id}", s.handleGetEvent)
	mux.HandleFunc("DELETE /api/events", s.handleDeleteAllEvents)
	mux.HandleFunc("DELETE /api/events/{id}", s.handleDeleteEvent)
	mux.HandleFunc("POST /api/events/{id}/recover", s.handleRecoverEvent)
	mux.HandleFunc("DELETE /api/events/{id}/permanent", s.handlePermanentDelete)

	mux.HandleFunc("GET /api/sessions", s.handleGetSessions)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)

	mux.HandleFunc("GET /api/stats/daily", s.handleDailyStats)
	mux.HandleFunc("GET /api/stats/daily/by-type", s.handleDailyStatsByType)
	mux.HandleFunc("GET /api/stats/top-users", s.handleTopUsers)
	mux.HandleFunc("GET /api/stats/top-teams", s.handleTopTeams)
	mux.HandleFunc("GET /api/stats/tools", s.handleToolUsage)
	mux.HandleFunc("GET /api/stats/db-size", s.handleDBSize)

	mux.HandleFunc("GET /api/trash", s.handleGetTrash)
	mux.HandleFunc("POST /api/trash/empty", s.handleEmptyTrash)

	mux.HandleFunc("GET /api/teams", s.handleListTeams)
	mux.HandleFunc("POST /api/teams", s.handleCreateTeam)
	mux.HandleFunc("GET /api/teams/{id}", s.handleGetTeam)
	mux.HandleFunc("PUT /api/teams/{id}", s.handleUpdateTeam)
	mux.HandleFunc("DELETE /api/teams/{id}", s.handleDeleteTeam)
	mux.HandleFunc("PUT /api/teams/{id}/logo", s.handleSetTeamLogo)

	mux.HandleFunc("GET /api/orgs", s.handleListOrgs)
	mux.HandleFunc("PUT /api/orgs/{serverId}", s.handleUpsertOrg)
	mux.HandleFunc("PUT /api/orgs/{serverId}/team", s.handleMoveOrgToTeam)
	mux.HandleFunc("POST /api/orgs/{serverId}/recalculate", s.handleRecalculateOrg)

	mux.HandleFunc("GET /api/people", s.handleListPeople)
	mux.HandleFunc("POST /api/people", s.handleCreatePerson)
	mux.HandleFunc("GET /api/people/{id}", s.handleGetPerson)
	mux.HandleFunc("PUT /api/people/{id}", s.handleUpdatePerson)
	mux.HandleFunc("DELETE /api/people/{id}", s.handleDeletePerson)
	mux.HandleFunc("POST /api/people/{id}/usernames", s.handleAddUsername)
	mux.HandleFunc("DELETE /api/people/{id}/usernames/{username}", s.handleRemoveUsername)

	mux.HandleFunc("GET /api/export", s.handleExport)
	mux.HandleFunc("POST /api/import", s.handleImport)

	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeStoreError maps storage sentinels onto status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case storage.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found")
	case storage.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict")
	case errors.Is(err, storage.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation failed")
	default:
		s.log.Error().Err(err).Msg("storage error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// queryTime accepts RFC 3339 or a bare UTC date.
func queryTime(r *http.Request, key string) *time.Time {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, time.UTC); err == nil {
		return &t
	}
	return nil
}

// queryList splits a repeatable, comma-separable parameter.
func queryList(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
