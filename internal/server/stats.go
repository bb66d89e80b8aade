package server

import (
	"net/http"

	"github.com/pulsehq/pulse/internal/types"
)

func (s *Server) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.GetSessions(r.Context(),
		queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.GetDailyStats(r.Context(), queryInt(r, "days", 30))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDailyStatsByType(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.GetDailyStatsByType(r.Context(), queryInt(r, "days", 30))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTopUsers(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.GetTopUsers(r.Context(),
		queryInt(r, "days", 30), queryInt(r, "limit", 10))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTopTeams(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.GetTopTeams(r.Context(),
		queryInt(r, "days", 30), queryInt(r, "limit", 10), nil)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleToolUsage(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.GetToolUsageStats(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDBSize(w http.ResponseWriter, r *http.Request) {
	bytes, err := s.store.SizeBytes(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.DatabaseSize{
		Bytes:    bytes,
		MaxBytes: s.cfg.MaxDBSize,
	})
}
