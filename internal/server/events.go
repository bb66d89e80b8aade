package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/pulsehq/pulse/internal/ingest"
	"github.com/pulsehq/pulse/internal/types"
)

// maxIngestBody caps one ingest request: 1000 events of generous size.
const maxIngestBody = 32 << 20

// handleIngest accepts one payload object or an array of up to 1000.
// When telemetry collection is disabled the body is discarded unread.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.cfg.TelemetryDisabled {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	now := time.Now().UTC()

	if isJSONArray(body) {
		var raws []json.RawMessage
		if err := json.Unmarshal(body, &raws); err != nil {
			writeError(w, http.StatusBadRequest, "malformed JSON array")
			return
		}
		batch := make([][]byte, len(raws))
		for i, raw := range raws {
			batch[i] = raw
		}
		res, err := s.ingestor.IngestBatch(r.Context(), batch, now)
		if err != nil {
			if errors.Is(err, ingest.ErrBatchTooLarge) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	res, err := s.ingestor.Ingest(r.Context(), body, now)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if res.Quarantined {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "quarantined",
			"reason": res.Reason,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func isJSONArray(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	filter := types.EventFilter{
		ServerID:       r.URL.Query().Get("serverId"),
		SessionID:      r.URL.Query().Get("sessionId"),
		StartDate:      queryTime(r, "startDate"),
		EndDate:        queryTime(r, "endDate"),
		UserIDs:        queryList(r, "userId"),
		IncludeDeleted: r.URL.Query().Get("includeDeleted") == "true",
		OrderBy:        types.EventOrder(r.URL.Query().Get("orderBy")),
		Desc:           r.URL.Query().Get("order") != "asc",
		Limit:          queryInt(r, "limit", 50),
		Offset:         queryInt(r, "offset", 0),
	}
	for _, a := range queryList(r, "area") {
		if !types.IsValidArea(a) {
			writeError(w, http.StatusBadRequest, "unknown area "+a)
			return
		}
		filter.Areas = append(filter.Areas, types.Area(a))
	}
	for _, t := range queryList(r, "eventType") {
		if !types.IsValidEventType(t) {
			writeError(w, http.StatusBadRequest, "unknown event type "+t)
			return
		}
		filter.Types = append(filter.Types, types.EventType(t))
	}
	if filter.OrderBy == "" {
		filter.OrderBy = types.OrderByID
	}

	page, err := s.store.GetEvents(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	ev, err := s.store.GetEvent(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	deleted, err := s.store.DeleteEvent(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Server) handleDeleteAllEvents(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.DeleteAllEvents(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handleRecoverEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	recovered, err := s.store.RecoverEvent(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recovered": recovered})
}

func (s *Server) handlePermanentDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	deleted, err := s.store.PermanentlyDeleteEvent(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	n, err := s.store.DeleteEventsBySession(r.Context(), sessionID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handleGetTrash(w http.ResponseWriter, r *http.Request) {
	page, err := s.store.GetDeletedEvents(r.Context(),
		queryInt(r, "limit", 1000), queryInt(r, "offset", 0))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleEmptyTrash(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.EmptyTrash(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
