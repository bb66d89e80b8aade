package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pulsehq/pulse/internal/types"
)

// maxLogoSize caps a team logo upload.
const maxLogoSize = 4 << 20

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.store.ListTeams(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var team types.Team
	if err := json.NewDecoder(r.Body).Decode(&team); err != nil || team.Name == "" {
		writeError(w, http.StatusBadRequest, "team name required")
		return
	}
	if err := s.store.CreateTeam(r.Context(), &team); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, team)
}

func (s *Server) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid team id")
		return
	}
	team, err := s.store.GetTeam(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) handleUpdateTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid team id")
		return
	}
	var team types.Team
	if err := json.NewDecoder(r.Body).Decode(&team); err != nil || team.Name == "" {
		writeError(w, http.StatusBadRequest, "team name required")
		return
	}
	team.ID = id
	if err := s.store.UpdateTeam(r.Context(), &team); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) handleDeleteTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid team id")
		return
	}
	if err := s.store.DeleteTeam(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetTeamLogo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid team id")
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxLogoSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := s.store.SetTeamLogo(r.Context(), id, data, r.Header.Get("Content-Type")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListOrgs(w http.ResponseWriter, r *http.Request) {
	orgs, err := s.store.ListOrgs(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orgs)
}

func (s *Server) handleUpsertOrg(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("serverId")
	if serverID == "" {
		writeError(w, http.StatusBadRequest, "missing server id")
		return
	}
	var upd struct {
		CompanyName *string `json:"company_name"`
		Alias       *string `json:"alias"`
		Color       *string `json:"color"`
		TeamID      *int64  `json:"team_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	err := s.store.UpsertOrg(r.Context(), serverID, types.OrgUpdate{
		CompanyName: upd.CompanyName,
		Alias:       upd.Alias,
		Color:       upd.Color,
		TeamID:      upd.TeamID,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMoveOrgToTeam reassigns an org; a null team id detaches it.
// Event snapshots are recalculated as part of the move.
func (s *Server) handleMoveOrgToTeam(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("serverId")
	if serverID == "" {
		writeError(w, http.StatusBadRequest, "missing server id")
		return
	}
	var body struct {
		TeamID *int64 `json:"team_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.store.MoveOrgToTeam(r.Context(), serverID, body.TeamID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRecalculateOrg(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("serverId")
	if serverID == "" {
		writeError(w, http.StatusBadRequest, "missing server id")
		return
	}
	n, err := s.store.RecalculateTeamIDsForOrg(r.Context(), serverID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (s *Server) handleListPeople(w http.ResponseWriter, r *http.Request) {
	people, err := s.store.ListPeople(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, people)
}

func (s *Server) handleCreatePerson(w http.ResponseWriter, r *http.Request) {
	var p types.Person
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Name == "" {
		writeError(w, http.StatusBadRequest, "person name required")
		return
	}
	if err := s.store.CreatePerson(r.Context(), &p); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPerson(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid person id")
		return
	}
	p, err := s.store.GetPerson(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePerson(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid person id")
		return
	}
	var p types.Person
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Name == "" {
		writeError(w, http.StatusBadRequest, "person name required")
		return
	}
	p.ID = id
	if err := s.store.UpdatePerson(r.Context(), &p); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePerson(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid person id")
		return
	}
	if err := s.store.DeletePerson(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAddUsername(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid person id")
		return
	}
	var body struct {
		Username string `json:"username"`
		OrgID    string `json:"org_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}
	if err := s.store.AddUsernameToPerson(r.Context(), id, body.Username, body.OrgID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveUsername(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid person id")
		return
	}
	username := r.PathValue("username")
	if username == "" {
		writeError(w, http.StatusBadRequest, "missing username")
		return
	}
	if err := s.store.RemoveUsernameFromPerson(r.Context(), id, username); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Export(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var doc types.Export
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "malformed export document")
		return
	}
	if err := s.store.Import(r.Context(), &doc); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"counts": doc.Counts(),
	})
}
