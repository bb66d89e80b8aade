package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pulsehq/pulse/internal/auth"
)

// handleLogin verifies a password and issues a remember token. The
// plaintext token appears in this response and nowhere else.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}
	user, err := s.auth.Login(r.Context(), body.Username, body.Password, clientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.writeStoreError(w, err)
		return
	}
	plaintext, token, err := s.auth.IssueRememberToken(r.Context(), user.ID, 0, clientIP(r), r.UserAgent())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":       user,
		"token":      plaintext,
		"expires_at": token.ExpiresAt,
	})
}

// handleLogout revokes the presented remember token. Unknown tokens
// succeed too; logout is idempotent.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}
	token, err := s.auth.ValidateRememberToken(r.Context(), body.Token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		s.writeStoreError(w, err)
		return
	}
	if err := s.auth.RevokeToken(r.Context(), token); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
