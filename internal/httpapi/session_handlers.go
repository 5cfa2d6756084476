package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"emberly.app/internal/audit"
	"emberly.app/internal/auth"
)

type sessionDTO struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"deviceId"`
	IP           string    `json:"ip"`
	State        string    `json:"state"`
	Current      bool      `json:"current"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// handleSessions lists the caller's live sessions (GET) or revokes all of
// them at once (DELETE, the sign-out-everywhere action).
func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	currentSession, _ := auth.SessionIDFromContext(r.Context())

	switch r.Method {
	case http.MethodGet:
		sessions, err := a.svc.Sessions(r.Context(), userID)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		out := make([]sessionDTO, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, sessionDTO{
				ID:           s.ID,
				DeviceID:     s.DeviceID,
				IP:           s.IP,
				State:        s.State,
				Current:      s.ID == currentSession,
				CreatedAt:    s.CreatedAt,
				LastActivity: s.LastActivity,
				ExpiresAt:    s.ExpiresAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": out})

	case http.MethodDelete:
		if err := a.svc.RevokeAllForUser(r.Context(), userID, "user_revoked_all"); err != nil {
			writeAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "http.sessions_revoked_all", nil)
		writeJSON(w, http.StatusOK, map[string]any{"status": "revoked_all"})

	default:
		methodNotAllowed(w, r, "GET, DELETE")
	}
}

// handleSessionByID revokes a single session owned by the caller.
func (a *API) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeError(w, r, http.StatusNotFound, "", "not found")
		return
	}

	userID, _ := auth.UserIDFromContext(r.Context())
	if err := a.svc.RevokeSession(r.Context(), userID, sessionID); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "", "session not found")
			return
		}
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "http.session_revoked", map[string]any{
		"revoked_session_id": sessionID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}
