package httpapi

import (
	"net/http"
	"time"

	"emberly.app/internal/audit"
	"emberly.app/internal/auth"
)

type deviceInfoDTO struct {
	Platform  string `json:"platform"`
	UserAgent string `json:"userAgent"`
	ClientID  string `json:"clientId"`
}

type loginRequest struct {
	Email    string        `json:"email"`
	Password string        `json:"password"`
	Device   deviceInfoDTO `json:"deviceInfo"`
}

type loginResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	SessionID    string    `json:"sessionId"`
	Requires2FA  bool      `json:"requires2FA"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}

	result, err := a.svc.Login(r.Context(), auth.LoginInput{
		Email:     req.Email,
		Password:  req.Password,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Device: auth.DeviceInfo{
			Platform:  req.Device.Platform,
			UserAgent: req.Device.UserAgent,
			ClientID:  req.Device.ClientID,
		},
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "http.login", map[string]any{
		"session_id":   result.Session.ID,
		"requires_2fa": result.Requires2FA,
	})
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  result.Pair.AccessToken,
		RefreshToken: result.Pair.RefreshToken,
		SessionID:    result.Session.ID,
		Requires2FA:  result.Requires2FA,
		ExpiresAt:    result.Pair.AccessExpiresAt,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}

	pair, err := a.svc.Refresh(r.Context(), req.RefreshToken, clientIP(r), r.UserAgent())
	if err != nil {
		writeAuthError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.AccessExpiresAt,
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}

	if err := a.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

type twoFactorVerifyRequest struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
}

type twoFactorVerifyResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (a *API) handleTwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req twoFactorVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	if req.SessionID == "" || req.Code == "" {
		writeError(w, r, http.StatusBadRequest, "", "sessionId and code are required")
		return
	}

	access, expiresAt, err := a.svc.VerifyTwoFactor(r.Context(), req.SessionID, req.Code)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "http.twofactor_verified", map[string]any{
		"session_id": req.SessionID,
	})
	writeJSON(w, http.StatusOK, twoFactorVerifyResponse{
		AccessToken: access,
		ExpiresAt:   expiresAt,
	})
}

// handleMe is the representative protected endpoint: it only responds
// once the bearer token and its session pass every gate.
func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	sessionID, _ := auth.SessionIDFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":    userID,
		"sessionId": sessionID,
	})
}
