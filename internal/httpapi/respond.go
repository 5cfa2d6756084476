package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"emberly.app/internal/audit"
	"emberly.app/internal/auth"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{
		Error:     msg,
		Code:      code,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

// writeAuthError maps an auth failure to its wire status and stable code.
// Unexpected errors become an opaque 500; detail stays server-side.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	code := auth.CodeOf(err)
	if code == "" {
		_ = audit.LogEvent(r.Context(), "http.internal_error", map[string]any{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "", "internal error")
		return
	}

	var rateErr *auth.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter/time.Second)))
	}
	writeError(w, r, statusForCode(code), code, err.Error())
}

func statusForCode(code string) int {
	switch code {
	case "RateLimitExceeded", "TwoFactorMaxAttemptsExceeded":
		return http.StatusTooManyRequests
	case "AccountLocked", "TwoFactorRequired":
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, r, http.StatusMethodNotAllowed, "", "method not allowed")
}
