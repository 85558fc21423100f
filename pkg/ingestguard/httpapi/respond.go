package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	igerrors "github.com/randalmurphal/ingestguard/pkg/ingestguard/errors"
)

// envelope is the body of every JSON response.
type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: data})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// statusFor maps an error to its HTTP status and public message. Internal
// failure detail stays in the logs.
func statusFor(err error) (int, string, string) {
	kind, tagged := igerrors.KindOf(err)
	switch {
	case !tagged:
		return http.StatusInternalServerError, "failed", ""
	case kind == igerrors.KindValidation:
		var verr *igerrors.ValidationError
		if errors.As(err, &verr) {
			return http.StatusBadRequest, verr.Error(), string(kind)
		}
		return http.StatusBadRequest, err.Error(), string(kind)
	case kind == igerrors.KindRateLimited:
		return http.StatusTooManyRequests, "rate limited", string(kind)
	case kind == igerrors.KindCircuitOpen, kind == igerrors.KindHalfOpenExhausted:
		return http.StatusServiceUnavailable, "service unavailable", string(kind)
	default:
		return http.StatusInternalServerError, "failed", string(kind)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, event string, err error) {
	status, msg, code := statusFor(err)
	if logger != nil {
		level := slog.LevelWarn
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(r.Context(), level, event, slog.Int("status", status), slog.String("error", err.Error()))
	}
	writeJSON(w, status, envelope{Error: msg, Code: code})
}
