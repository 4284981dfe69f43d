package market_api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kculz/Qonvey-sub001/internal/apperr"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	UpgradeTo string `json:"upgradeTo,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg, upgradeTo string) {
	writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		Code:      code,
		Message:   msg,
		UpgradeTo: upgradeTo,
	})
}

// statusFor maps a failure kind onto its HTTP status.
func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindInvalidState, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindQuotaExceeded:
		return http.StatusPaymentRequired
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// fail writes err. Anything that is not a domain failure is logged and
// reported without detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.As(err)
	if e == nil {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error", "")
		return
	}
	code := string(e.Reason)
	if code == "" {
		code = string(e.Kind)
	}
	msg := e.Message
	if msg == "" {
		msg = code
	}
	writeError(w, statusFor(e.Kind), code, msg, e.UpgradeTo)
}
