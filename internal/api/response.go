package api

import (
	"encoding/json"
	"net/http"
	"time"

	"dlmm-keeper/pkg/types"
)

// envelope is the wire shape of every REST response. Exactly one of Data and
// Error is set; Code carries the error classification for clients that branch
// on it.
type envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Path:      r.URL.Path,
		Method:    r.Method,
	})
}

// writeErr maps the error classification to an HTTP status. Clients get the
// classified message, never stack traces or wrapped chains.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := types.KindOf(err)
	writeJSON(w, statusFor(kind), envelope{
		Success:   false,
		Error:     err.Error(),
		Code:      kind.String(),
		Timestamp: time.Now().UTC(),
		Path:      r.URL.Path,
		Method:    r.Method,
	})
}

func statusFor(kind types.Kind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
