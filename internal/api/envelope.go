// Package api implements the ProxyAPI HTTP surface described in spec §6,
// wired with the security middleware chain from spec's security section:
// rate limiting, host allowlist, request size caps, and input
// sanitization. Router and composition follow cmd/api/main.go's chi idiom.
package api

import (
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/onkernel/cdp-mux-proxy/internal/apierr"
)

// envelope is every API response's shape per spec §6: {success, data?,
// error?, timestamp}.
type envelope struct {
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Error     *envelopeError `json:"error,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

type envelopeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	env.Timestamp = time.Now().UnixMilli()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeErr(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*apierr.Error); ok {
		writeJSON(w, apiErr.Kind.HTTPStatus(), envelope{
			Success: false,
			Error:   &envelopeError{Code: apiErr.Kind.HTTPStatus(), Message: apiErr.Message},
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, envelope{
		Success: false,
		Error:   &envelopeError{Code: http.StatusInternalServerError, Message: "internal error"},
	})
}

// connectionIDPattern implements spec §6's "ConnectionID format" rule:
// opaque string matching [A-Za-z0-9_-]+.
var connectionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validConnectionID(id string) bool {
	return id != "" && connectionIDPattern.MatchString(id)
}
