// Package jsonutil provides helpers for rendering Stowage JSON responses.
package jsonutil

import (
	"encoding/json"
	"errors"
	"net/http"

	serr "github.com/stowage/stowage/internal/errors"
)

// ErrorResponse is the JSON structure for error responses.
type ErrorResponse struct {
	Error     string `json:"error"`
	Key       string `json:"key,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON marshals v and writes it to w with the given HTTP status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		// Headers are already gone; nothing sensible left to do.
		return
	}
}

// WriteError renders an error as JSON, mapping the error's kind to an HTTP
// status. Backend and IO failure details stay in the server log; the client
// sees only the kind.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := w.Header().Get("x-request-id")

	kind := serr.KindOf(err)
	resp := ErrorResponse{
		Error:     kind.String(),
		RequestID: requestID,
	}

	var e *serr.Error
	if errors.As(err, &e) {
		switch kind {
		case serr.KindBackend, serr.KindIO:
			// Internal detail is not exposed.
		default:
			resp.Key = e.Key
		}
	}

	WriteJSON(w, serr.HTTPStatus(err), resp)
}
