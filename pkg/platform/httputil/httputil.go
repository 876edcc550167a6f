// Package httputil centralizes JSON response writing so every handler
// produces the same envelope shape and content type.
package httputil

import (
	"encoding/json"
	"net/http"
)

// WriteJSON serializes v with the given status code. Encoding failures are
// swallowed: headers are already written and there is nothing useful left
// to send the client.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteJSONBytes writes a pre-serialized JSON body verbatim. Used for
// idempotent replays, which must be byte-identical to the original response.
func WriteJSONBytes(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
