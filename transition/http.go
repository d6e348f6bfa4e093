package transition

import (
	"encoding/json"
	"net/http"
	"strings"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// userIDHeader carries the authenticated user's ID, set by the fronting proxy.
const userIDHeader = "X-User-ID"

// RegisterHTTPHandlers registers the stage-transition HTTP handlers under the
// given prefix. Handlers are registered as:
//
//	POST <prefix>/submit
func (c *Coordinator) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	// Normalise: ensure leading slash and trailing slash.
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}

	mux.HandleFunc(prefix+"submit", c.handleSubmit)
}

// errorResponse is the JSON envelope for failed submissions.
type errorResponse struct {
	Error *ServiceError `json:"error"`
}

// handleSubmit persists a user's stage responses and advances the session.
func (c *Coordinator) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.Header.Get(userIDHeader)

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var payload SubmitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: &ServiceError{Message: "Invalid JSON body."}})
		return
	}

	result := c.SubmitStageResponses(r.Context(), payload, userID)
	if result.Err != nil {
		writeJSON(w, result.Status, errorResponse{Error: result.Err})
		return
	}
	writeJSON(w, result.Status, result.Data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response is already partially written; nothing useful to do.
		_ = err
	}
}
