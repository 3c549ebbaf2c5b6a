package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// respond writes a JSON response with the given status code.
func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// errorResponse is the standard JSON error envelope.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondError(w http.ResponseWriter, status int, kind, message string) {
	respond(w, status, errorResponse{Error: kind, Message: message})
}
