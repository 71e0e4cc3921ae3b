package api

import (
	"encoding/json"
	"net/http"

	"github.com/threadline/threadline/internal/middleware"
)

// Helpers
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	middleware.WriteError(w, status, code, message, nil)
}
