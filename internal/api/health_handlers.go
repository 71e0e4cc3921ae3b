package api

import (
	"net/http"
	"time"
)

type HealthHandler struct {
	started  time.Time
	now      func() time.Time
	sharedRL bool
}

// NewHealthHandler reports uptime from started. sharedRL tells clients whether
// quotas are enforced across instances.
func NewHealthHandler(started time.Time, sharedRL bool) *HealthHandler {
	return &HealthHandler{started: started, now: time.Now, sharedRL: sharedRL}
}

// GET /health
func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	backend := "local"
	if h.sharedRL {
		backend = "shared"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":                 true,
		"uptime":             h.now().Sub(h.started).Seconds(),
		"rate_limit_backend": backend,
	})
}
