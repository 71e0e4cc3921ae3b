package api

import (
	"net/http"

	"github.com/threadline/threadline/internal/ratelimit"
)

type PolicyHandler struct {
	Policies *ratelimit.PolicyTable
	GlobalIP *ratelimit.Policy // nil when the per-IP limit is off
}

type policyView struct {
	Action      string `json:"action"`
	Limit       int    `json:"limit"`
	WindowMs    int64  `json:"windowMs"`
	Description string `json:"description,omitempty"`
}

func viewOf(p ratelimit.Policy) policyView {
	return policyView{
		Action:      p.Action,
		Limit:       p.Limit,
		WindowMs:    p.Window.Milliseconds(),
		Description: p.Description,
	}
}

// GET /api/ratelimits
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	all := h.Policies.All()
	out := make([]policyView, 0, len(all))
	for _, p := range all {
		out = append(out, viewOf(p))
	}

	resp := map[string]any{"policies": out}
	if h.GlobalIP != nil {
		resp["global"] = viewOf(*h.GlobalIP)
	}
	respondJSON(w, http.StatusOK, resp)
}
