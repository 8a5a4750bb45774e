package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/marks/internal/httpserver/deps"
)

type componentStatus struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type infraResponse struct {
	Status        string                     `json:"status"`
	Backend       string                     `json:"backend"`
	RefreshPolicy string                     `json:"refresh_policy"`
	LiveTabs      int                        `json:"live_tabs"`
	Components    map[string]componentStatus `json:"components"`
}

func Infra(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components := make(map[string]componentStatus, len(d.Components))
		for name, err := range pingAll(r.Context(), d) {
			cs := componentStatus{OK: err == nil}
			if err != nil {
				cs.Error = err.Error()
			}
			components[name] = cs
		}

		resp := infraResponse{
			Status:        overallStatus(d.Backend, components),
			Backend:       d.Backend,
			RefreshPolicy: string(d.Sync.Policy),
			Components:    components,
		}
		if d.Hub != nil {
			resp.LiveTabs = d.Hub.Total()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// overallStatus is critical when the records backend is down and degraded
// when anything else is.
func overallStatus(backendName string, components map[string]componentStatus) string {
	if c, ok := components[backendName]; ok && !c.OK {
		return "critical"
	}
	for _, c := range components {
		if !c.OK {
			return "degraded"
		}
	}
	return "ok"
}
