package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/marks/internal/httpserver/deps"
)

const pingTimeout = 2 * time.Second

type readyzResponse struct {
	Ready      bool            `json:"ready"`
	Components map[string]bool `json:"components"`
}

// Readyz reports 503 until every backend component answers a ping.
func Readyz(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := readyzResponse{Ready: true, Components: make(map[string]bool, len(d.Components))}
		for name, err := range pingAll(r.Context(), d) {
			resp.Components[name] = err == nil
			if err != nil {
				resp.Ready = false
			}
		}

		status := http.StatusOK
		if !resp.Ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

// pingAll pings every component concurrently, each under its own timeout.
func pingAll(ctx context.Context, d deps.Deps) map[string]error {
	type result struct {
		name string
		err  error
	}
	ch := make(chan result, len(d.Components))
	for name, p := range d.Components {
		go func() {
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			defer cancel()
			ch <- result{name: name, err: p.Ping(pctx)}
		}()
	}

	out := make(map[string]error, len(d.Components))
	for range d.Components {
		res := <-ch
		out[res.name] = res.err
	}
	return out
}
