package handlers

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/MrSnakeDoc/marks/internal/httpserver/deps"
	"github.com/MrSnakeDoc/marks/internal/logger"
	"github.com/MrSnakeDoc/marks/internal/synchronizer"
	"github.com/MrSnakeDoc/marks/internal/utils"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTmpl = template.Must(template.ParseFS(templateFS, "templates/index.html"))

type indexPage struct {
	State    synchronizer.State
	Provider string
}

// Index renders the current list server-side; the page script then takes
// over through /live.
func Index(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := currentSession(d, w, r)
		if err != nil {
			http.Error(w, "session error", http.StatusInternalServerError)
			return
		}

		s := d.Synchronizer(sess.AccessToken, false)
		defer utils.Close(s)
		if err := s.Initialize(r.Context()); err != nil {
			d.Logger.Warn("index initialize failed", logger.Error(err))
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if err := indexTmpl.Execute(w, indexPage{State: s.Snapshot(), Provider: d.OAuthProvider}); err != nil {
			d.Logger.Error("index render failed", logger.Error(err))
		}
	}
}
