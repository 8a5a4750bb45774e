package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/MrSnakeDoc/marks/internal/httpserver/deps"
	"github.com/MrSnakeDoc/marks/internal/live"
	"github.com/MrSnakeDoc/marks/internal/logger"
)

// Live upgrades to a websocket bound to the caller's browser session. Every
// tab gets its own synchronizer with the change feed attached.
func Live(d deps.Deps) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(d.PublicURL),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		// The upgrade response cannot carry a refreshed cookie, so the session
		// is read as is; the page load refreshes it.
		sess, err := d.Sessions.Load(r)
		if err != nil {
			http.Error(w, "session error", http.StatusInternalServerError)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.Logger.Debug("websocket upgrade failed", logger.Error(err))
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		if d.Context != nil {
			stop := context.AfterFunc(d.Context, cancel)
			defer stop()
		}

		s := d.Synchronizer(sess.AccessToken, true)
		c := live.NewConn(ws, s, nil, d.Logger.With(logger.String("sid", sess.ID)))
		unregister := d.Hub.Register(sess.ID, c)
		defer unregister()

		c.Serve(ctx)
	}
}

// checkOrigin accepts same-origin requests, the public URL and clients that
// send no Origin header.
func checkOrigin(publicURL string) func(r *http.Request) bool {
	allowed := ""
	if u, err := url.Parse(publicURL); err == nil && u.Host != "" {
		allowed = strings.ToLower(u.Scheme + "://" + u.Host)
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if allowed != "" && strings.EqualFold(origin, allowed) {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}
