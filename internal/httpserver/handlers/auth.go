package handlers

import (
	"net/http"
	"time"

	"github.com/MrSnakeDoc/marks/internal/domain"
	"github.com/MrSnakeDoc/marks/internal/httpserver/deps"
	"github.com/MrSnakeDoc/marks/internal/logger"
	"github.com/MrSnakeDoc/marks/internal/session"
)

// refreshWindow is how close to expiry an access token gets refreshed.
const refreshWindow = time.Minute

// currentSession loads the browser session, refreshing an access token that
// is about to expire. A failed refresh signs the session out. The cookie is
// written back whenever it changed or did not exist.
func currentSession(d deps.Deps, w http.ResponseWriter, r *http.Request) (*session.Session, error) {
	sess, err := d.Sessions.Load(r)
	if err != nil {
		return nil, err
	}

	dirty := sess.IsNew()
	if sess.SignedIn() && sess.Credentials().ExpiresWithin(d.Now(), refreshWindow) {
		dirty = true
		creds, err := d.Identity.Refresh(r.Context(), sess.RefreshToken)
		if err != nil {
			d.Logger.Warn("token refresh failed, signing out", logger.Error(err))
			sess.SignOut()
		} else {
			sess.SetCredentials(creds)
		}
	}

	if dirty {
		if err := d.Sessions.Save(w, r, sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// Login starts the OAuth redirect and keeps the PKCE verifier in the cookie.
func Login(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := r.URL.Query().Get("provider")
		if provider == "" {
			provider = d.OAuthProvider
		}

		sess, err := d.Sessions.Load(r)
		if err != nil {
			http.Error(w, "session error", http.StatusInternalServerError)
			return
		}

		redirect, err := d.Identity.SignIn(r.Context(), provider)
		if err != nil {
			d.Logger.Error("sign-in redirect failed", logger.String("provider", provider), logger.Error(err))
			http.Error(w, "sign-in unavailable", http.StatusBadGateway)
			return
		}

		sess.Verifier = redirect.Verifier
		if err := d.Sessions.Save(w, r, sess); err != nil {
			http.Error(w, "session error", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, redirect.URL, http.StatusFound)
	}
}

// Callback finishes the OAuth redirect.
func Callback(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if e := q.Get("error"); e != "" {
			d.Logger.Warn("identity provider refused sign-in",
				logger.String("error", e),
				logger.String("description", q.Get("error_description")))
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}

		code := q.Get("code")
		sess, err := d.Sessions.Load(r)
		if err != nil || code == "" || sess.Verifier == "" {
			http.Error(w, "invalid sign-in callback", http.StatusBadRequest)
			return
		}

		creds, err := d.Identity.Exchange(r.Context(), code, sess.Verifier)
		if err != nil {
			err = domain.Wrap(domain.KindIdentity, "exchange", err)
			d.Logger.Warn("code exchange failed", logger.Error(err))
			http.Error(w, "sign-in failed", http.StatusUnauthorized)
			return
		}

		sess.SetCredentials(creds)
		if err := d.Sessions.Save(w, r, sess); err != nil {
			http.Error(w, "session error", http.StatusInternalServerError)
			return
		}
		d.Logger.Info("signed in", logger.String("principal", creds.Principal.ID))
		http.Redirect(w, r, "/", http.StatusFound)
	}
}

// Logout signs out every live tab of the browser session and clears the cookie.
func Logout(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := d.Sessions.Load(r)
		if err == nil {
			if err := d.Hub.Logout(r.Context(), sess.ID, sess.AccessToken); err != nil {
				// The local session is cleared regardless.
				d.Logger.Warn("remote sign-out failed", logger.Error(err))
			}
		}

		if err := d.Sessions.Clear(w, r); err != nil {
			d.Logger.Warn("failed to clear session cookie", logger.Error(err))
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}
