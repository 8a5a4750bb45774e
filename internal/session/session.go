// Package session keeps the browser session in a signed cookie: the access
// and refresh tokens, the pending PKCE verifier and a stable session id used
// to group the browser's live connections.
package session

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"

	"github.com/MrSnakeDoc/marks/internal/domain"
)

const (
	CookieName = "marks-session"

	keyID        = "sid"
	keyAccess    = "access"
	keyRefresh   = "refresh"
	keyExpiresAt = "expires_at"
	keyVerifier  = "verifier"

	maxCookieLength = 8192
)

// Store reads and writes browser sessions.
type Store struct {
	cookies *sessions.CookieStore
}

// NewStore builds a cookie store signed with secret.
func NewStore(secret string, maxAge time.Duration, secure bool) *Store {
	cs := sessions.NewCookieStore([]byte(secret))
	cs.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	// JWTs do not fit the 4096 byte default once encoded.
	for _, c := range cs.Codecs {
		if sc, ok := c.(*securecookie.SecureCookie); ok {
			sc.MaxLength(maxCookieLength)
		}
	}
	return &Store{cookies: cs}
}

// Session is one browser's cookie contents.
type Session struct {
	ID           string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Verifier     string

	raw *sessions.Session
}

// Load returns the request's session. A missing or tampered cookie yields a
// fresh session with a new ID rather than an error.
func (s *Store) Load(r *http.Request) (*Session, error) {
	raw, err := s.cookies.Get(r, CookieName)
	if raw == nil {
		return nil, err
	}

	sess := &Session{raw: raw}
	sess.ID, _ = raw.Values[keyID].(string)
	sess.AccessToken, _ = raw.Values[keyAccess].(string)
	sess.RefreshToken, _ = raw.Values[keyRefresh].(string)
	sess.Verifier, _ = raw.Values[keyVerifier].(string)
	if exp, ok := raw.Values[keyExpiresAt].(int64); ok && exp > 0 {
		sess.ExpiresAt = time.Unix(exp, 0).UTC()
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	return sess, nil
}

// Save writes the session back as a cookie.
func (s *Store) Save(w http.ResponseWriter, r *http.Request, sess *Session) error {
	if sess == nil || sess.raw == nil {
		return errors.New("session: save without load")
	}
	v := sess.raw.Values
	v[keyID] = sess.ID
	v[keyAccess] = sess.AccessToken
	v[keyRefresh] = sess.RefreshToken
	v[keyVerifier] = sess.Verifier
	if sess.ExpiresAt.IsZero() {
		delete(v, keyExpiresAt)
	} else {
		v[keyExpiresAt] = sess.ExpiresAt.Unix()
	}
	return sess.raw.Save(r, w)
}

// Clear expires the cookie.
func (s *Store) Clear(w http.ResponseWriter, r *http.Request) error {
	raw, _ := s.cookies.New(r, CookieName)
	opts := *s.cookies.Options
	opts.MaxAge = -1
	raw.Options = &opts
	return raw.Save(r, w)
}

// IsNew reports whether the request carried no usable cookie.
func (sess *Session) IsNew() bool { return sess.raw == nil || sess.raw.IsNew }

// SignedIn reports whether the session holds an access token.
func (sess *Session) SignedIn() bool { return sess.AccessToken != "" }

// Credentials returns the stored tokens.
func (sess *Session) Credentials() domain.Credentials {
	return domain.Credentials{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		ExpiresAt:    sess.ExpiresAt,
	}
}

// SetCredentials stores a completed sign-in and drops the PKCE verifier.
func (sess *Session) SetCredentials(c domain.Credentials) {
	sess.AccessToken = c.AccessToken
	sess.RefreshToken = c.RefreshToken
	sess.ExpiresAt = c.ExpiresAt
	sess.Verifier = ""
}

// SignOut forgets the tokens but keeps the session ID.
func (sess *Session) SignOut() {
	sess.AccessToken = ""
	sess.RefreshToken = ""
	sess.ExpiresAt = time.Time{}
	sess.Verifier = ""
}
