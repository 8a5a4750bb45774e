package domain

import "time"

// Principal is the authenticated identity of a signed-in user.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Credentials are what a completed sign-in leaves in the browser session.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Principal    Principal
}

// ExpiresWithin reports whether the access token expires within d of now.
// Credentials without an expiry never expire.
func (c Credentials) ExpiresWithin(now time.Time, d time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(c.ExpiresAt)
}

// Redirect is the first leg of an OAuth sign-in.
type Redirect struct {
	URL      string
	Verifier string // PKCE verifier, kept server-side until the callback
}
