package memory

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/MrSnakeDoc/marks/internal/domain"
)

const devTokenTTL = time.Hour

var (
	ErrUnknownCode  = errors.New("unknown or already used authorization code")
	ErrBadVerifier  = errors.New("code verifier does not match")
	ErrUnknownToken = errors.New("unknown refresh token")
)

// Identity signs every browser in as one configured principal. The sign-in
// redirect goes straight back to the callback, so no provider is involved.
type Identity struct {
	mu          sync.Mutex
	principal   domain.Principal
	callbackURL string
	clock       clockwork.Clock

	codes   map[string]string // code -> verifier
	access  map[string]struct{}
	refresh map[string]struct{}
}

// NewIdentity creates a development identity for principal.
func NewIdentity(principal domain.Principal, callbackURL string, clock clockwork.Clock) *Identity {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Identity{
		principal:   principal,
		callbackURL: callbackURL,
		clock:       clock,
		codes:       make(map[string]string),
		access:      make(map[string]struct{}),
		refresh:     make(map[string]struct{}),
	}
}

func (id *Identity) CurrentPrincipal(ctx context.Context, accessToken string) (*domain.Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id.mu.Lock()
	defer id.mu.Unlock()

	if _, ok := id.access[accessToken]; !ok {
		return nil, nil
	}
	p := id.principal
	return &p, nil
}

func (id *Identity) SignIn(ctx context.Context, provider string) (domain.Redirect, error) {
	if err := ctx.Err(); err != nil {
		return domain.Redirect{}, err
	}
	code, verifier := uuid.NewString(), uuid.NewString()

	id.mu.Lock()
	id.codes[code] = verifier
	id.mu.Unlock()

	q := url.Values{}
	q.Set("code", code)
	q.Set("provider", provider)
	return domain.Redirect{URL: id.callbackURL + "?" + q.Encode(), Verifier: verifier}, nil
}

func (id *Identity) Exchange(ctx context.Context, code, verifier string) (domain.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return domain.Credentials{}, err
	}
	id.mu.Lock()
	defer id.mu.Unlock()

	want, ok := id.codes[code]
	if !ok {
		return domain.Credentials{}, ErrUnknownCode
	}
	if want != verifier {
		return domain.Credentials{}, ErrBadVerifier
	}
	delete(id.codes, code)
	return id.issueLocked(), nil
}

func (id *Identity) Refresh(ctx context.Context, refreshToken string) (domain.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return domain.Credentials{}, err
	}
	id.mu.Lock()
	defer id.mu.Unlock()

	if _, ok := id.refresh[refreshToken]; !ok {
		return domain.Credentials{}, ErrUnknownToken
	}
	delete(id.refresh, refreshToken)
	return id.issueLocked(), nil
}

func (id *Identity) SignOut(ctx context.Context, accessToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	delete(id.access, accessToken)
	return nil
}

// Issue hands out fresh credentials without the redirect dance.
func (id *Identity) Issue() domain.Credentials {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.issueLocked()
}

func (id *Identity) issueLocked() domain.Credentials {
	access, refresh := "dev-"+uuid.NewString(), "devr-"+uuid.NewString()
	id.access[access] = struct{}{}
	id.refresh[refresh] = struct{}{}
	return domain.Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    id.clock.Now().Add(devTokenTTL),
		Principal:    id.principal,
	}
}
