package supabase

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/supabase-community/gotrue-go"
	"github.com/supabase-community/gotrue-go/types"

	"github.com/MrSnakeDoc/marks/internal/backend"
	"github.com/MrSnakeDoc/marks/internal/domain"
)

// Identity signs users in through GoTrue's PKCE OAuth flow.
type Identity struct {
	auth        gotrue.Client
	authURL     string // <project>/auth/v1
	callbackURL string
}

var _ backend.Identity = (*Identity)(nil)

func (id *Identity) CurrentPrincipal(ctx context.Context, accessToken string) (*domain.Principal, error) {
	var resp *types.UserResponse
	err := await(ctx, func() error {
		var err error
		resp, err = id.auth.WithToken(accessToken).GetUser()
		return err
	})
	if err != nil {
		if isUnauthorized(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &domain.Principal{ID: resp.ID.String(), Email: resp.Email}, nil
}

// SignIn builds the GoTrue authorize URL for a PKCE flow. The URL is built
// here rather than through the SDK so it can carry redirect_to.
func (id *Identity) SignIn(ctx context.Context, provider string) (domain.Redirect, error) {
	if err := ctx.Err(); err != nil {
		return domain.Redirect{}, err
	}
	verifier, err := newVerifier()
	if err != nil {
		return domain.Redirect{}, fmt.Errorf("pkce verifier: %w", err)
	}
	sum := sha256.Sum256([]byte(verifier))

	q := url.Values{}
	q.Set("provider", provider)
	q.Set("code_challenge", base64.RawURLEncoding.EncodeToString(sum[:]))
	q.Set("code_challenge_method", "s256")
	if id.callbackURL != "" {
		q.Set("redirect_to", id.callbackURL)
	}
	return domain.Redirect{URL: id.authURL + "/authorize?" + q.Encode(), Verifier: verifier}, nil
}

func newVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (id *Identity) Exchange(ctx context.Context, code, verifier string) (domain.Credentials, error) {
	var resp *types.TokenResponse
	err := await(ctx, func() error {
		var err error
		resp, err = id.auth.Token(types.TokenRequest{
			GrantType:    "pkce",
			Code:         code,
			CodeVerifier: verifier,
		})
		return err
	})
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("exchange code: %w", err)
	}
	return credentials(resp.Session), nil
}

func (id *Identity) Refresh(ctx context.Context, refreshToken string) (domain.Credentials, error) {
	var resp *types.TokenResponse
	err := await(ctx, func() error {
		var err error
		resp, err = id.auth.RefreshToken(refreshToken)
		return err
	})
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("refresh token: %w", err)
	}
	return credentials(resp.Session), nil
}

func (id *Identity) SignOut(ctx context.Context, accessToken string) error {
	err := await(ctx, func() error {
		return id.auth.WithToken(accessToken).Logout()
	})
	if err != nil && !isUnauthorized(err) {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func credentials(s types.Session) domain.Credentials {
	var expires time.Time
	switch {
	case s.ExpiresAt > 0:
		expires = time.Unix(s.ExpiresAt, 0).UTC()
	case s.ExpiresIn > 0:
		expires = time.Now().Add(time.Duration(s.ExpiresIn) * time.Second).UTC()
	}
	return domain.Credentials{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    expires,
		Principal:    domain.Principal{ID: s.User.ID.String(), Email: s.User.Email},
	}
}

// isUnauthorized recognizes GoTrue's answer to an expired or revoked token.
// The SDK only exposes the status code through the error text.
func isUnauthorized(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "bad_jwt")
}
