package deps

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrSnakeDoc/marks/internal/backend"
	"github.com/MrSnakeDoc/marks/internal/live"
	"github.com/MrSnakeDoc/marks/internal/logger"
	"github.com/MrSnakeDoc/marks/internal/session"
	"github.com/MrSnakeDoc/marks/internal/synchronizer"
)

type Deps struct {
	Logger       logger.Logger
	StartTime    time.Time
	Version      string
	Commit       string
	BuildDate    string
	GoVersion    string
	Clock        clockwork.Clock // for testing, defaults to the wall clock
	AllowedHosts []string        // Host headers allowed to access the server
	AllowedCIDRS []string        // IPs allowed to access healthz/readyz/infra/metrics
	TrustProxy   bool            // true if running behind a trusted reverse proxy (e.g., cloudflared)
	RateBurst    int             // token bucket size for /auth and /api
	RatePerMin   int             // refill per client IP per minute

	PublicURL     string // external base URL, used for websocket origin checks
	OAuthProvider string // default provider for /auth/login

	Identity   backend.Identity
	Binder     backend.Binder            // records + change feed per access token
	Components map[string]backend.Pinger // reachability checks for /readyz and /infra
	Backend    string                    // backend name shown on /infra
	Sessions   *session.Store
	Hub        *live.Hub
	Sync       SyncOptions

	// Context is cancelled when the server shuts down; long-lived handlers
	// (websockets) watch it.
	Context context.Context
}

// SyncOptions is the synchronizer tuning shared by every tab.
type SyncOptions struct {
	Policy           synchronizer.Policy
	ResyncInterval   time.Duration
	FeedRetryInitial time.Duration
	FeedRetryMax     time.Duration
	RemoteTimeout    time.Duration
}

// Synchronizer builds a synchronizer for accessToken. live attaches the change
// feed and the periodic resync; request-scoped callers leave it off.
func (d Deps) Synchronizer(accessToken string, live bool) *synchronizer.Synchronizer {
	cfg := synchronizer.Config{
		Identity:      d.Identity,
		Records:       d.Binder.Records(accessToken),
		AccessToken:   accessToken,
		Policy:        d.Sync.Policy,
		RemoteTimeout: d.Sync.RemoteTimeout,
		Clock:         d.Clock,
		Logger:        d.Logger,
	}
	if live {
		cfg.Changes = d.Binder.Changes(accessToken)
		cfg.ResyncInterval = d.Sync.ResyncInterval
		cfg.FeedRetryInitial = d.Sync.FeedRetryInitial
		cfg.FeedRetryMax = d.Sync.FeedRetryMax
	} else {
		cfg.Policy = synchronizer.PolicyImmediate
	}
	return synchronizer.New(cfg)
}

// Now returns the current time from Clock.
func (d Deps) Now() time.Time {
	if d.Clock == nil {
		return time.Now()
	}
	return d.Clock.Now()
}
