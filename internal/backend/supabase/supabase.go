// Package supabase talks to a hosted Supabase project: GoTrue for identity,
// PostgREST for the bookmark table and the realtime websocket for changes.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	supa "github.com/supabase-community/supabase-go"

	"github.com/MrSnakeDoc/marks/internal/backend"
	"github.com/MrSnakeDoc/marks/internal/logger"
	"github.com/MrSnakeDoc/marks/internal/metrics"
)

const (
	defaultTable     = "bookmarks"
	defaultSchema    = "public"
	defaultHeartbeat = 25 * time.Second
)

var ErrNoServiceKey = errors.New("SUPABASE_SERVICE_ROLE_KEY is not set")

// Config holds project coordinates.
type Config struct {
	URL            string // https://<ref>.supabase.co
	AnonKey        string
	ServiceRoleKey string
	Table          string
	Schema         string
	Heartbeat      time.Duration

	// Breaker tuning; zero values use the defaults below.
	BreakerMinRequests uint32
	BreakerRatio       float64
	BreakerTimeout     time.Duration

	Clock  clockwork.Clock
	Logger logger.Logger
}

// Backend hands out per-token record and feed handles. It implements
// backend.Binder and backend.Pinger.
type Backend struct {
	cfg     Config
	log     logger.Logger
	clock   clockwork.Clock
	anon    *supa.Client
	breaker *gobreaker.CircuitBreaker
}

var (
	_ backend.Binder = (*Backend)(nil)
	_ backend.Pinger = (*Backend)(nil)
)

// New validates cfg and builds the shared anonymous client.
func New(cfg Config) (*Backend, error) {
	if cfg.URL == "" || cfg.AnonKey == "" {
		return nil, errors.New("supabase url and anon key are required")
	}
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	if cfg.Schema == "" {
		cfg.Schema = defaultSchema
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.BreakerMinRequests == 0 {
		cfg.BreakerMinRequests = 5
	}
	if cfg.BreakerRatio == 0 {
		cfg.BreakerRatio = 0.8
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	anon, err := supa.NewClient(cfg.URL, cfg.AnonKey, &supa.ClientOptions{Schema: cfg.Schema})
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}

	log := cfg.Logger.With(logger.String("component", "supabase"))
	b := &Backend{cfg: cfg, log: log, clock: cfg.Clock, anon: anon}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgrest",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isClientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	metrics.CircuitBreakerState.WithLabelValues("postgrest").Set(0)
	return b, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Records returns the bookmark table as seen by the holder of accessToken.
// Row level security does the owner scoping on the server side as well.
func (b *Backend) Records(accessToken string) backend.Records {
	return &Records{b: b, apiKey: b.cfg.AnonKey, token: accessToken}
}

// ServiceRecords bypasses row level security. Only the importer uses it.
func (b *Backend) ServiceRecords() (backend.Records, error) {
	if b.cfg.ServiceRoleKey == "" {
		return nil, ErrNoServiceKey
	}
	return &Records{b: b, apiKey: b.cfg.ServiceRoleKey}, nil
}

// Changes returns the realtime feed authorized by accessToken.
func (b *Backend) Changes(accessToken string) backend.Changes {
	return &Realtime{b: b, token: accessToken}
}

// Identity returns the GoTrue-backed identity capability.
func (b *Backend) Identity(callbackURL string) *Identity {
	return &Identity{auth: b.anon.Auth, authURL: b.cfg.URL + "/auth/v1", callbackURL: callbackURL}
}

// Ping checks the auth server's health endpoint.
func (b *Backend) Ping(ctx context.Context) error {
	return await(ctx, func() error {
		_, err := b.anon.Auth.HealthCheck()
		return err
	})
}

// await runs a blocking SDK call and gives up when ctx ends. The SDK
// clients take no context, so an abandoned call finishes in the background.
func await(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
