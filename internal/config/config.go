package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend and identity selectors.
const (
	BackendSupabase = "supabase"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Refresh policies after a local write.
const (
	RefreshImmediate    = "immediate"    // re-fetch right after add/delete, feed still active
	RefreshSubscription = "subscription" // rely on the change feed only
)

const minSessionSecret = 32

type Config struct {
	ListenPort      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 5s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	Backend  string // records + change feed: supabase | redis | memory
	Identity string // supabase | memory

	PublicURL      string        // external base URL, ex: https://marks.domain.ext
	SessionSecret  string        // cookie signing key
	SessionMaxAge  time.Duration // cookie lifetime
	SecureCookies  bool          // set the Secure flag on cookies
	OAuthProvider  string        // ex: "google"
	RefreshPolicy  string        // immediate | subscription
	ResyncInterval time.Duration // periodic safety re-fetch, 0 disables
	FeedRetryInit  time.Duration // first wait before re-subscribing
	FeedRetryMax   time.Duration // cap on the re-subscribe wait
	RemoteTimeout  time.Duration // per remote call

	// Supabase
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string // import only
	SupabaseTable      string
	SupabaseSchema     string
	SupabaseHeartbeat  time.Duration

	// Redis
	RedisAddr           string        // ex: "localhost:6379"
	RedisUser           string        // optional
	RedisPassword       string        // optional
	RedisDB             int           // Redis DB number
	RedisDT             time.Duration // Redis dial timeout (ex: 5s)
	RedisRT             time.Duration // Redis read timeout (ex: 3s)
	RedisWT             time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait        time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout    time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize       int           // Redis connection pool size
	RedisConnectTimeout time.Duration // Total time to retry connecting (ex: 30s)
	RedisRetryInterval  time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold  int           // warn after this many attempts

	// Memory identity (local development)
	DevUserID    string
	DevUserEmail string

	AllowedHosts []string // optional, restrict access to specific Host headers
	AllowedCIDRS []string // optional, restrict infra endpoints to specific IPs/CIDRs
	TrustProxy   bool     // true => trust X-Forwarded-For headers (e.g. cloudflared)

	RateBurst  int // token bucket size for /auth and /api
	RatePerMin int // refill per client IP per minute
}

// Load reads the environment, after merging a .env file when one exists.
func Load() *Config {
	loadEnvFile(getenv("MARKS_ENV_FILE", ".env"))

	cfg := &Config{
		// Server settings
		ListenPort:      getenv("MARKS_LISTEN_PORT", ":8080"),
		ShutdownTimeout: mustDuration("MARKS_SHUTDOWN_TIMEOUT", 5*time.Second),

		// Logging
		LogLevel:  getenv("MARKS_LOG_LEVEL", "info"),
		PrettyLog: mustBool("MARKS_PRETTY_LOG", true),

		// Backends
		Backend:  oneOf("MARKS_BACKEND", BackendSupabase, BackendSupabase, BackendRedis, BackendMemory),
		Identity: oneOf("MARKS_IDENTITY", BackendSupabase, BackendSupabase, BackendMemory),

		// Session & sync behavior
		PublicURL:      strings.TrimRight(getenv("MARKS_PUBLIC_URL", "http://localhost:8080"), "/"),
		SessionSecret:  getenv("MARKS_SESSION_SECRET", ""),
		SessionMaxAge:  mustDuration("MARKS_SESSION_MAX_AGE", 7*24*time.Hour),
		SecureCookies:  mustBool("MARKS_SECURE_COOKIES", false),
		OAuthProvider:  getenv("MARKS_OAUTH_PROVIDER", "google"),
		RefreshPolicy:  oneOf("MARKS_REFRESH_POLICY", RefreshImmediate, RefreshImmediate, RefreshSubscription),
		ResyncInterval: mustDuration("MARKS_RESYNC_INTERVAL", 5*time.Minute),
		FeedRetryInit:  mustDuration("MARKS_FEED_RETRY_INITIAL", time.Second),
		FeedRetryMax:   mustDuration("MARKS_FEED_RETRY_MAX", 30*time.Second),
		RemoteTimeout:  mustDuration("MARKS_REMOTE_TIMEOUT", 10*time.Second),

		// Supabase settings
		SupabaseURL:        strings.TrimRight(getenv("SUPABASE_URL", ""), "/"),
		SupabaseAnonKey:    getenv("SUPABASE_ANON_KEY", ""),
		SupabaseServiceKey: getenv("SUPABASE_SERVICE_ROLE_KEY", ""),
		SupabaseTable:      getenv("SUPABASE_TABLE", "bookmarks"),
		SupabaseSchema:     getenv("SUPABASE_SCHEMA", "public"),
		SupabaseHeartbeat:  mustDuration("SUPABASE_HEARTBEAT", 25*time.Second),

		// Redis settings
		RedisAddr:           getenv("MARKS_REDIS_ADDR", ""),
		RedisUser:           getenv("MARKS_REDIS_USERNAME", ""),
		RedisPassword:       getenv("MARKS_REDIS_PASSWORD", ""),
		RedisDB:             getenvInt("MARKS_REDIS_DB", 0),
		RedisDT:             mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:             mustDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:             mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:        mustDuration("REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:    mustDuration("REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:       getenvInt("REDIS_POOL_SIZE", 10),
		RedisConnectTimeout: mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:  mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:  getenvInt("REDIS_WARN_THRESHOLD", 3),

		// Memory identity
		DevUserID:    getenv("MARKS_DEV_USER_ID", "00000000-0000-0000-0000-000000000001"),
		DevUserEmail: getenv("MARKS_DEV_USER_EMAIL", "dev@localhost"),

		// Access restrictions
		AllowedHosts: splitAndTrim(getenv("MARKS_ALLOWED_HOSTS", "")),
		AllowedCIDRS: parseAllowedIPs(getenv("MARKS_ALLOWED_CIDRS", "")),
		TrustProxy:   mustBool("MARKS_TRUST_PROXY", false),

		RateBurst:  getenvInt("MARKS_RATE_BURST", 30),
		RatePerMin: getenvInt("MARKS_RATE_PER_MIN", 120),
	}

	if cfg.Backend == BackendSupabase || cfg.Identity == BackendSupabase {
		cfg.SupabaseURL = strings.TrimRight(requireEnv("SUPABASE_URL"), "/")
		cfg.SupabaseAnonKey = requireEnv("SUPABASE_ANON_KEY")
	}
	if cfg.Backend == BackendRedis {
		cfg.RedisAddr = requireEnv("MARKS_REDIS_ADDR")
	}
	if cfg.FeedRetryInit <= 0 || cfg.FeedRetryMax < cfg.FeedRetryInit {
		panic(fmt.Sprintf("❌ FATAL: invalid feed retry window %v..%v", cfg.FeedRetryInit, cfg.FeedRetryMax))
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		log.Printf("[DEBUG] cfg: %+v\n", cfg.Redacted())
	}

	return cfg
}

// MustServe panics unless the settings only the HTTP server needs are present.
func (c *Config) MustServe() {
	if c.SessionSecret == "" {
		panic("❌ FATAL: Required environment variable MARKS_SESSION_SECRET is not set")
	}
	if len(c.SessionSecret) < minSessionSecret {
		panic(fmt.Sprintf("❌ FATAL: MARKS_SESSION_SECRET must be at least %d bytes", minSessionSecret))
	}
}

// CallbackURL is where the identity provider sends the browser back.
func (c *Config) CallbackURL() string {
	return c.PublicURL + "/auth/callback"
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() Config {
	cp := *c
	const redacted = "***REDACTED***"
	for _, s := range []*string{&cp.SessionSecret, &cp.SupabaseAnonKey, &cp.SupabaseServiceKey, &cp.RedisPassword} {
		if *s != "" {
			*s = redacted
		}
	}
	if cp.RedisUser != "" {
		cp.RedisUser = redacted
	}
	return cp
}

func loadEnvFile(path string) {
	if path == "" {
		return
	}
	// Real environment wins over the file.
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		panic(fmt.Sprintf("❌ FATAL: failed to read env file %s: %v", path, err))
	}
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	return v
}

func oneOf(key, def string, allowed ...string) string {
	v := strings.ToLower(getenv(key, def))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	panic(fmt.Sprintf("❌ FATAL: Invalid value for %s: %s (allowed: %s)", key, v, strings.Join(allowed, ", ")))
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
