package app

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/marks/internal/backend"
	"github.com/MrSnakeDoc/marks/internal/backend/memory"
	redisbackend "github.com/MrSnakeDoc/marks/internal/backend/redis"
	"github.com/MrSnakeDoc/marks/internal/backend/supabase"
	"github.com/MrSnakeDoc/marks/internal/config"
	"github.com/MrSnakeDoc/marks/internal/domain"
	"github.com/MrSnakeDoc/marks/internal/logger"
	"github.com/MrSnakeDoc/marks/internal/utils"
)

var errMemoryImport = errors.New("the memory backend does not persist, nothing to import into")

// backends is everything the configured capabilities resolve to.
type backends struct {
	identity   backend.Identity
	binder     backend.Binder
	components map[string]backend.Pinger

	supa        *supabase.Backend
	redisClient *goredis.Client
	redisStore  *redisbackend.Store
}

// openBackends connects the record store, change feed and identity selected
// by cfg. Redis is dialed eagerly so a bad address fails at startup.
func openBackends(ctx context.Context, cfg *config.Config, log logger.Logger) (*backends, error) {
	b := &backends{components: make(map[string]backend.Pinger, 2)}

	if cfg.Backend == config.BackendSupabase || cfg.Identity == config.BackendSupabase {
		supa, err := supabase.New(supabase.Config{
			URL:            cfg.SupabaseURL,
			AnonKey:        cfg.SupabaseAnonKey,
			ServiceRoleKey: cfg.SupabaseServiceKey,
			Table:          cfg.SupabaseTable,
			Schema:         cfg.SupabaseSchema,
			Heartbeat:      cfg.SupabaseHeartbeat,
			Logger:         log.With(logger.String("component", "supabase")),
		})
		if err != nil {
			return nil, fmt.Errorf("supabase: %w", err)
		}
		b.supa = supa
		b.components[config.BackendSupabase] = supa
	}

	switch cfg.Backend {
	case config.BackendSupabase:
		b.binder = b.supa
	case config.BackendRedis:
		client, err := redisbackend.Connect(ctx, redisbackend.ConnectOptions{
			Addr:           cfg.RedisAddr,
			User:           cfg.RedisUser,
			Password:       cfg.RedisPassword,
			RedisDB:        cfg.RedisDB,
			DialTimeout:    cfg.RedisDT,
			ReadTimeout:    cfg.RedisRT,
			WriteTimeout:   cfg.RedisWT,
			PoolSize:       cfg.RedisPoolSize,
			ConnectTimeout: cfg.RedisConnectTimeout,
			RetryInterval:  cfg.RedisRetryInterval,
			MaxWait:        cfg.RedisMaxWait,
			PingTimeout:    cfg.RedisPingTimeout,
			WarnThreshold:  cfg.RedisWarnThreshold,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		b.redisClient = client
		b.redisStore = redisbackend.NewStore(client, nil)
		b.binder = b.redisStore
		b.components[config.BackendRedis] = b.redisStore
	case config.BackendMemory:
		store := memory.NewStore(nil)
		b.binder = store
		b.components[config.BackendMemory] = store
	}

	if cfg.Identity == config.BackendSupabase {
		b.identity = b.supa.Identity(cfg.CallbackURL())
	} else {
		log.Warn("memory identity signs every browser in as the dev user",
			logger.String("user", cfg.DevUserEmail))
		b.identity = memory.NewIdentity(domain.Principal{ID: cfg.DevUserID, Email: cfg.DevUserEmail}, cfg.CallbackURL(), nil)
	}

	return b, nil
}

// importRecords is the store the importer writes to. Supabase needs the
// service role key since the importer has no user token.
func (b *backends) importRecords(cfg *config.Config) (backend.Records, error) {
	switch cfg.Backend {
	case config.BackendSupabase:
		return b.supa.ServiceRecords()
	case config.BackendRedis:
		return b.redisStore, nil
	}
	return nil, errMemoryImport
}

func (b *backends) close(log logger.Logger) {
	if b.redisClient != nil {
		utils.CloseLogged(log, "redis", b.redisClient)
	}
}
