package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrSnakeDoc/marks/internal/config"
	"github.com/MrSnakeDoc/marks/internal/httpserver"
	"github.com/MrSnakeDoc/marks/internal/httpserver/deps"
	"github.com/MrSnakeDoc/marks/internal/importer"
	"github.com/MrSnakeDoc/marks/internal/live"
	"github.com/MrSnakeDoc/marks/internal/logger"
	"github.com/MrSnakeDoc/marks/internal/session"
	"github.com/MrSnakeDoc/marks/internal/synchronizer"
	"github.com/MrSnakeDoc/marks/internal/version"
)

type App struct {
	cfg      *config.Config
	logger   logger.Logger
	server   *httpserver.Server
	backends *backends
}

func New() *App {
	cfg := config.Load()
	cfg.MustServe()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	// Fail fast if a backend is unreachable or misconfigured
	b, err := openBackends(context.Background(), cfg, loggerClient)
	if err != nil {
		loggerClient.Errorf("Failed to open backends: %v", err)
		os.Exit(1)
	}
	loggerClient.Info("backends initialized",
		logger.String("records", cfg.Backend),
		logger.String("identity", cfg.Identity))

	// Dependencies passed to routes (extend as needed).
	d := deps.Deps{
		Logger:        loggerClient,
		StartTime:     time.Now(),
		Version:       version.Version,
		Commit:        version.Commit,
		BuildDate:     version.BuildDate,
		GoVersion:     version.GoVersion,
		AllowedHosts:  cfg.AllowedHosts,
		AllowedCIDRS:  cfg.AllowedCIDRS,
		TrustProxy:    cfg.TrustProxy,
		RateBurst:     cfg.RateBurst,
		RatePerMin:    cfg.RatePerMin,
		PublicURL:     cfg.PublicURL,
		OAuthProvider: cfg.OAuthProvider,
		Identity:      b.identity,
		Binder:        b.binder,
		Components:    b.components,
		Backend:       cfg.Backend,
		Sessions:      session.NewStore(cfg.SessionSecret, cfg.SessionMaxAge, cfg.SecureCookies),
		Hub:           live.NewHub(b.identity, loggerClient),
		Sync: deps.SyncOptions{
			Policy:           synchronizer.Policy(cfg.RefreshPolicy),
			ResyncInterval:   cfg.ResyncInterval,
			FeedRetryInitial: cfg.FeedRetryInit,
			FeedRetryMax:     cfg.FeedRetryMax,
			RemoteTimeout:    cfg.RemoteTimeout,
		},
	}

	server := httpserver.New(cfg, loggerClient, d)

	return &App{
		cfg:      cfg,
		logger:   loggerClient,
		server:   server,
		backends: b,
	}
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting Marks v%s on %s", version.Version, a.cfg.ListenPort)
	a.logger.Infof("Marks %s (commit=%s, built=%s, go=%s)",
		version.Version, version.Commit, version.BuildDate, version.GoVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case err := <-errCh:
		a.backends.close(a.logger)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	a.backends.close(a.logger)

	a.logger.Info("✅ Marks stopped cleanly")
	return nil
}

// ImportOptions drives a one-off import from the command line.
type ImportOptions struct {
	File     string
	Owner    string
	DryRun   bool
	Progress io.Writer
}

// Import loads opts.File and writes its bookmarks for opts.Owner into the
// configured backend.
func Import(ctx context.Context, opts ImportOptions) (importer.Result, error) {
	cfg := config.Load()
	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	drafts, err := importer.LoadFile(opts.File)
	if err != nil {
		return importer.Result{}, err
	}

	b, err := openBackends(ctx, cfg, loggerClient)
	if err != nil {
		return importer.Result{}, err
	}
	defer b.close(loggerClient)

	records, err := b.importRecords(cfg)
	if err != nil {
		return importer.Result{}, err
	}

	return importer.New(records, loggerClient).Run(ctx, drafts, importer.Options{
		Owner:    opts.Owner,
		DryRun:   opts.DryRun,
		Progress: opts.Progress,
	})
}
