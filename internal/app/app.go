package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tessera-id/tessera/internal/domain"
	"github.com/tessera-id/tessera/internal/obs"
	"github.com/tessera-id/tessera/internal/service"
	"github.com/tessera-id/tessera/internal/store"
	"github.com/tessera-id/tessera/internal/store/drivers/sqlite"
	"github.com/tessera-id/tessera/pkg/cryptox"
	"github.com/tessera-id/tessera/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application wires the session core together. The binary exposes only an
// operational surface (metrics, health); session and tenant operations are
// consumed as Go APIs by identity-flow collaborators.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db store.Store

	Tenants      *service.TenantService
	Sessions     *service.SessionService
	Keys         *service.Keyring
	housekeeping *service.HousekeepingService

	server *http.Server
}

// New creates an Application with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "tessera",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if cfg.MasterKeyPath != "" {
		cryptox.SetMasterKeyPath(cfg.MasterKeyPath)
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}
	if err := app.initServices(); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	obs.Init()
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.housekeeping.Start()

	app.logger.Info("tessera starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down tessera...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeeping.Stop()

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("tessera stopped")
	return nil
}

func (app *Application) initDatabase() error {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

func (app *Application) initServices() error {
	keys, err := service.NewKeyring(app.db, app.cfg.Algorithm, app.cfg.KeyRotationInterval)
	if err != nil {
		return err
	}
	app.Keys = keys

	// Mint or load the current key up front so an algorithm mismatch with
	// the store fails at startup, not on the first session.
	if _, err := keys.CurrentKey(context.Background()); err != nil {
		return fmt.Errorf("failed to initialize signing keys: %w", err)
	}

	app.Tenants = service.NewTenantService(app.db)

	// Overrides are validated when written, but a database produced by an
	// older build may still hold a bad effective config. Misconfiguration
	// is a deployment error, so reject it at boot rather than per session.
	baseCfg, err := app.Tenants.Resolve(context.Background(), domain.DefaultAddress())
	if err != nil {
		return fmt.Errorf("failed to resolve base tenant configuration: %w", err)
	}
	if err := baseCfg.Validate(); err != nil {
		return fmt.Errorf("invalid stored base configuration: %w", err)
	}

	app.Sessions = &service.SessionService{
		Store:   app.db,
		Tenants: app.Tenants,
		Keys:    app.Keys,
		Issuer:  app.cfg.Issuer,
	}
	app.housekeeping = service.NewHousekeepingService(app.db, app.Keys, app.logger, app.cfg.HousekeepingInterval)
	return nil
}

func (app *Application) initHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := app.db.Ping(r.Context()); err != nil {
			http.Error(w, "storage unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
