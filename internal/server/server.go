// Package server wires the whole stack together: database, services,
// resolvers, validation, workflow, and the HTTP surface. main defers
// here so the wiring is testable and the binary stays a stub.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/schemaforge/server/internal/api"
	"github.com/schemaforge/server/internal/migrations"
	"github.com/schemaforge/server/pkg/inherit"
	"github.com/schemaforge/server/pkg/overlay"
	"github.com/schemaforge/server/pkg/publish"
	"github.com/schemaforge/server/pkg/rebase"
	"github.com/schemaforge/server/pkg/schemaspec"
	"github.com/schemaforge/server/pkg/service/sbaseline"
	"github.com/schemaforge/server/pkg/service/schange"
	"github.com/schemaforge/server/pkg/service/sdraft"
	"github.com/schemaforge/server/pkg/service/sentity"
	"github.com/schemaforge/server/pkg/validation"
	"github.com/schemaforge/server/pkg/workflow"
)

const shutdownGrace = 10 * time.Second

// Config is the server boot configuration, filled from the environment.
type Config struct {
	Mode       string
	Port       string
	SocketPath string

	DBPath  string
	DataDir string

	SchemaDir  string
	PolicyPath string

	TokenSecret string
}

// ConfigFromEnv reads the boot configuration.
//
// Environment variables:
//   - SERVER_MODE: "tcp" (default) or "uds"
//   - PORT: TCP port (default 8080)
//   - SERVER_SOCKET_PATH: socket path for uds mode
//   - DB_PATH: registry database file
//   - DATA_DIR: directory for migration backups
//   - SCHEMA_DIR: overrides the embedded entity schemas, hot-reloaded
//   - POLICY_PATH: YAML policy overriding the built-in change rules
//   - TOKEN_SECRET: HMAC secret for capability tokens
func ConfigFromEnv() Config {
	return Config{
		Mode:        getEnv("SERVER_MODE", api.ServerModeTCP),
		Port:        getEnv("PORT", "8080"),
		SocketPath:  getEnv("SERVER_SOCKET_PATH", "/tmp/schemaforge/server.socket"),
		DBPath:      getEnv("DB_PATH", "data/schemaforge.db"),
		DataDir:     getEnv("DATA_DIR", "data"),
		SchemaDir:   os.Getenv("SCHEMA_DIR"),
		PolicyPath:  os.Getenv("POLICY_PATH"),
		TokenSecret: os.Getenv("TOKEN_SECRET"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// Run boots from the environment and blocks until a shutdown signal or a
// fatal error.
func Run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return RunWith(ConfigFromEnv(), logger)
}

// RunWith boots with an explicit configuration and logger.
func RunWith(cfg Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openDatabase(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrations.Run(ctx, db, migrations.Config{
		DatabasePath: cfg.DBPath,
		DataDir:      cfg.DataDir,
		Logger:       logger,
	}); err != nil {
		return fmt.Errorf("server: migrate: %w", err)
	}

	drafts := sdraft.New(db)
	changes := schange.New(db)
	entities := sentity.New(db)
	baseline := sbaseline.New(db)

	ov := overlay.New(entities, changes, baseline, logger)
	defer ov.Close()
	inh := inherit.New(ov, changes, baseline)
	defer inh.Close()

	schemas, err := schemaspec.Load(cfg.SchemaDir, logger)
	if err != nil {
		return fmt.Errorf("server: load schemas: %w", err)
	}
	defer schemas.Close()
	if err := schemas.Watch(); err != nil {
		return fmt.Errorf("server: watch schemas: %w", err)
	}

	var policy *validation.Policy
	if cfg.PolicyPath != "" {
		policy, err = validation.LoadPolicy(cfg.PolicyPath)
		if err != nil {
			return fmt.Errorf("server: load policy: %w", err)
		}
		logger.Info("change policy loaded", slog.String("path", cfg.PolicyPath))
	}

	pipeline := validation.New(ov, inh, entities, changes, baseline, schemas, policy, logger)
	engine := workflow.New(db, drafts, changes, entities, pipeline, logger)
	publisher := publish.New(ov, changes, baseline, pipeline, logger)
	rebaser := rebase.New(drafts, changes, entities, logger)

	secret := []byte(cfg.TokenSecret)
	if len(secret) == 0 {
		logger.Warn("TOKEN_SECRET not set, capability tokens use the development secret")
		secret = []byte("dev-secret")
	}

	apiServer := api.NewServer(api.Deps{
		DB:        db,
		Drafts:    drafts,
		Changes:   changes,
		Entities:  entities,
		Baseline:  baseline,
		Overlay:   ov,
		Inherit:   inh,
		Workflow:  engine,
		Validator: pipeline,
		Publisher: publisher,
		Rebase:    rebaser,
		Secret:    secret,
		Logger:    logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.ListenAndServe(cfg.Mode, cfg.Port, cfg.SocketPath)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// openDatabase opens the registry database read-write-create with WAL and
// foreign keys on every pooled connection.
func openDatabase(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("server: create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("server: open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("server: ping database: %w", err)
	}
	return db, nil
}
