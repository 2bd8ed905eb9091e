/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the progression engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML file, environment)
  2. Initialize logging
  3. Open the store (sqlite when db_path is set, memory otherwise)
  4. Build the progression profile and the engine
  5. Configure the HTTP router and the expiry sweeper
  6. Start server with graceful shutdown

CONFIGURATION:
  PROGRESSION_CONFIG      Path to a YAML config file
  PROGRESSION_ADDR        Listen address (default :8080)
  PROGRESSION_DB_PATH     SQLite database path; ":memory:" or empty for memory
  PROGRESSION_RULES_FILE  JSON profile; empty uses the standard coaching profile
  PROGRESSION_LOG_LEVEL   debug, info, warn, error

  See config/config.go for the full list.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the expiry sweeper
  2. Stop accepting new connections
  3. Wait for active requests to complete (shutdown_timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  PROGRESSION_DB_PATH=./data/progression.db ./server

  # Run with a custom profile and verbose logging
  PROGRESSION_RULES_FILE=./profile.json PROGRESSION_LOG_LEVEL=debug ./server

SEE ALSO:
  - api/server.go: Router configuration
  - config/loader.go: Configuration layering
  - factory/rules.go: Profile format
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/progression-engine/api"
	"github.com/warp/progression-engine/coaching"
	"github.com/warp/progression-engine/config"
	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/engine/store"
	"github.com/warp/progression-engine/factory"
	"github.com/warp/progression-engine/pkg/logger"
	"github.com/warp/progression-engine/store/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := logger.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx); err != nil {
		logger.Get().Error(ctx, "server exited", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		return err
	}
	log := logger.Named("server")

	// Initialize store
	stores, closeStore, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// Build engine
	profile, err := loadProfile(cfg)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}
	opts := append(profile.Options(),
		engine.WithLogger(logger.Named("engine")),
		engine.WithCacheSize(cfg.CacheSize),
		engine.WithTrialLength(cfg.TrialLength),
		engine.WithBillingPeriod(cfg.BillingPeriod),
		engine.WithGracePeriod(cfg.PastDueGrace),
	)
	eng, err := engine.New(stores, opts...)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	log.Info(ctx, "engine ready",
		logger.Int("levels", len(eng.Levels().Levels())),
		logger.Int("capabilities", len(eng.Capabilities())))

	// Expiry sweeper
	sweeper := api.NewExpirySweeper(eng, cfg.ExpirySweepInterval, logger.Named("sweeper"))
	sweeper.Start()
	defer sweeper.Stop()

	// Create server
	handler := api.NewHandler(eng, logger.Named("api"))
	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      api.NewRouter(handler, api.RouterOptions{}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "server starting", logger.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info(shutdownCtx, "server stopped")
	return nil
}

func openStores(ctx context.Context, cfg *config.Config) (engine.Stores, func(), error) {
	if cfg.DBPath == "" {
		logger.Get().Info(ctx, "using in-memory store")
		return store.NewMemory().Stores(), func() {}, nil
	}

	db, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return engine.Stores{}, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return engine.Stores{}, nil, fmt.Errorf("failed to reach database: %w", err)
	}
	logger.Get().Info(ctx, "using sqlite store", logger.String("path", cfg.DBPath))
	return db.Stores(), func() { db.Close() }, nil
}

// loadProfile reads the rules file (or the standard coaching profile) and
// applies the level table and deadlines from config on top of it.
func loadProfile(cfg *config.Config) (*factory.Profile, error) {
	f := factory.NewRuleFactory(coaching.DefaultLevels()...)

	var (
		profile *factory.Profile
		err     error
	)
	if cfg.RulesFile != "" {
		profile, err = f.LoadFile(cfg.RulesFile)
	} else {
		profile, err = f.ParseProfile(coaching.StandardProfileJSON())
	}
	if err != nil {
		return nil, err
	}
	if len(cfg.Levels) == 0 && len(cfg.MilestoneDeadlines) == 0 {
		return profile, nil
	}

	pj := f.ToJSON(profile)
	if len(cfg.Levels) > 0 {
		pj.Levels = pj.Levels[:0]
		for _, l := range cfg.Levels {
			pj.Levels = append(pj.Levels, factory.LevelJSON{Name: l.Name, Threshold: l.Threshold})
		}
	}
	if len(cfg.MilestoneDeadlines) > 0 {
		if pj.MilestoneDeadlines == nil {
			pj.MilestoneDeadlines = make(map[string]string, len(cfg.MilestoneDeadlines))
		}
		for typ, d := range cfg.MilestoneDeadlines {
			pj.MilestoneDeadlines[typ] = d.String()
		}
	}
	return f.FromJSON(pj)
}
