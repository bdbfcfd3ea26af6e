/*
main.go - Application entry point

PURPOSE:
  Starts the welfare benefit engine: event log, projections, buses,
  background projection listeners and the HTTP API.

STARTUP SEQUENCE:
  1. Load configuration from the environment, then apply flags
  2. Configure logrus
  3. Open the SQLite store (event log + read models)
  4. Build the service; use the Redis integration bus when configured
  5. Catch up every projection, start the listeners
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides WELFARE_PORT)
  -db      SQLite database path (overrides WELFARE_DB)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop listeners and the integration bus
  4. Close database connection

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/warp/benefit-engine/api"
	"github.com/warp/benefit-engine/bus/redisbus"
	"github.com/warp/benefit-engine/config"
	"github.com/warp/benefit-engine/generic"
	"github.com/warp/benefit-engine/store/sqlite"
	"github.com/warp/benefit-engine/welfare"
)

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	if err := cfg.SetupLogging(); err != nil {
		return err
	}

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svcCfg := welfare.Config{BenefitRate: cfg.BenefitRate}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rc := redis.NewClient(opts)
		defer rc.Close()

		bus := redisbus.New(rc, redisbus.Options{ClaimTTL: time.Hour})
		svcCfg.Integration = bus
		defer bus.Close()
	}

	svc := welfare.NewService(generic.NewEventLog(store), store, svcCfg)

	// Handlers are subscribed by NewService, so the bus starts afterwards.
	if bus, ok := svcCfg.Integration.(*redisbus.Bus); ok {
		if err := bus.Start(ctx); err != nil {
			return err
		}
	}

	if err := svc.Engine().CatchUpAll(ctx); err != nil {
		return fmt.Errorf("initial catch-up: %w", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(api.NewHandler(svc), cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return generic.RunListeners(gctx, svc.Engine(), cfg.PollInterval)
	})
	g.Go(func() error {
		log.WithFields(log.Fields{
			"port":        cfg.Port,
			"db":          cfg.DBPath,
			"benefitRate": cfg.BenefitRate.String(),
			"redis":       cfg.RedisURL != "",
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
