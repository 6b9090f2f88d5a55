/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the token ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and environment configuration, parse flags
  2. Initialize SQLite store
  3. Build cache, ledger service, notification engine, subscription hub
  4. Build the external fetch coordinator (when a source URL is set)
  5. Configure HTTP router and the notification expiry sweeper
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS (override the environment):
  -port          HTTP server port (PORT, default: 8080)
  -db            SQLite database path (DB_PATH, default: ledger.db)
                 Use ":memory:" for in-memory database
  -external-url  External balance source (EXTERNAL_SOURCE_URL, default: none)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper
  4. Close database connection

EXAMPLES:
  ./server -db="./data/ledger.db"
  ./server -db=":memory:" -port=3000
  ./server -external-url="https://utility.example.com/api"

SEE ALSO:
  - config/config.go: Every environment variable
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/token-ledger/api"
	"github.com/warp/token-ledger/balance"
	"github.com/warp/token-ledger/cache"
	"github.com/warp/token-ledger/config"
	"github.com/warp/token-ledger/fetch"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/logging"
	"github.com/warp/token-ledger/metrics"
	"github.com/warp/token-ledger/notify"
	"github.com/warp/token-ledger/store/sqlite"
	"github.com/warp/token-ledger/subscription"
)

func main() {
	logger := logging.NewLoggerWithService("token-ledger")
	config.LoadEnv(logger)
	logger.Logger.SetLevel(config.GetLogLevel())
	cfg := config.Load()

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	externalURL := flag.String("external-url", cfg.ExternalSourceURL, "External balance source base URL")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer store.Close()

	m := metrics.New("token_ledger")
	c := cache.New(cache.Options{
		TTLs: map[cache.Kind]time.Duration{
			cache.KindBalance:   cfg.BalanceTTL,
			cache.KindAnalytics: cfg.AnalyticsTTL,
		},
		MaxEntries: cfg.CacheMaxEntries,
	}, cache.PrometheusHooks(m))

	bus := ledger.NewBus()
	svc := ledger.NewService(store, store, ledger.ServiceOptions{
		LockTimeout: cfg.LockTimeout,
		Invalidator: c,
		Bus:         bus,
		Logger:      logger.WithField("component", "ledger"),
		Metrics:     m,
	})

	// The hub seeds each account from the engine; the engine publishes
	// through the hub and reads preferences from it.
	var engine *notify.Engine
	hub := subscription.NewHub(func(ctx context.Context, accountID ledger.AccountID) ([]notify.Notification, error) {
		return engine.List(ctx, accountID, notify.DefaultListLimit)
	}, subscription.HubOptions{
		Preferences: store,
		Logger:      logger.WithField("component", "subscription"),
	})
	engine = notify.NewEngine(store, notify.Options{
		RepeatCooldown: cfg.NotifyRepeatCooldown,
		Retention:      cfg.NotifyRetention,
		Publisher:      hub,
		Preferences:    hub,
		Logger:         logger.WithField("component", "notify"),
		Metrics:        m,
	})
	engine.Attach(bus)

	var fetcher balance.Fetcher
	if *externalURL != "" {
		source := fetch.NewHTTPSource(*externalURL, fetch.HTTPSourceOptions{
			Client: &http.Client{Timeout: cfg.FetchTimeout},
			Name:   "utility-api",
		})
		fetcher = fetch.NewCoordinator(source, fetch.Options{
			Cooldown:    cfg.FetchCooldown,
			Timeout:     cfg.FetchTimeout,
			RetryDelay:  cfg.FetchRetryDelay,
			MaxAttempts: cfg.FetchMaxAttempts,
			Logger:      logger.WithField("component", "fetch"),
			Metrics:     m,
		})
		logger.WithField("url", *externalURL).Info("External balance source enabled")
	} else {
		logger.Info("No external balance source configured")
	}

	reader := balance.NewReader(svc, fetcher, balance.Options{
		Cache:     c,
		Directory: store,
		Logger:    logger.WithField("component", "balance"),
	})

	handler := api.NewHandler(api.Deps{
		Ledger:        svc,
		Reader:        reader,
		Notifications: engine,
		Hub:           hub,
		Meters:        store,
		Health:        store.Ping,
		Logger:        logger.WithField("component", "api"),
	})
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.CORSOrigins,
		Metrics:     m.Handler(),
		Logger:      logger.WithField("component", "http"),
	})

	sweeper := api.NewExpirySweeper(engine, logger)
	sweeper.CheckInterval = cfg.SweepInterval
	sweeper.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.WithField("port", *port).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	sweeper.Stop()

	logger.Info("Server stopped")
}
