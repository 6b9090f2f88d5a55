/*
config.go - Service configuration

PURPOSE:
  Collects every tunable of the ledger service in one struct. Values come
  from the process environment (optionally seeded from .env), and
  cmd/server flags override the few that operators change most.

ENVIRONMENT:
  PORT                    HTTP port (8080)
  DB_PATH                 SQLite path, ":memory:" allowed (ledger.db)
  LOG_LEVEL               debug|info|warn|error (info)
  BALANCE_TTL             cache TTL for balance reads (2m)
  ANALYTICS_TTL           cache TTL for analytics (5m)
  CACHE_MAX_ENTRIES       cache size bound (10000)
  LOCK_TIMEOUT            per-key lock wait bound (5s)
  FETCH_COOLDOWN          min time between successful external fetches (5m)
  FETCH_TIMEOUT           bound on one external call (8s)
  FETCH_RETRY_DELAY       spacing between automatic retries (30s)
  FETCH_MAX_ATTEMPTS      consecutive failures before fallback mode (3)
  EXTERNAL_SOURCE_URL     base URL of the external balance source (unset = disabled)
  NOTIFY_REPEAT_COOLDOWN  window suppressing repeats in the same band (24h)
  NOTIFY_RETENTION        notification lifetime before the sweep purges it (720h)
  SWEEP_INTERVAL          expiry sweep period (1h)
  CORS_ORIGINS            comma-separated allowed origins
*/
package config

import (
	"time"
)

type Config struct {
	Port   int
	DBPath string

	BalanceTTL      time.Duration
	AnalyticsTTL    time.Duration
	CacheMaxEntries int

	LockTimeout time.Duration

	FetchCooldown     time.Duration
	FetchTimeout      time.Duration
	FetchRetryDelay   time.Duration
	FetchMaxAttempts  int
	ExternalSourceURL string

	NotifyRepeatCooldown time.Duration
	NotifyRetention      time.Duration
	SweepInterval        time.Duration

	CORSOrigins []string
}

// Load reads the configuration from the environment.
func Load() Config {
	return Config{
		Port:   GetEnvInt("PORT", 8080),
		DBPath: GetEnv("DB_PATH", "ledger.db"),

		BalanceTTL:      GetEnvDuration("BALANCE_TTL", 2*time.Minute),
		AnalyticsTTL:    GetEnvDuration("ANALYTICS_TTL", 5*time.Minute),
		CacheMaxEntries: GetEnvInt("CACHE_MAX_ENTRIES", 10000),

		LockTimeout: GetEnvDuration("LOCK_TIMEOUT", 5*time.Second),

		FetchCooldown:     GetEnvDuration("FETCH_COOLDOWN", 5*time.Minute),
		FetchTimeout:      GetEnvDuration("FETCH_TIMEOUT", 8*time.Second),
		FetchRetryDelay:   GetEnvDuration("FETCH_RETRY_DELAY", 30*time.Second),
		FetchMaxAttempts:  GetEnvInt("FETCH_MAX_ATTEMPTS", 3),
		ExternalSourceURL: GetEnv("EXTERNAL_SOURCE_URL", ""),

		NotifyRepeatCooldown: GetEnvDuration("NOTIFY_REPEAT_COOLDOWN", 24*time.Hour),
		NotifyRetention:      GetEnvDuration("NOTIFY_RETENTION", 30*24*time.Hour),
		SweepInterval:        GetEnvDuration("SWEEP_INTERVAL", time.Hour),

		CORSOrigins: GetEnvList("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:8080"}),
	}
}
