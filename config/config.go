/*
Package config loads the runtime configuration from the environment.

VARIABLES:
  WELFARE_PORT            HTTP port (default 8080)
  WELFARE_DB              SQLite path, ":memory:" for a throwaway log (default welfare.db)
  WELFARE_POLL_INTERVAL   Projection listener tick (default 1s)
  WELFARE_BENEFIT_RATE    Share of net resources paid (default 0.10)
  WELFARE_REDIS_URL       When set, integration events go through Redis pub/sub
  WELFARE_LOG_LEVEL       logrus level (default info)
  WELFARE_LOG_FORMAT      "text" or "json" (default text)
  WELFARE_CORS_ORIGINS    Comma-separated allowed origins

Command-line flags in cmd/ override the values loaded here.
*/
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Config is the server configuration.
type Config struct {
	Port         int             `env:"WELFARE_PORT" envDefault:"8080"`
	DBPath       string          `env:"WELFARE_DB" envDefault:"welfare.db"`
	PollInterval time.Duration   `env:"WELFARE_POLL_INTERVAL" envDefault:"1s"`
	BenefitRate  decimal.Decimal `env:"WELFARE_BENEFIT_RATE" envDefault:"0.10"`
	RedisURL     string          `env:"WELFARE_REDIS_URL"`
	LogLevel     string          `env:"WELFARE_LOG_LEVEL" envDefault:"info"`
	LogFormat    string          `env:"WELFARE_LOG_FORMAT" envDefault:"text"`
	CORSOrigins  []string        `env:"WELFARE_CORS_ORIGINS" envSeparator:","`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("parse env: WELFARE_POLL_INTERVAL must be positive, got %s", cfg.PollInterval)
	}
	if cfg.BenefitRate.IsNegative() {
		return Config{}, fmt.Errorf("parse env: WELFARE_BENEFIT_RATE must not be negative, got %s", cfg.BenefitRate)
	}
	return cfg, nil
}

// SetupLogging configures the global logrus logger.
func (c Config) SetupLogging() error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stdout)

	switch c.LogFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("log format %q: want text or json", c.LogFormat)
	}
	return nil
}
