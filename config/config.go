// Package config loads service settings from the environment, an optional
// .env file and command-line flags, in increasing order of precedence.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port           int
	Driver         string
	DBPath         string
	DatabaseURL    string
	KafkaBrokers   []string
	KafkaTopic     string
	Environment    string
	LogLevel       string
	RequestTimeout time.Duration
}

// Load reads .env (if present), the environment and then args.
func Load(args []string) (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	timeout, err := time.ParseDuration(getEnv("REQUEST_TIMEOUT", "30s"))
	if err != nil {
		return Config{}, fmt.Errorf("REQUEST_TIMEOUT: %w", err)
	}

	cfg := Config{
		Driver:         getEnv("DB_DRIVER", DriverSQLite),
		DBPath:         getEnv("DB_PATH", "./data/ledger.db"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		KafkaBrokers:   splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "ledger.entries"),
		Environment:    getEnv("ENVIRONMENT", "production"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RequestTimeout: timeout,
	}

	port := getEnv("PORT", "8080")
	if _, err := fmt.Sscanf(port, "%d", &cfg.Port); err != nil {
		return Config{}, fmt.Errorf("PORT %q: %w", port, err)
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.Driver, "driver", cfg.Driver, "storage driver: sqlite, postgres or memory")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection string")
	fs.StringVar(&cfg.Environment, "env", cfg.Environment, "environment: production or development")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "per-request timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("sqlite driver needs a database path")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("postgres driver needs DATABASE_URL")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Driver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
