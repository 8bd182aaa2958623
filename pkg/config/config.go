package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the bot tick engine.
type Config struct {
	Port string

	// Database
	DBDriver string // "sqlite" (default) or "postgres"
	DBPath   string

	// Postgres (used when DBDriver == "postgres")
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Tick scheduling (wrapper only; the engine never schedules itself)
	TickInterval time.Duration
	TickTimeout  time.Duration
	TickShards   int

	// Execution
	DryRun bool

	// Fixtures
	SeedPath string

	// Logging
	LogLevel  string
	LogFormat string // "json" or "console"
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/bots.db")
	}

	shards := getEnvInt("TICK_SHARDS", 1)
	if shards < 1 {
		shards = 1
	}

	return &Config{
		Port:             getEnv("PORT", "8080"),
		DBDriver:         strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBPath:           dbPath,
		PostgresDSN:      os.Getenv("POSTGRES_DSN"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvInt("POSTGRES_PORT", 5432),
		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       getEnv("POSTGRES_DB", "bots"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		TickInterval:     getEnvDuration("TICK_INTERVAL", 0),
		TickTimeout:      getEnvDuration("TICK_TIMEOUT", 30*time.Second),
		TickShards:       shards,
		DryRun:           getEnv("DRY_RUN", "false") == "true",
		SeedPath:         getEnv("SEED_PATH", "./config/seed.yaml"),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
