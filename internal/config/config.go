// Package config loads client configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings for the booking client.
type Config struct {
	BackendURL string // base URL of the booking backend

	StateBackend string // "memory", "file", "redis" or "postgres"
	StateFile    string // snapshot path for the file backend

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PGDSN string // postgres DSN for kiosk deployments

	MetricsAddr string // /metrics listen address in watch mode; empty disables
}

// Load reads the environment. A .env file in the working directory is
// applied first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		BackendURL:    getenv("BUSLANE_BACKEND_URL", "http://localhost:8000"),
		StateBackend:  getenv("BUSLANE_STATE_BACKEND", "file"),
		StateFile:     getenv("BUSLANE_STATE_FILE", defaultStateFile()),
		RedisAddr:     getenv("BUSLANE_REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("BUSLANE_REDIS_PASSWORD"),
		RedisDB:       atoi(getenv("BUSLANE_REDIS_DB", "0")),
		PGDSN:         os.Getenv("BUSLANE_PG_DSN"),
		MetricsAddr:   getenv("BUSLANE_METRICS_ADDR", ""),
	}
}

func defaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "buslane", "state.json")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
