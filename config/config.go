// Package config loads process configuration from the environment.
//
// A .env file in the working directory is loaded first when present;
// real environment variables win over it. Binaries override individual
// values with flags.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration shared by every binary.
type Config struct {
	Port int

	// DBDriver is "sqlite3" (default) or "postgres".
	DBDriver string
	DBDSN    string

	// RedisAddr empty means in-process locking only.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration

	LogLevel  string
	LogFormat string // "json" or "text"

	// StrictTransfers makes completeTransfer one atomic transaction instead
	// of logging and continuing past failed device remaps.
	StrictTransfers bool

	CORSAllowedOrigins []string
}

// Load reads .env (if any) and the environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:               intFromEnv("PORT", 8080),
		DBDriver:           stringFromEnv("DB_DRIVER", "sqlite3"),
		DBDSN:              stringFromEnv("DB_DSN", "refurb.db"),
		RedisAddr:          stringFromEnv("REDIS_ADDR", ""),
		RedisPassword:      stringFromEnv("REDIS_PASSWORD", ""),
		RedisDB:            intFromEnv("REDIS_DB", 0),
		LockTTL:            time.Duration(intFromEnv("LOCK_TTL_SECONDS", 30)) * time.Second,
		LogLevel:           stringFromEnv("LOG_LEVEL", "info"),
		LogFormat:          stringFromEnv("LOG_FORMAT", "json"),
		StrictTransfers:    boolFromEnv("STRICT_TRANSFERS", false),
		CORSAllowedOrigins: listFromEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:8080"}),
	}
}

func stringFromEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolFromEnv(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func listFromEnv(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
