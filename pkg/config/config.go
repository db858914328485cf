// Package config loads the daemon configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the configuration for the blobvault daemon.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Auth    AuthConfig
	Logging LoggingConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StorageConfig holds blob storage configuration.
type StorageConfig struct {
	// RootPath is the storage root directory.
	RootPath string
	// SessionExpiry is how long an idle write session survives.
	SessionExpiry time.Duration
	// MaintenanceInterval is the idle-maintenance cadence.
	MaintenanceInterval time.Duration
	// PackagesFile points at the JSON document describing installed
	// packages per user scope.
	PackagesFile string
}

// AuthConfig holds caller and admin authentication settings.
type AuthConfig struct {
	// JWTSecret signs and verifies caller identity tokens.
	JWTSecret string
	// TokenTTL bounds issued caller tokens.
	TokenTTL time.Duration
	// ServiceTokenHash is the bcrypt hash the admin surface checks
	// X-Service-Token against. Empty disables the admin routes.
	ServiceTokenHash string
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string
	Format string // json, console
}

// LoadFromEnv loads configuration from environment variables with sensible
// local defaults.
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "127.0.0.1"),
			Port:         getEnvInt("SERVER_PORT", 8445),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Storage: StorageConfig{
			RootPath:            getEnv("STORAGE_ROOT", "./blobstore"),
			SessionExpiry:       getEnvDuration("STORAGE_SESSION_EXPIRY", 7*24*time.Hour),
			MaintenanceInterval: getEnvDuration("STORAGE_MAINTENANCE_INTERVAL", time.Hour),
			PackagesFile:        getEnv("STORAGE_PACKAGES_FILE", "./packages.json"),
		},
		Auth: AuthConfig{
			JWTSecret:        getEnv("JWT_SECRET", "dev-secret-change-me"),
			TokenTTL:         getEnvDuration("JWT_TOKEN_TTL", 24*time.Hour),
			ServiceTokenHash: getEnv("SERVICE_TOKEN_HASH", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// getEnv gets an environment variable with a fallback.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as an integer with a fallback.
func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvDuration gets an environment variable as a duration with a fallback.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
