package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Room     RoomConfig
	Session  SessionConfig
	Notify   NotifyConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// StorageConfig selects the session store backend.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend string
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis:
// the retry queue falls back to direct sends and events stay process-local.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RoomConfig holds room-provider (LiveKit-compatible) settings.
type RoomConfig struct {
	URL             string
	APIKey          string
	APISecret       string
	EmptyTimeout    time.Duration
	MaxParticipants int
}

// SessionConfig holds the lifecycle timing knobs.
type SessionConfig struct {
	WorkerTimeout  time.Duration
	ClientTimeout  time.Duration
	RetryInterval  time.Duration
	ClientGrantTTL time.Duration
	WorkerGrantTTL time.Duration
}

// NotifyConfig holds the worker join-notification settings.
type NotifyConfig struct {
	Timeout time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (DATABASE_URL env), it is used as-is;
// otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Storage: StorageConfig{
			Backend: getEnv("STORAGE_BACKEND", "memory"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "coordinator"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Room: RoomConfig{
			URL:             getEnv("ROOM_URL", "ws://localhost:7880"),
			APIKey:          getEnv("ROOM_API_KEY", ""),
			APISecret:       getEnv("ROOM_API_SECRET", ""),
			EmptyTimeout:    getEnvDuration("ROOM_EMPTY_TIMEOUT", 10*time.Minute),
			MaxParticipants: getEnvInt("ROOM_MAX_PARTICIPANTS", 0),
		},
		Session: SessionConfig{
			WorkerTimeout:  getEnvDuration("SESSION_WORKER_TIMEOUT", 60*time.Second),
			ClientTimeout:  getEnvDuration("SESSION_CLIENT_TIMEOUT", 300*time.Second),
			RetryInterval:  getEnvDuration("SESSION_RETRY_INTERVAL", 30*time.Second),
			ClientGrantTTL: getEnvDuration("SESSION_CLIENT_GRANT_TTL", 6*time.Hour),
			WorkerGrantTTL: getEnvDuration("SESSION_WORKER_GRANT_TTL", 6*time.Hour),
		},
		Notify: NotifyConfig{
			Timeout: getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),
		},
	}

	if cfg.Storage.Backend != "memory" && cfg.Storage.Backend != "postgres" {
		return nil, fmt.Errorf("config: unknown STORAGE_BACKEND %q", cfg.Storage.Backend)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
