package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	NATS     NATSConfig
	Sentry   SentryConfig
	Dispatch DispatchConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string
	Environment  string
	ServiceName  string
	ReadTimeout  int // seconds
	WriteTimeout int // seconds
	CORSOrigins  string // comma-separated list of allowed origins
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
	// MigrationsPath is a file:// URL; empty disables startup migrations.
	MigrationsPath string
}

// DSN builds a Postgres connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns the host:port address of the Redis server.
func (c *RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// JWTConfig holds token verification settings.
type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

// NATSConfig holds event bus settings.
type NATSConfig struct {
	URL     string
	Enabled bool
}

// SentryConfig holds error tracking settings.
type SentryConfig struct {
	DSN     string
	Enabled bool
}

// DispatchConfig tunes the driver dispatch loop.
type DispatchConfig struct {
	SearchRadiusKm  float64
	MaxCandidates   int
	OfferTimeout    time.Duration
	OfferFanout     int
	RetryInterval   time.Duration
	OverallDeadline time.Duration
}

// Load reads configuration from the environment, with .env support for
// local development.
func Load(serviceName string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ServiceName:  serviceName,
			ReadTimeout:  getEnvAsInt("READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("WRITE_TIMEOUT", 10),
			CORSOrigins:  getEnv("CORS_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnv("DB_PORT", "5432"),
			User:           getEnv("DB_USER", "postgres"),
			Password:       getEnv("DB_PASSWORD", "postgres"),
			DBName:         getEnv("DB_NAME", "tango"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			MaxConns:       getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:       getEnvAsInt("DB_MIN_CONNS", 5),
			MigrationsPath: getEnv("DB_MIGRATIONS_PATH", "file://db/migrations"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:          getEnv("JWT_SECRET", "dev-secret-change-me"),
			ExpirationHours: getEnvAsInt("JWT_EXPIRATION_HOURS", 24),
		},
		NATS: NATSConfig{
			URL:     getEnv("NATS_URL", "nats://localhost:4222"),
			Enabled: getEnvAsBool("NATS_ENABLED", false),
		},
		Sentry: SentryConfig{
			DSN:     getEnv("SENTRY_DSN", ""),
			Enabled: getEnv("SENTRY_DSN", "") != "",
		},
		Dispatch: DispatchConfig{
			SearchRadiusKm:  getEnvAsFloat("DISPATCH_RADIUS_KM", 5.0),
			MaxCandidates:   getEnvAsInt("DISPATCH_MAX_CANDIDATES", 10),
			OfferTimeout:    time.Duration(getEnvAsInt("DISPATCH_OFFER_TIMEOUT_SECONDS", 15)) * time.Second,
			OfferFanout:     getEnvAsInt("DISPATCH_OFFER_FANOUT", 2),
			RetryInterval:   time.Duration(getEnvAsInt("DISPATCH_RETRY_SECONDS", 5)) * time.Second,
			OverallDeadline: time.Duration(getEnvAsInt("DISPATCH_DEADLINE_SECONDS", 180)) * time.Second,
		},
	}

	if cfg.Server.Environment == "production" && cfg.JWT.Secret == "dev-secret-change-me" {
		return nil, fmt.Errorf("JWT_SECRET must be set in production")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
