package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type HTTPConfig struct {
	Addr       string
	GRPCAddr   string
	RateBurst  int
	RatePerSec float64
}

type PostgresConfig struct {
	DSN            string
	MigrateOnStart bool
}

type RedisConfig struct {
	Addr     string
	Password string
	Channel  string
}

type AuthConfig struct {
	Secret   string
	TokenTTL time.Duration
}

type EngineConfig struct {
	OpTimeout             time.Duration
	ShelfLifeDays         int
	MaintenanceWindowDays int
	MaintenanceSweep      time.Duration
	Location              *time.Location
}

type TracingConfig struct {
	Mode     string
	Endpoint string
}

type Config struct {
	HTTP     HTTPConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Engine   EngineConfig
	Tracing  TracingConfig
	LogLevel string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; variables already set win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var errs []error
	cfg := &Config{
		HTTP: HTTPConfig{
			Addr:       getEnv("STERIL_HTTP_ADDR", ":8080"),
			GRPCAddr:   getEnv("STERIL_GRPC_ADDR", ""),
			RateBurst:  getInt("STERIL_RATE_BURST", 100, &errs),
			RatePerSec: getFloat("STERIL_RATE_PER_SEC", 50, &errs),
		},
		Postgres: PostgresConfig{
			DSN:            getEnv("STERIL_PG_DSN", ""),
			MigrateOnStart: getBool("STERIL_MIGRATE_ON_START", false, &errs),
		},
		Redis: RedisConfig{
			Addr:     getEnv("STERIL_REDIS_ADDR", ""),
			Password: getEnv("STERIL_REDIS_PASSWORD", ""),
			Channel:  getEnv("STERIL_REDIS_CHANNEL", "steril.events"),
		},
		Auth: AuthConfig{
			Secret:   getEnv("STERIL_AUTH_SECRET", ""),
			TokenTTL: getDuration("STERIL_TOKEN_TTL", 12*time.Hour, &errs),
		},
		Engine: EngineConfig{
			OpTimeout:             getDuration("STERIL_OP_TIMEOUT", 5*time.Second, &errs),
			ShelfLifeDays:         getInt("STERIL_TRAY_SHELF_LIFE_DAYS", 180, &errs),
			MaintenanceWindowDays: getInt("STERIL_MAINTENANCE_WINDOW_DAYS", 7, &errs),
			MaintenanceSweep:      getDuration("STERIL_MAINTENANCE_SWEEP", time.Hour, &errs),
		},
		Tracing: TracingConfig{
			Mode:     getEnv("STERIL_TRACING", "off"),
			Endpoint: getEnv("STERIL_OTLP_ENDPOINT", ""),
		},
		LogLevel: getEnv("STERIL_LOG_LEVEL", "info"),
	}

	loc, err := time.LoadLocation(getEnv("STERIL_TIMEZONE", "UTC"))
	if err != nil {
		errs = append(errs, fmt.Errorf("STERIL_TIMEZONE: %w", err))
	}
	cfg.Engine.Location = loc

	if cfg.Engine.ShelfLifeDays <= 0 {
		errs = append(errs, errors.New("STERIL_TRAY_SHELF_LIFE_DAYS must be positive"))
	}
	if cfg.Engine.MaintenanceWindowDays < 0 {
		errs = append(errs, errors.New("STERIL_MAINTENANCE_WINDOW_DAYS must not be negative"))
	}
	if cfg.Engine.OpTimeout <= 0 {
		errs = append(errs, errors.New("STERIL_OP_TIMEOUT must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getInt(key string, fallback int, errs *[]error) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func getFloat(key string, fallback float64, errs *[]error) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func getBool(key string, fallback bool, errs *[]error) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}
