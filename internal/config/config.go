package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/smallbiznis/tenantroute/pkg/db"
	"go.uber.org/fx"
)

// Module wires the process-wide Config, loaded once at startup and failing
// fast if a required variable is missing. It also exposes the nested
// db.Config as its own fx type so pkg/db.Module can depend on it directly.
var Module = fx.Module("config",
	fx.Provide(
		Load,
		provideDBConfig,
	),
)

func provideDBConfig(cfg Config) db.Config {
	return cfg.DB
}

// Config holds application configuration loaded from the environment.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string

	DB db.Config

	JWTSecret                  string
	JWTExpiration               time.Duration
	RefreshTokenExpirationDays int

	CookieDomain   string
	CookieSameSite string
	CookieSecure   bool

	VroomURL string
	OSRMURL  string

	RedisURL string
	AMQPURL  string

	SeedSuperAdmin     bool
	SuperAdminUsername string
	SuperAdminPassword string
	SuperAdminEmail    string
}

// Load reads configuration from the environment (and a .env file, if
// present) and validates every required variable up front. A service that
// cannot start correctly should never start at all.
func Load() (Config, error) {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")
	cookieSecure := environment == "production"
	if !cookieSecure {
		cookieSecure = getenvBool("AUTH_COOKIE_SECURE", false)
	}

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "tenantroute"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  environment,
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DB: buildDBConfig(),

		JWTSecret:                  strings.TrimSpace(getenv("JWT_SECRET", "")),
		JWTExpiration:               getenvDuration("JWT_EXPIRATION", 15*time.Minute),
		RefreshTokenExpirationDays: getenvInt("REFRESH_TOKEN_EXPIRATION_DAYS", 30),

		CookieDomain:   strings.TrimSpace(getenv("COOKIE_DOMAIN", "")),
		CookieSameSite: strings.ToLower(getenv("COOKIE_SAME_SITE", "lax")),
		CookieSecure:   cookieSecure,

		VroomURL: strings.TrimSpace(getenv("VROOM_URL", "")),
		OSRMURL:  strings.TrimSpace(getenv("OSRM_URL", "")),

		RedisURL: strings.TrimSpace(getenv("REDIS_URL", "")),
		AMQPURL:  strings.TrimSpace(getenv("AMQP_URL", "")),

		SeedSuperAdmin:     getenvBool("SEED_SUPER_ADMIN", false),
		SuperAdminUsername: strings.TrimSpace(getenv("SUPER_ADMIN_USERNAME", "")),
		SuperAdminPassword: strings.TrimSpace(getenv("SUPER_ADMIN_PASSWORD", "")),
		SuperAdminEmail:    strings.TrimSpace(getenv("SUPER_ADMIN_EMAIL", "")),
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func buildDBConfig() db.Config {
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		return db.Config{
			Type:            "postgres",
			DSN:             dsn,
			MaxIdleConn:     getenvInt("DB_POOL_IDLE", 5),
			MaxOpenConn:     getenvInt("DB_POOL_MAX", 20),
			ConnMaxLifetime: getenvInt("DB_POOL_CONNECTION_TIMEOUT_MS", 30_000) / 1000,
			ConnMaxIdleTime: getenvInt("DB_POOL_IDLE_TIMEOUT_MS", 60_000) / 1000,
		}
	}
	return db.Config{
		Type:            getenv("DATABASE_TYPE", "postgres"),
		Host:            getenv("DB_HOST", "localhost"),
		Port:            getenv("DB_PORT", "5432"),
		Name:            getenv("DB_DATABASE", "tenantroute"),
		User:            getenv("DB_USERNAME", "postgres"),
		Password:        getenv("DB_PASSWORD", ""),
		SSLMode:         getenv("DB_SSLMODE", "disable"),
		MaxIdleConn:     getenvInt("DB_POOL_IDLE", 5),
		MaxOpenConn:     getenvInt("DB_POOL_MAX", 20),
		ConnMaxLifetime: getenvInt("DB_POOL_CONNECTION_TIMEOUT_MS", 30_000) / 1000,
		ConnMaxIdleTime: getenvInt("DB_POOL_IDLE_TIMEOUT_MS", 60_000) / 1000,
	}
}

func validate(cfg Config) error {
	var errs []error
	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if cfg.DB.DSN == "" && cfg.DB.Password == "" {
		errs = append(errs, errors.New("DATABASE_URL or DB_PASSWORD is required"))
	}
	if cfg.SeedSuperAdmin {
		if cfg.SuperAdminUsername == "" || cfg.SuperAdminPassword == "" || cfg.SuperAdminEmail == "" {
			errs = append(errs, errors.New("SUPER_ADMIN_USERNAME, SUPER_ADMIN_PASSWORD and SUPER_ADMIN_EMAIL are required when SEED_SUPER_ADMIN is set"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}
	return def
}
