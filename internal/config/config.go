package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"store-backend/internal/password"
)

const (
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	LimiterMemory = "memory"
	LimiterRedis  = "redis"
)

type Config struct {
	Env      string `env:"APP_ENV" env-default:"production"`
	Port     string `env:"PORT" env-default:"8080"`
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`

	// TrustedProxies lists the CIDRs whose forwarding headers are believed.
	TrustedProxies []string `env:"TRUSTED_PROXIES" env-separator:","`

	Store       StoreConfig
	Auth        AuthConfig
	TwoFactor   TwoFactorConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Admin       AdminConfig
	Maintenance MaintenanceConfig
	Sentry      SentryConfig
}

type StoreConfig struct {
	Driver          string        `env:"STORE_DRIVER" env-default:"mongo"`
	MongoURI        string        `env:"MONGO_URI"`
	DatabaseURL     string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" env-default:"10"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" env-default:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"30m"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" env-default:"10m"`
	RunMigrations   bool          `env:"RUN_MIGRATIONS_ON_STARTUP" env-default:"false"`
}

type AuthConfig struct {
	AccessSecret    string        `env:"JWT_ACCESS_SECRET" env-required:"true"`
	RefreshSecret   string        `env:"JWT_REFRESH_SECRET" env-required:"true"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" env-default:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" env-default:"168h"`
	MaxAttempts     int           `env:"LOGIN_MAX_ATTEMPTS" env-default:"5"`
	LockDuration    time.Duration `env:"LOGIN_LOCK_DURATION" env-default:"2h"`
	BcryptCost      int           `env:"BCRYPT_COST" env-default:"12"`
}

type TwoFactorConfig struct {
	Issuer      string        `env:"TWO_FACTOR_ISSUER" env-default:"Store"`
	MaxAttempts int           `env:"TWO_FACTOR_MAX_ATTEMPTS" env-default:"5"`
	Window      time.Duration `env:"TWO_FACTOR_WINDOW" env-default:"15m"`
}

type RateLimitConfig struct {
	Driver          string        `env:"RATE_LIMIT_DRIVER" env-default:"memory"`
	RedisURL        string        `env:"REDIS_URL"`
	LoginMax        int           `env:"LOGIN_RATE_LIMIT_MAX" env-default:"10"`
	LoginWindow     time.Duration `env:"LOGIN_RATE_LIMIT_WINDOW" env-default:"1m"`
	GlobalPerMinute int           `env:"GLOBAL_RATE_LIMIT_PER_MINUTE" env-default:"300"`
}

type CORSConfig struct {
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" env-separator:"," env-default:"http://localhost:3000"`
}

type AdminConfig struct {
	Email    string `env:"ADMIN_EMAIL"`
	Password string `env:"ADMIN_PASSWORD"`
	Name     string `env:"ADMIN_NAME" env-default:"Administrator"`
}

type MaintenanceConfig struct {
	CronSecret                string        `env:"CRON_SECRET"`
	PendingTwoFactorRetention time.Duration `env:"PENDING_TWO_FACTOR_RETENTION" env-default:"24h"`
	BatchSize                 int           `env:"CLEANUP_BATCH_SIZE" env-default:"500"`
}

type SentryConfig struct {
	DSN string `env:"SENTRY_DSN"`
}

func (c *Config) Development() bool {
	return c.Env == "development"
}

// Load reads configuration from the environment, optionally seeding it from a
// .env file first.
func Load(loadDotEnv bool) (*Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	if c.Auth.AccessSecret == c.Auth.RefreshSecret {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ"))
	}

	switch c.Store.Driver {
	case StoreMongo:
		if strings.TrimSpace(c.Store.MongoURI) == "" {
			errs = append(errs, errors.New("MONGO_URI is required when STORE_DRIVER=mongo"))
		}
	case StorePostgres:
		if strings.TrimSpace(c.Store.DatabaseURL) == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}

	switch c.RateLimit.Driver {
	case LimiterRedis:
		if strings.TrimSpace(c.RateLimit.RedisURL) == "" {
			errs = append(errs, errors.New("REDIS_URL is required when RATE_LIMIT_DRIVER=redis"))
		}
	case LimiterMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown RATE_LIMIT_DRIVER %q", c.RateLimit.Driver))
	}

	if (c.Admin.Email == "") != (c.Admin.Password == "") {
		errs = append(errs, errors.New("ADMIN_EMAIL and ADMIN_PASSWORD are required together"))
	}
	if len(c.Admin.Password) > password.MaxBytes {
		errs = append(errs, fmt.Errorf("ADMIN_PASSWORD must be at most %d bytes", password.MaxBytes))
	}

	return errors.Join(errs...)
}
