// Package config loads server configuration from an optional YAML file and
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the trading engine.
type Config struct {
	Server  Server  `yaml:"server"`
	Storage Storage `yaml:"storage"`
	Auth    Auth    `yaml:"auth"`
	Trading Trading `yaml:"trading"`
	Logging Logging `yaml:"logging"`
}

// Server holds network listener configuration.
type Server struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Storage selects the backing store. DatabaseURL wins over SQLitePath; with
// neither set the server keeps everything in memory.
type Storage struct {
	DatabaseURL string        `yaml:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// Auth configures session tokens.
type Auth struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// Trading holds account and quote parameters.
type Trading struct {
	StartingBalance decimal.Decimal `yaml:"starting_balance"`
	// NoiseInterval is the period of the background quote noise walk.
	// Zero disables it; prices then move only on POST /api/quotes/refresh.
	NoiseInterval time.Duration `yaml:"noise_interval"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server:  Server{Port: "8080"},
		Storage: Storage{CacheTTL: 30 * time.Second},
		Auth:    Auth{SessionTTL: 24 * time.Hour},
		Trading: Trading{
			StartingBalance: decimal.NewFromInt(10000),
			NoiseInterval:   5 * time.Second,
		},
		Logging: Logging{Level: "info"},
	}
}

// Load starts from Default, overlays the YAML file at path when path is not
// empty, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}

	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}

	if v := os.Getenv("STARTING_BALANCE"); v != "" {
		bal, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("STARTING_BALANCE: %w", err)
		}
		cfg.Trading.StartingBalance = bal
	}
	if v := os.Getenv("NOISE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("NOISE_INTERVAL: %w", err)
		}
		cfg.Trading.NoiseInterval = d
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Trading.StartingBalance.IsNegative() {
		errs = append(errs, fmt.Errorf("trading.starting_balance must not be negative, got %s", c.Trading.StartingBalance))
	}
	if c.Trading.NoiseInterval < 0 {
		errs = append(errs, fmt.Errorf("trading.noise_interval must not be negative, got %s", c.Trading.NoiseInterval))
	}
	if c.Auth.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("auth.session_ttl must be positive, got %s", c.Auth.SessionTTL))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NewLogger creates a JSON slog logger at the given level. Supported levels:
// "debug", "info", "warn", "error". Unknown levels fall back to "info".
func NewLogger(level string) *slog.Logger {
	var slevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		slevel = slog.LevelDebug
	case "warn":
		slevel = slog.LevelWarn
	case "error":
		slevel = slog.LevelError
	default:
		slevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slevel}))
}
