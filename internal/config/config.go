package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	// ATTENDLY_TIMEZONE must resolve in minimal containers without a zoneinfo tree.
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the process configuration. It is parsed once at startup and
// passed explicitly to the components that need it.
type Config struct {
	HTTPAddr string `env:"ATTENDLY_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"ATTENDLY_GRPC_ADDR" envDefault:":9090"`
	PGDSN    string `env:"ATTENDLY_PG_DSN"`

	AuthSecret     string        `env:"ATTENDLY_AUTH_SECRET"`
	AuthAlgorithm  string        `env:"ATTENDLY_AUTH_ALGORITHM" envDefault:"HS256"`
	AuthIssuer     string        `env:"ATTENDLY_AUTH_ISSUER" envDefault:"attendly"`
	CheckinTTL     time.Duration `env:"ATTENDLY_CHECKIN_TOKEN_TTL" envDefault:"60s"`
	AccessTokenTTL time.Duration `env:"ATTENDLY_ACCESS_TOKEN_TTL" envDefault:"168h"`

	// TimeZone is the wall clock event dates and end times are compared in.
	TimeZone string `env:"ATTENDLY_TIMEZONE" envDefault:"UTC"`

	CORSOrigins []string `env:"ATTENDLY_CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:3000"`
	RateBurst   int      `env:"ATTENDLY_RATE_BURST" envDefault:"50"`
	RatePerSec  int      `env:"ATTENDLY_RATE_PER_SEC" envDefault:"25"`

	MigrationsDir string `env:"ATTENDLY_MIGRATIONS_DIR" envDefault:"ops/migrations/sql"`
	SeedsDir      string `env:"ATTENDLY_SEEDS_DIR" envDefault:"ops/migrations/seeds"`
}

var hmacAlgorithms = map[string]bool{"HS256": true, "HS384": true, "HS512": true}

// Load reads an optional .env file and parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse builds a Config from the current environment and validates it.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.AuthAlgorithm = strings.ToUpper(strings.TrimSpace(cfg.AuthAlgorithm))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants that cannot be expressed as env defaults.
func (c Config) Validate() error {
	if c.AuthSecret == "" {
		return errors.New("ATTENDLY_AUTH_SECRET is required")
	}
	if !hmacAlgorithms[c.AuthAlgorithm] {
		return fmt.Errorf("unsupported signing algorithm %q", c.AuthAlgorithm)
	}
	if c.CheckinTTL <= 0 {
		return errors.New("check-in token ttl must be greater than zero")
	}
	if c.AccessTokenTTL <= 0 {
		return errors.New("access token ttl must be greater than zero")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves TimeZone.
func (c Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.TimeZone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q: %w", name, err)
	}
	return loc, nil
}
