// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/mcdev12/veto/go/internal/dbconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config is everything vetod needs to run.
type Config struct {
	HTTPAddr     string   `env:"VETO_HTTP_ADDR" envDefault:":8080"`
	AllowOrigins []string `env:"VETO_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	LogLevel     string   `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string   `env:"LOG_FORMAT" envDefault:"json"`

	TurnDuration  time.Duration `env:"VETO_TURN_DURATION" envDefault:"30s"`
	Workers       int           `env:"VETO_TIMEOUT_WORKERS" envDefault:"8"`
	RetryDelay    time.Duration `env:"VETO_PERSIST_RETRY_DELAY" envDefault:"2s"`
	AutoStart     bool          `env:"VETO_AUTO_START" envDefault:"false"`
	RulesetsPath  string        `env:"VETO_RULESETS_PATH"`
	RecoverOnBoot bool          `env:"VETO_RECOVER_ON_BOOT" envDefault:"true"`

	StoreDriver string `env:"VETO_STORE" envDefault:"memory"`
	SQLitePath  string `env:"VETO_SQLITE_PATH" envDefault:"veto.db"`
	// DatabaseURL overrides the VETO_DB_* parts when set.
	DatabaseURL string `env:"VETO_DATABASE_URL"`

	NATSURL     string `env:"NATS_URL"`
	NATSStream  string `env:"VETO_NATS_STREAM" envDefault:"VETO_EVENTS"`
	NATSSubject string `env:"VETO_NATS_SUBJECT_PREFIX" envDefault:"veto.events"`

	JWTSecret string `env:"VETO_JWT_SECRET"`
	JWTIssuer string `env:"VETO_JWT_ISSUER"`

	MatchServiceURL   string `env:"VETO_MATCH_SERVICE_URL"`
	MatchServiceToken string `env:"VETO_MATCH_SERVICE_TOKEN"`

	ArchiveBucket          string `env:"VETO_ARCHIVE_BUCKET"`
	ArchivePrefix          string `env:"VETO_ARCHIVE_PREFIX" envDefault:"sessions"`
	ArchiveRegion          string `env:"VETO_ARCHIVE_REGION" envDefault:"auto"`
	ArchiveEndpoint        string `env:"VETO_ARCHIVE_ENDPOINT"`
	ArchiveAccessKeyID     string `env:"VETO_ARCHIVE_ACCESS_KEY_ID"`
	ArchiveSecretAccessKey string `env:"VETO_ARCHIVE_SECRET_ACCESS_KEY"`
}

// Load reads an optional .env file and parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("unknown VETO_STORE %q", c.StoreDriver)
	}
	if c.TurnDuration <= 0 {
		return fmt.Errorf("VETO_TURN_DURATION must be positive, got %s", c.TurnDuration)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("VETO_TIMEOUT_WORKERS must be positive, got %d", c.Workers)
	}
	if c.JWTSecret == "" {
		return errors.New("VETO_JWT_SECRET is required")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

// PostgresDSN returns VETO_DATABASE_URL or the URL built from VETO_DB_*.
func (c Config) PostgresDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return dbconfig.NewConfigFromEnv().DSN()
}

// SetupLogging configures the global zerolog logger. format "console"
// switches to human readable output; anything else writes JSON lines.
func SetupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
