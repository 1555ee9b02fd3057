package app

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/tessera-id/tessera/pkg/jwtx"
)

type Config struct {
	Issuer string `env:"TESSERA_ISSUER" envDefault:"tessera"`

	Algorithm            string        `env:"TESSERA_ALGORITHM" envDefault:"ES256"` // ES256 or HS256, immutable after the first key
	KeyRotationInterval  time.Duration `env:"TESSERA_KEY_ROTATION_INTERVAL" envDefault:"24h"`
	MasterKeyPath        string        `env:"TESSERA_MASTER_KEY_PATH"` // optional; falls back to TESSERA_MASTER_KEY env
	DatabaseFile         string        `env:"TESSERA_DATABASE_FILE" envDefault:"tessera.db"`
	Env                  string        `env:"ENV" envDefault:"dev"`
	LogLevel             string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat            string        `env:"LOG_FORMAT" envDefault:"json"`
	Port                 int           `env:"PORT" envDefault:"8080"`
	ShutdownGracePeriod  time.Duration `env:"SHUTDOWN_GRACE_PERIOD" envDefault:"10s"`
	HousekeepingInterval time.Duration `env:"HOUSEKEEPING_INTERVAL" envDefault:"1h"`
}

// LoadConfig parses configuration from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects deployment misconfiguration at startup.
func (c Config) Validate() error {
	switch c.Algorithm {
	case jwtx.AlgorithmES256, jwtx.AlgorithmHS256:
	default:
		return fmt.Errorf("unsupported TESSERA_ALGORITHM %q, want ES256 or HS256", c.Algorithm)
	}
	if c.KeyRotationInterval <= 0 {
		return fmt.Errorf("TESSERA_KEY_ROTATION_INTERVAL must be positive")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	return nil
}
