package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	BackendPostgres = "postgres"
	BackendSupabase = "supabase"
)

// Config is the process configuration. Database and logger settings keep
// their own ConfigFromEnv in pkg/.
type Config struct {
	Addr    string `env:"HTTP_ADDR" envDefault:"127.0.0.1:8431"`
	Backend string `env:"AUTH_BACKEND" envDefault:"postgres"`

	// bounded wait before re-reading a missing profile
	ReconcileWait    time.Duration `env:"RECONCILE_WAIT" envDefault:"2s"`
	ReconcileRetries uint          `env:"RECONCILE_RETRIES" envDefault:"1"`

	Issuer     string        `env:"AUTH_ISSUER" envDefault:"http://127.0.0.1:8431"`
	Audience   string        `env:"AUTH_AUDIENCE" envDefault:"storefront"`
	AccessTTL  time.Duration `env:"AUTH_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL time.Duration `env:"AUTH_REFRESH_TTL" envDefault:"720h"`
	BcryptCost int           `env:"AUTH_BCRYPT_COST" envDefault:"12"`

	SupabaseURL string `env:"SUPABASE_API_URL"`
	SupabaseKey string `env:"SUPABASE_API_KEY"`
}

// FromEnv parses the environment into a Config and validates it.
func FromEnv() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendPostgres:
	case BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			return fmt.Errorf("supabase backend requires SUPABASE_API_URL and SUPABASE_API_KEY")
		}
	default:
		return fmt.Errorf("unknown AUTH_BACKEND %q", c.Backend)
	}
	if c.ReconcileWait <= 0 {
		return fmt.Errorf("RECONCILE_WAIT must be positive, got %s", c.ReconcileWait)
	}
	if c.ReconcileRetries == 0 {
		return fmt.Errorf("RECONCILE_RETRIES must be at least 1")
	}
	return nil
}
