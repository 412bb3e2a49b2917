package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
)

// Config holds all configuration for the application. It is loaded once at
// startup and never mutated afterwards.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Tokens   TokenConfig
	Ingest   IngestConfig
	Jobs     JobsConfig
	Admin    AdminConfig
	OIDC     OIDCConfig
	Log      LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"SERVER_PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver string `env:"DB_DRIVER" envDefault:"sqlite3"`
	DSN    string `env:"DB_DSN" envDefault:"data/hostbeat.db?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"`
}

// TokenConfig holds access token configuration. Keys are inline PEM or a
// file path.
type TokenConfig struct {
	PrivateKey string        `env:"JWT_PRIVATE_KEY"`
	PublicKey  string        `env:"JWT_PUBLIC_KEY"`
	Issuer     string        `env:"JWT_ISSUER" envDefault:"hostbeat"`
	Audience   string        `env:"JWT_AUDIENCE" envDefault:"hostbeat-agents"`
	AccessTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"60m"`
	// AllowEphemeralKey permits a generated key when none is configured.
	AllowEphemeralKey bool `env:"JWT_ALLOW_EPHEMERAL_KEY" envDefault:"true"`
}

// IngestConfig holds request authentication and ingestion limits.
type IngestConfig struct {
	TimestampSkew      time.Duration `env:"TIMESTAMP_SKEW" envDefault:"5m"`
	MaxBodyBytes       int64         `env:"MAX_BODY_BYTES" envDefault:"2097152"`
	CredentialCacheTTL time.Duration `env:"CREDENTIAL_CACHE_TTL" envDefault:"5m"`
}

// JobsConfig holds consistency job configuration.
type JobsConfig struct {
	Secret            string        `env:"JOB_SECRET"`
	OfflineAfter      time.Duration `env:"OFFLINE_AFTER" envDefault:"10m"`
	NonceRetention    time.Duration `env:"NONCE_RETENTION" envDefault:"15m"`
	RollupFineWidth   time.Duration `env:"ROLLUP_FINE_WIDTH" envDefault:"1h"`
	RollupCoarseWidth time.Duration `env:"ROLLUP_COARSE_WIDTH" envDefault:"24h"`
	RollupLookback    time.Duration `env:"ROLLUP_LOOKBACK" envDefault:"72h"`
}

// AdminConfig holds tenant administration configuration.
type AdminConfig struct {
	APIKey string `env:"ADMIN_API_KEY"`
}

// OIDCConfig holds OIDC authentication configuration for the admin API.
// Bearer ID tokens are verified against the issuer; no browser flow.
type OIDCConfig struct {
	Enabled        bool   `env:"OIDC_ENABLED" envDefault:"false"`
	IssuerURL      string `env:"OIDC_ISSUER_URL"`
	ClientID       string `env:"OIDC_CLIENT_ID"`
	AllowedDomains string `env:"OIDC_ALLOWED_DOMAINS"`
}

// GetAllowedDomains returns the allowed domains as a slice.
func (c *OIDCConfig) GetAllowedDomains() []string {
	if c.AllowedDomains == "" {
		return nil
	}
	domains := strings.Split(c.AllowedDomains, ",")
	for i := range domains {
		domains[i] = strings.TrimSpace(domains[i])
	}
	return domains
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(&cfg.Server); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if err := env.Parse(&cfg.Database); err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if err := env.Parse(&cfg.Tokens); err != nil {
		return nil, fmt.Errorf("parsing token config: %w", err)
	}
	if err := env.Parse(&cfg.Ingest); err != nil {
		return nil, fmt.Errorf("parsing ingest config: %w", err)
	}
	if err := env.Parse(&cfg.Jobs); err != nil {
		return nil, fmt.Errorf("parsing jobs config: %w", err)
	}
	if err := env.Parse(&cfg.Admin); err != nil {
		return nil, fmt.Errorf("parsing admin config: %w", err)
	}
	if err := env.Parse(&cfg.OIDC); err != nil {
		return nil, fmt.Errorf("parsing oidc config: %w", err)
	}
	if err := env.Parse(&cfg.Log); err != nil {
		return nil, fmt.Errorf("parsing log config: %w", err)
	}

	return cfg, nil
}

// Addr returns the server address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RollupWidths returns the fine and coarse bucket widths.
func (c *JobsConfig) RollupWidths() []time.Duration {
	return []time.Duration{c.RollupFineWidth, c.RollupCoarseWidth}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite3 or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}

	if strings.TrimSpace(c.Tokens.PrivateKey) == "" && !c.Tokens.AllowEphemeralKey {
		return fmt.Errorf("JWT_PRIVATE_KEY is required when JWT_ALLOW_EPHEMERAL_KEY is false")
	}
	if c.Tokens.AccessTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be positive")
	}

	if c.Ingest.TimestampSkew <= 0 {
		return fmt.Errorf("TIMESTAMP_SKEW must be positive")
	}
	if c.Ingest.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}

	if c.Jobs.Secret == "" {
		return fmt.Errorf("JOB_SECRET is required")
	}
	if c.Jobs.OfflineAfter <= 0 {
		return fmt.Errorf("OFFLINE_AFTER must be positive")
	}
	// Nonces must outlive every timestamp that could still pass the skew check.
	if c.Jobs.NonceRetention < 2*c.Ingest.TimestampSkew {
		return fmt.Errorf("NONCE_RETENTION must be at least twice TIMESTAMP_SKEW")
	}
	for _, w := range c.Jobs.RollupWidths() {
		if w < time.Minute || w%time.Minute != 0 {
			return fmt.Errorf("rollup widths must be whole minutes, got %s", w)
		}
	}
	if c.Jobs.RollupLookback < c.Jobs.RollupCoarseWidth {
		return fmt.Errorf("ROLLUP_LOOKBACK must cover at least one coarse bucket")
	}

	// Validate OIDC config when enabled
	if c.OIDC.Enabled {
		if c.OIDC.IssuerURL == "" {
			return fmt.Errorf("OIDC_ISSUER_URL is required when OIDC is enabled")
		}
		if c.OIDC.ClientID == "" {
			return fmt.Errorf("OIDC_CLIENT_ID is required when OIDC is enabled")
		}
	}

	return nil
}
