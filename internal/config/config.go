// Package config loads server settings from a YAML file, a .env file and
// PHIVAULT_* environment variables, in that order of precedence (lowest
// first).
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hengadev/errsx"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/org/phivault/internal/phierr"
	"gopkg.in/yaml.v3"
)

const (
	EnvDev  = "dev"
	EnvProd = "prod"

	SourceEnv   = "env"
	SourceVault = "vault"
)

// Config is the server configuration. Secrets are not part of it; they are
// resolved through a SecretSource.
type Config struct {
	ListenAddr     string        `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
	Env            string        `yaml:"env" envconfig:"ENV"`
	DBUrl          string        `yaml:"db_url" envconfig:"DB_URL"`
	MigrationsDir  string        `yaml:"migrations_dir" envconfig:"MIGRATIONS_DIR"`
	LogLevel       string        `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat      string        `yaml:"log_format" envconfig:"LOG_FORMAT"`
	TLSCertFile    string        `yaml:"tls_cert" envconfig:"TLS_CERT"`
	TLSKeyFile     string        `yaml:"tls_key" envconfig:"TLS_KEY"`
	SecretSource   string        `yaml:"secret_source" envconfig:"SECRET_SOURCE"`
	VaultMount     string        `yaml:"vault_mount" envconfig:"VAULT_MOUNT"`
	VaultPath      string        `yaml:"vault_path" envconfig:"VAULT_PATH"`
	SweepInterval  time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	EnforceScopes  bool          `yaml:"enforce_scopes" envconfig:"ENFORCE_SCOPES"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES"`
	TrustProxy     bool          `yaml:"trust_proxy" envconfig:"TRUST_PROXY"`
	SessionIssuer  string        `yaml:"session_issuer" envconfig:"SESSION_ISSUER"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr:     ":8300",
		Env:            EnvDev,
		DBUrl:          "file:./data/phivault.db",
		LogLevel:       "info",
		LogFormat:      "console",
		SecretSource:   SourceEnv,
		VaultMount:     "secret",
		VaultPath:      "phivault",
		RateLimitRPS:   100,
		RateLimitBurst: 200,
		MaxBodyBytes:   1 << 20,
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped if it
// does not exist), a .env file in the working directory and the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := envconfig.Process("PHIVAULT", &cfg); err != nil {
		return Config{}, phierr.NewConfigurationError("environment", err.Error())
	}
	if os.Getenv("PHIVAULT_DB_URL") == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			cfg.DBUrl = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated settings and numeric bounds.
func (c Config) Validate() error {
	fields := errsx.Map{}
	if c.Env != EnvDev && c.Env != EnvProd {
		fields.Set("env", fmt.Errorf("must be %q or %q", EnvDev, EnvProd))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		fields.Set("log_format", errors.New(`must be "console" or "json"`))
	}
	if c.SecretSource != SourceEnv && c.SecretSource != SourceVault {
		fields.Set("secret_source", fmt.Errorf("must be %q or %q", SourceEnv, SourceVault))
	}
	if c.DBUrl == "" {
		fields.Set("db_url", errors.New("is required"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		fields.Set("tls_cert", errors.New("tls_cert and tls_key must be set together"))
	}
	if c.SweepInterval < 0 {
		fields.Set("sweep_interval", errors.New("must not be negative"))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		fields.Set("rate_limit_rps", errors.New("rate limit rps and burst must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		fields.Set("max_body_bytes", errors.New("must be positive"))
	}
	if len(fields) > 0 {
		return fmt.Errorf("%w: %w", phierr.ErrConfiguration, phierr.NewValidationError(fields))
	}
	return nil
}

// IsProd reports whether the server runs with production safeguards.
func (c Config) IsProd() bool { return c.Env == EnvProd }
