package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"
)

const defaultAddress = "http://127.0.0.1:8300"

// CLIConfig is what phictl keeps between runs. Session is a bearer
// credential for PHI routes, so the file is written owner-only.
type CLIConfig struct {
	Address   string `yaml:"address"`
	Session   string `yaml:"session,omitempty"`
	TLSCACert string `yaml:"tls_ca_cert,omitempty"`
	Format    string `yaml:"format,omitempty"`
}

var cfg CLIConfig

// configPath is ~/.phivault/config.yaml unless PHIVAULT_CLI_CONFIG is set.
func configPath() string {
	if p := os.Getenv("PHIVAULT_CLI_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".phivault", "config.yaml")
}

// loadConfig reads the config file into cfg. A missing file leaves the
// defaults in place; a malformed one is an error.
func loadConfig() error {
	cfg = CLIConfig{Address: defaultAddress}
	path := configPath()
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.Address == "" {
		cfg.Address = defaultAddress
	}
	if cfg.Session != "" && info.Mode().Perm()&0o077 != 0 {
		fmt.Fprintf(os.Stderr, "Warning: %s holds a session token but is readable by others (mode %v)\n", path, info.Mode().Perm())
	}
	return nil
}

// saveConfig writes cfg owner-only.
func saveConfig() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// sessionExpiry reads the exp claim of a saved session without verifying
// its signature; the server does that. ok is false when the token is not
// a JWT or carries no exp.
func sessionExpiry(token string) (exp time.Time, ok bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// redactSession keeps enough of a session token to tell two apart.
func redactSession(token string) string {
	if len(token) <= 12 {
		return "********"
	}
	return token[:8] + "…" + token[len(token)-4:]
}
