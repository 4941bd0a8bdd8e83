package config

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
	"github.com/org/phivault/internal/crypto"
	"github.com/org/phivault/internal/phierr"
)

// EnvSource reads secrets from the process environment.
type EnvSource struct{}

func (EnvSource) Lookup(_ context.Context, name string) (string, error) {
	return os.Getenv(name), nil
}

// VaultSource reads secrets from one HashiCorp Vault KV v2 entry. Each
// secret name is a key in that entry's data. The entry is fetched once.
type VaultSource struct {
	client *vault.Client
	path   string

	once    sync.Once
	data    map[string]interface{}
	readErr error
}

// NewVaultSource reads from <mount>/data/<path> using client.
func NewVaultSource(client *vault.Client, mount, path string) *VaultSource {
	return &VaultSource{
		client: client,
		path:   strings.Trim(mount, "/") + "/data/" + strings.Trim(path, "/"),
	}
}

// NewVaultClient builds a client from VAULT_ADDR, VAULT_NAMESPACE and
// VAULT_TOKEN.
func NewVaultClient() (*vault.Client, error) {
	cfg := vault.DefaultConfig()
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		cfg.Address = addr
	}
	if cfg.Address == "" {
		return nil, phierr.NewConfigurationError("VAULT_ADDR", "not set")
	}
	cfg.HttpClient.Transport = &http.Transport{Proxy: http.ProxyFromEnvironment}

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	if ns := os.Getenv("VAULT_NAMESPACE"); ns != "" {
		client.SetNamespace(ns)
	}
	token := os.Getenv("VAULT_TOKEN")
	if token == "" {
		return nil, phierr.NewConfigurationError("VAULT_TOKEN", "not set")
	}
	client.SetToken(token)
	return client, nil
}

func (v *VaultSource) Lookup(ctx context.Context, name string) (string, error) {
	v.once.Do(func() {
		v.data, v.readErr = v.read(ctx)
	})
	if v.readErr != nil {
		return "", v.readErr
	}
	raw, ok := v.data[name]
	if !ok {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("vault key %s at %s is not a string", name, v.path)
	}
	return s, nil
}

func (v *VaultSource) read(ctx context.Context) (map[string]interface{}, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s from vault: %w", v.path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no vault secret at %s", v.path)
	}
	// KV v2 wraps the entry in a "data" key.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid KV v2 secret format at %s", v.path)
	}
	return data, nil
}

// NewSecretSource returns the SecretSource selected by cfg.SecretSource.
func NewSecretSource(cfg Config) (crypto.SecretSource, error) {
	switch cfg.SecretSource {
	case SourceVault:
		client, err := NewVaultClient()
		if err != nil {
			return nil, err
		}
		return NewVaultSource(client, cfg.VaultMount, cfg.VaultPath), nil
	case SourceEnv, "":
		return EnvSource{}, nil
	default:
		return nil, phierr.NewConfigurationError("secret_source", fmt.Sprintf("unknown source %q", cfg.SecretSource))
	}
}

// RequireSecrets fails unless every named secret resolves to a non-empty
// value. Used at startup in prod.
func RequireSecrets(ctx context.Context, src crypto.SecretSource, names ...string) error {
	for _, name := range names {
		v, err := src.Lookup(ctx, name)
		if err != nil {
			return phierr.NewConfigurationError(name, err.Error())
		}
		if v == "" {
			return phierr.NewConfigurationError(name, "not set")
		}
	}
	return nil
}
