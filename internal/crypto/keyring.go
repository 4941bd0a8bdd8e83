package crypto

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/org/phivault/internal/phierr"
	"github.com/org/phivault/pkg/models"
)

// Secret names understood by every SecretSource.
const (
	SecretEncryption = "PHIVAULT_ENCRYPTION_SECRET"
	SecretTokenHash  = "PHIVAULT_TOKEN_HASH_SECRET"
	SecretSession    = "PHIVAULT_SESSION_SECRET"
)

const loadTimeout = 10 * time.Second

// SecretSource resolves operator secrets by name. An unset secret is
// reported as an empty string with a nil error.
type SecretSource interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// Keyring holds the keys derived from operator secrets. Secrets are read
// once, on first use, and the result (including a failure) is cached for
// the life of the process.
type Keyring struct {
	source SecretSource

	once         sync.Once
	loadErr      error
	recordKey    []byte
	tokenHashKey []byte
	pseudonymKey []byte
}

// NewKeyring creates a Keyring that will read its secrets from source.
func NewKeyring(source SecretSource) *Keyring {
	return &Keyring{source: source}
}

// Load forces secret resolution. Calling it at startup turns a missing
// secret into a startup failure instead of a first-request failure.
func (k *Keyring) Load(ctx context.Context) error {
	k.once.Do(func() {
		k.loadErr = k.load(ctx)
	})
	return k.loadErr
}

func (k *Keyring) ensure() error {
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()
	return k.Load(ctx)
}

func (k *Keyring) load(ctx context.Context) error {
	if k.source == nil {
		return phierr.NewConfigurationError("secret source", "not configured")
	}
	encSecret, err := k.source.Lookup(ctx, SecretEncryption)
	if err != nil {
		return phierr.NewConfigurationError(SecretEncryption, err.Error())
	}
	if encSecret == "" {
		return phierr.NewConfigurationError(SecretEncryption, "not set")
	}
	hashSecret, err := k.source.Lookup(ctx, SecretTokenHash)
	if err != nil {
		return phierr.NewConfigurationError(SecretTokenHash, err.Error())
	}
	if hashSecret == "" {
		hashSecret = encSecret
	}

	if k.recordKey, err = DeriveKey([]byte(encSecret), recordKeyContext); err != nil {
		return err
	}
	if k.tokenHashKey, err = DeriveKey([]byte(hashSecret), tokenHashKeyContext); err != nil {
		return err
	}
	if k.pseudonymKey, err = DeriveKey([]byte(hashSecret), pseudonymKeyContext); err != nil {
		return err
	}
	return nil
}

// Encrypt JSON-serialises v and seals it under the record key.
func (k *Keyring) Encrypt(v any) (models.Sealed, error) {
	if err := k.ensure(); err != nil {
		return models.Sealed{}, err
	}
	plaintext, err := json.Marshal(v)
	if err != nil {
		return models.Sealed{}, fmt.Errorf("serialising payload: %w", err)
	}
	ct, nonce, tag, err := EncryptAESGCM(plaintext, k.recordKey)
	if err != nil {
		return models.Sealed{}, err
	}
	return models.Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt opens s and unmarshals the plaintext into dst. Any decoding or
// authentication failure is an integrity error; dst is left untouched.
func (k *Keyring) Decrypt(s models.Sealed, dst any) error {
	if err := k.ensure(); err != nil {
		return err
	}
	ct, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return phierr.NewIntegrityError("ciphertext is not valid base64")
	}
	nonce, err := base64.StdEncoding.DecodeString(s.IV)
	if err != nil {
		return phierr.NewIntegrityError("iv is not valid base64")
	}
	tag, err := base64.StdEncoding.DecodeString(s.AuthTag)
	if err != nil {
		return phierr.NewIntegrityError("auth tag is not valid base64")
	}
	plaintext, err := DecryptAESGCM(ct, nonce, tag, k.recordKey)
	if err != nil {
		return phierr.NewIntegrityError(err.Error())
	}
	if err := json.Unmarshal(plaintext, dst); err != nil {
		return phierr.NewIntegrityError("plaintext is not valid JSON")
	}
	return nil
}

// HashToken returns the hex HMAC-SHA256 of token under the token-hash key.
func (k *Keyring) HashToken(token string) (string, error) {
	if err := k.ensure(); err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, k.tokenHashKey)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyTokenHash recomputes the hash of token and compares it to expected
// in constant time.
func (k *Keyring) VerifyTokenHash(token, expected string) (bool, error) {
	got, err := k.HashToken(token)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(got), []byte(expected)), nil
}

// PseudonymKey is the key used for deterministic field pseudonyms.
func (k *Keyring) PseudonymKey() ([]byte, error) {
	if err := k.ensure(); err != nil {
		return nil, err
	}
	return k.pseudonymKey, nil
}

// StaticSource is a SecretSource over a fixed map, for tests and the CLI.
type StaticSource map[string]string

func (s StaticSource) Lookup(_ context.Context, name string) (string, error) {
	return s[name], nil
}
