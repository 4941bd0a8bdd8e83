package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// TokenPrefix marks phivault bearer tokens so they are easy to spot in leaks.
	TokenPrefix = "phv_"

	// DefaultTokenBytes is the entropy of a bearer token.
	DefaultTokenBytes = 32

	keySize = 32
)

// HKDF info labels. Each derived key is bound to exactly one purpose.
const (
	recordKeyContext    = "phivault-record-key-v1"
	tokenHashKeyContext = "phivault-token-hash-v1"
	pseudonymKeyContext = "phivault-pseudonym-v1"
)

// DeriveKey derives a 32-byte key from an operator secret using HKDF-SHA256.
func DeriveKey(secret []byte, context string) ([]byte, error) {
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(context))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving %s: %w", context, err)
	}
	return key, nil
}

// GenerateAccessToken returns a prefixed, URL-safe random bearer token.
// A byteLength <= 0 uses DefaultTokenBytes.
func GenerateAccessToken(byteLength int) (string, error) {
	if byteLength <= 0 {
		byteLength = DefaultTokenBytes
	}
	raw := make([]byte, byteLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM under a fresh random nonce.
// The GCM tag is split off so ciphertext, nonce and tag are returned separately.
func EncryptAESGCM(plaintext, key []byte) (ciphertext, nonce, tag []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - gcm.Overhead()
	return sealed[:split], nonce, sealed[split:], nil
}

// DecryptAESGCM reverses EncryptAESGCM. It fails if the tag does not verify.
func DecryptAESGCM(ciphertext, nonce, tag, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", gcm.NonceSize(), len(nonce))
	}
	if len(tag) != gcm.Overhead() {
		return nil, fmt.Errorf("auth tag must be %d bytes, got %d", gcm.Overhead(), len(tag))
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}
