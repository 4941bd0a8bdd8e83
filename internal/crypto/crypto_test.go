package crypto

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/org/phivault/internal/phierr"
	"github.com/org/phivault/pkg/models"
)

func testKeyring() *Keyring {
	return NewKeyring(StaticSource{
		SecretEncryption: "test-encryption-secret-please-rotate",
	})
}

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key
}

func TestDeriveKey(t *testing.T) {
	secret := []byte("operator secret")
	k1, err := DeriveKey(secret, recordKeyContext)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if len(k1) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(k1))
	}
	k2, _ := DeriveKey(secret, recordKeyContext)
	if !bytes.Equal(k1, k2) {
		t.Error("key derivation should be deterministic")
	}
	k3, _ := DeriveKey(secret, tokenHashKeyContext)
	if bytes.Equal(k1, k3) {
		t.Error("different contexts should yield different keys")
	}
	if bytes.Equal(k1, secret) {
		t.Error("derived key must not be the raw secret")
	}
}

func TestGenerateAccessToken(t *testing.T) {
	tok, err := GenerateAccessToken(0)
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}
	if !strings.HasPrefix(tok, TokenPrefix) {
		t.Errorf("expected %q prefix, got %q", TokenPrefix, tok)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(tok, TokenPrefix))
	if err != nil {
		t.Fatalf("token body is not raw URL base64: %v", err)
	}
	if len(raw) != DefaultTokenBytes {
		t.Errorf("expected %d random bytes, got %d", DefaultTokenBytes, len(raw))
	}
	tok2, _ := GenerateAccessToken(0)
	if tok == tok2 {
		t.Error("two tokens should not be equal")
	}
}

func TestAESGCMRoundTrip(t *testing.T) {
	key := randomKey(t)
	plaintext := []byte(`{"ssn":"123-45-6789"}`)

	ct, nonce, tag, err := EncryptAESGCM(plaintext, key)
	if err != nil {
		t.Fatalf("EncryptAESGCM failed: %v", err)
	}
	if len(tag) != 16 {
		t.Errorf("expected 16-byte tag, got %d", len(tag))
	}
	if len(ct) != len(plaintext) {
		t.Errorf("ciphertext should not carry the tag: %d vs %d", len(ct), len(plaintext))
	}

	got, err := DecryptAESGCM(ct, nonce, tag, key)
	if err != nil {
		t.Fatalf("DecryptAESGCM failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("decrypted %q != original %q", got, plaintext)
	}
}

func TestAESGCMWrongKey(t *testing.T) {
	ct, nonce, tag, _ := EncryptAESGCM([]byte("secret data"), randomKey(t))
	if _, err := DecryptAESGCM(ct, nonce, tag, randomKey(t)); err == nil {
		t.Error("expected error decrypting with wrong key")
	}
}

func TestKeyringRoundTrip(t *testing.T) {
	k := testKeyring()
	values := []any{
		map[string]any{"rows": []any{map[string]any{"memberId": "A1", "ssn": "123-45-6789"}}},
		[]any{1.5, "two", true, nil},
		"plain string",
		42.0,
		nil,
	}
	for _, v := range values {
		sealed, err := k.Encrypt(v)
		if err != nil {
			t.Fatalf("Encrypt(%v) failed: %v", v, err)
		}
		var out any
		if err := k.Decrypt(sealed, &out); err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !reflect.DeepEqual(v, out) {
			t.Errorf("round trip mismatch: got %#v want %#v", out, v)
		}
	}
}

func TestKeyringFreshIVPerCall(t *testing.T) {
	k := testKeyring()
	a, _ := k.Encrypt("same")
	b, _ := k.Encrypt("same")
	if a.IV == b.IV {
		t.Error("IV must not repeat across calls")
	}
	if a.Ciphertext == b.Ciphertext {
		t.Error("ciphertexts of identical plaintexts should differ")
	}
}

func flipBit(t *testing.T, b64 string, idx int) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	raw[idx%len(raw)] ^= 0x01
	return base64.StdEncoding.EncodeToString(raw)
}

func TestKeyringTamperDetection(t *testing.T) {
	k := testKeyring()
	sealed, err := k.Encrypt(map[string]any{"mrn": "000123"})
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	ctLen := len(sealed.Ciphertext)
	for i := 0; i < ctLen; i += 3 {
		tampered := sealed
		tampered.Ciphertext = flipBit(t, sealed.Ciphertext, i)
		var out any
		err := k.Decrypt(tampered, &out)
		if !errors.Is(err, phierr.ErrIntegrity) {
			t.Fatalf("ciphertext bit flip at %d: expected integrity error, got %v", i, err)
		}
		if out != nil {
			t.Fatalf("no plaintext may leak on failure, got %v", out)
		}
	}
	for i := 0; i < 16; i++ {
		tampered := sealed
		tampered.AuthTag = flipBit(t, sealed.AuthTag, i)
		var out any
		if err := k.Decrypt(tampered, &out); !errors.Is(err, phierr.ErrIntegrity) {
			t.Fatalf("tag bit flip at %d: expected integrity error, got %v", i, err)
		}
	}
}

func TestKeyringMalformedEnvelope(t *testing.T) {
	k := testKeyring()
	sealed, _ := k.Encrypt("x")
	cases := map[string]models.Sealed{
		"bad base64":  {Ciphertext: "!!!", IV: sealed.IV, AuthTag: sealed.AuthTag},
		"short iv":    {Ciphertext: sealed.Ciphertext, IV: base64.StdEncoding.EncodeToString([]byte("short")), AuthTag: sealed.AuthTag},
		"missing tag": {Ciphertext: sealed.Ciphertext, IV: sealed.IV},
	}
	for name, s := range cases {
		var out any
		if err := k.Decrypt(s, &out); !errors.Is(err, phierr.ErrIntegrity) {
			t.Errorf("%s: expected integrity error, got %v", name, err)
		}
	}
}

func TestKeyringWrongSecret(t *testing.T) {
	sealed, _ := testKeyring().Encrypt("payload")
	other := NewKeyring(StaticSource{SecretEncryption: "a-different-secret"})
	var out any
	if err := other.Decrypt(sealed, &out); !errors.Is(err, phierr.ErrIntegrity) {
		t.Errorf("expected integrity error, got %v", err)
	}
}

func TestKeyringMissingSecret(t *testing.T) {
	k := NewKeyring(StaticSource{})
	if _, err := k.Encrypt("x"); !errors.Is(err, phierr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := k.HashToken("x"); !errors.Is(err, phierr.ErrConfiguration) {
		t.Fatalf("expected cached configuration error, got %v", err)
	}
}

type countingSource struct {
	calls int
	StaticSource
}

func (c *countingSource) Lookup(ctx context.Context, name string) (string, error) {
	c.calls++
	return c.StaticSource.Lookup(ctx, name)
}

func TestKeyringLoadsOnce(t *testing.T) {
	src := &countingSource{StaticSource: StaticSource{SecretEncryption: "s"}}
	k := NewKeyring(src)
	for i := 0; i < 5; i++ {
		if _, err := k.HashToken("t"); err != nil {
			t.Fatalf("HashToken failed: %v", err)
		}
	}
	if src.calls != 2 {
		t.Errorf("expected 2 lookups (encryption + token hash), got %d", src.calls)
	}
}

func TestHashTokenDeterminism(t *testing.T) {
	k := testKeyring()
	h1, err := k.HashToken("phv_abc")
	if err != nil {
		t.Fatalf("HashToken failed: %v", err)
	}
	h2, _ := k.HashToken("phv_abc")
	if h1 != h2 {
		t.Error("same token should hash identically")
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}

	ok, _ := k.VerifyTokenHash("phv_abc", h1)
	if !ok {
		t.Error("VerifyTokenHash should accept its own hash")
	}
	other, _ := k.HashToken("phv_abd")
	ok, _ = k.VerifyTokenHash("phv_abc", other)
	if ok {
		t.Error("VerifyTokenHash should reject another token's hash")
	}
}

func TestTokenHashSecretSeparation(t *testing.T) {
	shared := testKeyring()
	split := NewKeyring(StaticSource{
		SecretEncryption: "test-encryption-secret-please-rotate",
		SecretTokenHash:  "independent-hash-secret",
	})
	a, _ := shared.HashToken("phv_x")
	b, _ := split.HashToken("phv_x")
	if a == b {
		t.Error("a distinct token-hash secret should change the hash")
	}
}
