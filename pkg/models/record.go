package models

import (
	"encoding/json"
	"time"
)

// Sealed is an AES-GCM envelope. Every part is standard base64.
type Sealed struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
}

// Redaction describes one field-level transformation made during
// de-identification. Sample is a short prefix kept for audit review only.
type Redaction struct {
	Path   string `json:"path"`
	Field  string `json:"field"`
	Action string `json:"action"`
	Sample string `json:"sample"`
}

// SecureRecord is a stored PHI payload addressed by the hash of its bearer token.
type SecureRecord struct {
	TokenHash  string
	Category   string
	Sealed     Sealed
	Sanitized  json.RawMessage
	Redactions []Redaction
	Metadata   json.RawMessage
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// IsExpired reports whether the record is logically deleted at now.
func (r *SecureRecord) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// SanitizedRecord is what callers get back: never the ciphertext.
type SanitizedRecord struct {
	Token      string          `json:"token"`
	ExpiresAt  int64           `json:"expiresAt"`
	Sanitized  json.RawMessage `json:"sanitized"`
	Redactions []Redaction     `json:"redactions"`
}
