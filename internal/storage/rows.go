package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/org/phivault/pkg/models"
)

// recordRow is the column layout of secure_records, shared by both backends.
type recordRow struct {
	tokenHash   string
	category    string
	ciphertext  string
	iv          string
	authTag     string
	sanitized   string
	redactions  string
	metadata    *string
	expiresAtMs int64
	createdAtMs int64
}

func (r *recordRow) dest() []any {
	return []any{
		&r.tokenHash, &r.category, &r.ciphertext, &r.iv, &r.authTag,
		&r.sanitized, &r.redactions, &r.metadata, &r.expiresAtMs, &r.createdAtMs,
	}
}

func encodeRecord(rec *models.SecureRecord) (recordRow, error) {
	reds := rec.Redactions
	if reds == nil {
		reds = []models.Redaction{}
	}
	redJSON, err := json.Marshal(reds)
	if err != nil {
		return recordRow{}, fmt.Errorf("encoding redactions: %w", err)
	}
	sanitized := string(rec.Sanitized)
	if sanitized == "" {
		sanitized = "null"
	}
	var meta *string
	if len(rec.Metadata) > 0 {
		s := string(rec.Metadata)
		meta = &s
	}
	return recordRow{
		tokenHash:   rec.TokenHash,
		category:    rec.Category,
		ciphertext:  rec.Sealed.Ciphertext,
		iv:          rec.Sealed.IV,
		authTag:     rec.Sealed.AuthTag,
		sanitized:   sanitized,
		redactions:  string(redJSON),
		metadata:    meta,
		expiresAtMs: rec.ExpiresAt.UnixMilli(),
		createdAtMs: rec.CreatedAt.UnixMilli(),
	}, nil
}

func (r *recordRow) decode() (*models.SecureRecord, error) {
	rec := &models.SecureRecord{
		TokenHash: r.tokenHash,
		Category:  r.category,
		Sealed: models.Sealed{
			Ciphertext: r.ciphertext,
			IV:         r.iv,
			AuthTag:    r.authTag,
		},
		Sanitized: json.RawMessage(r.sanitized),
		ExpiresAt: time.UnixMilli(r.expiresAtMs).UTC(),
		CreatedAt: time.UnixMilli(r.createdAtMs).UTC(),
	}
	if err := json.Unmarshal([]byte(r.redactions), &rec.Redactions); err != nil {
		return nil, fmt.Errorf("decoding redactions: %w", err)
	}
	if r.metadata != nil {
		rec.Metadata = json.RawMessage(*r.metadata)
	}
	return rec, nil
}

// accessRow is the column layout of phi_access_log.
type accessRow struct {
	id            int64
	resourceID    string
	tokenHash     *string
	category      *string
	userID        string
	action        string
	justification *string
	details       *string
	timestampMs   int64
}

func (r *accessRow) dest() []any {
	return []any{
		&r.id, &r.resourceID, &r.tokenHash, &r.category, &r.userID,
		&r.action, &r.justification, &r.details, &r.timestampMs,
	}
}

func (r *accessRow) decode() *models.AccessLogEntry {
	e := &models.AccessLogEntry{
		ID:            r.id,
		ResourceID:    r.resourceID,
		TokenHash:     deref(r.tokenHash),
		Category:      deref(r.category),
		UserID:        r.userID,
		Action:        r.action,
		Justification: deref(r.justification),
		Timestamp:     time.UnixMilli(r.timestampMs).UTC(),
	}
	if r.details != nil {
		e.Details = json.RawMessage(*r.details)
	}
	return e
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
