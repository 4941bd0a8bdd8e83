// Package records implements the token-addressed, TTL-bounded secure
// record store on top of a storage.RecordStore.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hengadev/errsx"
	"github.com/org/phivault/internal/crypto"
	"github.com/org/phivault/internal/deid"
	"github.com/org/phivault/internal/phierr"
	"github.com/org/phivault/internal/storage"
	"github.com/org/phivault/pkg/models"
	"github.com/rs/zerolog/log"
)

// TTL bounds, in seconds.
const (
	MinTTLSeconds     int64 = 60
	MaxTTLSeconds     int64 = 86400
	DefaultTTLSeconds int64 = 900
)

// Sealer is the slice of crypto.Keyring the service uses.
type Sealer interface {
	Encrypt(v any) (models.Sealed, error)
	Decrypt(s models.Sealed, dst any) error
	HashToken(token string) (string, error)
}

// Service creates, reads and destroys secure records.
type Service struct {
	store  storage.RecordStore
	sealer Sealer
	engine *deid.Engine
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now, for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store storage.RecordStore, sealer Sealer, engine *deid.Engine, opts ...Option) *Service {
	s := &Service{
		store:  store,
		sealer: sealer,
		engine: engine,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOptions are the optional inputs of Create.
type CreateOptions struct {
	TTLSeconds *int64
	Metadata   json.RawMessage
}

// ClampTTL returns the effective TTL for a requested value in seconds.
// nil selects the default.
func ClampTTL(ttlSeconds *int64) time.Duration {
	ttl := DefaultTTLSeconds
	if ttlSeconds != nil {
		ttl = *ttlSeconds
	}
	if ttl < MinTTLSeconds {
		ttl = MinTTLSeconds
	}
	if ttl > MaxTTLSeconds {
		ttl = MaxTTLSeconds
	}
	return time.Duration(ttl) * time.Second
}

// Create sweeps expired rows, de-identifies payload, seals the original and
// stores both under the hash of a fresh token. The token is returned once.
func (s *Service) Create(ctx context.Context, category string, payload deid.Value, opts CreateOptions) (*models.SanitizedRecord, error) {
	if category == "" {
		fields := errsx.Map{}
		fields.Set("category", errors.New("is required"))
		return nil, phierr.NewValidationError(fields)
	}

	if _, err := s.Sweep(ctx); err != nil {
		return nil, err
	}

	sanitized, redactions, err := s.engine.Sanitize(payload)
	if err != nil {
		if errors.Is(err, deid.ErrTooDeep) {
			fields := errsx.Map{}
			fields.Set("payload", err)
			return nil, phierr.NewValidationError(fields)
		}
		return nil, fmt.Errorf("de-identifying payload: %w", err)
	}
	sanitizedJSON, err := sanitized.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding sanitized view: %w", err)
	}

	sealed, err := s.sealer.Encrypt(payload)
	if err != nil {
		return nil, err
	}

	token, err := crypto.GenerateAccessToken(crypto.DefaultTokenBytes)
	if err != nil {
		return nil, err
	}
	tokenHash, err := s.sealer.HashToken(token)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rec := &models.SecureRecord{
		TokenHash:  tokenHash,
		Category:   category,
		Sealed:     sealed,
		Sanitized:  sanitizedJSON,
		Redactions: redactions,
		Metadata:   opts.Metadata,
		ExpiresAt:  now.Add(ClampTTL(opts.TTLSeconds)),
		CreatedAt:  now,
	}
	if err := s.store.InsertRecord(ctx, rec); err != nil {
		return nil, phierr.NewStorageError("inserting record", err)
	}

	recordsCreated.Inc()
	for _, r := range redactions {
		redactionsApplied.WithLabelValues(r.Action).Inc()
	}
	log.Debug().
		Str("category", category).
		Str("token_hash", tokenHash[:12]).
		Int("redactions", len(redactions)).
		Time("expires_at", rec.ExpiresAt).
		Msg("secure record created")

	return &models.SanitizedRecord{
		Token:      token,
		ExpiresAt:  rec.ExpiresAt.UnixMilli(),
		Sanitized:  sanitizedJSON,
		Redactions: redactions,
	}, nil
}

// Get returns the stored sanitized view. It never decrypts. Unknown and
// expired tokens are indistinguishable: both are phierr.ErrNotFound.
func (s *Service) Get(ctx context.Context, token string) (*models.SanitizedRecord, error) {
	rec, err := s.take(ctx, token)
	if err != nil {
		return nil, err
	}
	return &models.SanitizedRecord{
		Token:      token,
		ExpiresAt:  rec.ExpiresAt.UnixMilli(),
		Sanitized:  rec.Sanitized,
		Redactions: rec.Redactions,
	}, nil
}

// Reveal decrypts the original payload. It has no HTTP route.
func (s *Service) Reveal(ctx context.Context, token string) (deid.Value, error) {
	rec, err := s.take(ctx, token)
	if err != nil {
		return deid.Value{}, err
	}
	var v deid.Value
	if err := s.sealer.Decrypt(rec.Sealed, &v); err != nil {
		return deid.Value{}, err
	}
	return v, nil
}

func (s *Service) take(ctx context.Context, token string) (*models.SecureRecord, error) {
	if token == "" {
		return nil, phierr.ErrNotFound
	}
	tokenHash, err := s.sealer.HashToken(token)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.TakeLiveRecord(ctx, tokenHash, s.now())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, phierr.ErrNotFound
	}
	if err != nil {
		return nil, phierr.NewStorageError("reading record", err)
	}
	return rec, nil
}

// Delete removes the record for token. Unknown tokens are not an error.
func (s *Service) Delete(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	tokenHash, err := s.sealer.HashToken(token)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRecord(ctx, tokenHash); err != nil {
		return phierr.NewStorageError("deleting record", err)
	}
	recordsDeleted.Inc()
	return nil
}

// Sweep deletes every expired record in one statement.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredRecords(ctx, s.now())
	if err != nil {
		return 0, phierr.NewStorageError("sweeping expired records", err)
	}
	if n > 0 {
		recordsSwept.Add(float64(n))
		log.Debug().Int64("count", n).Msg("expired records swept")
	}
	return n, nil
}
