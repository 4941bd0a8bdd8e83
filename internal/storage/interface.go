package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/phivault/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// RecordStore persists secure records keyed by token hash.
type RecordStore interface {
	// InsertRecord fails with ErrAlreadyExists if the token hash is taken.
	// Existing rows are never overwritten.
	InsertRecord(ctx context.Context, rec *models.SecureRecord) error

	// TakeLiveRecord looks up a record and, in the same transaction,
	// deletes it if it expired at or before now. Expired and unknown
	// hashes both return ErrNotFound.
	TakeLiveRecord(ctx context.Context, tokenHash string, now time.Time) (*models.SecureRecord, error)

	// DeleteRecord is idempotent.
	DeleteRecord(ctx context.Context, tokenHash string) error

	// DeleteExpiredRecords removes every record with expires_at <= now in
	// a single statement and returns how many went.
	DeleteExpiredRecords(ctx context.Context, now time.Time) (int64, error)

	// RecordExists reports whether a row is physically present, expired or not.
	RecordExists(ctx context.Context, tokenHash string) (bool, error)
}

// AccessLogStore is append-only: it exposes no update or delete.
type AccessLogStore interface {
	// AppendAccess inserts entry and sets entry.ID.
	AppendAccess(ctx context.Context, entry *models.AccessLogEntry) error
	QueryAccessLog(ctx context.Context, filter AccessFilter) ([]*models.AccessLogEntry, error)
	CountAccessByAction(ctx context.Context, from, to time.Time) ([]models.ActionCount, error)
}

// StorageBackend is everything the service needs from persistence.
type StorageBackend interface {
	RecordStore
	AccessLogStore

	Ping(ctx context.Context) error
	Close()
}

// AccessFilter specifies query parameters for access log retrieval.
// From and To are inclusive. Results are most recent first.
type AccessFilter struct {
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
