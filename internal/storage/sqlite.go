package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/org/phivault/pkg/models"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

// SQLiteBackend is a StorageBackend backed by a single SQLite file.
// All writes go through one Worker goroutine.
type SQLiteBackend struct {
	db     *sql.DB
	writer *Worker
}

// SQLiteDSN builds a modernc.org/sqlite DSN for a database file.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?%s", path, sqlitePragmas)
}

// SQLiteMemoryDSN builds a DSN for a named shared-cache in-memory database.
func SQLiteMemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", name, sqlitePragmas)
}

// NewSQLiteBackend opens path (creating its directory), applies migrations
// and starts the writer.
func NewSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating db dir: %w", err)
	}
	return OpenSQLite(ctx, SQLiteDSN(path))
}

// OpenSQLite opens a database from a full DSN.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// One connection: SQLite has a single writer and in-memory databases
	// must not be reopened.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	if err := MigrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteBackend{db: db, writer: NewWorker(db)}, nil
}

func (s *SQLiteBackend) Close() {
	s.writer.Close()
	_ = s.db.Close()
}

func (s *SQLiteBackend) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isSQLiteConstraint(err error) bool {
	var sqErr *sqlite.Error
	if !errors.As(err, &sqErr) {
		return false
	}
	switch sqErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(sqErr.Error(), "UNIQUE")
	}
	return false
}

// --- Secure records ---

func (s *SQLiteBackend) InsertRecord(ctx context.Context, rec *models.SecureRecord) error {
	row, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	err = s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO secure_records (token_hash, category, encrypted_payload, iv, auth_tag, sanitized_view, redactions, metadata, expires_at_ms, created_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.tokenHash, row.category, row.ciphertext, row.iv, row.authTag,
			row.sanitized, row.redactions, row.metadata, row.expiresAtMs, row.createdAtMs,
		)
		return err
	})
	if isSQLiteConstraint(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *SQLiteBackend) TakeLiveRecord(ctx context.Context, tokenHash string, now time.Time) (*models.SecureRecord, error) {
	var rec *models.SecureRecord
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var row recordRow
		err := tx.QueryRowContext(ctx,
			`SELECT token_hash, category, encrypted_payload, iv, auth_tag, sanitized_view, redactions, metadata, expires_at_ms, created_at_ms
			 FROM secure_records WHERE token_hash = ?`,
			tokenHash,
		).Scan(row.dest()...)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found, err := row.decode()
		if err != nil {
			return err
		}
		if found.IsExpired(now) {
			// Commit the delete; the caller still sees not-found.
			_, err := tx.ExecContext(ctx, `DELETE FROM secure_records WHERE token_hash = ?`, tokenHash)
			return err
		}
		rec = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *SQLiteBackend) DeleteRecord(ctx context.Context, tokenHash string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM secure_records WHERE token_hash = ?`, tokenHash)
		return err
	})
}

func (s *SQLiteBackend) DeleteExpiredRecords(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM secure_records WHERE expires_at_ms <= ?`, now.UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (s *SQLiteBackend) RecordExists(ctx context.Context, tokenHash string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM secure_records WHERE token_hash = ?)`, tokenHash,
	).Scan(&exists)
	return exists == 1, err
}

// --- Access log ---

func (s *SQLiteBackend) AppendAccess(ctx context.Context, entry *models.AccessLogEntry) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO phi_access_log (resource_id, token_hash, category, user_id, action, justification, details, timestamp_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ResourceID, nullableString(entry.TokenHash), nullableString(entry.Category),
			entry.UserID, entry.Action, nullableString(entry.Justification),
			nullableString(string(entry.Details)), entry.Timestamp.UnixMilli(),
		)
		if err != nil {
			return err
		}
		entry.ID, err = res.LastInsertId()
		return err
	})
}

func (s *SQLiteBackend) QueryAccessLog(ctx context.Context, filter AccessFilter) ([]*models.AccessLogEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, resource_id, token_hash, category, user_id, action, justification, details, timestamp_ms FROM phi_access_log WHERE 1=1`)
	args := []any{}
	if !filter.From.IsZero() {
		query.WriteString(` AND timestamp_ms >= ?`)
		args = append(args, filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		query.WriteString(` AND timestamp_ms <= ?`)
		args = append(args, filter.To.UnixMilli())
	}
	query.WriteString(` ORDER BY timestamp_ms DESC, id DESC`)
	if filter.Limit > 0 || filter.Offset > 0 {
		// SQLite requires LIMIT before OFFSET; -1 means unbounded.
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []*models.AccessLogEntry{}
	for rows.Next() {
		var row accessRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, err
		}
		entries = append(entries, row.decode())
	}
	return entries, rows.Err()
}

func (s *SQLiteBackend) CountAccessByAction(ctx context.Context, from, to time.Time) ([]models.ActionCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, COUNT(*) AS n FROM phi_access_log
		 WHERE timestamp_ms >= ? AND timestamp_ms <= ?
		 GROUP BY action ORDER BY n DESC, action`,
		from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := []models.ActionCount{}
	for rows.Next() {
		var c models.ActionCount
		if err := rows.Scan(&c.Action, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
