package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/phivault/pkg/models"
)

const pgUniqueViolation = "23505"

// PostgresBackend is a StorageBackend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// --- Secure records ---

func (p *PostgresBackend) InsertRecord(ctx context.Context, rec *models.SecureRecord) error {
	row, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO secure_records (token_hash, category, encrypted_payload, iv, auth_tag, sanitized_view, redactions, metadata, expires_at_ms, created_at_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		row.tokenHash, row.category, row.ciphertext, row.iv, row.authTag,
		row.sanitized, row.redactions, row.metadata, row.expiresAtMs, row.createdAtMs,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresBackend) TakeLiveRecord(ctx context.Context, tokenHash string, now time.Time) (*models.SecureRecord, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var row recordRow
	err = tx.QueryRow(ctx,
		`SELECT token_hash, category, encrypted_payload, iv, auth_tag, sanitized_view, redactions, metadata, expires_at_ms, created_at_ms
		 FROM secure_records WHERE token_hash = $1 FOR UPDATE`,
		tokenHash,
	).Scan(row.dest()...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rec, err := row.decode()
	if err != nil {
		return nil, err
	}
	if rec.IsExpired(now) {
		if _, err := tx.Exec(ctx, `DELETE FROM secure_records WHERE token_hash = $1`, tokenHash); err != nil {
			return nil, fmt.Errorf("deleting expired record: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return rec, tx.Commit(ctx)
}

func (p *PostgresBackend) DeleteRecord(ctx context.Context, tokenHash string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM secure_records WHERE token_hash = $1`, tokenHash)
	return err
}

func (p *PostgresBackend) DeleteExpiredRecords(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM secure_records WHERE expires_at_ms <= $1`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresBackend) RecordExists(ctx context.Context, tokenHash string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM secure_records WHERE token_hash = $1)`, tokenHash,
	).Scan(&exists)
	return exists, err
}

// --- Access log ---

func (p *PostgresBackend) AppendAccess(ctx context.Context, entry *models.AccessLogEntry) error {
	return p.pool.QueryRow(ctx,
		`INSERT INTO phi_access_log (resource_id, token_hash, category, user_id, action, justification, details, timestamp_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		entry.ResourceID, nullableString(entry.TokenHash), nullableString(entry.Category),
		entry.UserID, entry.Action, nullableString(entry.Justification),
		nullableString(string(entry.Details)), entry.Timestamp.UnixMilli(),
	).Scan(&entry.ID)
}

func (p *PostgresBackend) QueryAccessLog(ctx context.Context, filter AccessFilter) ([]*models.AccessLogEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, resource_id, token_hash, category, user_id, action, justification, details, timestamp_ms FROM phi_access_log WHERE 1=1`)
	args := []any{}
	n := 1
	if !filter.From.IsZero() {
		fmt.Fprintf(&query, ` AND timestamp_ms >= $%d`, n)
		args = append(args, filter.From.UnixMilli())
		n++
	}
	if !filter.To.IsZero() {
		fmt.Fprintf(&query, ` AND timestamp_ms <= $%d`, n)
		args = append(args, filter.To.UnixMilli())
		n++
	}
	query.WriteString(` ORDER BY timestamp_ms DESC, id DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
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

func (p *PostgresBackend) CountAccessByAction(ctx context.Context, from, to time.Time) ([]models.ActionCount, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT action, COUNT(*) FROM phi_access_log
		 WHERE timestamp_ms >= $1 AND timestamp_ms <= $2
		 GROUP BY action ORDER BY COUNT(*) DESC, action`,
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
