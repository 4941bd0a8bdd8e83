//go:build !production

package storage

import (
	"context"
	"database/sql"
)

// Resetter wipes all rows. It exists only in non-production builds.
type Resetter interface {
	ResetForTests(ctx context.Context) error
}

var (
	_ Resetter = (*PostgresBackend)(nil)
	_ Resetter = (*SQLiteBackend)(nil)
)

// ResetForTests empties both tables. TRUNCATE does not fire the
// row-level append-only trigger.
func (p *PostgresBackend) ResetForTests(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `TRUNCATE secure_records, phi_access_log RESTART IDENTITY`)
	return err
}

// ResetForTests empties both tables, lifting the append-only trigger for
// the duration of the transaction.
func (s *SQLiteBackend) ResetForTests(ctx context.Context) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM secure_records`,
			`DROP TRIGGER IF EXISTS phi_access_log_no_delete`,
			`DELETE FROM phi_access_log`,
			`DELETE FROM sqlite_sequence WHERE name = 'phi_access_log'`,
			`CREATE TRIGGER phi_access_log_no_delete
			 BEFORE DELETE ON phi_access_log
			 BEGIN
			   SELECT RAISE(ABORT, 'phi_access_log is append-only');
			 END`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}
