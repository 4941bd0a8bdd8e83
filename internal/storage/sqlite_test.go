package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteBackend_Contract(t *testing.T) {
	runBackendContract(t, func(t *testing.T) StorageBackend { return openTestSQLite(t) })
}

func TestSQLiteBackend_AccessLogIsAppendOnly(t *testing.T) {
	b := openTestSQLite(t)
	ctx := context.Background()
	if err := b.AppendAccess(ctx, sampleAccess("view", baseTime)); err != nil {
		t.Fatalf("AppendAccess: %v", err)
	}

	err := b.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE phi_access_log SET action = 'tampered'`)
		return err
	})
	if err == nil {
		t.Error("expected UPDATE on access log to be rejected")
	}
	err = b.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM phi_access_log`)
		return err
	})
	if err == nil {
		t.Error("expected DELETE on access log to be rejected")
	}
}

func TestSQLiteBackend_ResetForTests(t *testing.T) {
	b := openTestSQLite(t)
	ctx := context.Background()
	_ = b.InsertRecord(ctx, sampleRecord("h", baseTime.Add(time.Hour)))
	_ = b.AppendAccess(ctx, sampleAccess("view", baseTime))

	if err := b.ResetForTests(ctx); err != nil {
		t.Fatalf("ResetForTests: %v", err)
	}
	if exists, _ := b.RecordExists(ctx, "h"); exists {
		t.Error("records should be empty")
	}
	entries, _ := b.QueryAccessLog(ctx, AccessFilter{})
	if len(entries) != 0 {
		t.Errorf("access log should be empty, got %d", len(entries))
	}

	// append-only protection is back after the reset
	_ = b.AppendAccess(ctx, sampleAccess("view", baseTime))
	err := b.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM phi_access_log`)
		return err
	})
	if err == nil {
		t.Error("delete trigger should be restored")
	}
}

func TestMigrateSQLite_Idempotent(t *testing.T) {
	b := openTestSQLite(t)
	if err := MigrateSQLite(context.Background(), b.db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestOpen_SQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "phivault.db")
	b, err := Open(context.Background(), "file:"+path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestOpen_EmptyURL(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestParseVersion(t *testing.T) {
	cases := map[string]int{"0001_init.sql": 1, "0010_more.sql": 10, "0000_zero.sql": 0}
	for name, want := range cases {
		got, err := parseVersion(name)
		if err != nil || got != want {
			t.Errorf("parseVersion(%q) = %d, %v; want %d", name, got, err, want)
		}
	}
	if _, err := parseVersion("abc_init.sql"); err == nil {
		t.Error("expected error for non-numeric prefix")
	}
}

func TestWorker_ContextCancelled(t *testing.T) {
	b := openTestSQLite(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error { return nil })
	if err == nil {
		t.Error("expected context error")
	}
}
