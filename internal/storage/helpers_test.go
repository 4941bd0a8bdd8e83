package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/org/phivault/pkg/models"
)

// openTestSQLite returns a migrated in-memory SQLite backend unique to the
// test. It is closed when the test finishes.
func openTestSQLite(t *testing.T) *SQLiteBackend {
	t.Helper()
	name := "test_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	b, err := OpenSQLite(context.Background(), SQLiteMemoryDSN(name))
	if err != nil {
		t.Fatalf("openTestSQLite: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

// resetStore empties a backend through the test-only Resetter hook.
func resetStore(t *testing.T, b StorageBackend) {
	t.Helper()
	r, ok := b.(Resetter)
	if !ok {
		t.Fatalf("%T does not implement Resetter", b)
	}
	if err := r.ResetForTests(context.Background()); err != nil {
		t.Fatalf("ResetForTests: %v", err)
	}
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRecord(hash string, expires time.Time) *models.SecureRecord {
	return &models.SecureRecord{
		TokenHash: hash,
		Category:  "claims-upload",
		Sealed: models.Sealed{
			Ciphertext: "Y2lwaGVydGV4dA==",
			IV:         "aXZpdml2aXZpdml2",
			AuthTag:    "dGFndGFndGFndGFndGFnMQ==",
		},
		Sanitized:  json.RawMessage(`{"rows":[{"ssn":"REDACTED"}]}`),
		Redactions: []models.Redaction{{Path: "rows[0].ssn", Field: "ssn", Action: "redact", Sample: "123-"}},
		Metadata:   json.RawMessage(`{"source":"upload"}`),
		ExpiresAt:  expires,
		CreatedAt:  baseTime,
	}
}

func sampleAccess(action string, at time.Time) *models.AccessLogEntry {
	return &models.AccessLogEntry{
		ResourceID: "dashboard/claims",
		UserID:     "analyst-7",
		Action:     action,
		Timestamp:  at,
	}
}

// runBackendContract exercises behaviour every StorageBackend must share.
func runBackendContract(t *testing.T, open func(t *testing.T) StorageBackend) {
	ctx := context.Background()

	t.Run("InsertAndTake", func(t *testing.T) {
		b := open(t)
		rec := sampleRecord("h-live", baseTime.Add(15*time.Minute))
		if err := b.InsertRecord(ctx, rec); err != nil {
			t.Fatalf("InsertRecord: %v", err)
		}
		got, err := b.TakeLiveRecord(ctx, "h-live", baseTime)
		if err != nil {
			t.Fatalf("TakeLiveRecord: %v", err)
		}
		if got.Category != rec.Category || got.Sealed != rec.Sealed {
			t.Errorf("record mismatch: %+v", got)
		}
		if string(got.Sanitized) != string(rec.Sanitized) {
			t.Errorf("sanitized view mismatch: %s", got.Sanitized)
		}
		if len(got.Redactions) != 1 || got.Redactions[0] != rec.Redactions[0] {
			t.Errorf("redactions mismatch: %+v", got.Redactions)
		}
		if !got.ExpiresAt.Equal(rec.ExpiresAt) || !got.CreatedAt.Equal(rec.CreatedAt) {
			t.Errorf("timestamps mismatch: %v %v", got.ExpiresAt, got.CreatedAt)
		}
		if string(got.Metadata) != `{"source":"upload"}` {
			t.Errorf("metadata mismatch: %s", got.Metadata)
		}
	})

	t.Run("DuplicateHashRejected", func(t *testing.T) {
		b := open(t)
		if err := b.InsertRecord(ctx, sampleRecord("h-dup", baseTime.Add(time.Hour))); err != nil {
			t.Fatalf("first insert: %v", err)
		}
		other := sampleRecord("h-dup", baseTime.Add(2*time.Hour))
		other.Category = "overwrite-attempt"
		if err := b.InsertRecord(ctx, other); err != ErrAlreadyExists {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
		got, err := b.TakeLiveRecord(ctx, "h-dup", baseTime)
		if err != nil {
			t.Fatalf("TakeLiveRecord: %v", err)
		}
		if got.Category != "claims-upload" {
			t.Errorf("original row was overwritten: %q", got.Category)
		}
	})

	t.Run("ExpiredIsDeletedOnRead", func(t *testing.T) {
		b := open(t)
		if err := b.InsertRecord(ctx, sampleRecord("h-exp", baseTime.Add(time.Minute))); err != nil {
			t.Fatalf("InsertRecord: %v", err)
		}
		// expires_at == now counts as expired
		if _, err := b.TakeLiveRecord(ctx, "h-exp", baseTime.Add(time.Minute)); err != ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		exists, err := b.RecordExists(ctx, "h-exp")
		if err != nil {
			t.Fatalf("RecordExists: %v", err)
		}
		if exists {
			t.Error("expired row should be physically deleted")
		}
	})

	t.Run("ConcurrentTakeOfExpired", func(t *testing.T) {
		b := open(t)
		if err := b.InsertRecord(ctx, sampleRecord("h-race", baseTime)); err != nil {
			t.Fatalf("InsertRecord: %v", err)
		}

		const readers = 32
		errs := make([]error, readers)
		var wg sync.WaitGroup
		for i := 0; i < readers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = b.TakeLiveRecord(ctx, "h-race", baseTime.Add(time.Second))
			}(i)
		}
		wg.Wait()

		for i, err := range errs {
			if err != ErrNotFound {
				t.Errorf("reader %d: expected ErrNotFound, got %v", i, err)
			}
		}
		if exists, _ := b.RecordExists(ctx, "h-race"); exists {
			t.Error("expired row should be gone")
		}
		if n, _ := b.DeleteExpiredRecords(ctx, baseTime.Add(time.Hour)); n != 0 {
			t.Errorf("expected nothing left to sweep, got %d", n)
		}
	})

	t.Run("ConcurrentTakeAcrossExpiry", func(t *testing.T) {
		b := open(t)
		expires := baseTime.Add(time.Minute)
		if err := b.InsertRecord(ctx, sampleRecord("h-edge", expires)); err != nil {
			t.Fatalf("InsertRecord: %v", err)
		}

		// Half the readers see the record live, half see it expired. No
		// reader past the expiry may get it back.
		const readers = 32
		type result struct {
			now time.Time
			rec *models.SecureRecord
			err error
		}
		results := make([]result, readers)
		var wg sync.WaitGroup
		for i := 0; i < readers; i++ {
			now := expires.Add(-time.Second)
			if i%2 == 1 {
				now = expires.Add(time.Second)
			}
			wg.Add(1)
			go func(i int, now time.Time) {
				defer wg.Done()
				rec, err := b.TakeLiveRecord(ctx, "h-edge", now)
				results[i] = result{now: now, rec: rec, err: err}
			}(i, now)
		}
		wg.Wait()

		for i, r := range results {
			switch {
			case r.err == ErrNotFound:
			case r.err != nil:
				t.Errorf("reader %d: %v", i, r.err)
			case r.rec.IsExpired(r.now):
				t.Errorf("reader %d got a record that was expired at %v", i, r.now)
			}
		}
		if exists, _ := b.RecordExists(ctx, "h-edge"); exists {
			t.Error("an expired reader ran, so the row should be gone")
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := open(t)
		_ = b.InsertRecord(ctx, sampleRecord("h-reset", baseTime.Add(time.Hour)))
		_ = b.AppendAccess(ctx, sampleAccess("view", baseTime))
		resetStore(t, b)
		if exists, _ := b.RecordExists(ctx, "h-reset"); exists {
			t.Error("records should be empty after reset")
		}
		if entries, _ := b.QueryAccessLog(ctx, AccessFilter{From: baseTime, To: baseTime.Add(time.Hour)}); len(entries) != 0 {
			t.Errorf("access log should be empty after reset, got %d", len(entries))
		}
	})

	t.Run("UnknownIsNotFound", func(t *testing.T) {
		b := open(t)
		if _, err := b.TakeLiveRecord(ctx, "nope", baseTime); err != ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		b := open(t)
		if err := b.InsertRecord(ctx, sampleRecord("h-del", baseTime.Add(time.Hour))); err != nil {
			t.Fatalf("InsertRecord: %v", err)
		}
		for i := 0; i < 2; i++ {
			if err := b.DeleteRecord(ctx, "h-del"); err != nil {
				t.Fatalf("DeleteRecord #%d: %v", i, err)
			}
		}
		if err := b.DeleteRecord(ctx, "never-existed"); err != nil {
			t.Fatalf("DeleteRecord unknown: %v", err)
		}
		if exists, _ := b.RecordExists(ctx, "h-del"); exists {
			t.Error("row should be gone")
		}
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		b := open(t)
		for i, offset := range []time.Duration{-time.Minute, 0, time.Minute, time.Hour} {
			if err := b.InsertRecord(ctx, sampleRecord(fmt.Sprintf("h-%d", i), baseTime.Add(offset))); err != nil {
				t.Fatalf("InsertRecord: %v", err)
			}
		}
		n, err := b.DeleteExpiredRecords(ctx, baseTime)
		if err != nil {
			t.Fatalf("DeleteExpiredRecords: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 swept, got %d", n)
		}
		for i, want := range []bool{false, false, true, true} {
			if got, _ := b.RecordExists(ctx, fmt.Sprintf("h-%d", i)); got != want {
				t.Errorf("h-%d exists=%v, want %v", i, got, want)
			}
		}
	})

	t.Run("AccessLogOrderingAndWindow", func(t *testing.T) {
		b := open(t)
		for i, action := range []string{"view", "view", "export", "create"} {
			e := sampleAccess(action, baseTime.Add(time.Duration(i)*time.Minute))
			if err := b.AppendAccess(ctx, e); err != nil {
				t.Fatalf("AppendAccess: %v", err)
			}
			if e.ID == 0 {
				t.Fatal("expected ID to be assigned")
			}
		}
		// same timestamp: id breaks the tie
		tie := sampleAccess("delete", baseTime.Add(3*time.Minute))
		tie.TokenHash = "abc"
		tie.Details = json.RawMessage(`{"rows":3}`)
		if err := b.AppendAccess(ctx, tie); err != nil {
			t.Fatalf("AppendAccess: %v", err)
		}

		all, err := b.QueryAccessLog(ctx, AccessFilter{From: baseTime, To: baseTime.Add(time.Hour)})
		if err != nil {
			t.Fatalf("QueryAccessLog: %v", err)
		}
		if len(all) != 5 {
			t.Fatalf("expected 5 entries, got %d", len(all))
		}
		if all[0].Action != "delete" || all[1].Action != "create" || all[4].Action != "view" {
			t.Errorf("unexpected order: %s %s ... %s", all[0].Action, all[1].Action, all[4].Action)
		}
		if all[0].TokenHash != "abc" || string(all[0].Details) != `{"rows":3}` {
			t.Errorf("optional fields not round-tripped: %+v", all[0])
		}
		if all[1].TokenHash != "" || all[1].Details != nil {
			t.Errorf("absent optionals should stay empty: %+v", all[1])
		}

		page, err := b.QueryAccessLog(ctx, AccessFilter{From: baseTime, To: baseTime.Add(time.Hour), Limit: 2, Offset: 1})
		if err != nil {
			t.Fatalf("QueryAccessLog page: %v", err)
		}
		if len(page) != 2 || page[0].Action != "create" || page[1].Action != "export" {
			t.Errorf("unexpected page: %+v", page)
		}

		windowed, _ := b.QueryAccessLog(ctx, AccessFilter{From: baseTime.Add(time.Minute), To: baseTime.Add(2 * time.Minute)})
		if len(windowed) != 2 {
			t.Errorf("expected 2 entries in window, got %d", len(windowed))
		}

		counts, err := b.CountAccessByAction(ctx, baseTime, baseTime.Add(time.Hour))
		if err != nil {
			t.Fatalf("CountAccessByAction: %v", err)
		}
		if len(counts) != 4 || counts[0] != (models.ActionCount{Action: "view", Count: 2}) {
			t.Errorf("unexpected counts: %+v", counts)
		}
	})
}
