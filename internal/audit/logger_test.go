package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/org/phivault/internal/crypto"
	"github.com/org/phivault/internal/phierr"
	"github.com/org/phivault/internal/storage"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLogger(t *testing.T, now *time.Time) (*Logger, *crypto.Keyring) {
	t.Helper()
	name := "audit_" + strings.ReplaceAll(t.Name(), "/", "_")
	store, err := storage.OpenSQLite(context.Background(), storage.SQLiteMemoryDSN(name))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(store.Close)

	keys := crypto.NewKeyring(crypto.StaticSource{crypto.SecretEncryption: "audit-test-secret"})
	return NewLogger(store, keys, WithClock(func() time.Time { return *now })), keys
}

func record(t *testing.T, l *Logger, action string) {
	t.Helper()
	if _, err := l.Record(context.Background(), AccessInput{
		ResourceID: "dashboard/claims",
		UserID:     "analyst-7",
		Action:     action,
	}); err != nil {
		t.Fatalf("Record(%s): %v", action, err)
	}
}

func TestRecord_AssignsIDAndTimestamp(t *testing.T) {
	now := epoch
	l, _ := newTestLogger(t, &now)

	first, err := l.Record(context.Background(), AccessInput{
		ResourceID:    "dashboard/claims",
		UserID:        "analyst-7",
		Action:        "view",
		Justification: "claims review",
		Details:       json.RawMessage(`{"rows":3}`),
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if first.ID == 0 {
		t.Error("expected an assigned id")
	}
	if !first.Timestamp.Equal(epoch) {
		t.Errorf("timestamp = %v, want %v", first.Timestamp, epoch)
	}

	now = now.Add(time.Second)
	second, err := l.Record(context.Background(), AccessInput{ResourceID: "r", UserID: "u", Action: "view"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if second.ID <= first.ID {
		t.Errorf("ids not increasing: %d then %d", first.ID, second.ID)
	}
}

func TestRecord_HashesToken(t *testing.T) {
	now := epoch
	l, keys := newTestLogger(t, &now)

	token := "phv_not-a-live-token"
	entry, err := l.Record(context.Background(), AccessInput{
		ResourceID: "secure-records",
		UserID:     "analyst-7",
		Action:     "view",
		Token:      token,
		Category:   "claims",
	})
	if err != nil {
		t.Fatalf("Record must not depend on the record existing: %v", err)
	}
	want, _ := keys.HashToken(token)
	if entry.TokenHash != want {
		t.Errorf("tokenHash = %q, want %q", entry.TokenHash, want)
	}

	res, err := l.Fetch(context.Background(), FetchQuery{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	raw, _ := json.Marshal(res)
	if strings.Contains(string(raw), token) {
		t.Error("raw token found in access log output")
	}
}

func TestRecord_RequiredFields(t *testing.T) {
	now := epoch
	l, _ := newTestLogger(t, &now)

	_, err := l.Record(context.Background(), AccessInput{Action: "view"})
	if !phierr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var verr *phierr.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	got := strings.Join(verr.FieldNames(), ",")
	if got != "resourceId,userId" {
		t.Errorf("fields = %s", got)
	}
}

func TestFetch_SummaryScenario(t *testing.T) {
	now := epoch
	l, _ := newTestLogger(t, &now)

	for _, action := range []string{"view", "view", "export"} {
		now = now.Add(time.Second)
		record(t, l, action)
	}

	res, err := l.Fetch(context.Background(), FetchQuery{Summary: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(res.Entries))
	}
	if res.Entries[0].Action != "export" {
		t.Errorf("expected most recent first, got %s", res.Entries[0].Action)
	}
	if len(res.Summary) != 2 {
		t.Fatalf("expected 2 summary rows, got %+v", res.Summary)
	}
	if res.Summary[0].Action != "view" || res.Summary[0].Count != 2 {
		t.Errorf("summary[0] = %+v", res.Summary[0])
	}
	if res.Summary[1].Action != "export" || res.Summary[1].Count != 1 {
		t.Errorf("summary[1] = %+v", res.Summary[1])
	}
}

func TestFetch_DefaultWindow(t *testing.T) {
	now := epoch
	l, _ := newTestLogger(t, &now)

	record(t, l, "stale")
	now = now.Add(31 * 24 * time.Hour)
	record(t, l, "fresh")

	res, err := l.Fetch(context.Background(), FetchQuery{Summary: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Action != "fresh" {
		t.Errorf("expected only the fresh entry, got %+v", res.Entries)
	}
	if !res.Window.To.Equal(now) || !res.Window.From.Equal(now.Add(-DefaultWindow)) {
		t.Errorf("window = %+v", res.Window)
	}

	from := epoch.Add(-time.Hour)
	res, err = l.Fetch(context.Background(), FetchQuery{From: &from})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Entries) != 2 {
		t.Errorf("explicit from: expected 2 entries, got %d", len(res.Entries))
	}
	if len(res.Summary) != 0 {
		t.Errorf("summary not requested, got %+v", res.Summary)
	}
}

func TestFetch_Pagination(t *testing.T) {
	now := epoch
	l, _ := newTestLogger(t, &now)

	for i := 0; i < 5; i++ {
		now = now.Add(time.Second)
		record(t, l, "view")
	}

	page, err := l.Fetch(context.Background(), FetchQuery{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(page.Entries))
	}
	if !page.Entries[0].Timestamp.Equal(epoch.Add(3 * time.Second)) {
		t.Errorf("unexpected first entry on page: %v", page.Entries[0].Timestamp)
	}
}

func TestFetch_Validation(t *testing.T) {
	now := epoch
	l, _ := newTestLogger(t, &now)

	if _, err := l.Fetch(context.Background(), FetchQuery{Limit: -1}); !phierr.IsValidation(err) {
		t.Errorf("negative limit: expected validation error, got %v", err)
	}
	if _, err := l.Fetch(context.Background(), FetchQuery{Offset: -1}); !phierr.IsValidation(err) {
		t.Errorf("negative offset: expected validation error, got %v", err)
	}
	from, to := epoch, epoch.Add(-time.Hour)
	if _, err := l.Fetch(context.Background(), FetchQuery{From: &from, To: &to}); !phierr.IsValidation(err) {
		t.Errorf("inverted window: expected validation error, got %v", err)
	}
}
