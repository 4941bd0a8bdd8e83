// Package audit is the append-only PHI access log.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hengadev/errsx"
	"github.com/org/phivault/internal/phierr"
	"github.com/org/phivault/internal/storage"
	"github.com/org/phivault/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultLimit  = 100
	MaxLimit      = 500
	DefaultWindow = 30 * 24 * time.Hour
)

var accessEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "phivault_access_log_entries_total",
	Help: "Access log entries recorded, by action.",
}, []string{"action"})

func init() {
	prometheus.MustRegister(accessEntries)
}

// TokenHasher hashes bearer tokens before they are written to the log.
type TokenHasher interface {
	HashToken(token string) (string, error)
}

// Logger writes and reads access log entries. It never touches the record
// table.
type Logger struct {
	store  storage.AccessLogStore
	hasher TokenHasher
	now    func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger creates an access Logger.
func NewLogger(store storage.AccessLogStore, hasher TokenHasher, opts ...Option) *Logger {
	l := &Logger{store: store, hasher: hasher, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AccessInput is a caller-supplied access event. Token, if set, is the raw
// bearer token of the record that was accessed; only its hash is stored.
type AccessInput struct {
	ResourceID    string
	UserID        string
	Action        string
	Justification string
	Details       json.RawMessage
	Token         string
	Category      string
}

// Record appends an entry. The timestamp is always taken from the server
// clock.
func (l *Logger) Record(ctx context.Context, in AccessInput) (*models.AccessLogEntry, error) {
	fields := errsx.Map{}
	if in.ResourceID == "" {
		fields.Set("resourceId", errors.New("is required"))
	}
	if in.UserID == "" {
		fields.Set("userId", errors.New("is required"))
	}
	if in.Action == "" {
		fields.Set("action", errors.New("is required"))
	}
	if len(in.Details) > 0 && !json.Valid(in.Details) {
		fields.Set("details", errors.New("must be valid JSON"))
	}
	if err := phierr.NewValidationError(fields); err != nil {
		return nil, err
	}

	entry := &models.AccessLogEntry{
		ResourceID:    in.ResourceID,
		UserID:        in.UserID,
		Action:        in.Action,
		Justification: in.Justification,
		Details:       in.Details,
		Category:      in.Category,
		Timestamp:     l.now().UTC(),
	}
	if in.Token != "" {
		hash, err := l.hasher.HashToken(in.Token)
		if err != nil {
			return nil, err
		}
		entry.TokenHash = hash
	}

	if err := l.store.AppendAccess(ctx, entry); err != nil {
		return nil, phierr.NewStorageError("appending access log entry", err)
	}
	accessEntries.WithLabelValues(entry.Action).Inc()
	return entry, nil
}

// FetchQuery selects a page of the log. Zero values pick the defaults.
type FetchQuery struct {
	Limit   int
	Offset  int
	From    *time.Time
	To      *time.Time
	Summary bool
}

// FetchResult is a page of entries, most recent first. Summary is empty
// unless it was requested.
type FetchResult struct {
	Entries []*models.AccessLogEntry `json:"entries"`
	Summary []models.ActionCount     `json:"summary"`
	Window  models.Window            `json:"window"`
}

// Fetch returns entries in [From, To], newest first. The window defaults
// to the thirty days ending now.
func (l *Logger) Fetch(ctx context.Context, q FetchQuery) (*FetchResult, error) {
	fields := errsx.Map{}
	if q.Limit < 0 {
		fields.Set("limit", errors.New("must not be negative"))
	}
	if q.Offset < 0 {
		fields.Set("offset", errors.New("must not be negative"))
	}

	to := l.now().UTC()
	if q.To != nil {
		to = q.To.UTC()
	}
	from := to.Add(-DefaultWindow)
	if q.From != nil {
		from = q.From.UTC()
	}
	if from.After(to) {
		fields.Set("from", errors.New("must not be after to"))
	}
	if err := phierr.NewValidationError(fields); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	entries, err := l.store.QueryAccessLog(ctx, storage.AccessFilter{
		From:   from,
		To:     to,
		Limit:  limit,
		Offset: q.Offset,
	})
	if err != nil {
		return nil, phierr.NewStorageError("querying access log", err)
	}

	res := &FetchResult{
		Entries: entries,
		Summary: []models.ActionCount{},
		Window:  models.Window{From: from, To: to},
	}
	if q.Summary {
		res.Summary, err = l.store.CountAccessByAction(ctx, from, to)
		if err != nil {
			return nil, phierr.NewStorageError("summarising access log", err)
		}
	}
	return res, nil
}
