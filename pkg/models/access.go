package models

import (
	"encoding/json"
	"time"
)

// AccessLogEntry is one immutable row of the PHI access trail.
type AccessLogEntry struct {
	ID            int64
	ResourceID    string
	TokenHash     string
	Category      string
	UserID        string
	Action        string
	Justification string
	Details       json.RawMessage
	Timestamp     time.Time
}

type accessLogEntryJSON struct {
	ID            int64           `json:"id"`
	ResourceID    string          `json:"resourceId"`
	TokenHash     string          `json:"tokenHash,omitempty"`
	Category      string          `json:"category,omitempty"`
	UserID        string          `json:"userId"`
	Action        string          `json:"action"`
	Justification string          `json:"justification,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

// MarshalJSON renders the timestamp as epoch milliseconds.
func (e AccessLogEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(accessLogEntryJSON{
		ID:            e.ID,
		ResourceID:    e.ResourceID,
		TokenHash:     e.TokenHash,
		Category:      e.Category,
		UserID:        e.UserID,
		Action:        e.Action,
		Justification: e.Justification,
		Details:       e.Details,
		Timestamp:     e.Timestamp.UnixMilli(),
	})
}

func (e *AccessLogEntry) UnmarshalJSON(data []byte) error {
	var w accessLogEntryJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = AccessLogEntry{
		ID:            w.ID,
		ResourceID:    w.ResourceID,
		TokenHash:     w.TokenHash,
		Category:      w.Category,
		UserID:        w.UserID,
		Action:        w.Action,
		Justification: w.Justification,
		Details:       w.Details,
		Timestamp:     time.UnixMilli(w.Timestamp).UTC(),
	}
	return nil
}

// ActionCount is one row of an access log summary.
type ActionCount struct {
	Action string `json:"action"`
	Count  int64  `json:"count"`
}

// Window is the closed time range an access log query covered.
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		From int64 `json:"from"`
		To   int64 `json:"to"`
	}{w.From.UnixMilli(), w.To.UnixMilli()})
}
