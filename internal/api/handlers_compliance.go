package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hengadev/errsx"
	"github.com/org/phivault/internal/audit"
	"github.com/org/phivault/internal/phierr"
)

type recordAccessRequest struct {
	ResourceID    string          `json:"resourceId"`
	UserID        string          `json:"userId"`
	Action        string          `json:"action"`
	Justification string          `json:"justification"`
	Details       json.RawMessage `json:"details"`
	Token         string          `json:"token"`
	Category      string          `json:"category"`
}

// RecordAccessHandler handles POST /compliance/access-log
func (s *Server) RecordAccessHandler(w http.ResponseWriter, r *http.Request) {
	var req recordAccessRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	in := audit.AccessInput{
		ResourceID:    req.ResourceID,
		UserID:        req.UserID,
		Action:        req.Action,
		Justification: req.Justification,
		Token:         req.Token,
		Category:      req.Category,
	}
	if !isAbsent(req.Details) {
		in.Details = req.Details
	}
	entry, err := s.access.Record(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// FetchAccessLogHandler handles GET /compliance/access-log
func (s *Server) FetchAccessLogHandler(w http.ResponseWriter, r *http.Request) {
	q, err := parseFetchQuery(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	res, err := s.access.Fetch(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseFetchQuery(r *http.Request) (audit.FetchQuery, error) {
	values := r.URL.Query()
	fields := errsx.Map{}
	var q audit.FetchQuery

	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fields.Set("limit", errors.New("must be an integer"))
		}
		q.Limit = n
	}
	if v := values.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fields.Set("offset", errors.New("must be an integer"))
		}
		q.Offset = n
	}
	if v := values.Get("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			fields.Set("from", err)
		}
		q.From = &t
	}
	if v := values.Get("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			fields.Set("to", err)
		}
		q.To = &t
	}
	if v := values.Get("summary"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fields.Set("summary", errors.New("must be a boolean"))
		}
		q.Summary = b
	}

	if err := phierr.NewValidationError(fields); err != nil {
		return audit.FetchQuery{}, err
	}
	return q, nil
}

// parseTime accepts epoch milliseconds or RFC 3339.
func parseTime(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("must be epoch milliseconds or RFC 3339")
	}
	return t, nil
}
