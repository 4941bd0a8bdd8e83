package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hengadev/errsx"
	"github.com/org/phivault/internal/deid"
	"github.com/org/phivault/internal/phierr"
	"github.com/org/phivault/internal/records"
)

type createRecordRequest struct {
	Category   string          `json:"category"`
	Payload    json.RawMessage `json:"payload"`
	TTLSeconds json.RawMessage `json:"ttlSeconds"`
	Metadata   json.RawMessage `json:"metadata"`
}

// CreateRecordHandler handles POST /secure-records
func (s *Server) CreateRecordHandler(w http.ResponseWriter, r *http.Request) {
	var req createRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	fields := errsx.Map{}
	if req.Category == "" {
		fields.Set("category", errors.New("is required"))
	}
	var payload deid.Value
	if isAbsent(req.Payload) {
		fields.Set("payload", errors.New("is required"))
	} else {
		v, err := deid.Parse(req.Payload)
		if err != nil {
			fields.Set("payload", err)
		}
		payload = v
	}
	ttl, err := parseTTL(req.TTLSeconds)
	if err != nil {
		fields.Set("ttlSeconds", err)
	}
	if err := phierr.NewValidationError(fields); err != nil {
		writeServiceError(w, r, err)
		return
	}

	opts := records.CreateOptions{TTLSeconds: ttl}
	if !isAbsent(req.Metadata) {
		opts.Metadata = req.Metadata
	}
	rec, err := s.records.Create(r.Context(), req.Category, payload, opts)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetRecordHandler handles GET /secure-records/{token}
func (s *Server) GetRecordHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Get(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteRecordHandler handles DELETE /secure-records/{token}
func (s *Server) DeleteRecordHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.records.Delete(r.Context(), chi.URLParam(r, "token")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// parseTTL accepts a JSON number or a numeric string. Fractions are
// truncated; bounds are applied later by records.ClampTTL.
func parseTTL(raw json.RawMessage) (*int64, error) {
	if isAbsent(raw) {
		return nil, nil
	}
	text := string(bytes.TrimSpace(raw))
	var quoted string
	if err := json.Unmarshal(raw, &quoted); err == nil {
		text = quoted
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errors.New("must be a number")
	}
	// Anything this far out clamps the same way.
	f = math.Max(math.Min(f, 1e12), -1e12)
	n := int64(f)
	return &n, nil
}
