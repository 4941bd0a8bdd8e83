package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/org/phivault/internal/phierr"
	"github.com/rs/zerolog/log"
)

// Error codes returned in the "error" field.
const (
	codeBadRequest  = "bad_request"
	codeRateLimited = "rate_limited"
)

type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

// writeServiceError maps a service error onto the response shape. Internal
// failures are logged in full and reported generically.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := phierr.HTTPStatus(err)
	body := errorBody{Error: phierr.Code(err), Message: err.Error()}

	var verr *phierr.ValidationError
	if errors.As(err, &verr) {
		body.Message = "request validation failed"
		body.Fields = verr.FieldMessages()
	}

	switch {
	case status >= http.StatusInternalServerError:
		log.Error().Err(err).
			Str("request_id", requestIDFromCtx(r.Context())).
			Str("route", routePattern(r)).
			Msg("request failed")
		body.Message = "unexpected server error"
	case phierr.IsNotFound(err):
		body.Message = "record not found or expired"
	case phierr.IsNotAuthenticated(err):
		body.Message = "a valid session is required"
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// writeDecodeError reports a body that could not be decoded.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusBadRequest, codeBadRequest, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, codeBadRequest, "request body must be valid JSON")
}
