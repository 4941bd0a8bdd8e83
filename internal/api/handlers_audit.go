package api

import (
	"net/http"

	"github.com/org/phivault/internal/audit"
)

// AuditLogsHandler handles GET /audit/logs. Viewing the trail is itself
// an access and is recorded before the read.
func (s *Server) AuditLogsHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCtx(r.Context())
	if _, err := s.access.Record(r.Context(), audit.AccessInput{
		ResourceID: "audit/logs",
		UserID:     sess.Subject,
		Action:     "audit_view",
	}); err != nil {
		writeServiceError(w, r, err)
		return
	}

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
	writeJSON(w, http.StatusOK, map[string]any{"logs": res.Entries})
}
