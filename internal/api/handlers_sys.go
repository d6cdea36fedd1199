package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/org/tagvault/internal/storage"
)

// HealthHandler handles GET /v1/sys/health.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	nTags, err := s.store.CountTags(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	nBlobs, err := s.store.CountBlobs(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	tagsTotal.Set(float64(nTags))
	blobsTotal.Set(float64(nBlobs))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"tags":    nTags,
		"objects": nBlobs,
		"version": "1.0.0",
	})
}

// AuditLogHandler handles GET /v1/sys/audit-log.
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AuditFilter{
		Path:  q.Get("path"),
		TagID: q.Get("tag_id"),
		Limit: 100,
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = &t
		}
	}

	entries, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}
