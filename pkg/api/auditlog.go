package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/coalition-io/fedhub/pkg/audit"
)

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.AuditStore == nil {
		WriteNotFound(w, "Audit trail is not enabled")
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	var (
		entries []audit.Entry
		err     error
	)
	switch {
	case q.Get("subject") != "":
		entries, err = s.deps.AuditStore.BySubject(r.Context(), q.Get("subject"), limit)
	case q.Get("resourceId") != "":
		entries, err = s.deps.AuditStore.ByResource(r.Context(), q.Get("resourceId"), limit)
	default:
		WriteBadRequest(w, "Provide a subject or resourceId filter")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.AuditStore == nil {
		WriteNotFound(w, "Audit trail is not enabled")
		return
	}

	subject := r.URL.Query().Get("subject")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	pack, checksum, err := audit.NewExporter(s.deps.AuditStore).GeneratePack(r.Context(),
		audit.ExportRequest{Subject: subject, Limit: limit})
	if err != nil {
		if errors.Is(err, audit.ErrEmptySubject) {
			WriteBadRequest(w, "Provide a subject filter")
			return
		}
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="evidence-pack.zip"`)
	w.Header().Set("X-Checksum-SHA256", checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pack)
}
