package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coalition-io/fedhub/pkg/audit"
	"github.com/coalition-io/fedhub/pkg/bundle"
)

func (s *Server) handleBuildBundle(w http.ResponseWriter, r *http.Request) {
	b, ok := s.buildBundle(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) buildBundle(w http.ResponseWriter, r *http.Request) (*bundle.Bundle, bool) {
	var opts bundle.BuildOptions
	if !decode(w, r, &opts) {
		return nil, false
	}

	b, err := s.deps.Builder.Build(r.Context(), opts)
	if err != nil {
		switch {
		case errors.Is(err, bundle.ErrNoSigningKey):
			WriteBadRequest(w, "Signed build requested but no signing key is configured")
		case errors.Is(err, bundle.ErrStaleVersion):
			WriteConflict(w, "A newer bundle was published concurrently")
		default:
			WriteInternal(w, err)
		}
		return nil, false
	}

	s.deps.Trail.Record(r.Context(), audit.Entry{
		Action: "bundle_build", ResourceID: b.BundleID,
		Detail: b.Version, Outcome: audit.OutcomeAllowed,
		CorrelationID: CorrelationID(r.Context()),
	})
	return b, true
}

func (s *Server) handlePublishBundle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Publisher == nil {
		WriteNotFound(w, "No data plane is configured")
		return
	}

	notice, err := s.deps.Publisher.Publish(r.Context())
	if err != nil {
		if errors.Is(err, bundle.ErrBundleNotFound) {
			WriteConflict(w, "No bundle has been built yet")
			return
		}
		WriteInternal(w, err)
		return
	}

	s.recordPolicySync(true)
	s.deps.Trail.Record(r.Context(), audit.Entry{
		Action: "bundle_publish", ResourceID: notice.BundleID,
		Detail: notice.Version, Outcome: audit.OutcomeAllowed,
		CorrelationID: CorrelationID(r.Context()),
	})
	writeJSON(w, http.StatusOK, notice)
}

func (s *Server) handleBuildAndPublish(w http.ResponseWriter, r *http.Request) {
	if s.deps.Publisher == nil {
		WriteNotFound(w, "No data plane is configured")
		return
	}

	b, ok := s.buildBundle(w, r)
	if !ok {
		return
	}

	notice, err := s.deps.Publisher.Publish(r.Context())
	if err != nil {
		s.recordPolicySync(false)
		WriteInternal(w, err)
		return
	}

	s.recordPolicySync(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"bundle": b,
		"notice": notice,
	})
}

func (s *Server) recordPolicySync(ok bool) {
	if s.deps.Health != nil {
		s.deps.Health.RecordPolicySync(ok)
	}
}

func (s *Server) handleCurrentBundle(w http.ResponseWriter, r *http.Request) {
	current, err := s.deps.Builder.Current(r.Context())
	if err != nil {
		if errors.Is(err, bundle.ErrBundleNotFound) {
			WriteNotFound(w, "No bundle has been built yet")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (s *Server) handleBundleScopes(w http.ResponseWriter, r *http.Request) {
	scopes, err := s.deps.Builder.AvailableScopes()
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scopes": scopes})
}

func (s *Server) handlePublishData(w http.ResponseWriter, r *http.Request) {
	if s.deps.Publisher == nil {
		WriteNotFound(w, "No data plane is configured")
		return
	}

	var req struct {
		Path   string          `json:"path"`
		Data   json.RawMessage `json:"data"`
		Reason string          `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Path == "" || len(req.Data) == 0 {
		WriteBadRequest(w, "Missing required fields: path, data")
		return
	}

	changed, err := s.deps.Publisher.PublishInlineData(r.Context(), req.Path, req.Data, req.Reason)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	s.deps.Trail.Record(r.Context(), audit.Entry{
		Action: "data_publish", ResourceID: req.Path, Detail: req.Reason,
		Outcome: audit.OutcomeAllowed, CorrelationID: CorrelationID(r.Context()),
	})
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Publisher == nil {
		WriteNotFound(w, "No data plane is configured")
		return
	}

	if err := s.deps.Publisher.TriggerRefresh(r.Context()); err != nil {
		s.recordPolicySync(false)
		WriteInternal(w, err)
		return
	}
	s.recordPolicySync(true)
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}
