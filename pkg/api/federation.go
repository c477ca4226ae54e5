package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/coalition-io/fedhub/pkg/audit"
	"github.com/coalition-io/fedhub/pkg/federation"
	"github.com/coalition-io/fedhub/pkg/trust"
)

// handleFederationPush ingests a peer's resource batch. The payload
// is schema-validated before any resource touches the store.
func (s *Server) handleFederationPush(w http.ResponseWriter, r *http.Request) {
	bearer, ok := bearerToken(r)
	if !ok {
		WriteUnauthorized(w, "Federation token required")
		return
	}
	claims, err := s.deps.PeerVerifier.Verify(r.Context(), bearer)
	if err != nil {
		s.logger.Warn("federation push rejected", "error", err)
		WriteUnauthorized(w, "Federation token rejected")
		return
	}
	origin := trust.NormalizeCode(claims.Realm)

	edge, err := s.deps.Trust.Verify(r.Context(), origin, s.deps.HubCode)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if edge == nil {
		WriteForbidden(w, "No bilateral trust")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var raw any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.Validate(raw); err != nil {
			WriteUnprocessable(w, err.Error())
			return
		}
	}

	// Re-decode through the typed shape now that the schema passed.
	buf, _ := json.Marshal(raw)
	var req federation.PushRequest
	if err := json.Unmarshal(buf, &req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.SourceRealm != "" && trust.NormalizeCode(req.SourceRealm) != origin {
		WriteForbidden(w, "Source realm does not match the presented token")
		return
	}
	req.SourceRealm = origin

	resp := s.deps.Acceptor.Accept(r.Context(), req)

	s.deps.Trail.Record(r.Context(), audit.Entry{
		Action: "federation_push", Origin: origin, Target: s.deps.HubCode,
		Outcome: audit.OutcomeAllowed,
		Detail:  strconv.Itoa(resp.Accepted) + " accepted",
		CorrelationID: func() string {
			if req.CorrelationID != "" {
				return req.CorrelationID
			}
			return CorrelationID(r.Context())
		}(),
	})
	writeJSON(w, http.StatusOK, resp)
}

// handleFederationPull lists resources releasable to the requesting
// realm, excluding that realm's own exports.
func (s *Server) handleFederationPull(w http.ResponseWriter, r *http.Request) {
	bearer, ok := bearerToken(r)
	if !ok {
		WriteUnauthorized(w, "Federation token required")
		return
	}
	claims, err := s.deps.PeerVerifier.Verify(r.Context(), bearer)
	if err != nil {
		WriteUnauthorized(w, "Federation token rejected")
		return
	}
	origin := trust.NormalizeCode(claims.Realm)

	edge, err := s.deps.Trust.Verify(r.Context(), origin, s.deps.HubCode)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if edge == nil {
		WriteForbidden(w, "No bilateral trust")
		return
	}

	releasableTo := trust.NormalizeCode(r.URL.Query().Get("releasableTo"))
	if releasableTo == "" {
		releasableTo = origin
	}
	excludeOrigin := trust.NormalizeCode(r.URL.Query().Get("excludeOrigin"))
	if excludeOrigin == "" {
		excludeOrigin = origin
	}
	// A peer may only pull on its own behalf.
	if releasableTo != origin {
		WriteForbidden(w, "releasableTo must match the presented token")
		return
	}

	resources, err := s.deps.Resources.ListReleasable(r.Context(), releasableTo, excludeOrigin)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, federation.PullResponse{Resources: resources})
}

func (s *Server) handleSyncLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := s.deps.SyncLog.Recent(r.Context(), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Syncer == nil {
		WriteNotFound(w, "Federation sync is not enabled")
		return
	}

	peer := trust.NormalizeCode(r.PathValue("peer"))
	result, err := s.deps.Syncer.SyncPair(r.Context(), peer)
	if err != nil {
		if errors.Is(err, federation.ErrSyncInFlight) {
			WriteConflict(w, "A sync for this pair is already running")
			return
		}
		if result != nil {
			// Partial cycles still carry a usable result document.
			writeJSON(w, http.StatusOK, result)
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
