package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/coalition-io/fedhub/pkg/audit"
	"github.com/coalition-io/fedhub/pkg/spoke"
)

func (s *Server) writeSpokeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, spoke.ErrSpokeNotFound):
		WriteNotFound(w, "Spoke not found")
	case errors.Is(err, spoke.ErrDuplicateInstance):
		WriteConflict(w, "Instance code already registered")
	case errors.Is(err, spoke.ErrInvalidTransition):
		WriteConflict(w, err.Error())
	case errors.Is(err, spoke.ErrNotApproved):
		WriteConflict(w, "Spoke is not approved")
	case errors.Is(err, spoke.ErrInvalidRequest), errors.Is(err, spoke.ErrBadCertificate):
		WriteBadRequest(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleRegisterSpoke(w http.ResponseWriter, r *http.Request) {
	var req spoke.RegisterRequest
	if !decode(w, r, &req) {
		return
	}

	sp, cert, err := s.deps.Spokes.Register(r.Context(), req)
	if err != nil {
		s.writeSpokeError(w, err)
		return
	}

	s.deps.Trail.Record(r.Context(), audit.Entry{
		Action:        "spoke_register",
		Subject:       sp.SpokeID,
		Target:        sp.InstanceCode,
		Outcome:       audit.OutcomeAllowed,
		CorrelationID: CorrelationID(r.Context()),
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"spoke":       sp,
		"certificate": cert,
	})
}

func (s *Server) handleListSpokes(w http.ResponseWriter, r *http.Request) {
	if status := r.URL.Query().Get("status"); status != "" {
		spokes, err := s.deps.Spokes.ListByStatus(r.Context(), spoke.Status(status))
		if err != nil {
			WriteInternal(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"spokes": spokes})
		return
	}

	spokes, err := s.deps.Spokes.List(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spokes": spokes})
}

func (s *Server) handlePendingSpokes(w http.ResponseWriter, r *http.Request) {
	spokes, err := s.deps.Spokes.ListByStatus(r.Context(), spoke.StatusPending)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spokes": spokes})
}

func (s *Server) handleUnhealthySpokes(w http.ResponseWriter, r *http.Request) {
	spokes, err := s.deps.Spokes.GetUnhealthy(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spokes": spokes})
}

func (s *Server) handleGetSpoke(w http.ResponseWriter, r *http.Request) {
	sp, err := s.deps.Spokes.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeSpokeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

func (s *Server) handleApproveSpoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approver string      `json:"approver"`
		Grant    spoke.Grant `json:"grant"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Approver == "" {
		WriteBadRequest(w, "Missing required field: approver")
		return
	}

	sp, err := s.deps.Spokes.Approve(r.Context(), r.PathValue("id"), req.Approver, req.Grant)
	if err != nil {
		s.writeSpokeError(w, err)
		return
	}

	s.deps.Trail.Record(r.Context(), audit.Entry{
		Action: "spoke_approve", Subject: req.Approver, Target: sp.InstanceCode,
		Outcome: audit.OutcomeAllowed, CorrelationID: CorrelationID(r.Context()),
	})
	writeJSON(w, http.StatusOK, sp)
}

func (s *Server) handleSuspendSpoke(w http.ResponseWriter, r *http.Request) {
	s.handleStatusChange(w, r, "spoke_suspend", s.deps.Spokes.Suspend)
}

func (s *Server) handleRevokeSpoke(w http.ResponseWriter, r *http.Request) {
	s.handleStatusChange(w, r, "spoke_revoke", s.deps.Spokes.Revoke)
}

func (s *Server) handleStatusChange(w http.ResponseWriter, r *http.Request, action string,
	change func(ctx context.Context, spokeID, reason string) (*spoke.Spoke, error)) {

	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}

	sp, err := change(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeSpokeError(w, err)
		return
	}
	s.invalidateExchange(sp.InstanceCode)

	s.deps.Trail.Record(r.Context(), audit.Entry{
		Action: action, Target: sp.InstanceCode, Detail: req.Reason,
		Outcome: audit.OutcomeAllowed, CorrelationID: CorrelationID(r.Context()),
	})
	writeJSON(w, http.StatusOK, sp)
}

func (s *Server) handleMintSpokeToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.deps.Spokes.GenerateToken(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeSpokeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	sp := SpokeFrom(r.Context())
	if sp == nil {
		WriteUnauthorized(w, "")
		return
	}

	var stats spoke.HeartbeatStats
	if !decode(w, r, &stats) {
		return
	}

	if err := s.deps.Spokes.RecordHeartbeat(r.Context(), sp.SpokeID, stats); err != nil {
		s.writeSpokeError(w, err)
		return
	}
	if s.deps.Health != nil {
		s.deps.Health.RecordHeartbeat(true)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
