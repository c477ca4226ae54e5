package api

import (
	"errors"
	"net/http"

	"github.com/coalition-io/fedhub/pkg/audit"
	"github.com/coalition-io/fedhub/pkg/clearance"
	"github.com/coalition-io/fedhub/pkg/trust"
)

// invalidateExchange drops warm introspection and JWKS cache entries
// for the given realms. Trust and spoke mutations must not wait out
// the cache TTL.
func (s *Server) invalidateExchange(origins ...string) {
	if s.deps.Engine == nil {
		return
	}
	for _, origin := range origins {
		s.deps.Engine.InvalidateOrigin(origin)
	}
}

func (s *Server) handleListTrust(w http.ResponseWriter, r *http.Request) {
	edges, err := s.deps.Trust.List(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edges": edges})
}

func (s *Server) handleUpsertTrust(w http.ResponseWriter, r *http.Request) {
	var edge trust.Edge
	if !decode(w, r, &edge) {
		return
	}

	if err := s.deps.Trust.Upsert(r.Context(), edge); err != nil {
		switch {
		case errors.Is(err, trust.ErrInvalidEdge), errors.Is(err, trust.ErrSelfEdge):
			WriteBadRequest(w, err.Error())
		default:
			WriteInternal(w, err)
		}
		return
	}
	s.invalidateExchange(edge.Source, edge.Target)

	s.deps.Trail.Record(r.Context(), audit.Entry{
		Action: "trust_upsert", Origin: edge.Source, Target: edge.Target,
		Outcome: audit.OutcomeAllowed, CorrelationID: CorrelationID(r.Context()),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetTrustEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source, target := r.PathValue("source"), r.PathValue("target")
		if err := s.deps.Trust.SetEnabled(r.Context(), source, target, enabled); err != nil {
			if errors.Is(err, trust.ErrEdgeNotFound) {
				WriteNotFound(w, "Trust edge not found")
				return
			}
			WriteInternal(w, err)
			return
		}
		s.invalidateExchange(source, target)

		action := "trust_disable"
		if enabled {
			action = "trust_enable"
		}
		s.deps.Trail.Record(r.Context(), audit.Entry{
			Action: action, Origin: source, Target: target,
			Outcome: audit.OutcomeAllowed, CorrelationID: CorrelationID(r.Context()),
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleRemoveTrust(w http.ResponseWriter, r *http.Request) {
	source, target := r.PathValue("source"), r.PathValue("target")
	if err := s.deps.Trust.Remove(r.Context(), source, target); err != nil {
		if errors.Is(err, trust.ErrEdgeNotFound) {
			WriteNotFound(w, "Trust edge not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	s.invalidateExchange(source, target)

	s.deps.Trail.Record(r.Context(), audit.Entry{
		Action: "trust_remove", Origin: source, Target: target,
		Outcome: audit.OutcomeAllowed, CorrelationID: CorrelationID(r.Context()),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleListClearance(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.deps.Clearances.ListMappings(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": mappings})
}

func (s *Server) handleUpsertClearance(w http.ResponseWriter, r *http.Request) {
	var levels map[clearance.Level]clearance.CountryTerms
	if !decode(w, r, &levels) {
		return
	}

	country := r.PathValue("country")
	if err := s.deps.Clearances.UpsertCountry(r.Context(), country, levels); err != nil {
		if errors.Is(err, clearance.ErrInvalidMapping) {
			WriteUnprocessable(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}

	s.deps.Trail.Record(r.Context(), audit.Entry{
		Action: "clearance_upsert", Target: country,
		Outcome: audit.OutcomeAllowed, CorrelationID: CorrelationID(r.Context()),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
