package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coalition-io/fedhub/pkg/attributes"
	"github.com/coalition-io/fedhub/pkg/audit"
	"github.com/coalition-io/fedhub/pkg/exchange"
	"github.com/coalition-io/fedhub/pkg/trust"
)

// issuedTokenTTL bounds access tokens minted for inbound exchanges.
const issuedTokenTTL = 5 * time.Minute

// oauthError is the RFC 6749 error shape used by the peer-facing
// token endpoints.
func oauthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// handleExchange serves local clients asking the hub to broker an
// RFC 8693 exchange toward a peer instance.
func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req exchange.ExchangeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = CorrelationID(r.Context())
	}

	started := time.Now()
	result := s.deps.Engine.Exchange(r.Context(), req)

	if s.deps.Health != nil {
		s.deps.Health.RecordAuthorization(result.Success)
	}
	if s.deps.Metrics != nil {
		outcome := "denied"
		if result.Success {
			outcome = "allowed"
		}
		s.deps.Metrics.Inc("exchange_requests_total", map[string]string{
			"target": result.TargetInstance, "outcome": outcome,
		})
		s.deps.Metrics.Observe("exchange_duration_ms", nil,
			float64(time.Since(started).Milliseconds()))
	}

	outcome := audit.OutcomeDenied
	if result.Success {
		outcome = audit.OutcomeAllowed
	}
	s.deps.Trail.Record(r.Context(), audit.Entry{
		AuditID: result.AuditID, Action: "token_exchange",
		Origin: result.OriginInstance, Target: result.TargetInstance,
		Outcome: outcome, Detail: result.ErrorDescription,
		CorrelationID: req.RequestID,
	})

	status := http.StatusOK
	if !result.Success {
		status = http.StatusForbidden
	}
	writeJSON(w, status, result)
}

// handleTokenEndpoint is the peer-facing side of the exchange: a
// remote hub presents a federation JWT plus its subject's token and
// receives a local access token scoped by the trust edge.
func (s *Server) handleTokenEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "unparseable form body")
		return
	}
	if gt := r.PostFormValue("grant_type"); gt != "urn:ietf:params:oauth:grant-type:token-exchange" {
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", gt)
		return
	}

	bearer, ok := bearerToken(r)
	if !ok {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "federation token required")
		return
	}
	claims, err := s.deps.PeerVerifier.Verify(r.Context(), bearer)
	if err != nil {
		s.logger.Warn("inbound federation token rejected", "error", err)
		oauthError(w, http.StatusUnauthorized, "invalid_client", "federation token rejected")
		return
	}
	origin := trust.NormalizeCode(claims.Realm)

	edge, err := s.deps.Trust.Verify(r.Context(), origin, s.deps.HubCode)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if edge == nil {
		s.auditInbound(r, origin, "", audit.OutcomeDenied, "no bilateral trust")
		oauthError(w, http.StatusForbidden, "invalid_grant", "no bilateral trust")
		return
	}

	subjectToken := r.PostFormValue("subject_token")
	if subjectToken == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "subject_token required")
		return
	}

	intro := s.deps.Engine.Introspect(r.Context(), subjectToken, origin,
		s.deps.HubCode, CorrelationID(r.Context()))
	if !intro.Active {
		s.auditInbound(r, origin, "", audit.OutcomeDenied, "subject token inactive")
		oauthError(w, http.StatusBadRequest, "invalid_grant", "subject token is not active")
		return
	}
	subject, _ := intro.Claims["sub"].(string)

	// Peer claim vocabularies differ; fold them into the canonical
	// attribute set before minting anything.
	var attrs attributes.SubjectAttributes
	if s.deps.Attributes != nil {
		idpAlias := strings.ToLower(origin) + "-oidc"
		normalized, err := s.deps.Attributes.Normalize(idpAlias, intro.Claims)
		if err != nil {
			s.auditInbound(r, origin, subject, audit.OutcomeDenied, "unidentifiable subject")
			oauthError(w, http.StatusBadRequest, "invalid_grant", "subject claims lack a unique identifier")
			return
		}
		attrs = s.deps.Attributes.Enrich(normalized, idpAlias)
		if subject == "" {
			subject = attrs.UniqueID
		}
	}

	var requested []string
	if raw := r.PostFormValue("scope"); raw != "" {
		requested = strings.Fields(raw)
	}
	granted := intersect(requested, edge.AllowedScopes)
	if len(requested) > 0 && len(granted) == 0 {
		s.auditInbound(r, origin, subject, audit.OutcomeDenied, "no permitted scopes")
		oauthError(w, http.StatusBadRequest, "invalid_scope", "no requested scope is permitted by the trust edge")
		return
	}

	now := time.Now()
	claimSet := jwt.MapClaims{
		"iss":   s.deps.HubCode,
		"sub":   subject,
		"aud":   s.deps.HubCode,
		"azp":   origin,
		"scope": strings.Join(granted, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(issuedTokenTTL).Unix(),
	}
	if attrs.UniqueID != "" {
		claimSet["clearance"] = string(attrs.Clearance)
		claimSet["countryOfAffiliation"] = attrs.CountryOfAffiliation
		if len(attrs.ACPCOI) > 0 {
			claimSet["acpCOI"] = attrs.ACPCOI
		}
	}
	accessToken, err := s.deps.Keys.Sign(r.Context(), claimSet)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	s.auditInbound(r, origin, subject, audit.OutcomeAllowed, "")
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":      accessToken,
		"issued_token_type": "urn:ietf:params:oauth:token-type:access_token",
		"token_type":        "Bearer",
		"expires_in":        int64(issuedTokenTTL.Seconds()),
		"scope":             strings.Join(granted, " "),
	})
}

func (s *Server) auditInbound(r *http.Request, origin, subject, outcome, detail string) {
	s.deps.Trail.Record(r.Context(), audit.Entry{
		Action: "inbound_exchange", Origin: origin, Target: s.deps.HubCode,
		Subject: subject, Outcome: outcome, Detail: detail,
		CorrelationID: CorrelationID(r.Context()),
	})
}

// handleIntrospect answers RFC 7662 lookups for tokens this hub
// minted. Per the RFC, any failure mode beyond missing auth collapses
// to {"active": false}.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || s.deps.IntrospectAuth == nil || !s.deps.IntrospectAuth(user, pass) {
		w.Header().Set("WWW-Authenticate", `Basic realm="introspection"`)
		WriteUnauthorized(w, "Client authentication required")
		return
	}

	if err := r.ParseForm(); err != nil {
		WriteBadRequest(w, "unparseable form body")
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		WriteBadRequest(w, "token required")
		return
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, s.deps.Keys.KeyFunc(),
		jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil || !parsed.Valid {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	body := map[string]any{"active": true}
	for k, v := range claims {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "max-age=600")
	writeJSON(w, http.StatusOK, s.deps.Keys.JWKS())
}

// intersect keeps requested scopes present in allowed; an empty
// request grants everything the edge allows.
func intersect(requested, allowed []string) []string {
	if len(requested) == 0 {
		return append([]string(nil), allowed...)
	}
	set := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		set[s] = true
	}
	var out []string
	for _, s := range requested {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}
