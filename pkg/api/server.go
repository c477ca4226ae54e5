package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coalition-io/fedhub/pkg/attributes"
	"github.com/coalition-io/fedhub/pkg/audit"
	"github.com/coalition-io/fedhub/pkg/breaker"
	"github.com/coalition-io/fedhub/pkg/bundle"
	"github.com/coalition-io/fedhub/pkg/clearance"
	"github.com/coalition-io/fedhub/pkg/exchange"
	"github.com/coalition-io/fedhub/pkg/federation"
	"github.com/coalition-io/fedhub/pkg/metrics"
	"github.com/coalition-io/fedhub/pkg/publish"
	"github.com/coalition-io/fedhub/pkg/spoke"
	"github.com/coalition-io/fedhub/pkg/trust"
)

// maxBodyBytes caps every decoded request body.
const maxBodyBytes = 1 << 20

// Deps carries everything the HTTP surface fronts. Nil members
// disable their routes (a hub without a data plane simply has no
// publish endpoints).
type Deps struct {
	HubCode string

	Spokes       *spoke.Registry
	SpokeLimiter spoke.Limiter
	Trust        *trust.Registry
	Clearances   clearance.Store
	Attributes   *attributes.Normalizer
	Engine       *exchange.Engine
	Keys         exchange.KeySet
	PeerVerifier *exchange.PeerVerifier
	Builder      *bundle.Builder
	Publisher    *publish.Publisher
	Syncer       *federation.Syncer
	Resources    federation.ResourceStore
	SyncLog      federation.SyncLogStore
	Validator    *federation.Validator
	Acceptor     *federation.Acceptor
	Health       *metrics.HealthScorer
	Metrics      *metrics.Store
	Breakers     *breaker.Manager
	Trail        *audit.Trail
	AuditStore   audit.Store

	// IntrospectAuth authenticates RFC 7662 clients (basic auth).
	IntrospectAuth func(username, password string) bool

	// Ready reports backend reachability for /readyz (mongo ping).
	Ready func(ctx context.Context) error
}

// Server is the hub's inbound HTTP surface.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

func NewServer(deps Deps) *Server {
	return &Server{
		deps:   deps,
		logger: slog.Default().With("component", "api"),
	}
}

// Handler builds the route table. Peer-facing OAuth endpoints carry
// their own auth (basic or federation JWT); admin routes sit behind
// the caller-supplied middleware chain in cmd.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Spoke lifecycle (admin).
	mux.HandleFunc("POST /spokes", s.handleRegisterSpoke)
	mux.HandleFunc("GET /spokes", s.handleListSpokes)
	mux.HandleFunc("GET /spokes/pending", s.handlePendingSpokes)
	mux.HandleFunc("GET /spokes/unhealthy", s.handleUnhealthySpokes)
	mux.HandleFunc("GET /spokes/{id}", s.handleGetSpoke)
	mux.HandleFunc("POST /spokes/{id}/approve", s.handleApproveSpoke)
	mux.HandleFunc("POST /spokes/{id}/suspend", s.handleSuspendSpoke)
	mux.HandleFunc("POST /spokes/{id}/revoke", s.handleRevokeSpoke)
	mux.HandleFunc("POST /spokes/{id}/token", s.handleMintSpokeToken)

	// Spoke-facing, behind spoke token auth.
	if s.deps.Spokes != nil {
		authed := SpokeAuth(s.deps.Spokes, s.deps.SpokeLimiter)
		mux.Handle("POST /heartbeat", authed(http.HandlerFunc(s.handleHeartbeat)))
	}

	// Trust graph (admin).
	mux.HandleFunc("GET /trust", s.handleListTrust)
	mux.HandleFunc("PUT /trust", s.handleUpsertTrust)
	mux.HandleFunc("POST /trust/{source}/{target}/enable", s.handleSetTrustEnabled(true))
	mux.HandleFunc("POST /trust/{source}/{target}/disable", s.handleSetTrustEnabled(false))
	mux.HandleFunc("DELETE /trust/{source}/{target}", s.handleRemoveTrust)

	// Clearance equivalency (admin).
	mux.HandleFunc("GET /clearance", s.handleListClearance)
	mux.HandleFunc("PUT /clearance/{country}", s.handleUpsertClearance)

	// Token exchange surface.
	mux.HandleFunc("POST /exchange", s.handleExchange)
	mux.HandleFunc("POST /token", s.handleTokenEndpoint)
	mux.HandleFunc("POST /introspect", s.handleIntrospect)
	mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)

	// Policy bundles and distribution.
	mux.HandleFunc("POST /bundles/build", s.handleBuildBundle)
	mux.HandleFunc("POST /bundles/publish", s.handlePublishBundle)
	mux.HandleFunc("POST /bundles/build-and-publish", s.handleBuildAndPublish)
	mux.HandleFunc("GET /bundles/current", s.handleCurrentBundle)
	mux.HandleFunc("GET /bundles/scopes", s.handleBundleScopes)
	mux.HandleFunc("POST /data/publish", s.handlePublishData)
	mux.HandleFunc("POST /refresh", s.handleRefresh)

	// Resource federation.
	mux.HandleFunc("POST /federation/resources", s.handleFederationPush)
	mux.HandleFunc("GET /federation/resources", s.handleFederationPull)
	mux.HandleFunc("GET /federation/sync/log", s.handleSyncLog)
	mux.HandleFunc("POST /federation/sync/{peer}", s.handleTriggerSync)

	// Audit trail.
	mux.HandleFunc("GET /audit", s.handleAuditQuery)
	mux.HandleFunc("GET /audit/export", s.handleAuditExport)

	// Operational.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /metrics/health", s.handleHealthScore)
	mux.HandleFunc("GET /metrics", s.handleMetricsSnapshot)

	return WithCorrelation(mux)
}

// writeJSON marshals v with the uniform success envelope left to the
// payloads themselves; status is always explicit.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a bounded JSON body into dst.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.deps.Ready != nil {
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}

	body := map[string]any{"status": "ready"}
	if s.deps.Breakers != nil {
		body["breakers"] = s.deps.Breakers.Snapshots()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHealthScore(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health == nil {
		WriteNotFound(w, "Health scoring is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Health.Score())
}

func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Metrics == nil {
		WriteNotFound(w, "Metrics are not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Metrics.Snapshot())
}
