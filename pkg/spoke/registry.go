package spoke

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coalition-io/fedhub/pkg/clearance"
	"github.com/coalition-io/fedhub/pkg/trust"
)

var (
	ErrSpokeNotFound     = errors.New("spoke not found")
	ErrDuplicateInstance = errors.New("instance code already registered")
	ErrInvalidTransition = errors.New("invalid spoke state transition")
	ErrNotApproved       = errors.New("spoke is not approved")
	ErrInvalidRequest    = errors.New("invalid spoke registration request")
)

// Store persists spoke records.
type Store interface {
	Insert(ctx context.Context, s Spoke) error
	Update(ctx context.Context, s Spoke) error
	Get(ctx context.Context, spokeID string) (*Spoke, error)
	// GetByInstanceCode returns the non-revoked holder of a code.
	GetByInstanceCode(ctx context.Context, code string) (*Spoke, error)
	List(ctx context.Context) ([]Spoke, error)
	ListByStatus(ctx context.Context, status Status) ([]Spoke, error)
}

// TokenStore persists spoke tokens.
type TokenStore interface {
	Insert(ctx context.Context, t Token) error
	Get(ctx context.Context, token string) (*Token, error)
	// GetActive returns any non-expired token for the spoke.
	GetActive(ctx context.Context, spokeID string, now time.Time) (*Token, error)
	DeleteBySpoke(ctx context.Context, spokeID string) error
}

// Config tunes the registry.
type Config struct {
	HubCode            string        // this hub's instance code
	TokenTTL           time.Duration // default 24h
	HeartbeatInterval  time.Duration // default 30s; unhealthy after 3x
	StrictCertificates bool
}

func (c Config) withDefaults() Config {
	if c.TokenTTL <= 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	c.HubCode = trust.NormalizeCode(c.HubCode)
	return c
}

// Registry owns the spoke lifecycle. Lifecycle transitions also
// update the bilateral trust graph, so a suspension is observable to
// trust verification before the call returns.
type Registry struct {
	cfg     Config
	store   Store
	tokens  TokenStore
	trust   *trust.Registry
	onEvent func(Event)
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry wires the registry to its stores and the trust graph.
func NewRegistry(cfg Config, store Store, tokens TokenStore, tr *trust.Registry, onEvent func(Event)) *Registry {
	return &Registry{
		cfg:     cfg.withDefaults(),
		store:   store,
		tokens:  tokens,
		trust:   tr,
		onEvent: onEvent,
		logger:  slog.Default().With("component", "spoke"),
		now:     time.Now,
	}
}

func isAlpha3(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Register validates the certificate and persists a pending record.
// The instance code must not be held by any non-revoked spoke.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Spoke, *CertificateInfo, error) {
	code := trust.NormalizeCode(req.InstanceCode)
	if !isAlpha3(code) {
		return nil, nil, fmt.Errorf("%w: instance code %q is not three letters", ErrInvalidRequest, req.InstanceCode)
	}
	if req.Name == "" {
		return nil, nil, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}

	certInfo, err := ValidateCertificate(req.CertificatePEM, r.cfg.StrictCertificates)
	if err != nil {
		return nil, nil, err
	}

	if existing, err := r.store.GetByInstanceCode(ctx, code); err == nil && existing != nil {
		return nil, nil, fmt.Errorf("%w: %s held by %s", ErrDuplicateInstance, code, existing.SpokeID)
	} else if err != nil && !errors.Is(err, ErrSpokeNotFound) {
		return nil, nil, fmt.Errorf("instance code lookup: %w", err)
	}

	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return nil, nil, fmt.Errorf("generate spoke id: %w", err)
	}
	now := r.now().UTC()
	s := Spoke{
		SpokeID:                fmt.Sprintf("spoke-%s-%s", strings.ToLower(code), hex.EncodeToString(suffix[:])),
		InstanceCode:           code,
		Name:                   req.Name,
		BaseURL:                req.BaseURL,
		APIURL:                 req.APIURL,
		IdPURL:                 req.IdPURL,
		CertificatePEM:         req.CertificatePEM,
		CertificateFingerprint: certInfo.Fingerprint,
		ContactEmail:           req.ContactEmail,
		Status:                 StatusPending,
		MaxClassification:      clearance.Unclassified,
		AllowedPolicyScopes:    []string{},
		RateLimit:              RateLimit{RequestsPerMinute: 60, Burst: 10},
		AuditRetentionDays:     90,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := r.store.Insert(ctx, s); err != nil {
		return nil, nil, fmt.Errorf("persist spoke: %w", err)
	}
	r.logger.Info("spoke registered", "spokeId", s.SpokeID, "instanceCode", code,
		"fingerprint", certInfo.Fingerprint, "warnings", len(certInfo.Warnings))
	return &s, certInfo, nil
}

// Approve moves a pending spoke to approved, confers the grant, and
// writes both directions of the bilateral trust edge. Re-approval of
// an already approved spoke fails.
func (r *Registry) Approve(ctx context.Context, spokeID, approver string, grant Grant) (*Spoke, error) {
	s, err := r.store.Get(ctx, spokeID)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusPending {
		return nil, fmt.Errorf("%w: approve from %s", ErrInvalidTransition, s.Status)
	}
	if !clearance.Valid(grant.MaxClassification) {
		return nil, fmt.Errorf("%w: unknown classification %q", ErrInvalidRequest, grant.MaxClassification)
	}

	now := r.now().UTC()
	s.Status = StatusApproved
	s.TrustLevel = grant.TrustLevel
	s.MaxClassification = grant.MaxClassification
	s.AllowedPolicyScopes = append([]string(nil), grant.AllowedScopes...)
	s.ApprovedBy = approver
	s.ApprovedAt = now
	s.StatusReason = ""
	s.UpdatedAt = now
	if err := r.store.Update(ctx, *s); err != nil {
		return nil, fmt.Errorf("persist approval: %w", err)
	}

	for _, pair := range [][2]string{{r.cfg.HubCode, s.InstanceCode}, {s.InstanceCode, r.cfg.HubCode}} {
		edge := trust.Edge{
			Source:            pair[0],
			Target:            pair[1],
			TrustLevel:        grant.TrustLevel,
			MaxClassification: grant.MaxClassification,
			AllowedScopes:     append([]string(nil), grant.AllowedScopes...),
			DataIsolation:     trust.IsolationFiltered,
			Enabled:           true,
		}
		if err := r.trust.Upsert(ctx, edge); err != nil {
			return nil, fmt.Errorf("write trust edge: %w", err)
		}
	}

	r.emit(Event{Type: EventApproved, SpokeID: s.SpokeID, InstanceCode: s.InstanceCode, At: now})
	r.logger.Info("spoke approved", "spokeId", s.SpokeID, "approver", approver,
		"trustLevel", grant.TrustLevel, "maxClassification", grant.MaxClassification)
	return s, nil
}

// Suspend moves an approved spoke to suspended, invalidates all of
// its tokens, and disables its trust edges.
func (r *Registry) Suspend(ctx context.Context, spokeID, reason string) (*Spoke, error) {
	s, err := r.store.Get(ctx, spokeID)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusApproved {
		return nil, fmt.Errorf("%w: suspend from %s", ErrInvalidTransition, s.Status)
	}

	now := r.now().UTC()
	s.Status = StatusSuspended
	s.StatusReason = reason
	s.UpdatedAt = now
	if err := r.store.Update(ctx, *s); err != nil {
		return nil, fmt.Errorf("persist suspension: %w", err)
	}
	if err := r.tokens.DeleteBySpoke(ctx, s.SpokeID); err != nil {
		return nil, fmt.Errorf("invalidate tokens: %w", err)
	}
	if err := r.trust.SetEnabled(ctx, r.cfg.HubCode, s.InstanceCode, false); err != nil && !errors.Is(err, trust.ErrEdgeNotFound) {
		return nil, err
	}
	if err := r.trust.SetEnabled(ctx, s.InstanceCode, r.cfg.HubCode, false); err != nil && !errors.Is(err, trust.ErrEdgeNotFound) {
		return nil, err
	}

	r.emit(Event{Type: EventSuspended, SpokeID: s.SpokeID, InstanceCode: s.InstanceCode, Reason: reason, At: now})
	r.logger.Warn("spoke suspended", "spokeId", s.SpokeID, "reason", reason)
	return s, nil
}

// Revoke is terminal. The instance code becomes available for a fresh
// registration; trust edges and tokens are removed.
func (r *Registry) Revoke(ctx context.Context, spokeID, reason string) (*Spoke, error) {
	s, err := r.store.Get(ctx, spokeID)
	if err != nil {
		return nil, err
	}
	if s.Status == StatusRevoked {
		return nil, fmt.Errorf("%w: already revoked", ErrInvalidTransition)
	}

	now := r.now().UTC()
	s.Status = StatusRevoked
	s.StatusReason = reason
	s.AllowedPolicyScopes = []string{}
	s.UpdatedAt = now
	if err := r.store.Update(ctx, *s); err != nil {
		return nil, fmt.Errorf("persist revocation: %w", err)
	}
	if err := r.tokens.DeleteBySpoke(ctx, s.SpokeID); err != nil {
		return nil, fmt.Errorf("invalidate tokens: %w", err)
	}
	if err := r.trust.RemoveAll(ctx, s.InstanceCode); err != nil {
		return nil, err
	}

	r.emit(Event{Type: EventRevoked, SpokeID: s.SpokeID, InstanceCode: s.InstanceCode, Reason: reason, At: now})
	r.logger.Warn("spoke revoked", "spokeId", s.SpokeID, "reason", reason)
	return s, nil
}

// GenerateToken mints an opaque token for an approved spoke. Scopes
// are frozen to the spoke's allowed scopes at mint time.
func (r *Registry) GenerateToken(ctx context.Context, spokeID string) (*Token, error) {
	s, err := r.store.Get(ctx, spokeID)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusApproved {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotApproved, spokeID, s.Status)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	now := r.now().UTC()
	t := Token{
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		SpokeID:   s.SpokeID,
		Scopes:    append([]string(nil), s.AllowedPolicyScopes...),
		IssuedAt:  now,
		ExpiresAt: now.Add(r.cfg.TokenTTL),
	}
	if err := r.tokens.Insert(ctx, t); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}
	return &t, nil
}

// GetActiveToken returns any non-expired token for the spoke.
func (r *Registry) GetActiveToken(ctx context.Context, spokeID string) (*Token, error) {
	return r.tokens.GetActive(ctx, spokeID, r.now().UTC())
}

// ValidateToken checks an opaque token. A valid token implies its
// spoke is currently approved.
func (r *Registry) ValidateToken(ctx context.Context, token string) (*ValidationResult, error) {
	t, err := r.tokens.Get(ctx, token)
	if errors.Is(err, ErrTokenNotFound) {
		return &ValidationResult{Valid: false, Reason: "unknown token"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("token lookup: %w", err)
	}
	if !r.now().Before(t.ExpiresAt) {
		return &ValidationResult{Valid: false, Reason: "token expired"}, nil
	}
	s, err := r.store.Get(ctx, t.SpokeID)
	if errors.Is(err, ErrSpokeNotFound) {
		return &ValidationResult{Valid: false, Reason: "spoke no longer registered"}, nil
	}
	if err != nil {
		return nil, err
	}
	if s.Status != StatusApproved {
		return &ValidationResult{Valid: false, Reason: fmt.Sprintf("spoke is %s", s.Status)}, nil
	}
	return &ValidationResult{Valid: true, Spoke: s, Scopes: t.Scopes}, nil
}

// RecordHeartbeat updates the spoke's liveness signals.
func (r *Registry) RecordHeartbeat(ctx context.Context, spokeID string, stats HeartbeatStats) error {
	s, err := r.store.Get(ctx, spokeID)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	s.LastHeartbeat = now
	s.LastHeartbeatStats = &stats
	s.UpdatedAt = now
	if err := r.store.Update(ctx, *s); err != nil {
		return fmt.Errorf("persist heartbeat: %w", err)
	}
	return nil
}

// GetUnhealthy returns approved spokes whose last heartbeat is older
// than three heartbeat intervals, or that never reported one.
func (r *Registry) GetUnhealthy(ctx context.Context) ([]Spoke, error) {
	approved, err := r.store.ListByStatus(ctx, StatusApproved)
	if err != nil {
		return nil, err
	}
	maxAge := 3 * r.cfg.HeartbeatInterval
	cutoff := r.now().Add(-maxAge)
	var out []Spoke
	for _, s := range approved {
		if s.LastHeartbeat.IsZero() || s.LastHeartbeat.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Get returns one spoke by id.
func (r *Registry) Get(ctx context.Context, spokeID string) (*Spoke, error) {
	return r.store.Get(ctx, spokeID)
}

// List returns all spokes.
func (r *Registry) List(ctx context.Context) ([]Spoke, error) {
	return r.store.List(ctx)
}

// ListByStatus filters spokes by lifecycle state.
func (r *Registry) ListByStatus(ctx context.Context, status Status) ([]Spoke, error) {
	return r.store.ListByStatus(ctx, status)
}

// ApprovedScopes returns instanceCode -> allowed scopes for every
// approved spoke. The bundle builder consumes this snapshot.
func (r *Registry) ApprovedScopes(ctx context.Context) (map[string][]string, error) {
	approved, err := r.store.ListByStatus(ctx, StatusApproved)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(approved))
	for _, s := range approved {
		out[s.InstanceCode] = append([]string(nil), s.AllowedPolicyScopes...)
	}
	return out, nil
}

func (r *Registry) emit(e Event) {
	if r.onEvent != nil {
		r.onEvent(e)
	}
}

// ErrTokenNotFound is returned by token stores for unknown tokens.
var ErrTokenNotFound = errors.New("spoke token not found")
