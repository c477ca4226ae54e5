// Package trust maintains the directed graph of bilateral trust edges
// between federation instances. Every cross-instance call is gated on
// a Verify lookup here.
package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coalition-io/fedhub/pkg/clearance"
)

var (
	ErrInvalidEdge = errors.New("invalid trust edge")
	ErrSelfEdge    = errors.New("trust edge endpoints must differ")
)

// TrustLevel grades a bilateral relationship.
type TrustLevel string

const (
	LevelDevelopment TrustLevel = "development"
	LevelPartner     TrustLevel = "partner"
	LevelBilateral   TrustLevel = "bilateral"
	LevelCoalition   TrustLevel = "coalition"
)

// DataIsolation controls how much of a resource's metadata crosses
// the edge.
type DataIsolation string

const (
	IsolationMinimal  DataIsolation = "minimal"
	IsolationFiltered DataIsolation = "filtered"
	IsolationFull     DataIsolation = "full"
)

// Edge is one directed trust relationship. A disabled edge is
// indistinguishable from an absent one to callers of Verify.
type Edge struct {
	Source            string          `bson:"source" json:"source"`
	Target            string          `bson:"target" json:"target"`
	TrustLevel        TrustLevel      `bson:"trustLevel" json:"trustLevel"`
	MaxClassification clearance.Level `bson:"maxClassification" json:"maxClassification"`
	AllowedScopes     []string        `bson:"allowedScopes" json:"allowedScopes"`
	DataIsolation     DataIsolation   `bson:"dataIsolation" json:"dataIsolation"`
	Enabled           bool            `bson:"enabled" json:"enabled"`
	ValidFrom         time.Time       `bson:"validFrom,omitempty" json:"validFrom,omitempty"`
	ValidTo           time.Time       `bson:"validTo,omitempty" json:"validTo,omitempty"`
	UpdatedAt         time.Time       `bson:"updatedAt" json:"updatedAt"`
}

// activeAt reports whether the edge authorizes traffic at time t.
func (e *Edge) activeAt(t time.Time) bool {
	if !e.Enabled {
		return false
	}
	if !e.ValidFrom.IsZero() && t.Before(e.ValidFrom) {
		return false
	}
	if !e.ValidTo.IsZero() && t.After(e.ValidTo) {
		return false
	}
	return true
}

// Store persists trust edges.
type Store interface {
	GetEdge(ctx context.Context, source, target string) (*Edge, error)
	UpsertEdge(ctx context.Context, edge Edge) error
	DeleteEdge(ctx context.Context, source, target string) error
	// DeleteEdgesFor removes every edge touching the instance, in
	// either direction. Used on spoke revocation.
	DeleteEdgesFor(ctx context.Context, instance string) error
	ListEdges(ctx context.Context) ([]Edge, error)
}

// ErrEdgeNotFound is returned by stores for absent edges.
var ErrEdgeNotFound = errors.New("trust edge not found")

type cacheEntry struct {
	edge    *Edge // nil caches a negative lookup
	expires time.Time
}

// Registry answers trust queries with a short-lived cache in front of
// the store. Mutations invalidate affected entries before the write
// is acknowledged, so a suspension is never masked by TTL.
type Registry struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewRegistry wraps a store. ttl <= 0 selects the 30 s default.
func NewRegistry(store Store, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default().With("component", "trust"),
		cache:  make(map[string]cacheEntry),
	}
}

// NormalizeCode uppercases and trims an instance code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func cacheKey(source, target string) string {
	return source + "\x00" + target
}

// Verify returns the active edge source→target, or nil when either
// endpoint is unknown, the edge is absent, disabled, or outside its
// validity window. Self-edges never exist.
func (r *Registry) Verify(ctx context.Context, source, target string) (*Edge, error) {
	source, target = NormalizeCode(source), NormalizeCode(target)
	if source == "" || target == "" || source == target {
		return nil, nil
	}

	now := r.now()
	key := cacheKey(source, target)

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok && now.Before(entry.expires) {
		edge := entry.edge
		r.mu.Unlock()
		if edge == nil || !edge.activeAt(now) {
			return nil, nil
		}
		cp := *edge
		return &cp, nil
	}
	r.mu.Unlock()

	edge, err := r.store.GetEdge(ctx, source, target)
	if err != nil && !errors.Is(err, ErrEdgeNotFound) {
		return nil, fmt.Errorf("trust lookup %s->%s: %w", source, target, err)
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{edge: edge, expires: now.Add(r.ttl)}
	r.mu.Unlock()

	if edge == nil || !edge.activeAt(now) {
		return nil, nil
	}
	cp := *edge
	return &cp, nil
}

// Upsert writes an edge and invalidates its cache entry.
func (r *Registry) Upsert(ctx context.Context, edge Edge) error {
	edge.Source, edge.Target = NormalizeCode(edge.Source), NormalizeCode(edge.Target)
	if len(edge.Source) != 3 || len(edge.Target) != 3 {
		return fmt.Errorf("%w: codes must be alpha-3 (%q->%q)", ErrInvalidEdge, edge.Source, edge.Target)
	}
	if edge.Source == edge.Target {
		return ErrSelfEdge
	}
	if !clearance.Valid(edge.MaxClassification) {
		return fmt.Errorf("%w: unknown classification %q", ErrInvalidEdge, edge.MaxClassification)
	}
	edge.UpdatedAt = r.now().UTC()

	r.invalidate(edge.Source, edge.Target)
	if err := r.store.UpsertEdge(ctx, edge); err != nil {
		return fmt.Errorf("upsert trust edge %s->%s: %w", edge.Source, edge.Target, err)
	}
	r.logger.Info("trust edge updated",
		"source", edge.Source, "target", edge.Target,
		"level", edge.TrustLevel, "enabled", edge.Enabled)
	return nil
}

// SetEnabled toggles an existing edge without touching its grants.
// Returns ErrEdgeNotFound when no such edge exists.
func (r *Registry) SetEnabled(ctx context.Context, source, target string, enabled bool) error {
	source, target = NormalizeCode(source), NormalizeCode(target)
	edge, err := r.store.GetEdge(ctx, source, target)
	if errors.Is(err, ErrEdgeNotFound) {
		return ErrEdgeNotFound
	}
	if err != nil {
		return fmt.Errorf("trust lookup %s->%s: %w", source, target, err)
	}
	edge.Enabled = enabled
	edge.UpdatedAt = r.now().UTC()
	r.invalidate(source, target)
	if err := r.store.UpsertEdge(ctx, *edge); err != nil {
		return fmt.Errorf("toggle trust edge %s->%s: %w", source, target, err)
	}
	return nil
}

// Remove deletes one directed edge.
func (r *Registry) Remove(ctx context.Context, source, target string) error {
	source, target = NormalizeCode(source), NormalizeCode(target)
	r.invalidate(source, target)
	if err := r.store.DeleteEdge(ctx, source, target); err != nil && !errors.Is(err, ErrEdgeNotFound) {
		return fmt.Errorf("delete trust edge %s->%s: %w", source, target, err)
	}
	return nil
}

// RemoveAll deletes every edge touching the instance. The whole cache
// is dropped; revocations are rare.
func (r *Registry) RemoveAll(ctx context.Context, instance string) error {
	instance = NormalizeCode(instance)
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
	if err := r.store.DeleteEdgesFor(ctx, instance); err != nil {
		return fmt.Errorf("delete trust edges for %s: %w", instance, err)
	}
	r.logger.Info("trust edges removed", "instance", instance)
	return nil
}

// List returns all persisted edges, active or not.
func (r *Registry) List(ctx context.Context) ([]Edge, error) {
	return r.store.ListEdges(ctx)
}

func (r *Registry) invalidate(source, target string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(source, target))
	r.mu.Unlock()
}
