// Package audit records every cross-instance decision: token
// exchanges, introspections, federation pushes, and spoke lifecycle
// transitions. Entries are append-only and queryable by subject or
// resource.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome values for Entry.Outcome.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// Entry is one recorded decision. Retention is the store's concern;
// the Mongo implementation expires entries via a TTL index.
type Entry struct {
	AuditID       string    `bson:"auditId" json:"auditId"`
	Timestamp     time.Time `bson:"timestamp" json:"timestamp"`
	Subject       string    `bson:"subject,omitempty" json:"subject,omitempty"`
	ResourceID    string    `bson:"resourceId,omitempty" json:"resourceId,omitempty"`
	Action        string    `bson:"action" json:"action"`
	Origin        string    `bson:"origin,omitempty" json:"origin,omitempty"`
	Target        string    `bson:"target,omitempty" json:"target,omitempty"`
	Outcome       string    `bson:"outcome" json:"outcome"`
	Detail        string    `bson:"detail,omitempty" json:"detail,omitempty"`
	CorrelationID string    `bson:"correlationId,omitempty" json:"correlationId,omitempty"`
}

// Store persists the trail.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	BySubject(ctx context.Context, subject string, limit int) ([]Entry, error)
	ByResource(ctx context.Context, resourceID string, limit int) ([]Entry, error)
}

// Trail is the recording facade handed to the engines. A nil Trail is
// safe to call, so wiring stays unconditional.
type Trail struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewTrail(store Store) *Trail {
	return &Trail{
		store:  store,
		logger: slog.Default().With("component", "audit"),
		now:    time.Now,
	}
}

// Record fills in the audit id and timestamp when absent, appends the
// entry, and mirrors it to the structured log. Store failures are
// logged, never propagated: losing one audit row must not fail the
// request it describes.
func (t *Trail) Record(ctx context.Context, entry Entry) string {
	if t == nil {
		return entry.AuditID
	}
	if entry.AuditID == "" {
		entry.AuditID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.now().UTC()
	}

	t.logger.Info("audit",
		"auditId", entry.AuditID,
		"action", entry.Action,
		"subject", entry.Subject,
		"origin", entry.Origin,
		"target", entry.Target,
		"outcome", entry.Outcome,
		"correlationId", entry.CorrelationID)

	if t.store != nil {
		if err := t.store.Append(ctx, entry); err != nil {
			t.logger.Error("audit append failed", "auditId", entry.AuditID, "error", err)
		}
	}
	return entry.AuditID
}

// MemoryStore keeps the trail in memory, newest first.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append([]Entry{entry}, s.entries...)
	return nil
}

func (s *MemoryStore) BySubject(_ context.Context, subject string, limit int) ([]Entry, error) {
	return s.filter(func(e Entry) bool { return e.Subject == subject }, limit), nil
}

func (s *MemoryStore) ByResource(_ context.Context, resourceID string, limit int) ([]Entry, error) {
	return s.filter(func(e Entry) bool { return e.ResourceID == resourceID }, limit), nil
}

func (s *MemoryStore) filter(keep func(Entry) bool, limit int) []Entry {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}
