package federation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ResourceStore persists federation resources. Upsert carries the
// version the caller read so concurrent writers cannot silently
// overwrite each other.
type ResourceStore interface {
	Get(ctx context.Context, resourceID string) (*Resource, error)
	// Upsert writes the resource if the stored version still equals
	// expectedVersion (0 means "must not exist yet").
	Upsert(ctx context.Context, r Resource, expectedVersion int64) error
	// ListEligible returns local-origin resources releasable to the
	// given peer realm.
	ListEligible(ctx context.Context, localRealm, peerRealm string) ([]Resource, error)
	// ListReleasable serves inbound pull queries from peers.
	ListReleasable(ctx context.Context, releasableTo, excludeOrigin string) ([]Resource, error)
	SetPeerSync(ctx context.Context, resourceID, peerRealm string, status PeerSync) error
	List(ctx context.Context) ([]Resource, error)
}

// SyncLogStore appends completed cycle results. Backends enforce the
// retention window.
type SyncLogStore interface {
	Append(ctx context.Context, result SyncResult) error
	Recent(ctx context.Context, limit int) ([]SyncResult, error)
}

// LockStore hands out leased per-pair sync locks. An expired lease is
// free for the taking so a crashed worker cannot wedge the pair.
type LockStore interface {
	Acquire(ctx context.Context, pair string, holder string, lease time.Duration) (bool, error)
	Release(ctx context.Context, pair string, holder string) error
}

// MemoryResourceStore is the in-memory ResourceStore.
type MemoryResourceStore struct {
	mu        sync.RWMutex
	resources map[string]Resource
}

func NewMemoryResourceStore() *MemoryResourceStore {
	return &MemoryResourceStore{resources: make(map[string]Resource)}
}

func (s *MemoryResourceStore) Get(_ context.Context, resourceID string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[resourceID]
	if !ok {
		return nil, ErrResourceNotFound
	}
	cp := r
	return &cp, nil
}

func (s *MemoryResourceStore) Upsert(_ context.Context, r Resource, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.resources[r.ResourceID]
	if !ok && expectedVersion != 0 {
		return ErrVersionConflict
	}
	if ok && existing.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.resources[r.ResourceID] = r
	return nil
}

func (s *MemoryResourceStore) ListEligible(_ context.Context, localRealm, peerRealm string) ([]Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Resource
	for _, r := range s.resources {
		if r.OriginRealm == localRealm && r.ReleasableToRealm(peerRealm) {
			out = append(out, r)
		}
	}
	sortResources(out)
	return out, nil
}

func (s *MemoryResourceStore) ListReleasable(_ context.Context, releasableTo, excludeOrigin string) ([]Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Resource
	for _, r := range s.resources {
		if r.OriginRealm == excludeOrigin {
			continue
		}
		if r.ReleasableToRealm(releasableTo) {
			out = append(out, r)
		}
	}
	sortResources(out)
	return out, nil
}

func (s *MemoryResourceStore) SetPeerSync(_ context.Context, resourceID, peerRealm string, status PeerSync) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[resourceID]
	if !ok {
		return ErrResourceNotFound
	}
	if r.SyncStatus == nil {
		r.SyncStatus = make(map[string]PeerSync)
	}
	r.SyncStatus[peerRealm] = status
	s.resources[resourceID] = r
	return nil
}

func (s *MemoryResourceStore) List(_ context.Context) ([]Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r)
	}
	sortResources(out)
	return out, nil
}

func sortResources(rs []Resource) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ResourceID < rs[j].ResourceID })
}

// MemorySyncLog keeps the newest results first.
type MemorySyncLog struct {
	mu      sync.Mutex
	results []SyncResult
}

func NewMemorySyncLog() *MemorySyncLog {
	return &MemorySyncLog{}
}

func (l *MemorySyncLog) Append(_ context.Context, result SyncResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append([]SyncResult{result}, l.results...)
	return nil
}

func (l *MemorySyncLog) Recent(_ context.Context, limit int) ([]SyncResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.results) {
		limit = len(l.results)
	}
	out := make([]SyncResult, limit)
	copy(out, l.results[:limit])
	return out, nil
}

type lease struct {
	holder  string
	expires time.Time
}

// MemoryLockStore implements leased locks in memory.
type MemoryLockStore struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{leases: make(map[string]lease), now: time.Now}
}

func (s *MemoryLockStore) Acquire(_ context.Context, pair, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.leases[pair]
	if ok && current.holder != holder && s.now().Before(current.expires) {
		return false, nil
	}
	s.leases[pair] = lease{holder: holder, expires: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryLockStore) Release(_ context.Context, pair, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.leases[pair]; ok && current.holder == holder {
		delete(s.leases, pair)
	}
	return nil
}
