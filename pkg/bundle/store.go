package bundle

import (
	"context"
	"sync"
	"time"
)

// VersionStore allocates the daily build sequence. Implementations
// must be atomic: two concurrent builds on the same day receive
// distinct, increasing sequence numbers.
type VersionStore interface {
	NextSequence(ctx context.Context, day string) (int, error)
}

// ArtifactStore is the content-addressed blob store for built
// bundles. Put with an existing hash is a no-op.
type ArtifactStore interface {
	Put(ctx context.Context, hash string, blob []byte) error
	Get(ctx context.Context, hash string) ([]byte, error)
	Has(ctx context.Context, hash string) (bool, error)
}

// CurrentPointer is the durable "current bundle" record.
type CurrentPointer struct {
	BundleID  string    `bson:"bundleId" json:"bundleId"`
	Version   string    `bson:"version" json:"version"`
	Hash      string    `bson:"hash" json:"hash"`
	Scopes    []string  `bson:"scopes" json:"scopes"`
	Signed    bool      `bson:"signed" json:"signed"`
	SignedAt  time.Time `bson:"signedAt,omitempty" json:"signedAt,omitempty"`
	SignedBy  string    `bson:"signedBy,omitempty" json:"signedBy,omitempty"`
	Manifest  Manifest  `bson:"manifest" json:"manifest"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// CurrentStore persists the current pointer. SetCurrent must reject
// version regressions so the pointer is strictly monotonic.
type CurrentStore interface {
	GetCurrent(ctx context.Context) (*CurrentPointer, error)
	SetCurrent(ctx context.Context, p CurrentPointer) error
}

// MemoryVersionStore counts sequences per day in memory.
type MemoryVersionStore struct {
	mu   sync.Mutex
	seqs map[string]int
}

func NewMemoryVersionStore() *MemoryVersionStore {
	return &MemoryVersionStore{seqs: make(map[string]int)}
}

func (s *MemoryVersionStore) NextSequence(_ context.Context, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[day]++
	return s.seqs[day], nil
}

// MemoryArtifactStore keeps blobs in memory.
type MemoryArtifactStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{blobs: make(map[string][]byte)}
}

func (s *MemoryArtifactStore) Put(_ context.Context, hash string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[hash]; ok {
		return nil
	}
	s.blobs[hash] = append([]byte(nil), blob...)
	return nil
}

func (s *MemoryArtifactStore) Get(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[hash]
	if !ok {
		return nil, ErrBundleNotFound
	}
	return append([]byte(nil), blob...), nil
}

func (s *MemoryArtifactStore) Has(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[hash]
	return ok, nil
}

// MemoryCurrentStore holds the current pointer in memory.
type MemoryCurrentStore struct {
	mu      sync.RWMutex
	current *CurrentPointer
}

func NewMemoryCurrentStore() *MemoryCurrentStore {
	return &MemoryCurrentStore{}
}

func (s *MemoryCurrentStore) GetCurrent(_ context.Context) (*CurrentPointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, ErrBundleNotFound
	}
	cp := *s.current
	return &cp, nil
}

func (s *MemoryCurrentStore) SetCurrent(_ context.Context, p CurrentPointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && CompareVersions(p.Version, s.current.Version) <= 0 {
		return ErrStaleVersion
	}
	s.current = &p
	return nil
}
