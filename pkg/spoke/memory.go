package spoke

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store for tests and development hubs.
type MemoryStore struct {
	mu     sync.RWMutex
	spokes map[string]Spoke
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{spokes: make(map[string]Spoke)}
}

func (s *MemoryStore) Insert(_ context.Context, sp Spoke) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spokes[sp.SpokeID] = sp
	return nil
}

func (s *MemoryStore) Update(_ context.Context, sp Spoke) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spokes[sp.SpokeID]; !ok {
		return ErrSpokeNotFound
	}
	s.spokes[sp.SpokeID] = sp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, spokeID string) (*Spoke, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.spokes[spokeID]
	if !ok {
		return nil, ErrSpokeNotFound
	}
	cp := sp
	return &cp, nil
}

func (s *MemoryStore) GetByInstanceCode(_ context.Context, code string) (*Spoke, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sp := range s.spokes {
		if sp.InstanceCode == code && sp.Status != StatusRevoked {
			cp := sp
			return &cp, nil
		}
	}
	return nil, ErrSpokeNotFound
}

func (s *MemoryStore) List(_ context.Context) ([]Spoke, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Spoke, 0, len(s.spokes))
	for _, sp := range s.spokes {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpokeID < out[j].SpokeID })
	return out, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status) ([]Spoke, error) {
	all, _ := s.List(ctx)
	out := all[:0]
	for _, sp := range all {
		if sp.Status == status {
			out = append(out, sp)
		}
	}
	return out, nil
}

// MemoryTokenStore is the in-memory TokenStore.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]Token)}
}

func (s *MemoryTokenStore) Insert(_ context.Context, t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.Token] = t
	return nil
}

func (s *MemoryTokenStore) Get(_ context.Context, token string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := t
	return &cp, nil
}

func (s *MemoryTokenStore) GetActive(_ context.Context, spokeID string, now time.Time) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tokens {
		if t.SpokeID == spokeID && now.Before(t.ExpiresAt) {
			cp := t
			return &cp, nil
		}
	}
	return nil, ErrTokenNotFound
}

func (s *MemoryTokenStore) DeleteBySpoke(_ context.Context, spokeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, t := range s.tokens {
		if t.SpokeID == spokeID {
			delete(s.tokens, token)
		}
	}
	return nil
}
