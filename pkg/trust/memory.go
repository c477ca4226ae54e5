package trust

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the in-memory Store used by tests and single-node
// development hubs.
type MemoryStore struct {
	mu    sync.RWMutex
	edges map[string]Edge
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{edges: make(map[string]Edge)}
}

func (s *MemoryStore) GetEdge(_ context.Context, source, target string) (*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	edge, ok := s.edges[cacheKey(source, target)]
	if !ok {
		return nil, ErrEdgeNotFound
	}
	cp := edge
	return &cp, nil
}

func (s *MemoryStore) UpsertEdge(_ context.Context, edge Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[cacheKey(edge.Source, edge.Target)] = edge
	return nil
}

func (s *MemoryStore) DeleteEdge(_ context.Context, source, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cacheKey(source, target)
	if _, ok := s.edges[key]; !ok {
		return ErrEdgeNotFound
	}
	delete(s.edges, key)
	return nil
}

func (s *MemoryStore) DeleteEdgesFor(_ context.Context, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, edge := range s.edges {
		if edge.Source == instance || edge.Target == instance {
			delete(s.edges, key)
		}
	}
	return nil
}

func (s *MemoryStore) ListEdges(_ context.Context) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Edge, 0, len(s.edges))
	for _, edge := range s.edges {
		out = append(out, edge)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out, nil
}
