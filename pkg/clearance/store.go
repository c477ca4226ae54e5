package clearance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrMappingNotFound = errors.New("clearance mapping not found")
	ErrInvalidMapping  = errors.New("invalid clearance mapping")
)

// CountryTerms carries the national vocabulary for one canonical level
// in one country.
type CountryTerms struct {
	Terms       []string `bson:"terms" json:"terms"`
	MFARequired bool     `bson:"mfaRequired" json:"mfaRequired"`
	AALLevel    int      `bson:"aalLevel" json:"aalLevel"`
	ACRLevel    string   `bson:"acrLevel" json:"acrLevel"`
	Description string   `bson:"description,omitempty" json:"description,omitempty"`
}

// Mapping is one canonical level's equivalency record across all
// supported countries. Persisted keyed by StandardLevel.
type Mapping struct {
	StandardLevel Level                   `bson:"standardLevel" json:"standardLevel"`
	Countries     map[string]CountryTerms `bson:"countries" json:"countries"`
	UpdatedAt     time.Time               `bson:"updatedAt" json:"updatedAt"`
}

// Store persists the equivalency table.
type Store interface {
	GetMapping(ctx context.Context, level Level) (*Mapping, error)
	ListMappings(ctx context.Context) ([]Mapping, error)
	// UpsertCountry replaces one country's terms across all five
	// canonical levels in a single logical update.
	UpsertCountry(ctx context.Context, country string, levels map[Level]CountryTerms) error
}

// ValidateCountry checks a proposed per-country update: all five
// canonical levels present, and no national term claimed by more than
// one level.
func ValidateCountry(country string, levels map[Level]CountryTerms) error {
	if len(country) != 3 {
		return fmt.Errorf("%w: country %q is not alpha-3", ErrInvalidMapping, country)
	}
	seen := make(map[string]Level)
	for _, canonical := range Levels() {
		ct, ok := levels[canonical]
		if !ok {
			return fmt.Errorf("%w: country %s missing level %s", ErrInvalidMapping, country, canonical)
		}
		for _, term := range ct.Terms {
			folded := FoldTerm(term)
			if prev, dup := seen[folded]; dup && prev != canonical {
				return fmt.Errorf("%w: term %q mapped to both %s and %s", ErrInvalidMapping, term, prev, canonical)
			}
			seen[folded] = canonical
		}
	}
	return nil
}

// MemoryStore is the in-memory Store used by tests and by hubs
// running without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	mappings map[Level]*Mapping
}

func NewMemoryStore(seed []Mapping) *MemoryStore {
	s := &MemoryStore{mappings: make(map[Level]*Mapping)}
	for i := range seed {
		m := seed[i]
		s.mappings[m.StandardLevel] = &m
	}
	return s
}

func (s *MemoryStore) GetMapping(_ context.Context, level Level) (*Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[level]
	if !ok {
		return nil, ErrMappingNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMappings(_ context.Context) ([]Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Mapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		return Rank(out[i].StandardLevel) < Rank(out[j].StandardLevel)
	})
	return out, nil
}

func (s *MemoryStore) UpsertCountry(_ context.Context, country string, levels map[Level]CountryTerms) error {
	if err := ValidateCountry(country, levels); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for canonical, ct := range levels {
		m, ok := s.mappings[canonical]
		if !ok {
			m = &Mapping{StandardLevel: canonical, Countries: make(map[string]CountryTerms)}
			s.mappings[canonical] = m
		}
		if m.Countries == nil {
			m.Countries = make(map[string]CountryTerms)
		}
		m.Countries[country] = ct
		m.UpdatedAt = now
	}
	return nil
}
