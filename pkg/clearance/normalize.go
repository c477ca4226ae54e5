package clearance

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Confidence describes how a national term matched a canonical level.
type Confidence string

const (
	ConfidenceExact    Confidence = "exact"    // term is already canonical
	ConfidenceMapped   Confidence = "mapped"   // term found in the equivalency table
	ConfidenceFallback Confidence = "fallback" // unknown term, collapsed to UNCLASSIFIED
)

// Result is the outcome of normalizing a national clearance term.
type Result struct {
	Normalized Level      `json:"normalized"`
	Country    string     `json:"country"`
	Confidence Confidence `json:"confidence"`
}

// FoldTerm reduces a national term to its lookup form: NFC-normalized,
// diacritics stripped, uppercased, separators collapsed to underscore.
func FoldTerm(term string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, term)
	if err != nil {
		folded = term
	}
	folded = strings.ToUpper(strings.TrimSpace(folded))
	folded = strings.NewReplacer(" ", "_", "-", "_").Replace(folded)
	for strings.Contains(folded, "__") {
		folded = strings.ReplaceAll(folded, "__", "_")
	}
	return folded
}

// Resolver answers clearance normalization queries from an immutable
// snapshot of the equivalency table. Snapshots are swapped whole on
// update so lookups never observe a half-applied country.
type Resolver struct {
	mu sync.RWMutex
	// country -> folded national term -> canonical level
	byCountry map[string]map[string]Level
	// canonical level -> country -> ordered national terms
	terms map[Level]map[string][]string
}

// NewResolver builds a resolver from a set of equivalency mappings.
func NewResolver(mappings []Mapping) *Resolver {
	r := &Resolver{}
	r.Reload(mappings)
	return r
}

// Reload replaces the resolver's snapshot atomically.
func (r *Resolver) Reload(mappings []Mapping) {
	byCountry := make(map[string]map[string]Level)
	terms := make(map[Level]map[string][]string)
	for _, m := range mappings {
		terms[m.StandardLevel] = make(map[string][]string)
		for country, ct := range m.Countries {
			code := strings.ToUpper(country)
			if byCountry[code] == nil {
				byCountry[code] = make(map[string]Level)
			}
			for _, term := range ct.Terms {
				byCountry[code][FoldTerm(term)] = m.StandardLevel
			}
			terms[m.StandardLevel][code] = append([]string(nil), ct.Terms...)
		}
	}
	r.mu.Lock()
	r.byCountry = byCountry
	r.terms = terms
	r.mu.Unlock()
}

// Normalize maps a national clearance term to a canonical level.
// Unknown terms never fail: they collapse to UNCLASSIFIED with
// fallback confidence.
func (r *Resolver) Normalize(term, country string) Result {
	code := strings.ToUpper(strings.TrimSpace(country))
	folded := FoldTerm(term)

	if Valid(Level(folded)) {
		return Result{Normalized: Level(folded), Country: code, Confidence: ConfidenceExact}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if national, ok := r.byCountry[code]; ok {
		if level, ok := national[folded]; ok {
			return Result{Normalized: level, Country: code, Confidence: ConfidenceMapped}
		}
	}
	return Result{Normalized: Unclassified, Country: code, Confidence: ConfidenceFallback}
}

// NationalTerm returns the preferred national term for a canonical
// level in a country, or the canonical name when no mapping exists.
func (r *Resolver) NationalTerm(level Level, country string) string {
	code := strings.ToUpper(strings.TrimSpace(country))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if byCountry, ok := r.terms[level]; ok {
		if ts := byCountry[code]; len(ts) > 0 {
			return ts[0]
		}
	}
	return string(level)
}
