// Package clearance defines the canonical clearance lattice and the
// per-country equivalency mappings used to translate national
// classification terms into canonical levels.
package clearance

// Level is a canonical clearance level.
type Level string

const (
	Unclassified Level = "UNCLASSIFIED"
	Restricted   Level = "RESTRICTED"
	Confidential Level = "CONFIDENTIAL"
	Secret       Level = "SECRET"
	TopSecret    Level = "TOP_SECRET"
)

// ranks imposes the total order over the canonical set.
var ranks = map[Level]int{
	Unclassified: 0,
	Restricted:   1,
	Confidential: 2,
	Secret:       3,
	TopSecret:    4,
}

// Levels returns all canonical levels in ascending order.
func Levels() []Level {
	return []Level{Unclassified, Restricted, Confidential, Secret, TopSecret}
}

// Valid reports whether l is a canonical level.
func Valid(l Level) bool {
	_, ok := ranks[l]
	return ok
}

// Rank returns the ordinal of l within the lattice. Unknown levels
// rank below UNCLASSIFIED so they never dominate anything.
func Rank(l Level) int {
	if r, ok := ranks[l]; ok {
		return r
	}
	return -1
}

// Dominates reports whether a is at or above b in the lattice.
func Dominates(a, b Level) bool {
	return Rank(a) >= Rank(b)
}

// Min returns the lower of two levels.
func Min(a, b Level) Level {
	if Rank(a) <= Rank(b) {
		return a
	}
	return b
}
