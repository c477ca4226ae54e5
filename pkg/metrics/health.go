package metrics

import (
	"sync"
	"time"
)

// HealthStatus buckets the overall score.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"   // >= 90
	StatusDegraded  HealthStatus = "degraded"  // >= 60
	StatusUnhealthy HealthStatus = "unhealthy" // below
)

// HealthReport is the derived federation health document.
type HealthReport struct {
	AuthorizationHealth float64      `json:"authorizationHealth"`
	ConnectivityHealth  float64      `json:"connectivityHealth"`
	PolicySyncHealth    float64      `json:"policySyncHealth"`
	Overall             float64      `json:"overall"`
	Status              HealthStatus `json:"status"`
	WindowSeconds       int          `json:"windowSeconds"`
	GeneratedAt         time.Time    `json:"generatedAt"`
}

type observation struct {
	at time.Time
	ok bool
}

// HealthScorer derives a rolling score from authorization,
// connectivity, and policy-sync signals over a five minute window.
type HealthScorer struct {
	mu             sync.Mutex
	window         time.Duration
	authorizations []observation
	heartbeats     []observation
	syncFailures   int // consecutive
	now            func() time.Time
}

func NewHealthScorer() *HealthScorer {
	return &HealthScorer{
		window: 5 * time.Minute,
		now:    time.Now,
	}
}

// RecordAuthorization feeds one authorization outcome.
func (h *HealthScorer) RecordAuthorization(ok bool) {
	h.mu.Lock()
	h.authorizations = append(h.authorizations, observation{at: h.now(), ok: ok})
	h.mu.Unlock()
}

// RecordHeartbeat feeds one spoke heartbeat outcome.
func (h *HealthScorer) RecordHeartbeat(ok bool) {
	h.mu.Lock()
	h.heartbeats = append(h.heartbeats, observation{at: h.now(), ok: ok})
	h.mu.Unlock()
}

// RecordPolicySync feeds one policy sync outcome. Failures count
// consecutively; any success resets the streak.
func (h *HealthScorer) RecordPolicySync(ok bool) {
	h.mu.Lock()
	if ok {
		h.syncFailures = 0
	} else {
		h.syncFailures++
	}
	h.mu.Unlock()
}

func prune(obs []observation, cutoff time.Time) []observation {
	kept := obs[:0]
	for _, o := range obs {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	return kept
}

func ratio(obs []observation) float64 {
	if len(obs) == 0 {
		return 100
	}
	good := 0
	for _, o := range obs {
		if o.ok {
			good++
		}
	}
	return 100 * float64(good) / float64(len(obs))
}

// Score computes the current report. Overall is the minimum of the
// component scores.
func (h *HealthScorer) Score() HealthReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	cutoff := now.Add(-h.window)
	h.authorizations = prune(h.authorizations, cutoff)
	h.heartbeats = prune(h.heartbeats, cutoff)

	report := HealthReport{
		AuthorizationHealth: ratio(h.authorizations),
		ConnectivityHealth:  ratio(h.heartbeats),
		PolicySyncHealth:    max(0, 100-20*float64(h.syncFailures)),
		WindowSeconds:       int(h.window.Seconds()),
		GeneratedAt:         now.UTC(),
	}
	report.Overall = report.AuthorizationHealth
	if report.ConnectivityHealth < report.Overall {
		report.Overall = report.ConnectivityHealth
	}
	if report.PolicySyncHealth < report.Overall {
		report.Overall = report.PolicySyncHealth
	}
	switch {
	case report.Overall >= 90:
		report.Status = StatusHealthy
	case report.Overall >= 60:
		report.Status = StatusDegraded
	default:
		report.Status = StatusUnhealthy
	}
	return report
}
