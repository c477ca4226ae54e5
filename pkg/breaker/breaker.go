// Package breaker implements the per-target circuit breaker that
// gates every outbound call to a peer hub or spoke, including the
// degraded-mode and maintenance-mode admission rules.
package breaker

import (
	"math/rand"
	"sync"
	"time"
)

// State is the breaker state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

// Mode is the derived operational mode exposed to health endpoints.
type Mode string

const (
	ModeNormal      Mode = "normal"
	ModeDegraded    Mode = "degraded"    // open, cached policy still valid
	ModeOffline     Mode = "offline"     // open, cache expired
	ModeMaintenance Mode = "maintenance" // explicit override
)

// EventType enumerates breaker lifecycle events.
type EventType string

const (
	EventOpened             EventType = "circuitOpened"
	EventClosed             EventType = "circuitClosed"
	EventForcedOpen         EventType = "circuitForcedOpen"
	EventForcedClosed       EventType = "circuitForcedClosed"
	EventMaintenanceEntered EventType = "maintenanceEntered"
	EventMaintenanceExited  EventType = "maintenanceExited"
)

// Event is emitted on state transitions.
type Event struct {
	Type   EventType
	Target string
	Reason string
	At     time.Time
}

// Config tunes one breaker. Zero values select the defaults.
type Config struct {
	FailureThreshold   int           // failures in window to open (3)
	FailureWindow      time.Duration // sliding window (60s)
	RecoveryTimeout    time.Duration // open -> half-open delay (30s)
	SuccessThreshold   int           // half-open -> closed count (2)
	HalfOpenPercentage int           // admission percentage in half-open (50)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 60 * time.Second
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.HalfOpenPercentage <= 0 || c.HalfOpenPercentage > 100 {
		c.HalfOpenPercentage = 50
	}
	return c
}

// Breaker is one per-target state machine. All methods are safe for
// concurrent use; none of them performs I/O.
type Breaker struct {
	mu     sync.Mutex
	target string
	cfg    Config

	state     State
	failures  []time.Time
	successes int

	lastFailure time.Time
	lastSuccess time.Time
	openedAt    time.Time

	offlineSince      time.Time
	policyCacheExpiry time.Time

	maintenance       bool
	maintenanceReason string

	now     func() time.Time
	admitFn func(pct int) bool
	onEvent func(Event)
}

// New creates a closed breaker for a target.
func New(target string, cfg Config, onEvent func(Event)) *Breaker {
	return &Breaker{
		target:  target,
		cfg:     cfg.withDefaults(),
		state:   StateClosed,
		now:     time.Now,
		admitFn: func(pct int) bool { return rand.Intn(100) < pct },
		onEvent: onEvent,
	}
}

// ShouldAllow decides admission for one outbound request. In the open
// state the recovery timer is checked lazily, so a stalled monitor
// loop never wedges the breaker open forever.
func (b *Breaker) ShouldAllow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maintenance {
		return false
	}

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.toHalfOpenLocked()
			return b.admitFn(b.cfg.HalfOpenPercentage)
		}
		return false
	case StateHalfOpen:
		return b.admitFn(b.cfg.HalfOpenPercentage)
	}
	return false
}

// RecordSuccess commits a successful call outcome. Only half-open
// successes count toward closing.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maintenance {
		return
	}
	now := b.now()
	b.lastSuccess = now

	if b.state != StateHalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.cfg.SuccessThreshold {
		b.state = StateClosed
		b.failures = nil
		b.successes = 0
		b.offlineSince = time.Time{}
		b.emit(EventClosed, "recovered")
	}
}

// RecordFailure commits a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maintenance {
		return
	}
	now := b.now()
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.openLocked(now, "failure threshold reached")
		}
	case StateHalfOpen:
		// a single probe failure restarts the recovery timer
		b.openLocked(now, "half-open probe failed")
	case StateOpen:
		// not counted; the window only observes closed-state traffic
	}
}

// ForceOpen trips the breaker immediately. The failure window is
// cleared so a later half-open probe starts from a clean count.
func (b *Breaker) ForceOpen(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openLocked(b.now(), reason)
	b.failures = nil
	b.emit(EventForcedOpen, reason)
}

// ForceClose resets the breaker to closed.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = nil
	b.successes = 0
	b.offlineSince = time.Time{}
	b.emit(EventForcedClosed, "")
}

// EnterMaintenance blocks all requests until ExitMaintenance. Success
// and failure recording are no-ops while in maintenance.
func (b *Breaker) EnterMaintenance(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maintenance = true
	b.maintenanceReason = reason
	b.emit(EventMaintenanceEntered, reason)
}

// ExitMaintenance lifts the maintenance override.
func (b *Breaker) ExitMaintenance() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maintenance = false
	b.maintenanceReason = ""
	b.emit(EventMaintenanceExited, "")
}

// SetPolicyCacheExpiry records until when locally cached policy can
// serve degraded-mode traffic.
func (b *Breaker) SetPolicyCacheExpiry(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policyCacheExpiry = t
}

// State returns the current state machine position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OperationalMode derives the externally visible mode.
func (b *Breaker) OperationalMode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maintenance {
		return ModeMaintenance
	}
	if b.state == StateOpen {
		if !b.policyCacheExpiry.IsZero() && b.now().Before(b.policyCacheExpiry) {
			return ModeDegraded
		}
		return ModeOffline
	}
	return ModeNormal
}

// Snapshot is a point-in-time view for health reporting.
type Snapshot struct {
	Target            string    `json:"target"`
	State             State     `json:"state"`
	Mode              Mode      `json:"mode"`
	RecentFailures    int       `json:"recentFailures"`
	LastFailure       time.Time `json:"lastFailure,omitempty"`
	LastSuccess       time.Time `json:"lastSuccess,omitempty"`
	OfflineSince      time.Time `json:"offlineSince,omitempty"`
	MaintenanceReason string    `json:"maintenanceReason,omitempty"`
}

// Snapshot captures the breaker state for reporting.
func (b *Breaker) Snapshot() Snapshot {
	mode := b.OperationalMode()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return Snapshot{
		Target:            b.target,
		State:             b.state,
		Mode:              mode,
		RecentFailures:    len(b.failures),
		LastFailure:       b.lastFailure,
		LastSuccess:       b.lastSuccess,
		OfflineSince:      b.offlineSince,
		MaintenanceReason: b.maintenanceReason,
	}
}

// tick promotes an open breaker whose recovery timeout elapsed. Called
// by the manager's monitor loop.
func (b *Breaker) tick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maintenance || b.state != StateOpen {
		return
	}
	if b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.toHalfOpenLocked()
	}
}

func (b *Breaker) openLocked(now time.Time, reason string) {
	wasOpen := b.state == StateOpen
	b.state = StateOpen
	b.openedAt = now
	b.successes = 0
	if b.offlineSince.IsZero() {
		b.offlineSince = now
	}
	if !wasOpen {
		b.emit(EventOpened, reason)
	}
}

func (b *Breaker) toHalfOpenLocked() {
	b.state = StateHalfOpen
	b.successes = 0
}

// pruneLocked drops failures outside (now-window, now].
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

func (b *Breaker) emit(t EventType, reason string) {
	if b.onEvent == nil {
		return
	}
	b.onEvent(Event{Type: t, Target: b.target, Reason: reason, At: b.now()})
}
