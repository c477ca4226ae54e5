package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Manager owns one breaker per outbound target and runs the monitor
// loop that promotes open breakers after their recovery timeout.
type Manager struct {
	cfg     Config
	onEvent func(Event)
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager creates a manager applying cfg to every new target.
func NewManager(cfg Config, onEvent func(Event)) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		onEvent:  onEvent,
		logger:   slog.Default().With("component", "breaker"),
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a target, creating it closed on first
// use.
func (m *Manager) For(target string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[target]
	if !ok {
		b = New(target, m.cfg, m.emit)
		m.breakers[target] = b
	}
	return b
}

// Run drives the monitor loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			all := make([]*Breaker, 0, len(m.breakers))
			for _, b := range m.breakers {
				all = append(all, b)
			}
			m.mu.Unlock()
			for _, b := range all {
				b.tick()
			}
		}
	}
}

// Snapshots returns the state of every known breaker, sorted by
// target for stable output.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	all := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		all = append(all, b)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(all))
	for _, b := range all {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

func (m *Manager) emit(e Event) {
	m.logger.Info("breaker event", "type", e.Type, "target", e.Target, "reason", e.Reason)
	if m.onEvent != nil {
		m.onEvent(e)
	}
}
