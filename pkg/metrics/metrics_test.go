package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProviderDisabledRecordsNothing(t *testing.T) {
	p, err := NewProvider(context.Background(), OTelConfig{})
	assert.NoError(t, err)

	// Instruments are nil when export is off; Record must stay a no-op
	// so call sites never guard on configuration.
	p.RecordRequest(context.Background(), "token_exchange", "FRA", errors.New("denied"), 12*time.Millisecond)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestCounterPerLabelSet(t *testing.T) {
	s := NewStore()
	s.Inc("introspections", map[string]string{"origin": "USA"})
	s.Inc("introspections", map[string]string{"origin": "USA"})
	s.Inc("introspections", map[string]string{"origin": "FRA"})

	assert.Equal(t, 2.0, s.Counter("introspections", map[string]string{"origin": "USA"}))
	assert.Equal(t, 1.0, s.Counter("introspections", map[string]string{"origin": "FRA"}))
	assert.Equal(t, 0.0, s.Counter("introspections", map[string]string{"origin": "DEU"}))
}

func TestLabelKeyOrderIndependent(t *testing.T) {
	a := labelKey("m", map[string]string{"a": "1", "b": "2"})
	b := labelKey("m", map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, a, b)
}

func TestGaugeAndHistogram(t *testing.T) {
	s := NewStore()
	s.SetGauge("connected_spokes", nil, 4)
	assert.Equal(t, 4.0, s.Gauge("connected_spokes", nil))

	s.Observe("latency_ms", nil, 12)
	s.Observe("latency_ms", nil, 30)
	snap := s.Snapshot()
	h := snap.Histograms["latency_ms"]
	assert.Equal(t, uint64(2), h.Count)
	assert.Equal(t, 42.0, h.Sum)
}

func TestHealthNoTrafficIsHealthy(t *testing.T) {
	h := NewHealthScorer()
	report := h.Score()
	assert.Equal(t, 100.0, report.AuthorizationHealth)
	assert.Equal(t, 100.0, report.ConnectivityHealth)
	assert.Equal(t, 100.0, report.PolicySyncHealth)
	assert.Equal(t, StatusHealthy, report.Status)
}

func TestHealthAuthorizationRatio(t *testing.T) {
	h := NewHealthScorer()
	for i := 0; i < 8; i++ {
		h.RecordAuthorization(true)
	}
	h.RecordAuthorization(false)
	h.RecordAuthorization(false)

	report := h.Score()
	assert.Equal(t, 80.0, report.AuthorizationHealth)
	assert.Equal(t, 80.0, report.Overall)
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestHealthPolicySyncStreak(t *testing.T) {
	h := NewHealthScorer()
	for i := 0; i < 3; i++ {
		h.RecordPolicySync(false)
	}
	report := h.Score()
	assert.Equal(t, 40.0, report.PolicySyncHealth)
	assert.Equal(t, StatusUnhealthy, report.Status)

	// one success resets the streak
	h.RecordPolicySync(true)
	report = h.Score()
	assert.Equal(t, 100.0, report.PolicySyncHealth)

	// score floors at zero
	for i := 0; i < 10; i++ {
		h.RecordPolicySync(false)
	}
	assert.Equal(t, 0.0, h.Score().PolicySyncHealth)
}

func TestHealthWindowPruning(t *testing.T) {
	h := NewHealthScorer()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }

	h.RecordAuthorization(false)
	h.RecordAuthorization(false)

	// observations age out of the 5-minute window
	h.now = func() time.Time { return base.Add(6 * time.Minute) }
	report := h.Score()
	assert.Equal(t, 100.0, report.AuthorizationHealth)
}

func TestOverallIsMinimum(t *testing.T) {
	h := NewHealthScorer()
	h.RecordAuthorization(true)
	h.RecordHeartbeat(false)
	report := h.Score()
	assert.Equal(t, 100.0, report.AuthorizationHealth)
	assert.Equal(t, 0.0, report.ConnectivityHealth)
	assert.Equal(t, 0.0, report.Overall)
	assert.Equal(t, StatusUnhealthy, report.Status)
}
