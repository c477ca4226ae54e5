package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coalition-io/fedhub/pkg/breaker"
	"github.com/coalition-io/fedhub/pkg/clearance"
	"github.com/coalition-io/fedhub/pkg/exchange"
)

func TestFederableInvariants(t *testing.T) {
	topSecret := Resource{
		ResourceID:     "r1",
		Classification: clearance.TopSecret,
		OriginRealm:    "USA",
		ReleasableTo:   []string{"USA", "FRA"},
	}
	assert.False(t, topSecret.Federable())

	singleCountry := Resource{
		ResourceID:     "r2",
		Classification: clearance.Secret,
		OriginRealm:    "USA",
		ReleasableTo:   []string{"USA"},
	}
	assert.False(t, singleCountry.Federable())
	assert.False(t, singleCountry.ReleasableToRealm("FRA"))

	shared := Resource{
		ResourceID:     "r3",
		Classification: clearance.Secret,
		OriginRealm:    "USA",
		ReleasableTo:   []string{"USA", "FRA"},
	}
	assert.True(t, shared.Federable())
	assert.True(t, shared.ReleasableToRealm("FRA"))
	assert.False(t, shared.ReleasableToRealm("DEU"))
}

func TestConflictResolutionOrder(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	// new resource inserts
	res, _ := Resolve(nil, Resource{ResourceID: "r", Version: 1}, "FRA")
	assert.Equal(t, ResolutionInserted, res)

	// origin authority beats any remote version
	res, reason := Resolve(
		&Resource{ResourceID: "r", OriginRealm: "FRA", Version: 1, LastModified: t1},
		Resource{ResourceID: "r", OriginRealm: "FRA", Version: 9, LastModified: t2}, "FRA")
	assert.Equal(t, ResolutionLocalWins, res)
	assert.Contains(t, reason, "origin authority")

	// higher remote version wins when local is not origin
	res, _ = Resolve(
		&Resource{ResourceID: "r", OriginRealm: "FRA", Version: 3, LastModified: t1},
		Resource{ResourceID: "r", OriginRealm: "FRA", Version: 5, LastModified: t2}, "USA")
	assert.Equal(t, ResolutionRemoteWins, res)

	// equal version falls back to lastModified
	res, _ = Resolve(
		&Resource{ResourceID: "r", OriginRealm: "FRA", Version: 3, LastModified: t1},
		Resource{ResourceID: "r", OriginRealm: "FRA", Version: 3, LastModified: t2}, "USA")
	assert.Equal(t, ResolutionRemoteWins, res)

	res, _ = Resolve(
		&Resource{ResourceID: "r", OriginRealm: "FRA", Version: 3, LastModified: t2},
		Resource{ResourceID: "r", OriginRealm: "FRA", Version: 3, LastModified: t1}, "USA")
	assert.Equal(t, ResolutionLocalWins, res)

	// stale remote version loses
	res, _ = Resolve(
		&Resource{ResourceID: "r", OriginRealm: "FRA", Version: 5, LastModified: t2},
		Resource{ResourceID: "r", OriginRealm: "FRA", Version: 3, LastModified: t1}, "USA")
	assert.Equal(t, ResolutionLocalWins, res)
}

func TestLockLeaseExpiryFreesPair(t *testing.T) {
	locks := NewMemoryLockStore()
	now := time.Now()
	locks.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := locks.Acquire(ctx, "USA->FRA", "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = locks.Acquire(ctx, "USA->FRA", "worker-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// same holder renews its own lease
	ok, err = locks.Acquire(ctx, "USA->FRA", "worker-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// expired lease is free for the taking
	now = now.Add(2 * time.Minute)
	ok, err = locks.Acquire(ctx, "USA->FRA", "worker-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidatorRejectsBadPayloads(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	decode := func(raw string) any {
		var payload any
		require.NoError(t, json.Unmarshal([]byte(raw), &payload))
		return payload
	}

	good := `{"correlationId":"c1","sourceRealm":"USA","resources":[
		{"resourceId":"r1","classification":"SECRET","originRealm":"USA",
		 "version":1,"lastModified":"2026-03-01T10:00:00Z","releasabilityTo":["FRA","USA"]}]}`
	assert.NoError(t, v.Validate(decode(good)))

	// TOP_SECRET never crosses the wire
	topSecret := `{"correlationId":"c1","sourceRealm":"USA","resources":[
		{"resourceId":"r1","classification":"TOP_SECRET","originRealm":"USA",
		 "version":1,"lastModified":"2026-03-01T10:00:00Z"}]}`
	assert.Error(t, v.Validate(decode(topSecret)))

	badRealm := `{"correlationId":"c1","sourceRealm":"usa","resources":[]}`
	assert.Error(t, v.Validate(decode(badRealm)))

	missing := `{"sourceRealm":"USA","resources":[]}`
	assert.Error(t, v.Validate(decode(missing)))
}

type peerHarness struct {
	server   *httptest.Server
	pushes   []PushRequest
	pullSet  []Resource
	pushFail bool
}

func newPeerHarness() *peerHarness {
	h := &peerHarness{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /federation/resources", func(w http.ResponseWriter, r *http.Request) {
		if h.pushFail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req PushRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		h.pushes = append(h.pushes, req)
		outcomes := make([]PushOutcome, 0, len(req.Resources))
		for _, res := range req.Resources {
			outcomes = append(outcomes, PushOutcome{ResourceID: res.ResourceID, Accepted: true})
		}
		_ = json.NewEncoder(w).Encode(PushResponse{Outcomes: outcomes})
	})
	mux.HandleFunc("GET /federation/resources", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(PullResponse{Resources: h.pullSet})
	})
	h.server = httptest.NewServer(mux)
	return h
}

func newTestSyncer(t *testing.T, peerURL string, store ResourceStore) (*Syncer, *MemorySyncLog) {
	t.Helper()
	keys, err := exchange.NewInMemoryKeySet()
	require.NoError(t, err)
	issuer := exchange.NewTokenIssuer(keys, "FRA", []string{"federation-sync"})
	res := exchange.NewStaticResolver([]exchange.Peer{{Code: "USA", BaseURL: peerURL}})
	client := NewPeerClient("FRA", res, issuer, nil)
	breakers := breaker.NewManager(breaker.Config{}, nil)
	log := NewMemorySyncLog()
	s := NewSyncer(SyncerConfig{LocalRealm: "FRA", Peers: []string{"USA"}},
		store, log, NewMemoryLockStore(), client, breakers, nil)
	return s, log
}

func TestSyncCycleCountersBalance(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	store := NewMemoryResourceStore()
	ctx := context.Background()

	// local resource eligible for push
	require.NoError(t, store.Upsert(ctx, Resource{
		ResourceID:     "local-1",
		Classification: clearance.Secret,
		OriginRealm:    "FRA",
		ReleasableTo:   []string{"FRA", "USA"},
		Version:        1,
		LastModified:   t1,
	}, 0))
	// stale import that the remote has advanced (S6 shape)
	require.NoError(t, store.Upsert(ctx, Resource{
		ResourceID:     "shared-1",
		Classification: clearance.Secret,
		OriginRealm:    "USA",
		ReleasableTo:   []string{"FRA", "USA"},
		Version:        3,
		LastModified:   t1,
		ImportedFrom:   "USA",
	}, 0))
	// local-origin resource the peer also returns; origin authority holds
	require.NoError(t, store.Upsert(ctx, Resource{
		ResourceID:     "fra-owned",
		Classification: clearance.Confidential,
		OriginRealm:    "FRA",
		ReleasableTo:   []string{"FRA", "USA"},
		Version:        7,
		LastModified:   t2,
	}, 0))

	peer := newPeerHarness()
	defer peer.server.Close()
	peer.pullSet = []Resource{
		{ResourceID: "new-1", Classification: clearance.Secret, OriginRealm: "USA",
			ReleasableTo: []string{"FRA", "USA"}, Version: 1, LastModified: t2},
		{ResourceID: "shared-1", Classification: clearance.Secret, OriginRealm: "USA",
			ReleasableTo: []string{"FRA", "USA"}, Version: 5, LastModified: t2},
		{ResourceID: "fra-owned", Classification: clearance.Confidential, OriginRealm: "FRA",
			ReleasableTo: []string{"FRA", "USA"}, Version: 9, LastModified: t2},
	}

	syncer, log := newTestSyncer(t, peer.server.URL, store)
	result, err := syncer.SyncPair(ctx, "USA")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Synced)     // new-1 inserted
	assert.Equal(t, 1, result.Updated)    // shared-1 remote wins
	assert.Equal(t, 1, result.Conflicted) // fra-owned local wins
	assert.Equal(t, result.Synced+result.Updated+result.Conflicted, len(peer.pullSet))
	assert.False(t, result.Partial)

	// eligible local resources were pushed and marked synced
	require.Len(t, peer.pushes, 1)
	assert.Equal(t, "FRA", peer.pushes[0].SourceRealm)
	assert.Equal(t, 2, result.Pushed) // local-1 and fra-owned

	updated, err := store.Get(ctx, "shared-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), updated.Version)
	assert.Equal(t, "USA", updated.ImportedFrom)

	inserted, err := store.Get(ctx, "new-1")
	require.NoError(t, err)
	assert.Equal(t, "USA", inserted.ImportedFrom)

	owned, err := store.Get(ctx, "fra-owned")
	require.NoError(t, err)
	assert.Equal(t, int64(7), owned.Version)

	results, err := log.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, result.CorrelationID, results[0].CorrelationID)
	require.Len(t, results[0].Conflicts, 2) // shared-1 remote_wins, fra-owned local_wins
}

func TestSyncCyclePartialOnPushFailure(t *testing.T) {
	store := NewMemoryResourceStore()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, Resource{
		ResourceID:     "local-1",
		Classification: clearance.Secret,
		OriginRealm:    "FRA",
		ReleasableTo:   []string{"FRA", "USA"},
		Version:        1,
	}, 0))

	peer := newPeerHarness()
	defer peer.server.Close()
	peer.pushFail = true

	syncer, log := newTestSyncer(t, peer.server.URL, store)
	result, err := syncer.SyncPair(ctx, "USA")
	require.Error(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Partial)
	assert.NotEmpty(t, result.Error)

	// the partial result is still logged
	results, err := log.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Partial)
}

func TestSyncPairHeldLockCoalesces(t *testing.T) {
	store := NewMemoryResourceStore()
	peer := newPeerHarness()
	defer peer.server.Close()

	syncer, _ := newTestSyncer(t, peer.server.URL, store)

	// another worker holds the pair's lease
	held, err := syncer.locks.Acquire(context.Background(), pairKey("FRA", "USA"), "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	_, err = syncer.SyncPair(context.Background(), "USA")
	assert.ErrorIs(t, err, ErrSyncInFlight)
}
