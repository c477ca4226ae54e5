package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coalition-io/fedhub/pkg/breaker"
	"github.com/coalition-io/fedhub/pkg/clearance"
	"github.com/coalition-io/fedhub/pkg/trust"
)

type testFixture struct {
	engine    *Engine
	trust     *trust.Registry
	events    []Event
	introHits *atomic.Int64
	tokenHits *atomic.Int64
}

func introspectionHandler(hits *atomic.Int64, active bool, claims map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body := map[string]any{"active": active}
		for k, v := range claims {
			body[k] = v
		}
		_ = json.NewEncoder(w).Encode(body)
	}
}

func tokenHandler(hits *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "minted-token",
			"token_type":   "Bearer",
			"expires_in":   300,
			"scope":        r.FormValue("scope"),
		})
	}
}

func newFixture(t *testing.T, originURL, targetURL string) *testFixture {
	t.Helper()

	tr := trust.NewRegistry(trust.NewMemoryStore(), time.Minute)
	breakers := breaker.NewManager(breaker.Config{FailureThreshold: 3, FailureWindow: time.Minute,
		RecoveryTimeout: 30 * time.Second, SuccessThreshold: 2, HalfOpenPercentage: 50}, nil)
	resolver := NewStaticResolver([]Peer{
		{Code: "USA", BaseURL: originURL, ClientID: "hub", ClientSecret: "secret"},
		{Code: "FRA", BaseURL: targetURL, ClientID: "hub", ClientSecret: "secret"},
	})
	keys, err := NewInMemoryKeySet()
	require.NoError(t, err)
	issuer := NewTokenIssuer(keys, "HUB", []string{"token-exchange"})
	clr := clearance.NewResolver(clearance.DefaultMappings())

	f := &testFixture{trust: tr, introHits: &atomic.Int64{}, tokenHits: &atomic.Int64{}}
	f.engine = NewEngine(Config{InstanceCode: "HUB"}, tr, breakers, resolver, issuer, nil, clr, nil,
		func(ev Event) { f.events = append(f.events, ev) })
	return f
}

func (f *testFixture) addEdge(t *testing.T, source, target string, max clearance.Level, scopes []string) {
	t.Helper()
	require.NoError(t, f.trust.Upsert(context.Background(), trust.Edge{
		Source:            source,
		Target:            target,
		TrustLevel:        trust.LevelBilateral,
		MaxClassification: max,
		AllowedScopes:     scopes,
		DataIsolation:     trust.IsolationFiltered,
		Enabled:           true,
	}))
}

func TestIntrospectRejectsSelfAndUnknown(t *testing.T) {
	f := newFixture(t, "http://unused", "http://unused")

	result := f.engine.Introspect(context.Background(), "tok", "USA", "usa", "req-1")
	assert.False(t, result.Active)
	assert.Contains(t, result.Error, "same")

	result = f.engine.Introspect(context.Background(), "tok", "UNKNOWN", "USA", "req-2")
	assert.False(t, result.Active)
	assert.Equal(t, "unknown instance", result.Error)

	require.Len(t, f.events, 2)
	assert.Equal(t, EventIntrospectionFailed, f.events[0].Type)
}

func TestIntrospectRequiresBilateralTrust(t *testing.T) {
	f := newFixture(t, "http://unused", "http://unused")

	result := f.engine.Introspect(context.Background(), "tok", "USA", "FRA", "req-1")
	assert.False(t, result.Active)
	assert.False(t, result.TrustVerified)
	assert.Equal(t, "No bilateral trust", result.Error)
}

func TestIntrospectCachesBothOutcomes(t *testing.T) {
	hits := &atomic.Int64{}
	origin := httptest.NewServer(introspectionHandler(hits, true, map[string]any{"sub": "alice"}))
	defer origin.Close()

	f := newFixture(t, origin.URL, "http://unused")
	f.introHits = hits
	f.addEdge(t, "FRA", "USA", clearance.Secret, nil)

	first := f.engine.Introspect(context.Background(), "tok", "USA", "FRA", "req-1")
	require.True(t, first.Active)
	assert.True(t, first.TrustVerified)
	assert.Equal(t, "alice", first.Claims["sub"])
	assert.Equal(t, int64(1), hits.Load())

	// within the TTL the origin is not called again
	second := f.engine.Introspect(context.Background(), "tok", "USA", "FRA", "req-2")
	assert.True(t, second.Active)
	assert.True(t, second.TrustVerified)
	assert.Equal(t, int64(1), hits.Load())

	// a different token misses the cache
	f.engine.Introspect(context.Background(), "other", "USA", "FRA", "req-3")
	assert.Equal(t, int64(2), hits.Load())
}

func TestIntrospectCacheExpires(t *testing.T) {
	hits := &atomic.Int64{}
	origin := httptest.NewServer(introspectionHandler(hits, false, nil))
	defer origin.Close()

	f := newFixture(t, origin.URL, "http://unused")
	f.addEdge(t, "FRA", "USA", clearance.Secret, nil)

	now := time.Now()
	f.engine.now = func() time.Time { return now }

	inactive := f.engine.Introspect(context.Background(), "tok", "USA", "FRA", "req-1")
	assert.False(t, inactive.Active)
	assert.True(t, inactive.TrustVerified)
	assert.Equal(t, int64(1), hits.Load())

	// inactive results are cached too
	f.engine.Introspect(context.Background(), "tok", "USA", "FRA", "req-2")
	assert.Equal(t, int64(1), hits.Load())

	now = now.Add(6 * time.Second)
	f.engine.Introspect(context.Background(), "tok", "USA", "FRA", "req-3")
	assert.Equal(t, int64(2), hits.Load())
}

func TestIntrospectInvalidationDropsOriginEntries(t *testing.T) {
	hits := &atomic.Int64{}
	origin := httptest.NewServer(introspectionHandler(hits, true, nil))
	defer origin.Close()

	f := newFixture(t, origin.URL, "http://unused")
	f.addEdge(t, "FRA", "USA", clearance.Secret, nil)

	f.engine.Introspect(context.Background(), "tok", "USA", "FRA", "req-1")
	require.Equal(t, int64(1), hits.Load())

	f.engine.InvalidateOrigin("USA")
	f.engine.Introspect(context.Background(), "tok", "USA", "FRA", "req-2")
	assert.Equal(t, int64(2), hits.Load())
}

func TestIntrospectRecordsBreakerFailures(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer origin.Close()

	f := newFixture(t, origin.URL, "http://unused")
	f.addEdge(t, "FRA", "USA", clearance.Secret, nil)

	for i := 0; i < 3; i++ {
		result := f.engine.Introspect(context.Background(), fmt.Sprintf("tok-%d", i), "USA", "FRA", "req")
		assert.False(t, result.Active)
		assert.Contains(t, result.Error, "502")
	}

	// three failures within the window trip the origin's breaker
	tripped := f.engine.Introspect(context.Background(), "tok-x", "USA", "FRA", "req")
	assert.False(t, tripped.Active)
	assert.Contains(t, tripped.Error, "circuit breaker open")
}

func TestExchangeWithoutTrust(t *testing.T) {
	f := newFixture(t, "http://unused", "http://unused")

	result := f.engine.Exchange(context.Background(), ExchangeRequest{
		SubjectToken:   "tok",
		OriginInstance: "USA",
		TargetInstance: "UNKNOWN",
		RequestID:      "req-1",
	})

	assert.False(t, result.Success)
	assert.Equal(t, "invalid_grant", result.Error)
	assert.Contains(t, result.ErrorDescription, "No bilateral trust")
	assert.Equal(t, "USA", result.OriginInstance)
	assert.Equal(t, "UNKNOWN", result.TargetInstance)
	_, err := uuid.Parse(result.AuditID)
	assert.NoError(t, err)
}

func TestExchangeHappyPath(t *testing.T) {
	introHits, tokenHits := &atomic.Int64{}, &atomic.Int64{}
	origin := httptest.NewServer(introspectionHandler(introHits, true, map[string]any{
		"sub": "alice", "clearance": "SECRET", "countryOfAffiliation": "USA",
	}))
	defer origin.Close()
	target := httptest.NewServer(tokenHandler(tokenHits))
	defer target.Close()

	f := newFixture(t, origin.URL, target.URL)
	f.addEdge(t, "USA", "FRA", clearance.Secret, []string{"policy:base", "policy:fvey"})
	f.addEdge(t, "FRA", "USA", clearance.Secret, []string{"policy:base"})

	result := f.engine.Exchange(context.Background(), ExchangeRequest{
		SubjectToken:    "tok",
		OriginInstance:  "USA",
		TargetInstance:  "FRA",
		RequestedScopes: []string{"policy:fvey", "policy:nato"},
		RequestID:       "req-1",
	})

	require.True(t, result.Success, result.ErrorDescription)
	assert.Equal(t, "minted-token", result.AccessToken)
	assert.Equal(t, int64(300), result.ExpiresIn)
	assert.Equal(t, []string{"policy:fvey"}, result.Scopes)
	assert.Equal(t, int64(1), tokenHits.Load())

	// The completion event carries the call latency for metric export.
	require.Len(t, f.events, 1)
	assert.Equal(t, EventExchangeCompleted, f.events[0].Type)
	assert.GreaterOrEqual(t, f.events[0].LatencyMs, int64(0))
}

func TestExchangeEmptyScopeRequestGrantsAllAllowed(t *testing.T) {
	introHits, tokenHits := &atomic.Int64{}, &atomic.Int64{}
	origin := httptest.NewServer(introspectionHandler(introHits, true, nil))
	defer origin.Close()
	target := httptest.NewServer(tokenHandler(tokenHits))
	defer target.Close()

	f := newFixture(t, origin.URL, target.URL)
	f.addEdge(t, "USA", "FRA", clearance.Secret, []string{"policy:base", "policy:fvey"})
	f.addEdge(t, "FRA", "USA", clearance.Secret, nil)

	result := f.engine.Exchange(context.Background(), ExchangeRequest{
		SubjectToken:   "tok",
		OriginInstance: "USA",
		TargetInstance: "FRA",
	})

	require.True(t, result.Success)
	assert.Equal(t, []string{"policy:base", "policy:fvey"}, result.Scopes)
}

func TestExchangeRejectsEmptyScopeIntersection(t *testing.T) {
	introHits := &atomic.Int64{}
	origin := httptest.NewServer(introspectionHandler(introHits, true, nil))
	defer origin.Close()

	f := newFixture(t, origin.URL, "http://unused")
	f.addEdge(t, "USA", "FRA", clearance.Secret, []string{"policy:base"})
	f.addEdge(t, "FRA", "USA", clearance.Secret, nil)

	result := f.engine.Exchange(context.Background(), ExchangeRequest{
		SubjectToken:    "tok",
		OriginInstance:  "USA",
		TargetInstance:  "FRA",
		RequestedScopes: []string{"policy:nato"},
	})

	assert.False(t, result.Success)
	assert.Equal(t, "invalid_scope", result.Error)
}

func TestExchangeEnforcesClassificationCeiling(t *testing.T) {
	introHits := &atomic.Int64{}
	origin := httptest.NewServer(introspectionHandler(introHits, true, map[string]any{
		"clearance": "TOP_SECRET", "countryOfAffiliation": "USA",
	}))
	defer origin.Close()

	f := newFixture(t, origin.URL, "http://unused")
	f.addEdge(t, "USA", "FRA", clearance.Secret, nil)
	f.addEdge(t, "FRA", "USA", clearance.TopSecret, nil)

	result := f.engine.Exchange(context.Background(), ExchangeRequest{
		SubjectToken:   "tok",
		OriginInstance: "USA",
		TargetInstance: "FRA",
	})

	assert.False(t, result.Success)
	assert.Equal(t, "invalid_grant", result.Error)
	assert.Contains(t, result.ErrorDescription, "exceeds trust ceiling")
}

func TestExchangeInactiveSubjectToken(t *testing.T) {
	introHits := &atomic.Int64{}
	origin := httptest.NewServer(introspectionHandler(introHits, false, nil))
	defer origin.Close()

	f := newFixture(t, origin.URL, "http://unused")
	f.addEdge(t, "USA", "FRA", clearance.Secret, nil)
	f.addEdge(t, "FRA", "USA", clearance.Secret, nil)

	result := f.engine.Exchange(context.Background(), ExchangeRequest{
		SubjectToken:   "tok",
		OriginInstance: "USA",
		TargetInstance: "FRA",
	})

	assert.False(t, result.Success)
	assert.Equal(t, "invalid_grant", result.Error)
}

func TestFederationTokenClaims(t *testing.T) {
	keys, err := NewInMemoryKeySet()
	require.NoError(t, err)
	issuer := NewTokenIssuer(keys, "HUB", []string{"token-exchange", "federation-sync"})

	raw, err := issuer.Mint(context.Background(), "FRA")
	require.NoError(t, err)

	var claims FederationClaims
	parsed, err := jwt.ParseWithClaims(raw, &claims, keys.KeyFunc())
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	assert.Equal(t, "HUB", claims.Issuer)
	assert.Equal(t, "HUB-federation-service", claims.Subject)
	assert.Equal(t, jwt.ClaimStrings{"FRA"}, claims.Audience)
	assert.Equal(t, "HUB", claims.Realm)
	assert.Equal(t, FederationVersion, claims.FederationVersion)
	assert.Contains(t, claims.Capabilities, "token-exchange")
	assert.LessOrEqual(t, claims.ExpiresAt.Sub(claims.IssuedAt.Time), 5*time.Minute)
}

func TestCompatibleVersion(t *testing.T) {
	ok, err := CompatibleVersion("1.0.0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CompatibleVersion("2.0.0")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = CompatibleVersion("")
	assert.Error(t, err)

	_, err = CompatibleVersion("not-a-version")
	assert.Error(t, err)
}

func TestJWKSCacheHonorsMaxAge(t *testing.T) {
	keys, err := NewInMemoryKeySet()
	require.NoError(t, err)
	doc := keys.JWKS()
	require.NotEmpty(t, doc.Keys)
	kid := doc.Keys[0].Kid

	fetches := &atomic.Int64{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Cache-Control", "public, max-age=60")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	defer server.Close()

	resolver := NewStaticResolver([]Peer{{Code: "USA", BaseURL: server.URL}})
	cache := NewJWKSCache(nil, resolver)

	now := time.Now()
	cache.now = func() time.Time { return now }

	_, err = cache.Key(context.Background(), "USA", kid)
	require.NoError(t, err)
	_, err = cache.Key(context.Background(), "USA", kid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fetches.Load())

	now = now.Add(61 * time.Second)
	_, err = cache.Key(context.Background(), "USA", kid)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fetches.Load())

	_, err = cache.Key(context.Background(), "USA", "no-such-kid")
	assert.Error(t, err)
}

func TestCacheTTLParsing(t *testing.T) {
	assert.Equal(t, 60*time.Second, cacheTTL("public, max-age=60"))
	assert.Equal(t, defaultJWKSTTL, cacheTTL(""))
	assert.Equal(t, defaultJWKSTTL, cacheTTL("no-store"))
	assert.Equal(t, defaultJWKSTTL, cacheTTL("max-age=garbage"))
}

func TestAdmissionDropsOnDeadline(t *testing.T) {
	gate := NewAdmission(1)
	require.NoError(t, gate.Acquire(context.Background()))
	assert.Equal(t, 1, gate.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := gate.Acquire(ctx)
	assert.ErrorIs(t, err, ErrNoCapacity)

	gate.Release()
	require.NoError(t, gate.Acquire(context.Background()))
}
