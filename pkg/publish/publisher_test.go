package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coalition-io/fedhub/pkg/bundle"
	"github.com/coalition-io/fedhub/pkg/spoke"
	"github.com/coalition-io/fedhub/pkg/trust"
)

type fakePlane struct {
	bundles   []BundleNotice
	data      map[string][]json.RawMessage
	refreshes int
	failUntil int // refresh attempts that fail before succeeding
	attempts  int
}

func newFakePlane() *fakePlane {
	return &fakePlane{data: make(map[string][]json.RawMessage)}
}

func (f *fakePlane) PublishBundle(_ context.Context, n BundleNotice) error {
	f.bundles = append(f.bundles, n)
	return nil
}

func (f *fakePlane) PublishData(_ context.Context, path string, data json.RawMessage, _ string) error {
	f.data[path] = append(f.data[path], data)
	return nil
}

func (f *fakePlane) TriggerRefresh(_ context.Context) error {
	f.attempts++
	if f.attempts <= f.failUntil {
		return errors.New("data plane unavailable")
	}
	f.refreshes++
	return nil
}

func newTestPublisher(plane DataPlane) (*Publisher, *bundle.MemoryCurrentStore) {
	current := bundle.NewMemoryCurrentStore()
	p := NewPublisher(current, plane, nil)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p, current
}

func TestSpokeApprovalRebuildsAndPublishesBundle(t *testing.T) {
	ctx := context.Background()
	plane := newFakePlane()

	store := spoke.NewMemoryStore()
	require.NoError(t, store.Insert(ctx, spoke.Spoke{
		SpokeID: "spoke-1", InstanceCode: "FRA", Status: spoke.StatusApproved,
		AllowedPolicyScopes: []string{"policy:fvey"},
	}))
	spokes := spoke.NewRegistry(spoke.Config{HubCode: "HUB"}, store,
		spoke.NewMemoryTokenStore(), trust.NewRegistry(trust.NewMemoryStore(), time.Second), nil)

	current := bundle.NewMemoryCurrentStore()
	builder := bundle.NewBuilder(
		bundle.NewMapSource(map[string][]bundle.SourceFile{
			bundle.BaseScope: {{Path: "base/main.rego", Content: []byte("package base")}},
			"policy:fvey":    {{Path: "fvey/rules.rego", Content: []byte("package fvey")}},
		}),
		bundle.NewMemoryVersionStore(), bundle.NewMemoryArtifactStore(), current, nil, nil)

	p := NewPublisher(current, plane, spokes)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	rebuilds := 0
	p.SetRebuild(func(ctx context.Context) error {
		rebuilds++
		_, err := builder.Build(ctx, bundle.BuildOptions{Scopes: []string{"policy:fvey"}})
		return err
	})

	require.NoError(t, p.HandleSpokeEvent(ctx, spoke.Event{
		Type: spoke.EventApproved, SpokeID: "spoke-1", InstanceCode: "FRA"}))

	assert.Equal(t, 1, rebuilds)
	require.Len(t, plane.bundles, 1)
	assert.NotEmpty(t, plane.bundles[0].Version)
	assert.Contains(t, plane.bundles[0].Scopes, "policy:fvey")
	require.Len(t, plane.data[TrustedIssuersPath], 1)
	assert.Equal(t, 1, plane.refreshes)

	// Non-approval transitions republish issuers without a rebuild.
	require.NoError(t, p.HandleSpokeEvent(ctx, spoke.Event{
		Type: spoke.EventSuspended, SpokeID: "spoke-1", InstanceCode: "FRA"}))
	assert.Equal(t, 1, rebuilds)
	assert.Len(t, plane.bundles, 1)
}

func TestPublishCurrentBundle(t *testing.T) {
	plane := newFakePlane()
	p, current := newTestPublisher(plane)

	require.NoError(t, current.SetCurrent(context.Background(), bundle.CurrentPointer{
		BundleID: "bundle-abc",
		Version:  "2026.03.01-001",
		Hash:     "abc",
		Scopes:   []string{"policy:base"},
		SignedBy: "hub-signing-1",
	}))

	notice, err := p.Publish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2026.03.01-001", notice.Version)
	require.Len(t, plane.bundles, 1)
	assert.Equal(t, "abc", plane.bundles[0].Hash)
}

func TestPublishWithoutCurrentBundle(t *testing.T) {
	p, _ := newTestPublisher(newFakePlane())
	_, err := p.Publish(context.Background())
	require.ErrorIs(t, err, bundle.ErrBundleNotFound)
}

func TestPublishInlineDataIdempotent(t *testing.T) {
	plane := newFakePlane()
	p, _ := newTestPublisher(plane)
	ctx := context.Background()

	changed, err := p.PublishInlineData(ctx, "data/matrix.json", []byte(`{"b":2,"a":1}`), "initial")
	require.NoError(t, err)
	assert.True(t, changed)

	// key order differs but canonical form is equal
	changed, err = p.PublishInlineData(ctx, "data/matrix.json", []byte(`{"a":1,"b":2}`), "repeat")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, plane.data["data/matrix.json"], 1)

	changed, err = p.PublishInlineData(ctx, "data/matrix.json", []byte(`{"a":1,"b":3}`), "update")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, plane.data["data/matrix.json"], 2)
}

func TestTriggerRefreshRetriesWithBackoff(t *testing.T) {
	plane := newFakePlane()
	plane.failUntil = 3
	p, _ := newTestPublisher(plane)

	var delays []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	require.NoError(t, p.TriggerRefresh(context.Background()))
	assert.Equal(t, 1, plane.refreshes)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, delays)
}

func TestTriggerRefreshGivesUpAfterMaxAttempts(t *testing.T) {
	plane := newFakePlane()
	plane.failUntil = 100
	p, _ := newTestPublisher(plane)

	err := p.TriggerRefresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 5 attempts")
	assert.Equal(t, 5, plane.attempts)
}

func TestTriggerRefreshStopsOnContextCancel(t *testing.T) {
	plane := newFakePlane()
	plane.failUntil = 100
	p, _ := newTestPublisher(plane)
	p.sleep = func(ctx context.Context, _ time.Duration) error { return context.Canceled }

	err := p.TriggerRefresh(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, plane.attempts)
}
