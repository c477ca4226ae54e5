package bundle

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSource() Source {
	return NewMapSource(map[string][]SourceFile{
		"policy:base": {
			{Path: "base/main.rego", Content: []byte("package base\nallow = false\n")},
			{Path: "base/data.json", Content: []byte(`{"x":1}`)},
		},
		"policy:fvey": {
			{Path: "fvey/releasability.rego", Content: []byte("package fvey\n")},
		},
		"policy:usa": {
			{Path: "usa/national.rego", Content: []byte("package usa\n")},
		},
	})
}

func newTestBuilder(t *testing.T, sign bool) *Builder {
	t.Helper()
	var signer *Signer
	if sign {
		var err error
		signer, err = NewSigner("hub-signing-1")
		require.NoError(t, err)
	}
	return NewBuilder(testSource(), NewMemoryVersionStore(), NewMemoryArtifactStore(),
		NewMemoryCurrentStore(), signer, nil)
}

func TestBuildIncludesBaseScopeAlways(t *testing.T) {
	b := newTestBuilder(t, false)
	built, err := b.Build(context.Background(), BuildOptions{Scopes: []string{"policy:fvey"}})
	require.NoError(t, err)

	assert.Contains(t, built.Scopes, BaseScope)
	assert.Equal(t, 3, built.FileCount)
	assert.Equal(t, []string{BaseScope, "policy:fvey"}, built.Manifest.Roots)
}

func TestBuildUnknownScopeContributesNothing(t *testing.T) {
	b := newTestBuilder(t, false)
	withUnknown, err := b.Build(context.Background(), BuildOptions{Scopes: []string{"policy:nonexistent"}})
	require.NoError(t, err)

	baseOnly, err := b.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, baseOnly.Hash, withUnknown.Hash)
}

func TestBuildDeterministicHashMonotonicVersion(t *testing.T) {
	b := newTestBuilder(t, true)
	b.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	opts := BuildOptions{Scopes: []string{"policy:base", "policy:fvey"}, Sign: true}

	first, err := b.Build(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, "2026.03.01-001", first.Version)
	assert.True(t, first.Signed)
	assert.Equal(t, "hub-signing-1", first.SignedBy)
	assert.Equal(t, "bundle-"+first.Hash[:12], first.BundleID)

	second, err := b.Build(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, "2026.03.01-002", second.Version)
}

func TestBuildSequenceRestartsPerDay(t *testing.T) {
	b := newTestBuilder(t, false)
	ctx := context.Background()

	b.now = func() time.Time { return time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC) }
	first, err := b.Build(ctx, BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2026.03.01-001", first.Version)

	b.now = func() time.Time { return time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC) }
	next, err := b.Build(ctx, BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2026.03.02-001", next.Version)
}

func TestSingleFileChangeChangesHash(t *testing.T) {
	files := []SourceFile{
		{Path: "base/a.rego", Content: []byte("package a\n")},
		{Path: "base/b.rego", Content: []byte("package b\n")},
	}
	baseline := HashFiles(files)

	changed := []SourceFile{
		{Path: "base/a.rego", Content: []byte("package a\n")},
		{Path: "base/b.rego", Content: []byte("package b2\n")},
	}
	assert.NotEqual(t, baseline, HashFiles(changed))
}

func TestHashIsDeterministicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("same files same hash", prop.ForAll(
		func(paths []string) bool {
			files := make([]SourceFile, len(paths))
			for i, p := range paths {
				files[i] = SourceFile{Path: p, Content: []byte(p + "-content")}
			}
			return HashFiles(files) == HashFiles(files)
		},
		gen.SliceOf(gen.AlphaString()),
	))
	properties.Property("appending a file changes the hash", prop.ForAll(
		func(paths []string) bool {
			files := make([]SourceFile, len(paths))
			for i, p := range paths {
				files[i] = SourceFile{Path: "p/" + p, Content: []byte(p)}
			}
			extended := append(append([]SourceFile(nil), files...),
				SourceFile{Path: "zz/extra", Content: []byte("extra")})
			return HashFiles(files) != HashFiles(extended)
		},
		gen.SliceOf(gen.AlphaString()),
	))
	properties.TestingRun(t)
}

func TestSignedBuildWithoutKeyFails(t *testing.T) {
	b := newTestBuilder(t, false)
	_, err := b.Build(context.Background(), BuildOptions{Sign: true})
	require.ErrorIs(t, err, ErrNoSigningKey)
}

func TestSignatureVerifies(t *testing.T) {
	signer, err := NewSigner("k1")
	require.NoError(t, err)
	b := NewBuilder(testSource(), NewMemoryVersionStore(), NewMemoryArtifactStore(),
		NewMemoryCurrentStore(), signer, nil)

	built, err := b.Build(context.Background(), BuildOptions{Sign: true})
	require.NoError(t, err)

	ok, err := Verify(signer.PublicKey(), built.Signature, built.Hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(signer.PublicKey(), built.Signature, "tampered")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCurrentPointerMonotonic(t *testing.T) {
	store := NewMemoryCurrentStore()
	ctx := context.Background()

	require.NoError(t, store.SetCurrent(ctx, CurrentPointer{Version: "2026.03.01-002", Hash: "a"}))
	err := store.SetCurrent(ctx, CurrentPointer{Version: "2026.03.01-001", Hash: "b"})
	require.ErrorIs(t, err, ErrStaleVersion)

	// next day dominates
	require.NoError(t, store.SetCurrent(ctx, CurrentPointer{Version: "2026.03.02-001", Hash: "c"}))
	current, err := store.GetCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", current.Hash)
}

func TestBuildWithInlineData(t *testing.T) {
	data := func(context.Context) (map[string][]byte, error) {
		return map[string][]byte{
			"data/trusted_issuers.json": []byte(`{"issuers":[]}`),
		}, nil
	}
	b := NewBuilder(testSource(), NewMemoryVersionStore(), NewMemoryArtifactStore(),
		NewMemoryCurrentStore(), nil, data)

	built, err := b.Build(context.Background(), BuildOptions{IncludeData: true})
	require.NoError(t, err)
	assert.Equal(t, 3, built.FileCount)

	var found bool
	for _, f := range built.Manifest.Files {
		if f.Path == "data/trusted_issuers.json" {
			found = true
		}
	}
	assert.True(t, found)
}
