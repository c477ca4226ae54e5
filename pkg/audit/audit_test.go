package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrailFillsIdentityAndTimestamp(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store)
	trail.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	id := trail.Record(context.Background(), Entry{
		Subject: "alice@usa", Action: "token_exchange",
		Origin: "USA", Target: "FRA", Outcome: OutcomeAllowed,
	})
	require.NotEmpty(t, id)

	got, err := store.BySubject(context.Background(), "alice@usa", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].AuditID)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), got[0].Timestamp)
}

func TestTrailNilSafe(t *testing.T) {
	var trail *Trail
	assert.Equal(t, "pre-set", trail.Record(context.Background(), Entry{AuditID: "pre-set"}))
}

func TestMemoryStoreNewestFirstWithLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, Entry{
			AuditID: string(rune('a' + i)), Subject: "s", ResourceID: "r-1",
		}))
	}

	got, err := store.BySubject(ctx, "s", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e", got[0].AuditID)

	byRes, err := store.ByResource(ctx, "r-1", 0)
	require.NoError(t, err)
	assert.Len(t, byRes, 5)
}

func TestExporterPack(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, Entry{
		AuditID: "a-1", Subject: "alice@usa", Action: "introspect", Outcome: OutcomeDenied,
	}))

	pack, checksum, err := NewExporter(store).GeneratePack(ctx, ExportRequest{Subject: "alice@usa"})
	require.NoError(t, err)
	require.NotEmpty(t, checksum)

	zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["events.json"])
	assert.True(t, names["manifest.json"])

	for _, f := range zr.File {
		if f.Name != "manifest.json" {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		var manifest map[string]any
		require.NoError(t, json.NewDecoder(rc).Decode(&manifest))
		require.NoError(t, rc.Close())
		assert.Equal(t, checksum, manifest["checksum"])
		assert.EqualValues(t, 1, manifest["entryCount"])
	}
}

func TestExporterValidation(t *testing.T) {
	_, _, err := NewExporter(NewMemoryStore()).GeneratePack(context.Background(), ExportRequest{})
	assert.ErrorIs(t, err, ErrEmptySubject)

	_, _, err = NewExporter(nil).GeneratePack(context.Background(), ExportRequest{Subject: "s"})
	assert.ErrorIs(t, err, ErrStoreNotConfigured)
}
