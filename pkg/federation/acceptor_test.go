package federation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coalition-io/fedhub/pkg/clearance"
)

func TestAcceptorInsertUpdateReject(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryResourceStore()

	// Local FRA-origin resource: origin authority must hold.
	require.NoError(t, store.Upsert(ctx, Resource{
		ResourceID: "fra-owned", OriginRealm: "FRA", Version: 2,
		Classification: clearance.Secret, ReleasableTo: []string{"FRA", "USA"},
		LastModified: time.Now().Add(-time.Hour),
	}, 0))
	// Shared USA-origin resource at v3: higher remote version wins.
	require.NoError(t, store.Upsert(ctx, Resource{
		ResourceID: "shared", OriginRealm: "USA", Version: 3,
		Classification: clearance.Confidential, ReleasableTo: []string{"USA", "FRA"},
		LastModified: time.Now().Add(-time.Hour),
	}, 0))

	acceptor := NewAcceptor("FRA", store)
	resp := acceptor.Accept(ctx, PushRequest{
		CorrelationID: "corr-1",
		SourceRealm:   "USA",
		Resources: []Resource{
			{ResourceID: "new-1", OriginRealm: "USA", Version: 1,
				Classification: clearance.Unclassified, ReleasableTo: []string{"USA", "FRA"},
				LastModified: time.Now()},
			{ResourceID: "shared", OriginRealm: "USA", Version: 5,
				Classification: clearance.Confidential, ReleasableTo: []string{"USA", "FRA"},
				LastModified: time.Now()},
			{ResourceID: "fra-owned", OriginRealm: "FRA", Version: 9,
				Classification: clearance.Secret, ReleasableTo: []string{"FRA", "USA"},
				LastModified: time.Now()},
			{ResourceID: "not-for-us", OriginRealm: "USA", Version: 1,
				Classification: clearance.Unclassified, ReleasableTo: []string{"USA", "GBR"},
				LastModified: time.Now()},
		},
	})

	assert.Equal(t, "corr-1", resp.CorrelationID)
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 2, resp.Rejected)

	inserted, err := store.Get(ctx, "new-1")
	require.NoError(t, err)
	assert.Equal(t, "USA", inserted.ImportedFrom)

	updated, err := store.Get(ctx, "shared")
	require.NoError(t, err)
	assert.EqualValues(t, 5, updated.Version)

	kept, err := store.Get(ctx, "fra-owned")
	require.NoError(t, err)
	assert.EqualValues(t, 2, kept.Version)

	_, err = store.Get(ctx, "not-for-us")
	assert.ErrorIs(t, err, ErrResourceNotFound)
}
