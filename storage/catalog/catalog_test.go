package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/godonate/pkg/donation"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)

	_, err = New(nil)
	assert.Error(t, err)
}

func TestStore_Campaigns(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.GetCampaign(ctx, "camp-1")
	assert.ErrorIs(t, err, donation.ErrCampaignNotFound)

	require.NoError(t, store.SaveCampaign(ctx, donation.Campaign{ID: "camp-1", Name: "Spring Drive", Status: donation.CampaignActive}))
	c, err := store.GetCampaign(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, "Spring Drive", c.Name)
	assert.Equal(t, donation.CampaignActive, c.Status)

	// Save replaces in place.
	require.NoError(t, store.SaveCampaign(ctx, donation.Campaign{ID: "camp-1", Name: "Spring Drive", Status: "closed"}))
	c, err = store.GetCampaign(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, "closed", c.Status)

	require.NoError(t, store.SaveCampaign(ctx, donation.Campaign{ID: "camp-2", Name: "Gala", Status: donation.CampaignActive}))
	active, err := store.ListCampaigns(ctx, donation.CampaignActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "camp-2", active[0].ID)

	all, err := store.ListCampaigns(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.ErrorIs(t, store.SaveCampaign(ctx, donation.Campaign{}), donation.ErrInvalidRequest)
}

func TestStore_Participants(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	err := store.SaveParticipant(ctx, donation.Participant{ID: "p-1", CampaignID: "missing"})
	assert.ErrorIs(t, err, donation.ErrCampaignNotFound)

	require.NoError(t, store.SaveCampaign(ctx, donation.Campaign{ID: "camp-1", Status: donation.CampaignActive}))
	require.NoError(t, store.SaveParticipant(ctx, donation.Participant{ID: "p-1", CampaignID: "camp-1", Name: "Runner"}))

	p, err := store.GetParticipant(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "camp-1", p.CampaignID)
	assert.Equal(t, "Runner", p.Name)

	_, err = store.GetParticipant(ctx, "ghost")
	assert.ErrorIs(t, err, donation.ErrParticipantNotFound)
}

func TestStore_AsCachedDirectory(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveCampaign(ctx, donation.Campaign{ID: "camp-1", Status: donation.CampaignActive}))

	cached := donation.NewCachedDirectory(store, donation.CacheConfig{}, nil)
	for i := 0; i < 3; i++ {
		c, err := cached.GetCampaign(ctx, "camp-1")
		require.NoError(t, err, fmt.Sprintf("lookup %d", i))
		assert.Equal(t, "camp-1", c.ID)
	}
	stats := cached.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}
