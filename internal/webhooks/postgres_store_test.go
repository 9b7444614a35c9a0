//go:build integration

package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditscore/internal/profile"
	"github.com/mbd888/creditscore/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	subscribe(t, store, "wh_pg1", "https://example.com/a", profile.KindIntegration)

	got, err := store.Get(ctx, "wh_pg1")
	require.NoError(t, err)
	assert.Equal(t, alice, got.Account)
	assert.Equal(t, []profile.EventKind{profile.KindIntegration}, got.Kinds)
	assert.True(t, got.Active)

	list, err := store.ListByAccount(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.Delete(ctx, "wh_pg1"))
	_, err = store.Get(ctx, "wh_pg1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "wh_pg1"), ErrNotFound)
}

func TestPostgresStore_LimitAndDeliveries(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	for i := 0; i < MaxSubscriptionsPerAccount; i++ {
		subscribe(t, store, "wh_pg"+string(rune('a'+i)), "https://example.com")
	}
	err := store.Create(ctx, &Subscription{ID: "wh_extra", Account: alice, URL: "https://example.com", Secret: "x", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrLimitReached)

	var sub *Subscription
	for i := 0; i < MaxConsecutiveFailures; i++ {
		sub, err = store.RecordDelivery(ctx, "wh_pga", "status 500", time.Now())
		require.NoError(t, err)
	}
	assert.False(t, sub.Active)
	assert.Equal(t, MaxConsecutiveFailures, sub.ConsecutiveFailures)

	sub, err = store.RecordDelivery(ctx, "wh_pgb", "", time.Now())
	require.NoError(t, err)
	assert.NotNil(t, sub.LastSuccess)
	assert.Empty(t, sub.LastError)

	_, err = store.RecordDelivery(ctx, "missing", "", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}
