package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-ns")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewClient_RequiresNamespace(t *testing.T) {
	client, err := NewClient(&redis.Options{Addr: "localhost:0"}, "")
	assert.Error(t, err)
	assert.Nil(t, client)
}

func TestLoadIdentity_NotFound(t *testing.T) {
	client, _ := setupClient(t)

	_, err := client.LoadIdentity(context.Background(), "profile-1")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestCompareAndSwapIdentity(t *testing.T) {
	ctx := context.Background()

	t.Run("creates record when empty", func(t *testing.T) {
		client, _ := setupClient(t)
		identity := NewIdentity(time.Now())

		rec, swapped, err := client.CompareAndSwapIdentity(ctx, "p", 0, identity)
		require.NoError(t, err)
		assert.True(t, swapped)
		assert.Equal(t, uint64(1), rec.Generation)
		assert.Equal(t, identity.ID, rec.Identity.ID)

		loaded, err := client.LoadIdentity(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, identity.ID, loaded.Identity.ID)
		assert.Equal(t, uint64(1), loaded.Generation)
	})

	t.Run("loser receives winner record", func(t *testing.T) {
		client, _ := setupClient(t)
		winner := NewIdentity(time.Now())
		loser := NewIdentity(time.Now())

		_, swapped, err := client.CompareAndSwapIdentity(ctx, "p", 0, winner)
		require.NoError(t, err)
		require.True(t, swapped)

		rec, swapped, err := client.CompareAndSwapIdentity(ctx, "p", 0, loser)
		require.NoError(t, err)
		assert.False(t, swapped)
		assert.Equal(t, winner.ID, rec.Identity.ID)
		assert.Equal(t, uint64(1), rec.Generation)
	})

	t.Run("increments generation on update", func(t *testing.T) {
		client, _ := setupClient(t)
		identity := NewIdentity(time.Now())

		rec, _, err := client.CompareAndSwapIdentity(ctx, "p", 0, identity)
		require.NoError(t, err)

		next := rec.Identity.Clone()
		next.VisitCount = 7
		rec, swapped, err := client.CompareAndSwapIdentity(ctx, "p", rec.Generation, next)
		require.NoError(t, err)
		assert.True(t, swapped)
		assert.Equal(t, uint64(2), rec.Generation)
		assert.Equal(t, int64(7), rec.Identity.VisitCount)
	})

	t.Run("stale generation is rejected", func(t *testing.T) {
		client, _ := setupClient(t)
		identity := NewIdentity(time.Now())

		rec, _, err := client.CompareAndSwapIdentity(ctx, "p", 0, identity)
		require.NoError(t, err)
		_, _, err = client.CompareAndSwapIdentity(ctx, "p", rec.Generation, rec.Identity)
		require.NoError(t, err)

		stale := rec.Identity.Clone()
		stale.VisitCount = 99
		current, swapped, err := client.CompareAndSwapIdentity(ctx, "p", 1, stale)
		require.NoError(t, err)
		assert.False(t, swapped)
		assert.Equal(t, uint64(2), current.Generation)
		assert.Equal(t, int64(0), current.Identity.VisitCount)
	})
}

func TestListProfiles(t *testing.T) {
	ctx := context.Background()
	client, mr := setupClient(t)

	profiles, err := client.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, profiles)

	for _, p := range []string{"tab-b", "default", "tab-a"} {
		_, _, err := client.CompareAndSwapIdentity(ctx, p, 0, NewIdentity(time.Now()))
		require.NoError(t, err)
	}
	// Other namespaces and entities are not identities of this namespace
	mr.HSet(IdentityKey("other-ns", "x"), "generation", "1")
	require.NoError(t, mr.Set(DedupKey("test-ns", "k"), "1"))

	profiles, err = client.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "tab-a", "tab-b"}, profiles)
}

func TestClaimDedupKey(t *testing.T) {
	ctx := context.Background()
	client, mr := setupClient(t)

	fresh, err := client.ClaimDedupKey(ctx, "abc", 300*time.Second)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = client.ClaimDedupKey(ctx, "abc", 300*time.Second)
	require.NoError(t, err)
	assert.False(t, fresh)

	exists, err := client.DedupKeyExists(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, exists)

	mr.FastForward(301 * time.Second)

	exists, err = client.DedupKeyExists(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, exists)

	fresh, err = client.ClaimDedupKey(ctx, "abc", 300*time.Second)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestClaimDedupKey_StoreDown(t *testing.T) {
	client, mr := setupClient(t)
	mr.Close()

	_, err := client.ClaimDedupKey(context.Background(), "abc", time.Minute)
	assert.Error(t, err)
}

func TestMarkHandoffConsumed(t *testing.T) {
	ctx := context.Background()
	client, _ := setupClient(t)

	first, err := client.MarkHandoffConsumed(ctx, "sess_1", 1700000000, time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := client.MarkHandoffConsumed(ctx, "sess_1", 1700000000, time.Hour)
	require.NoError(t, err)
	assert.False(t, second)

	other, err := client.MarkHandoffConsumed(ctx, "sess_1", 1700000001, time.Hour)
	require.NoError(t, err)
	assert.True(t, other)
}

func TestSubscribeDispatchResults(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _ := setupClient(t)

	sub, err := client.SubscribeDispatchResults(ctx)
	require.NoError(t, err)
	defer sub.Close()

	result := &DispatchResult{
		EventName:      "Purchase",
		IdempotencyKey: "k1",
		IdentityID:     "spoor_x",
		ValueCode:      53,
		Outcomes:       []SinkOutcome{{Sink: "meta", Attempts: 1}},
		Delivered:      1,
	}
	require.NoError(t, client.PublishDispatchResult(ctx, result))

	select {
	case got := <-sub.Events():
		require.NotNil(t, got)
		assert.Equal(t, "Purchase", got.EventName)
		assert.Equal(t, 53, got.ValueCode)
		assert.Len(t, got.Outcomes, 1)
	case <-ctx.Done():
		t.Fatal("timed out waiting for dispatch result")
	}

	// Close is idempotent
	assert.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())
}
