package entitycache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/featherlist/server/internal/bus"
	"github.com/featherlist/server/internal/database"
)

// Snowflake-shaped ID used across the tests.
const testID = int64(563808552288780322)

type fakeFetcher struct {
	calls int
	fn    func(id string) ([]byte, error)
}

func (f *fakeFetcher) Call(_ context.Context, command string, args []string, _ any, _ time.Duration) ([]byte, error) {
	if command != "GETCH" {
		return nil, errors.New("unexpected command " + command)
	}
	f.calls++
	return f.fn(args[0])
}

func profileJSON(t *testing.T, p Profile) []byte {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return data
}

func newTestCache(t *testing.T, fetcher *fakeFetcher, ttl time.Duration) (*Cache, *database.DB) {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db.DB, fetcher, ttl), db
}

func TestResolveCachesWithinTTL(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(id string) ([]byte, error) {
		return profileJSON(t, Profile{Username: "TestBot", Avatar: "a.png", Bot: true}), nil
	}}
	cache, _ := newTestCache(t, fetcher, 0)
	ctx := context.Background()

	p, err := cache.Resolve(ctx, testID)
	require.NoError(t, err)
	require.Equal(t, "TestBot", p.Username)
	require.True(t, p.Bot)
	require.Equal(t, 1, fetcher.calls)

	// Second resolve inside the TTL: zero additional backend calls.
	p, err = cache.Resolve(ctx, testID)
	require.NoError(t, err)
	require.Equal(t, "TestBot", p.Username)
	require.Equal(t, 1, fetcher.calls)
}

func TestResolveRefreshesAfterExpiry(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(id string) ([]byte, error) {
		return profileJSON(t, Profile{Username: "TestBot", Avatar: "a.png", Bot: true}), nil
	}}
	cache, _ := newTestCache(t, fetcher, 20*time.Millisecond)
	ctx := context.Background()

	_, err := cache.Resolve(ctx, testID)
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.calls)

	time.Sleep(40 * time.Millisecond)

	_, err = cache.Resolve(ctx, testID)
	require.NoError(t, err)
	require.Equal(t, 2, fetcher.calls, "expired entry triggers exactly one refresh")
}

func TestNegativeCacheContainsFailingLookups(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(id string) ([]byte, error) {
		return nil, nil // gateway says: does not exist
	}}
	cache, _ := newTestCache(t, fetcher, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := cache.Resolve(ctx, testID)
		require.ErrorIs(t, err, ErrNotFound)
	}
	require.Equal(t, 1, fetcher.calls, "five failing lookups inside one TTL cost one backend call")
}

func TestBridgeFailureBecomesCachedNegative(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(id string) ([]byte, error) {
		return nil, errors.New("gateway down")
	}}
	cache, _ := newTestCache(t, fetcher, 0)
	ctx := context.Background()

	_, err := cache.Resolve(ctx, testID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = cache.Resolve(ctx, testID)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, fetcher.calls)
}

func TestResolveRejectsImpossibleIDs(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(id string) ([]byte, error) {
		t.Fatal("backend must not be called")
		return nil, nil
	}}
	cache, _ := newTestCache(t, fetcher, 0)

	_, err := cache.Resolve(context.Background(), 12345)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 0, fetcher.calls)
}

func TestResolveBotRejectsPlainUsers(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(id string) ([]byte, error) {
		return profileJSON(t, Profile{Username: "Human", Avatar: "h.png", Bot: false}), nil
	}}
	cache, _ := newTestCache(t, fetcher, 0)
	ctx := context.Background()

	// The profile exists but is not a bot.
	_, err := cache.ResolveBot(ctx, testID)
	require.ErrorIs(t, err, ErrNotFound)

	p, err := cache.Resolve(ctx, testID)
	require.NoError(t, err)
	require.False(t, p.Bot)
	require.Equal(t, 1, fetcher.calls)
}

func TestInvalidateForcesRefresh(t *testing.T) {
	name := "Before"
	fetcher := &fakeFetcher{fn: func(id string) ([]byte, error) {
		return profileJSON(t, Profile{Username: name, Avatar: "a.png", Bot: true}), nil
	}}
	cache, _ := newTestCache(t, fetcher, 0)
	ctx := context.Background()

	p, err := cache.Resolve(ctx, testID)
	require.NoError(t, err)
	require.Equal(t, "Before", p.Username)

	name = "After"
	require.NoError(t, cache.Invalidate(ctx, testID))

	p, err = cache.Resolve(ctx, testID)
	require.NoError(t, err)
	require.Equal(t, "After", p.Username)
	require.Equal(t, 2, fetcher.calls)
}

func TestVanityResolver(t *testing.T) {
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	m := bus.NewMemory()
	defer m.Close()

	_, err = db.Exec(`INSERT INTO vanity (slug, target_id, kind) VALUES ('testbot', ?, 0)`, testID)
	require.NoError(t, err)

	r := NewVanityResolver(db.DB, m, 0)
	ctx := context.Background()

	target, err := r.Resolve(ctx, "TestBot")
	require.NoError(t, err)
	require.Equal(t, testID, target.EntityID)
	require.Equal(t, VanityBot, target.Kind)

	// Resolution is served from cache even if the row vanishes.
	_, err = db.Exec(`DELETE FROM vanity WHERE slug = 'testbot'`)
	require.NoError(t, err)
	target, err = r.Resolve(ctx, "testbot")
	require.NoError(t, err)
	require.Equal(t, testID, target.EntityID)

	// Explicit invalidation exposes the change immediately.
	require.NoError(t, r.Invalidate(ctx, "testbot"))
	_, err = r.Resolve(ctx, "testbot")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestVanityNegativeCache(t *testing.T) {
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	m := bus.NewMemory()
	defer m.Close()

	r := NewVanityResolver(db.DB, m, 0)
	ctx := context.Background()

	_, err = r.Resolve(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	// Row appears, but the negative entry is still fresh.
	_, err = db.Exec(`INSERT INTO vanity (slug, target_id, kind) VALUES ('missing', ?, 0)`, testID)
	require.NoError(t, err)
	_, err = r.Resolve(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.Invalidate(ctx, "missing"))
	target, err := r.Resolve(ctx, "missing")
	require.NoError(t, err)
	require.Equal(t, testID, target.EntityID)
}
