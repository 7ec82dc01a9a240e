package snapshot

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/game"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/kvstore"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(delta time.Duration) {
	c.now = c.now.Add(delta)
}

func newTestCache(t *testing.T) (*Cache, *kvstore.MemoryStore, *testClock) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	clock := &testClock{now: time.Date(2026, time.June, 14, 9, 30, 0, 0, time.UTC)}
	cache, err := NewCache(Config{Store: store, Clock: clock.Now})
	require.NoError(t, err)
	return cache, store, clock
}

func sampleSessionData() game.SessionData {
	started := time.Date(2026, time.June, 14, 8, 0, 0, 0, time.UTC)
	return game.SessionData{
		Meta: game.SessionMeta{ID: "sess-1", Name: "Saturday Scramble", Status: "active", HoleCount: 18, StartedAt: started},
		Participants: []game.Participant{
			{ID: "p1", DisplayName: "Avery", JoinedAt: started},
			{ID: "p2", DisplayName: "Rowan", JoinedAt: started},
		},
		Scores: []game.Score{
			{ID: "sc-1", SessionID: "sess-1", ParticipantID: "p1", HoleNumber: 1, Strokes: 5, RecordedAt: started},
		},
		Photos: []game.Photo{
			{ID: "ph-1", SessionID: "sess-1", ParticipantID: "p2", ContentType: "image/jpeg", URL: "https://cdn.example/ph-1.jpg", TakenAt: started},
		},
	}
}

func TestCacheThenGetRoundTrips(t *testing.T) {
	cache, _, clock := newTestCache(t)
	ctx := context.Background()

	stored, err := cache.Cache(ctx, "sess-1", sampleSessionData())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, stored.SchemaVersion)
	assert.Equal(t, clock.Now(), stored.LastUpdated)

	loaded, found, err := cache.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, stored, loaded)
}

func TestGetEvictsExpiredSnapshot(t *testing.T) {
	cache, store, clock := newTestCache(t)
	ctx := context.Background()

	_, err := cache.Cache(ctx, "sess-1", sampleSessionData())
	require.NoError(t, err)

	clock.Advance(DefaultTTL)
	_, found, err := cache.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, found, "a snapshot exactly at the TTL is still valid")

	clock.Advance(time.Millisecond)
	_, found, err = cache.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, found)

	_, present, err := store.Get(ctx, "snapshot:sess-1")
	require.NoError(t, err)
	assert.False(t, present)

	_, found, err = cache.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetEvictsSchemaMismatchAndCorruptEntries(t *testing.T) {
	cache, store, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "snapshot:old", fmt.Sprintf(`{"meta":{"id":"old"},"last_updated":"2026-06-14T09:30:00Z","schema_version":%d}`, CurrentSchemaVersion-1)))
	require.NoError(t, store.Set(ctx, "snapshot:broken", "{not json"))

	for _, sessionID := range []string{"old", "broken"} {
		_, found, err := cache.Get(ctx, sessionID)
		require.NoError(t, err, sessionID)
		assert.False(t, found, sessionID)
		_, present, err := store.Get(ctx, "snapshot:"+sessionID)
		require.NoError(t, err)
		assert.False(t, present, sessionID)
	}
}

func TestApplyIncrementalReplacesByNaturalKey(t *testing.T) {
	cache, _, clock := newTestCache(t)
	ctx := context.Background()
	_, err := cache.Cache(ctx, "sess-1", sampleSessionData())
	require.NoError(t, err)

	clock.Advance(time.Minute)
	correction := game.Score{ID: "local_fix", SessionID: "sess-1", ParticipantID: "p1", HoleNumber: 1, Strokes: 4}
	applied, err := cache.ApplyIncremental(ctx, "sess-1", correction)
	require.NoError(t, err)
	require.True(t, applied)

	next := game.Score{ID: "local_2", SessionID: "sess-1", ParticipantID: "p1", HoleNumber: 2, Strokes: 3}
	_, err = cache.ApplyIncremental(ctx, "sess-1", next)
	require.NoError(t, err)

	loaded, found, err := cache.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, loaded.Scores, 2)
	assert.Equal(t, 4, loaded.Scores[0].Strokes)
	assert.Equal(t, "local_fix", loaded.Scores[0].ID)
	assert.Equal(t, clock.Now(), loaded.LastUpdated)
}

func TestApplyIncrementalKeepsFiftyNewestPosts(t *testing.T) {
	cache, _, clock := newTestCache(t)
	ctx := context.Background()
	_, err := cache.Cache(ctx, "sess-1", sampleSessionData())
	require.NoError(t, err)

	base := clock.Now()
	for index := 0; index < 60; index++ {
		post := game.SocialPost{
			ID:            fmt.Sprintf("post-%02d", index),
			SessionID:     "sess-1",
			ParticipantID: "p1",
			Body:          "birdie",
			PostedAt:      base.Add(time.Duration(index) * time.Second),
		}
		_, err := cache.ApplyIncremental(ctx, "sess-1", post)
		require.NoError(t, err)
	}

	loaded, found, err := cache.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, loaded.Posts, 50)
	assert.Equal(t, "post-59", loaded.Posts[0].ID)
	assert.Equal(t, "post-10", loaded.Posts[49].ID)
}

func TestApplyIncrementalWithoutSnapshotIsNoop(t *testing.T) {
	cache, _, _ := newTestCache(t)
	applied, err := cache.ApplyIncremental(context.Background(), "missing", game.Score{ParticipantID: "p1", HoleNumber: 1, Strokes: 3})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestApplyIncrementalRejectsOrders(t *testing.T) {
	cache, _, _ := newTestCache(t)
	ctx := context.Background()
	_, err := cache.Cache(ctx, "sess-1", sampleSessionData())
	require.NoError(t, err)
	_, err = cache.ApplyIncremental(ctx, "sess-1", game.Order{ID: "o1"})
	assert.ErrorIs(t, err, ErrUnsupportedRecord)
}

func TestMergeOfflineIsIdempotentPerNaturalKey(t *testing.T) {
	cache, _, clock := newTestCache(t)
	ctx := context.Background()
	stored, err := cache.Cache(ctx, "sess-1", sampleSessionData())
	require.NoError(t, err)

	first := game.Score{ID: "local_a", SessionID: "sess-1", ParticipantID: "p2", HoleNumber: 3, Strokes: 6}
	second := game.Score{ID: "local_b", SessionID: "sess-1", ParticipantID: "p2", HoleNumber: 3, Strokes: 5}
	photo := game.Photo{ID: "local_ph", SessionID: "sess-1", ParticipantID: "p2", DataB64: "aGk="}

	clock.Advance(time.Minute)
	_, _, err = cache.MergeOffline(ctx, "sess-1", []game.Score{first}, []game.Photo{photo})
	require.NoError(t, err)
	merged, found, err := cache.MergeOffline(ctx, "sess-1", []game.Score{second}, []game.Photo{photo})
	require.NoError(t, err)
	require.True(t, found)

	count := 0
	for _, score := range merged.Scores {
		if score.NaturalKey() == first.NaturalKey() {
			count++
			assert.Equal(t, 5, score.Strokes)
		}
	}
	assert.Equal(t, 1, count)
	assert.Len(t, merged.Photos, 2)
	assert.Equal(t, stored.LastUpdated, merged.LastUpdated)
}

func TestMergeRecordsIgnoresOtherSessions(t *testing.T) {
	data := MergeRecords(sampleSessionData(), "sess-1",
		[]game.Score{{ID: "x", SessionID: "sess-2", ParticipantID: "p1", HoleNumber: 9, Strokes: 2}},
		[]game.Photo{{ID: "ph-1", SessionID: "sess-1"}})
	assert.Len(t, data.Scores, 1)
	assert.Len(t, data.Photos, 1)
}

func TestEvictAndStats(t *testing.T) {
	cache, _, clock := newTestCache(t)
	ctx := context.Background()

	first := clock.Now()
	_, err := cache.Cache(ctx, "sess-1", sampleSessionData())
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = cache.Cache(ctx, "sess-2", sampleSessionData())
	require.NoError(t, err)
	require.NoError(t, cache.CacheState(ctx, "sess-2", game.SessionState{Meta: game.SessionMeta{ID: "sess-2"}}))

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CachedSessions)
	assert.Positive(t, stats.TotalBytes)
	assert.Equal(t, first, stats.OldestTimestamp)
	assert.Equal(t, clock.Now(), stats.NewestTimestamp)

	require.NoError(t, cache.Evict(ctx, "sess-1"))
	stats, err = cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CachedSessions)

	require.NoError(t, cache.EvictAll(ctx))
	stats, err = cache.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.CachedSessions)
	_, found, err := cache.GetState(ctx, "sess-2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStateProjectionUsesShorterTTL(t *testing.T) {
	cache, _, clock := newTestCache(t)
	ctx := context.Background()
	state := game.SessionState{
		Meta:        game.SessionMeta{ID: "sess-1", Status: "active"},
		Leaderboard: []game.Standing{{ParticipantID: "p1", TotalStrokes: 9, HolesPlayed: 2}},
	}
	require.NoError(t, cache.CacheState(ctx, "sess-1", state))

	loaded, found, err := cache.GetState(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, state.Leaderboard, loaded.Leaderboard)

	clock.Advance(DefaultStateTTL + time.Second)
	_, found, err = cache.GetState(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNewCacheRequiresStore(t *testing.T) {
	_, err := NewCache(Config{})
	assert.ErrorIs(t, err, ErrMissingStore)
}
