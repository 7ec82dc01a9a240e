// Package snapshot keeps a TTL-bounded, versioned copy of each session's data for reads
// while the backend is unreachable.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/game"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/kvstore"
)

// CurrentSchemaVersion is bumped whenever the persisted snapshot shape changes.
const CurrentSchemaVersion = 3

const (
	snapshotKeyPrefix = "snapshot:"
	stateKeyPrefix    = "state:"

	// DefaultTTL bounds how long a full snapshot is served.
	DefaultTTL = 5 * time.Minute
	// DefaultStateTTL bounds the lighter state projection.
	DefaultStateTTL = time.Minute

	maxCachedPosts = 50
)

var (
	// ErrMissingStore indicates that no key/value store was supplied.
	ErrMissingStore = errors.New("snapshot: store required")
	// ErrMissingSessionID indicates that a session identifier was blank.
	ErrMissingSessionID = errors.New("snapshot: session id required")
	// ErrUnsupportedRecord indicates that a record kind is not part of a snapshot.
	ErrUnsupportedRecord = errors.New("snapshot: record kind is not cached")
)

// SessionSnapshot is the cached copy of a session.
type SessionSnapshot struct {
	game.SessionData
	LastUpdated   time.Time `json:"last_updated"`
	SchemaVersion int       `json:"schema_version"`
}

// StateSnapshot is the cached copy of the lighter state projection.
type StateSnapshot struct {
	game.SessionState
	CachedAt      time.Time `json:"cached_at"`
	SchemaVersion int       `json:"schema_version"`
}

// Stats summarizes the cache contents.
type Stats struct {
	CachedSessions  int
	TotalBytes      int
	OldestTimestamp time.Time
	NewestTimestamp time.Time
}

// Config configures a Cache.
type Config struct {
	Store    kvstore.Store
	TTL      time.Duration
	StateTTL time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Cache persists snapshots under per-session keys.
type Cache struct {
	store    kvstore.Store
	ttl      time.Duration
	stateTTL time.Duration
	clock    func() time.Time
	logger   *zap.Logger

	// mu serializes read-modify-write cycles on a snapshot.
	mu sync.Mutex
}

// NewCache constructs a Cache.
func NewCache(cfg Config) (*Cache, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	stateTTL := cfg.StateTTL
	if stateTTL <= 0 {
		stateTTL = DefaultStateTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:    cfg.Store,
		ttl:      ttl,
		stateTTL: stateTTL,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Cache stamps data with the current time and schema version and persists it.
func (c *Cache) Cache(ctx context.Context, sessionID string, data game.SessionData) (SessionSnapshot, error) {
	key, err := snapshotKey(sessionID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	snapshot := SessionSnapshot{
		SessionData:   data,
		LastUpdated:   c.clock().UTC(),
		SchemaVersion: CurrentSchemaVersion,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.write(ctx, key, snapshot); err != nil {
		return SessionSnapshot{}, err
	}
	return snapshot, nil
}

// Get returns the cached snapshot. Corrupt, outdated and expired entries are evicted and
// reported as absent.
func (c *Cache) Get(ctx context.Context, sessionID string) (SessionSnapshot, bool, error) {
	key, err := snapshotKey(sessionID)
	if err != nil {
		return SessionSnapshot{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(ctx, key)
}

// ApplyIncremental folds a locally created score, photo or post into the cached snapshot
// and refreshes its timestamp. It reports false when no usable snapshot exists.
func (c *Cache) ApplyIncremental(ctx context.Context, sessionID string, record game.Record) (bool, error) {
	key, err := snapshotKey(sessionID)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot, found, err := c.load(ctx, key)
	if err != nil || !found {
		return false, err
	}
	switch value := record.(type) {
	case game.Score:
		snapshot.Scores = upsertScore(snapshot.Scores, value)
	case game.Photo:
		snapshot.Photos = upsertPhoto(snapshot.Photos, value)
	case game.SocialPost:
		snapshot.Posts = prependPost(snapshot.Posts, value)
	default:
		return false, fmt.Errorf("%w: %v", ErrUnsupportedRecord, kindOf(record))
	}
	snapshot.LastUpdated = c.clock().UTC()
	if err := c.write(ctx, key, snapshot); err != nil {
		return false, err
	}
	return true, nil
}

// MergeOffline folds queued records into the cached snapshot. Scores replace by
// participant and hole; photos are appended only when their id is not already present.
// The timestamp is left untouched so merged data never extends the snapshot's lifetime.
func (c *Cache) MergeOffline(ctx context.Context, sessionID string, scores []game.Score, photos []game.Photo) (SessionSnapshot, bool, error) {
	key, err := snapshotKey(sessionID)
	if err != nil {
		return SessionSnapshot{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot, found, err := c.load(ctx, key)
	if err != nil || !found {
		return SessionSnapshot{}, false, err
	}
	snapshot.SessionData = MergeRecords(snapshot.SessionData, sessionID, scores, photos)
	if err := c.write(ctx, key, snapshot); err != nil {
		return SessionSnapshot{}, false, err
	}
	return snapshot, true, nil
}

// MergeRecords applies the offline merge rules to data without touching storage. Records
// belonging to other sessions are ignored.
func MergeRecords(data game.SessionData, sessionID string, scores []game.Score, photos []game.Photo) game.SessionData {
	for _, score := range scores {
		if score.SessionID != "" && score.SessionID != sessionID {
			continue
		}
		data.Scores = upsertScore(data.Scores, score)
	}
	for _, photo := range photos {
		if photo.SessionID != "" && photo.SessionID != sessionID {
			continue
		}
		if containsPhoto(data.Photos, photo.ID) {
			continue
		}
		data.Photos = append(data.Photos, photo)
	}
	return data
}

// Evict removes the snapshot and state projection for sessionID.
func (c *Cache) Evict(ctx context.Context, sessionID string) error {
	key, err := snapshotKey(sessionID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Remove(ctx, key); err != nil {
		return err
	}
	return c.store.Remove(ctx, stateKeyPrefix+strings.TrimSpace(sessionID))
}

// EvictAll removes every cached snapshot and state projection.
func (c *Cache) EvictAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, prefix := range []string{snapshotKeyPrefix, stateKeyPrefix} {
		keys, err := c.store.Keys(ctx, prefix)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := c.store.Remove(ctx, key); err != nil {
				return err
			}
		}
	}
	c.logger.Info("snapshot cache cleared")
	return nil
}

// Stats reports the number of stored snapshots, their serialized size and the range of
// their timestamps. Unreadable entries are counted by size only.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.store.Keys(ctx, snapshotKeyPrefix)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{}
	for _, key := range keys {
		raw, found, err := c.store.Get(ctx, key)
		if err != nil {
			return Stats{}, err
		}
		if !found {
			continue
		}
		stats.CachedSessions++
		stats.TotalBytes += len(raw)
		var snapshot SessionSnapshot
		if json.Unmarshal([]byte(raw), &snapshot) != nil || snapshot.LastUpdated.IsZero() {
			continue
		}
		if stats.OldestTimestamp.IsZero() || snapshot.LastUpdated.Before(stats.OldestTimestamp) {
			stats.OldestTimestamp = snapshot.LastUpdated
		}
		if snapshot.LastUpdated.After(stats.NewestTimestamp) {
			stats.NewestTimestamp = snapshot.LastUpdated
		}
	}
	return stats, nil
}

// CacheState persists the lighter state projection.
func (c *Cache) CacheState(ctx context.Context, sessionID string, state game.SessionState) error {
	trimmed := strings.TrimSpace(sessionID)
	if trimmed == "" {
		return ErrMissingSessionID
	}
	payload, err := json.Marshal(StateSnapshot{
		SessionState:  state,
		CachedAt:      c.clock().UTC(),
		SchemaVersion: CurrentSchemaVersion,
	})
	if err != nil {
		return err
	}
	return c.store.Set(ctx, stateKeyPrefix+trimmed, string(payload))
}

// GetState returns the cached state projection when it is still fresh.
func (c *Cache) GetState(ctx context.Context, sessionID string) (game.SessionState, bool, error) {
	trimmed := strings.TrimSpace(sessionID)
	if trimmed == "" {
		return game.SessionState{}, false, ErrMissingSessionID
	}
	key := stateKeyPrefix + trimmed
	raw, found, err := c.store.Get(ctx, key)
	if err != nil || !found {
		return game.SessionState{}, false, err
	}
	var state StateSnapshot
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		c.logger.Warn("discarding unreadable state snapshot", zap.String("session_id", trimmed), zap.Error(err))
		return game.SessionState{}, false, c.store.Remove(ctx, key)
	}
	if state.SchemaVersion != CurrentSchemaVersion || c.clock().Sub(state.CachedAt) > c.stateTTL {
		return game.SessionState{}, false, c.store.Remove(ctx, key)
	}
	return state.SessionState, true, nil
}

func (c *Cache) load(ctx context.Context, key string) (SessionSnapshot, bool, error) {
	raw, found, err := c.store.Get(ctx, key)
	if err != nil || !found {
		return SessionSnapshot{}, false, err
	}
	var snapshot SessionSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		c.logger.Warn("evicting unreadable snapshot", zap.String("key", key), zap.Error(err))
		return SessionSnapshot{}, false, c.store.Remove(ctx, key)
	}
	if snapshot.SchemaVersion != CurrentSchemaVersion {
		c.logger.Info("evicting snapshot with outdated schema",
			zap.String("key", key),
			zap.Int("schema_version", snapshot.SchemaVersion))
		return SessionSnapshot{}, false, c.store.Remove(ctx, key)
	}
	if c.clock().Sub(snapshot.LastUpdated) > c.ttl {
		c.logger.Debug("evicting expired snapshot", zap.String("key", key))
		return SessionSnapshot{}, false, c.store.Remove(ctx, key)
	}
	return snapshot, true, nil
}

func (c *Cache) write(ctx context.Context, key string, snapshot SessionSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, key, string(payload))
}

func snapshotKey(sessionID string) (string, error) {
	trimmed := strings.TrimSpace(sessionID)
	if trimmed == "" {
		return "", ErrMissingSessionID
	}
	return snapshotKeyPrefix + trimmed, nil
}

func upsertScore(scores []game.Score, score game.Score) []game.Score {
	key := score.NaturalKey()
	for index := range scores {
		if scores[index].NaturalKey() == key {
			scores[index] = score
			return scores
		}
	}
	return append(scores, score)
}

func upsertPhoto(photos []game.Photo, photo game.Photo) []game.Photo {
	for index := range photos {
		if photos[index].ID == photo.ID {
			photos[index] = photo
			return photos
		}
	}
	return append(photos, photo)
}

func containsPhoto(photos []game.Photo, id string) bool {
	for _, photo := range photos {
		if photo.ID == id {
			return true
		}
	}
	return false
}

// prependPost keeps posts newest first and bounded.
func prependPost(posts []game.SocialPost, post game.SocialPost) []game.SocialPost {
	merged := make([]game.SocialPost, 0, len(posts)+1)
	merged = append(merged, post)
	for _, existing := range posts {
		if existing.ID == post.ID {
			continue
		}
		merged = append(merged, existing)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].PostedAt.After(merged[j].PostedAt)
	})
	if len(merged) > maxCachedPosts {
		merged = merged[:maxCachedPosts]
	}
	return merged
}

func kindOf(record game.Record) string {
	if record == nil {
		return "nil"
	}
	return record.Kind().String()
}
