package queue

import (
	"time"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/game"
)

// DefaultMaxRetries is the per-kind retry ceiling. Photos and orders fail permanently
// sooner since repeated failures usually mean an invalid payload.
var DefaultMaxRetries = map[game.Kind]int{
	game.KindScore: 5,
	game.KindPhoto: 3,
	game.KindOrder: 3,
	game.KindPost:  3,
}

// Action is a durable record of a write awaiting delivery.
type Action struct {
	ID            string        `json:"id"`
	Kind          game.Kind     `json:"kind"`
	Payload       game.Envelope `json:"payload"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	RetryCount    int           `json:"retry_count"`
	MaxRetries    int           `json:"max_retries"`
	LastError     string        `json:"last_error,omitempty"`
	LastAttemptAt *time.Time    `json:"last_attempt_at,omitempty"`
	// Abandoned actions stay queued for inspection but are never retried automatically.
	Abandoned bool `json:"abandoned,omitempty"`
}

// Record unwraps the queued payload.
func (a Action) Record() (game.Record, error) {
	return a.Payload.Record()
}

// Pending reports whether the action is still eligible for automatic delivery.
func (a Action) Pending() bool {
	return !a.Abandoned && a.RetryCount < a.MaxRetries
}

// Status is a read-only view of the queue.
type Status struct {
	QueueLength    int  `json:"queue_length"`
	CachedScores   int  `json:"cached_scores"`
	CachedPhotos   int  `json:"cached_photos"`
	CachedOrders   int  `json:"cached_orders"`
	CachedPosts    int  `json:"cached_posts"`
	FailedActions  int  `json:"failed_actions"`
	IsOnline       bool `json:"is_online"`
	SyncInProgress bool `json:"sync_in_progress"`
}
