package recovery

import (
	"context"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/game"
)

// ActionEnqueuer persists a record for later delivery without attempting it now.
type ActionEnqueuer interface {
	Defer(ctx context.Context, record game.Record) error
}

// EnqueueFallback returns a fallback that hands record to the enqueuer.
func EnqueueFallback(enqueuer ActionEnqueuer, record game.Record) Operation {
	return func(ctx context.Context) error {
		return enqueuer.Defer(ctx, record)
	}
}

// EnqueueScoreFallback preserves a score in the offline queue.
func EnqueueScoreFallback(enqueuer ActionEnqueuer, score game.Score) Operation {
	return EnqueueFallback(enqueuer, score)
}

// EnqueuePhotoFallback preserves a photo in the offline queue.
func EnqueuePhotoFallback(enqueuer ActionEnqueuer, photo game.Photo) Operation {
	return EnqueueFallback(enqueuer, photo)
}

// EnqueueOrderFallback preserves an order in the offline queue.
func EnqueueOrderFallback(enqueuer ActionEnqueuer, order game.Order) Operation {
	return EnqueueFallback(enqueuer, order)
}

// DegradeSocialFallback accepts the loss of a social feature. Social posts are optional
// and the session continues without them.
func DegradeSocialFallback() Operation {
	return func(context.Context) error {
		return nil
	}
}
