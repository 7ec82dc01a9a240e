// Package queue is the durable FIFO of writes made while the backend could not be reached.
// Actions are persisted before any delivery attempt and drained strictly in enqueue order.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/connectivity"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/game"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/kvstore"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/recovery"
)

const (
	actionsKey = "queue:actions"
	tracerName = "github.com/MarcoPoloResearchLab/roundup/client/internal/queue"
)

var (
	// ErrMissingStore indicates that no key/value store was supplied.
	ErrMissingStore = errors.New("queue: store required")
	// ErrMissingSender indicates that no backend sender was supplied.
	ErrMissingSender = errors.New("queue: sender required")
	// ErrMissingConnectivity indicates that no connectivity source was supplied.
	ErrMissingConnectivity = errors.New("queue: connectivity required")
	// ErrActionNotFound indicates that no queued action has the requested id.
	ErrActionNotFound = errors.New("queue: action not found")
)

// Sender delivers records to the backend.
type Sender interface {
	RecordScore(ctx context.Context, score game.Score) (game.Score, error)
	UploadPhoto(ctx context.Context, photo game.Photo) (game.Photo, error)
	PlaceOrder(ctx context.Context, order game.Order) (game.Order, error)
	CreatePost(ctx context.Context, post game.SocialPost) (game.SocialPost, error)
}

// Connectivity is the online signal and its transitions.
type Connectivity interface {
	Online() bool
	Subscribe(ctx context.Context) (<-chan connectivity.Transition, func())
}

// Classifier turns a delivery failure into a ClassifiedError and reports it to any
// registered observers.
type Classifier interface {
	Report(operation string, err error) recovery.ClassifiedError
}

// Config configures a Queue.
type Config struct {
	Store        kvstore.Store
	Sender       Sender
	Connectivity Connectivity
	Classifier   Classifier
	IDProvider   game.IDProvider
	// MaxRetries overrides DefaultMaxRetries per kind.
	MaxRetries map[game.Kind]int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// EnqueueResult reports what happened to a freshly enqueued record.
type EnqueueResult struct {
	Action Action
	// Delivered is set when the backend acknowledged the record during Enqueue.
	Delivered bool
	// Queued is set when the action remains in the queue.
	Queued bool
	// Err carries the classified failure of the immediate attempt, if one was made.
	Err *recovery.ClassifiedError
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Attempted int
	Delivered int
	Retained  int
	Abandoned int
	// Skipped is set when the pass did not run because another was in flight or the
	// device is offline.
	Skipped  bool
	Failures map[string]recovery.ClassifiedError
}

// Queue is the durable action queue.
type Queue struct {
	store        kvstore.Store
	sender       Sender
	connectivity Connectivity
	classifier   Classifier
	idProvider   game.IDProvider
	maxRetries   map[game.Kind]int
	clock        func() time.Time
	logger       *zap.Logger
	tracer       trace.Tracer

	// mu guards the persisted action list and syncing.
	mu      sync.Mutex
	syncing bool
}

// New constructs a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	if cfg.Sender == nil {
		return nil, ErrMissingSender
	}
	if cfg.Connectivity == nil {
		return nil, ErrMissingConnectivity
	}
	maxRetries := make(map[game.Kind]int, len(DefaultMaxRetries))
	for kind, ceiling := range DefaultMaxRetries {
		maxRetries[kind] = ceiling
	}
	for kind, ceiling := range cfg.MaxRetries {
		if ceiling > 0 {
			maxRetries[kind] = ceiling
		}
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = game.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:        cfg.Store,
		sender:       cfg.Sender,
		connectivity: cfg.Connectivity,
		classifier:   cfg.Classifier,
		idProvider:   idProvider,
		maxRetries:   maxRetries,
		clock:        clock,
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
	}, nil
}

// Enqueue persists record and, when online, delivers it together with anything queued
// ahead of it. A failure that will never succeed on retry removes the action and is
// reported through EnqueueResult.Err.
func (q *Queue) Enqueue(ctx context.Context, record game.Record) (EnqueueResult, error) {
	action, err := q.persist(ctx, record)
	if err != nil {
		return EnqueueResult{}, err
	}
	result := EnqueueResult{Action: action, Queued: true}
	if !q.connectivity.Online() {
		q.logger.Debug("queued action while offline",
			zap.String("action_id", action.ID),
			zap.String("kind", action.Kind.String()))
		return result, nil
	}

	drain, err := q.Drain(ctx)
	if err != nil {
		return result, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	actions, err := q.load(ctx)
	if err != nil {
		return result, err
	}
	index := indexOf(actions, action.ID)
	if index < 0 {
		if _, failed := drain.Failures[action.ID]; !failed {
			result.Delivered = true
			result.Queued = false
		}
		return result, nil
	}
	result.Action = actions[index]
	failure, failed := drain.Failures[action.ID]
	if !failed {
		return result, nil
	}
	result.Err = &failure
	if !failure.Retryable {
		actions = append(actions[:index], actions[index+1:]...)
		if err := q.save(ctx, actions); err != nil {
			return result, err
		}
		result.Queued = false
	}
	return result, nil
}

// Defer persists record without attempting delivery.
func (q *Queue) Defer(ctx context.Context, record game.Record) error {
	_, err := q.persist(ctx, record)
	return err
}

// Drain delivers pending actions in FIFO order. Only one pass runs at a time; a call made
// while a pass is running returns immediately with Skipped set, and actions appended
// during a pass are picked up by that pass. The first action that fails but remains
// eligible ends the pass so that later actions never overtake it.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	result := DrainResult{Failures: make(map[string]recovery.ClassifiedError)}

	q.mu.Lock()
	if q.syncing || !q.connectivity.Online() {
		q.mu.Unlock()
		result.Skipped = true
		return result, nil
	}
	q.syncing = true
	q.mu.Unlock()

	ctx, span := q.tracer.Start(ctx, "queue.drain")
	defer span.End()

	released := false
	defer func() {
		if !released {
			q.mu.Lock()
			q.syncing = false
			q.mu.Unlock()
		}
	}()

	attempted := make(map[string]struct{})
	for {
		if !q.connectivity.Online() {
			q.logger.Info("drain interrupted by connectivity loss", zap.Int("attempted", result.Attempted))
			break
		}
		action, found, err := q.next(ctx, attempted)
		if err != nil {
			return result, err
		}
		if !found {
			released = true
			break
		}
		attempted[action.ID] = struct{}{}
		result.Attempted++

		sendErr := q.dispatch(ctx, action)
		var classified recovery.ClassifiedError
		if sendErr != nil {
			classified = q.classify(action, sendErr)
		}
		outcome, err := q.settle(ctx, action, sendErr, classified)
		if err != nil {
			return result, err
		}
		switch outcome {
		case outcomeDelivered:
			result.Delivered++
			continue
		case outcomeAbandoned:
			result.Abandoned++
		case outcomeRetained:
			result.Retained++
		}
		result.Failures[action.ID] = classified
		if outcome == outcomeRetained {
			q.release(ctx)
			released = true
			break
		}
	}

	span.SetAttributes(
		attribute.Int("queue.attempted", result.Attempted),
		attribute.Int("queue.delivered", result.Delivered),
		attribute.Int("queue.retained", result.Retained),
		attribute.Int("queue.abandoned", result.Abandoned))
	if result.Attempted > 0 {
		q.logger.Info("queue drained",
			zap.Int("attempted", result.Attempted),
			zap.Int("delivered", result.Delivered),
			zap.Int("retained", result.Retained),
			zap.Int("abandoned", result.Abandoned))
	}
	return result, nil
}

// Run drains once for every offline-to-online transition until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	transitions, unsubscribe := q.connectivity.Subscribe(ctx)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case transition, ok := <-transitions:
			if !ok {
				return
			}
			if !transition.Online {
				continue
			}
			if _, err := q.Drain(ctx); err != nil {
				q.logger.Error("drain after reconnect failed", zap.Error(err))
			}
		}
	}
}

// Status reports queue and connectivity state.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	actions, err := q.load(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		QueueLength:    len(actions),
		IsOnline:       q.connectivity.Online(),
		SyncInProgress: q.syncing,
	}
	for _, action := range actions {
		if !action.Pending() {
			status.FailedActions++
			continue
		}
		switch action.Kind {
		case game.KindScore:
			status.CachedScores++
		case game.KindPhoto:
			status.CachedPhotos++
		case game.KindOrder:
			status.CachedOrders++
		case game.KindPost:
			status.CachedPosts++
		}
	}
	return status, nil
}

// Actions returns every queued action in FIFO order.
func (q *Queue) Actions(ctx context.Context) ([]Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Failed returns the actions that exhausted their retries.
func (q *Queue) Failed(ctx context.Context) ([]Action, error) {
	actions, err := q.Actions(ctx)
	if err != nil {
		return nil, err
	}
	failed := make([]Action, 0)
	for _, action := range actions {
		if !action.Pending() {
			failed = append(failed, action)
		}
	}
	return failed, nil
}

// Retry makes a failed action eligible again and drains when online.
func (q *Queue) Retry(ctx context.Context, actionID string) error {
	q.mu.Lock()
	actions, err := q.load(ctx)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	index := indexOf(actions, actionID)
	if index < 0 {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	actions[index].RetryCount = 0
	actions[index].Abandoned = false
	actions[index].LastError = ""
	err = q.save(ctx, actions)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = q.Drain(ctx)
	return err
}

// Remove deletes a queued action.
func (q *Queue) Remove(ctx context.Context, actionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	actions, err := q.load(ctx)
	if err != nil {
		return err
	}
	index := indexOf(actions, actionID)
	if index < 0 {
		return fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	return q.save(ctx, append(actions[:index], actions[index+1:]...))
}

// Clear drops every queued action.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Remove(ctx, actionsKey)
}

// CachedScores returns the scores still awaiting delivery.
func (q *Queue) CachedScores(ctx context.Context) ([]game.Score, error) {
	records, err := q.pendingRecords(ctx, game.KindScore)
	if err != nil {
		return nil, err
	}
	scores := make([]game.Score, 0, len(records))
	for _, record := range records {
		scores = append(scores, record.(game.Score))
	}
	return scores, nil
}

// CachedPhotos returns the photos still awaiting delivery.
func (q *Queue) CachedPhotos(ctx context.Context) ([]game.Photo, error) {
	records, err := q.pendingRecords(ctx, game.KindPhoto)
	if err != nil {
		return nil, err
	}
	photos := make([]game.Photo, 0, len(records))
	for _, record := range records {
		photos = append(photos, record.(game.Photo))
	}
	return photos, nil
}

// CachedOrders returns the orders still awaiting delivery.
func (q *Queue) CachedOrders(ctx context.Context) ([]game.Order, error) {
	records, err := q.pendingRecords(ctx, game.KindOrder)
	if err != nil {
		return nil, err
	}
	orders := make([]game.Order, 0, len(records))
	for _, record := range records {
		orders = append(orders, record.(game.Order))
	}
	return orders, nil
}

// CachedPosts returns the social posts still awaiting delivery.
func (q *Queue) CachedPosts(ctx context.Context) ([]game.SocialPost, error) {
	records, err := q.pendingRecords(ctx, game.KindPost)
	if err != nil {
		return nil, err
	}
	posts := make([]game.SocialPost, 0, len(records))
	for _, record := range records {
		posts = append(posts, record.(game.SocialPost))
	}
	return posts, nil
}

func (q *Queue) pendingRecords(ctx context.Context, kind game.Kind) ([]game.Record, error) {
	actions, err := q.Actions(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]game.Record, 0)
	for _, action := range actions {
		if action.Kind != kind || !action.Pending() {
			continue
		}
		record, err := action.Record()
		if err != nil {
			q.logger.Warn("skipping unreadable queued action", zap.String("action_id", action.ID), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (q *Queue) persist(ctx context.Context, record game.Record) (Action, error) {
	if record == nil {
		return Action{}, fmt.Errorf("%w: nil record", game.ErrInvalidRecord)
	}
	if err := record.Validate(); err != nil {
		return Action{}, err
	}
	record, err := game.EnsureTentativeID(record, q.idProvider)
	if err != nil {
		return Action{}, err
	}
	payload, err := game.Wrap(record)
	if err != nil {
		return Action{}, err
	}
	actionID, err := q.idProvider.NewID()
	if err != nil {
		return Action{}, err
	}
	action := Action{
		ID:         actionID,
		Kind:       record.Kind(),
		Payload:    payload,
		EnqueuedAt: q.clock().UTC(),
		MaxRetries: q.maxRetries[record.Kind()],
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	actions, err := q.load(ctx)
	if err != nil {
		return Action{}, err
	}
	if err := q.save(ctx, append(actions, action)); err != nil {
		return Action{}, err
	}
	return action, nil
}

// next returns the first eligible action not yet attempted in this pass. When none is
// left the single-flight flag is cleared under the same lock so that a concurrent
// Enqueue either sees the pass running and is picked up by it, or starts its own.
func (q *Queue) next(ctx context.Context, attempted map[string]struct{}) (Action, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	actions, err := q.load(ctx)
	if err != nil {
		return Action{}, false, err
	}
	for _, action := range actions {
		if _, seen := attempted[action.ID]; seen || !action.Pending() {
			continue
		}
		return action, true, nil
	}
	q.syncing = false
	return Action{}, false, nil
}

func (q *Queue) release(context.Context) {
	q.mu.Lock()
	q.syncing = false
	q.mu.Unlock()
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRetained
	outcomeAbandoned
)

// settle records the result of one delivery attempt.
func (q *Queue) settle(ctx context.Context, action Action, sendErr error, classified recovery.ClassifiedError) (outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	actions, err := q.load(ctx)
	if err != nil {
		return outcomeRetained, err
	}
	index := indexOf(actions, action.ID)
	if sendErr == nil {
		if index >= 0 {
			actions = append(actions[:index], actions[index+1:]...)
			if err := q.save(ctx, actions); err != nil {
				return outcomeDelivered, err
			}
		}
		return outcomeDelivered, nil
	}
	if index < 0 {
		// Removed by the caller while in flight.
		return outcomeAbandoned, nil
	}

	attemptedAt := q.clock().UTC()
	current := actions[index]
	current.RetryCount++
	current.LastError = sendErr.Error()
	current.LastAttemptAt = &attemptedAt
	result := outcomeRetained
	if !classified.Retryable || current.RetryCount >= current.MaxRetries {
		current.Abandoned = true
		result = outcomeAbandoned
		q.logger.Warn("queued action failed permanently",
			zap.String("action_id", current.ID),
			zap.String("kind", current.Kind.String()),
			zap.Int("retry_count", current.RetryCount),
			zap.String("error_kind", string(classified.Kind)),
			zap.Error(sendErr))
	} else {
		q.logger.Info("queued action will be retried",
			zap.String("action_id", current.ID),
			zap.String("kind", current.Kind.String()),
			zap.Int("retry_count", current.RetryCount),
			zap.Int("max_retries", current.MaxRetries),
			zap.Error(sendErr))
	}
	actions[index] = current
	if err := q.save(ctx, actions); err != nil {
		return result, err
	}
	return result, nil
}

func (q *Queue) dispatch(ctx context.Context, action Action) error {
	record, err := action.Record()
	if err != nil {
		return err
	}
	switch value := record.(type) {
	case game.Score:
		_, err = q.sender.RecordScore(ctx, value)
	case game.Photo:
		_, err = q.sender.UploadPhoto(ctx, value)
	case game.Order:
		_, err = q.sender.PlaceOrder(ctx, value)
	case game.SocialPost:
		_, err = q.sender.CreatePost(ctx, value)
	default:
		err = fmt.Errorf("%w: %T", game.ErrUnknownKind, record)
	}
	return err
}

func (q *Queue) classify(action Action, err error) recovery.ClassifiedError {
	if q.classifier != nil {
		return q.classifier.Report("queue."+action.Kind.String(), err)
	}
	return recovery.Classify(err, q.connectivity.Online())
}

func (q *Queue) load(ctx context.Context) ([]Action, error) {
	raw, found, err := q.store.Get(ctx, actionsKey)
	if err != nil {
		return nil, err
	}
	if !found || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var actions []Action
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, fmt.Errorf("queue: decode actions: %w", err)
	}
	return actions, nil
}

func (q *Queue) save(ctx context.Context, actions []Action) error {
	if len(actions) == 0 {
		return q.store.Remove(ctx, actionsKey)
	}
	payload, err := json.Marshal(actions)
	if err != nil {
		return err
	}
	return q.store.Set(ctx, actionsKey, string(payload))
}

func indexOf(actions []Action, actionID string) int {
	for index, action := range actions {
		if action.ID == actionID {
			return index
		}
	}
	return -1
}
