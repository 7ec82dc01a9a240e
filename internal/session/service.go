// Package session is the entry point the presentation layer calls. Writes go through the
// action queue and are mirrored into the identity temp buffers and the snapshot cache;
// reads prefer the backend and fall back to the snapshot merged with queued writes.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/auth"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/backend"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/game"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/identity"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/queue"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/recovery"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/snapshot"
)

var (
	// ErrSessionDataUnavailable indicates that neither the backend nor the snapshot cache
	// could serve a read.
	ErrSessionDataUnavailable = errors.New("session: session data unavailable")
	// ErrNoIdentity indicates that an operation needs a local identity and none exists.
	ErrNoIdentity = errors.New("session: no local identity")
	// ErrNotPromoted indicates that an account operation was attempted before promotion.
	ErrNotPromoted = errors.New("session: device has not been promoted to an account")
	// ErrOffline indicates that an operation requires connectivity.
	ErrOffline = errors.New("session: operation requires connectivity")
)

// Backend is the part of the backend surface used directly by the session layer.
type Backend interface {
	FetchSessionData(ctx context.Context, sessionID string) (game.SessionData, error)
	FetchSessionState(ctx context.Context, sessionID string) (game.SessionState, error)
	CreatePost(ctx context.Context, post game.SocialPost) (game.SocialPost, error)
	PromoteAccount(ctx context.Context, request backend.PromotionRequest) (backend.PromotionResult, error)
	SetDefaultPaymentMethod(ctx context.Context, accountToken, methodID string) error
	RemovePaymentMethod(ctx context.Context, accountToken, methodID string) error
}

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	Online() bool
}

// ServiceConfig wires the offline components together.
type ServiceConfig struct {
	Backend      Backend
	Identity     *identity.Service
	Queue        *queue.Queue
	Snapshots    *snapshot.Cache
	Recovery     *recovery.Handler
	Connectivity OnlineChecker
	IDProvider   game.IDProvider
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Service coordinates identity, queue, snapshot and recovery.
type Service struct {
	backend      Backend
	identity     *identity.Service
	queue        *queue.Queue
	snapshots    *snapshot.Cache
	recovery     *recovery.Handler
	connectivity OnlineChecker
	idProvider   game.IDProvider
	now          func() time.Time
	logger       *zap.Logger
}

// WriteResult reports the fate of a write.
type WriteResult struct {
	Record    game.Record
	Delivered bool
	Queued    bool
	// Failure is set when the write was rejected. Its UserMessage is safe to display.
	Failure *recovery.ClassifiedError
}

// DataView is a session read together with its provenance.
type DataView struct {
	Data      game.SessionData
	FromCache bool
	// CachedAt is the snapshot timestamp when FromCache is set.
	CachedAt time.Time
}

// AccountInfo describes the account a device was promoted to.
type AccountInfo struct {
	AccountID       string
	ActiveSessionID string
	Token           string
	ExpiresAt       time.Time
}

// NewService validates the dependencies and constructs the session service.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Backend == nil:
		return nil, newServiceError(opServiceNew, "missing_backend", errMissingBackend)
	case cfg.Identity == nil:
		return nil, newServiceError(opServiceNew, "missing_identity", errMissingIdentity)
	case cfg.Queue == nil:
		return nil, newServiceError(opServiceNew, "missing_queue", errMissingQueue)
	case cfg.Snapshots == nil:
		return nil, newServiceError(opServiceNew, "missing_snapshots", errMissingSnapshots)
	case cfg.Recovery == nil:
		return nil, newServiceError(opServiceNew, "missing_recovery", errMissingRecovery)
	case cfg.Connectivity == nil:
		return nil, newServiceError(opServiceNew, "missing_connectivity", errMissingConnectivity)
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
	return &Service{
		backend:      cfg.Backend,
		identity:     cfg.Identity,
		queue:        cfg.Queue,
		snapshots:    cfg.Snapshots,
		recovery:     cfg.Recovery,
		connectivity: cfg.Connectivity,
		idProvider:   idProvider,
		now:          clock,
		logger:       logger,
	}, nil
}

// Start returns the identity to run with, creating a session named displayName when
// the device has no usable identity.
func (s *Service) Start(ctx context.Context, displayName string) (identity.LocalIdentity, error) {
	cached, found, err := s.identity.CurrentCached(ctx)
	if err != nil {
		return identity.LocalIdentity{}, err
	}
	if found && s.identity.Validate(cached) {
		return s.identity.GetCurrentIdentity(ctx)
	}
	return s.identity.CreateSession(ctx, displayName)
}

// RecordScore records a score for a hole.
func (s *Service) RecordScore(ctx context.Context, score game.Score) (WriteResult, error) {
	if score.RecordedAt.IsZero() {
		score.RecordedAt = s.now().UTC()
	}
	return s.write(ctx, score, true)
}

// UploadPhoto records a photo.
func (s *Service) UploadPhoto(ctx context.Context, photo game.Photo) (WriteResult, error) {
	if photo.TakenAt.IsZero() {
		photo.TakenAt = s.now().UTC()
	}
	return s.write(ctx, photo, true)
}

// PlaceOrder records an order. Payment declines come back in WriteResult.Failure and are
// never retried.
func (s *Service) PlaceOrder(ctx context.Context, order game.Order) (WriteResult, error) {
	if order.PlacedAt.IsZero() {
		order.PlacedAt = s.now().UTC()
	}
	return s.write(ctx, order, false)
}

// CreatePost publishes a social post. Online it is sent directly under the recovery
// policy with the queue as fallback; offline it is queued.
func (s *Service) CreatePost(ctx context.Context, post game.SocialPost) (WriteResult, error) {
	if post.PostedAt.IsZero() {
		post.PostedAt = s.now().UTC()
	}
	if err := post.Validate(); err != nil {
		return WriteResult{}, err
	}
	record, err := game.EnsureTentativeID(post, s.idProvider)
	if err != nil {
		return WriteResult{}, err
	}
	post = record.(game.SocialPost)
	s.applySnapshot(ctx, post.SessionID, post)

	if !s.connectivity.Online() {
		if err := s.queue.Defer(ctx, post); err != nil {
			return WriteResult{}, err
		}
		return WriteResult{Record: post, Queued: true}, nil
	}

	result := s.recovery.Execute(ctx, "post.create", func(ctx context.Context) error {
		_, err := s.backend.CreatePost(ctx, post)
		return err
	}, recovery.Options{Fallback: recovery.EnqueueFallback(s.queue, post)})
	switch {
	case result.Success && result.FallbackUsed:
		return WriteResult{Record: post, Queued: true}, nil
	case result.Success:
		return WriteResult{Record: post, Delivered: true}, nil
	default:
		s.discardSnapshot(ctx, post.SessionID, post)
		return WriteResult{Record: post, Failure: result.Error}, nil
	}
}

func (s *Service) write(ctx context.Context, record game.Record, cached bool) (WriteResult, error) {
	if err := record.Validate(); err != nil {
		return WriteResult{}, err
	}
	record, err := game.EnsureTentativeID(record, s.idProvider)
	if err != nil {
		return WriteResult{}, err
	}
	if err := s.identity.RecordTemp(ctx, record); err != nil {
		return WriteResult{}, err
	}
	if cached {
		s.applySnapshot(ctx, sessionOf(record), record)
	}

	enqueued, err := s.queue.Enqueue(ctx, record)
	if err != nil {
		s.logError(opWrite, "enqueue_failed", err, zap.String("kind", record.Kind().String()), zap.String("record_id", record.RecordID()))
		return WriteResult{}, newServiceError(opWrite, "enqueue_failed", err)
	}
	result := WriteResult{Record: record, Delivered: enqueued.Delivered, Queued: enqueued.Queued}
	if enqueued.Err != nil && !enqueued.Queued {
		result.Failure = enqueued.Err
		if cached {
			s.discardSnapshot(ctx, sessionOf(record), record)
		}
		s.logger.Warn("write rejected",
			zap.String("kind", record.Kind().String()),
			zap.String("record_id", record.RecordID()),
			zap.String("error_kind", string(enqueued.Err.Kind)),
			zap.String("code", enqueued.Err.Code))
	}
	if !result.Queued {
		if err := s.pruneTemp(ctx, record.Kind(), record.RecordID()); err != nil {
			s.logger.Warn("pruning temp buffer failed", zap.Error(err))
		}
	}
	return result, nil
}

// GetSessionData returns live session data merged with this device's unsent writes.
// When the backend cannot serve it, the snapshot is used instead.
func (s *Service) GetSessionData(ctx context.Context, sessionID string) (DataView, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return DataView{}, snapshot.ErrMissingSessionID
	}
	scores, photos, err := s.unsent(ctx)
	if err != nil {
		return DataView{}, err
	}

	var failure *recovery.ClassifiedError
	if s.connectivity.Online() {
		var live game.SessionData
		result := s.recovery.Execute(ctx, "session.fetch", func(ctx context.Context) error {
			data, err := s.backend.FetchSessionData(ctx, sessionID)
			if err != nil {
				return err
			}
			live = data
			return nil
		}, recovery.Options{})
		if result.Success {
			if _, err := s.snapshots.Cache(ctx, sessionID, live); err != nil {
				s.logger.Warn("caching session snapshot failed", zap.String("session_id", sessionID), zap.Error(err))
			}
			return DataView{Data: snapshot.MergeRecords(live, sessionID, scores, photos)}, nil
		}
		failure = result.Error
		if failure != nil && failure.Kind == recovery.KindBackend && failure.Code == string(backend.CodeNotFound) {
			return DataView{}, failure
		}
	}

	cached, found, err := s.snapshots.MergeOffline(ctx, sessionID, scores, photos)
	if err != nil {
		return DataView{}, err
	}
	if !found {
		if failure != nil {
			return DataView{}, fmt.Errorf("%w: %w", ErrSessionDataUnavailable, failure)
		}
		return DataView{}, ErrSessionDataUnavailable
	}
	return DataView{Data: cached.SessionData, FromCache: true, CachedAt: cached.LastUpdated}, nil
}

// GetSessionState returns the leaderboard projection, falling back to its cached copy.
func (s *Service) GetSessionState(ctx context.Context, sessionID string) (game.SessionState, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return game.SessionState{}, false, snapshot.ErrMissingSessionID
	}
	var failure error
	if s.connectivity.Online() {
		state, err := s.backend.FetchSessionState(ctx, sessionID)
		if err == nil {
			if cacheErr := s.snapshots.CacheState(ctx, sessionID, state); cacheErr != nil {
				s.logger.Warn("caching session state failed", zap.Error(cacheErr))
			}
			return state, false, nil
		}
		classified := s.recovery.Report("session.state", err)
		failure = &classified
	}
	state, found, err := s.snapshots.GetState(ctx, sessionID)
	if err != nil {
		return game.SessionState{}, false, err
	}
	if !found {
		if failure != nil {
			return game.SessionState{}, false, fmt.Errorf("%w: %w", ErrSessionDataUnavailable, failure)
		}
		return game.SessionState{}, false, ErrSessionDataUnavailable
	}
	return state, true, nil
}

// SyncNow drains the queue and prunes temp buffers of delivered records.
func (s *Service) SyncNow(ctx context.Context) (queue.DrainResult, error) {
	result, err := s.queue.Drain(ctx)
	if err != nil {
		return result, err
	}
	for _, kind := range []game.Kind{game.KindScore, game.KindPhoto, game.KindOrder, game.KindPost} {
		if err := s.pruneTemp(ctx, kind, ""); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Status reports the queue status.
func (s *Service) Status(ctx context.Context) (queue.Status, error) {
	return s.queue.Status(ctx)
}

// PromoteAccount converts the local identity into an account. The backend migrates the
// session's records; locally the identity is cleared and the active session is kept.
func (s *Service) PromoteAccount(ctx context.Context, email, displayName string) (AccountInfo, error) {
	current, found, err := s.identity.CurrentCached(ctx)
	if err != nil {
		return AccountInfo{}, err
	}
	if !found {
		return AccountInfo{}, ErrNoIdentity
	}
	if !s.connectivity.Online() {
		return AccountInfo{}, ErrOffline
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = current.DisplayName
	}

	var promotion backend.PromotionResult
	result := s.recovery.Execute(ctx, "account.promote", func(ctx context.Context) error {
		response, err := s.backend.PromoteAccount(ctx, backend.PromotionRequest{
			DeviceID:    current.DeviceID,
			SessionID:   current.SessionID,
			Email:       strings.TrimSpace(email),
			DisplayName: strings.TrimSpace(displayName),
		})
		if err != nil {
			return err
		}
		promotion = response
		return nil
	}, recovery.Options{})
	if !result.Success {
		return AccountInfo{}, result.Error
	}

	claims, err := auth.ReadAccountToken(promotion.AccountToken, s.now())
	if err != nil {
		s.logError(opPromote, "invalid_account_token", err)
		return AccountInfo{}, newServiceError(opPromote, "invalid_account_token", err)
	}
	if claims.ActiveSessionID != "" && current.ActiveContextID == "" {
		current.ActiveContextID = claims.ActiveSessionID
	}
	if err := s.identity.PromoteToAccount(ctx, current, claims.AccountID); err != nil {
		return AccountInfo{}, newServiceError(opPromote, "local_promotion_failed", err)
	}
	if err := s.identity.SaveAccountToken(ctx, promotion.AccountToken); err != nil {
		return AccountInfo{}, newServiceError(opPromote, "token_persist_failed", err)
	}
	info := AccountInfo{AccountID: claims.AccountID, ActiveSessionID: claims.ActiveSessionID, Token: promotion.AccountToken}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

// SetDefaultPaymentMethod makes methodID the account's default payment method.
func (s *Service) SetDefaultPaymentMethod(ctx context.Context, methodID string) error {
	return s.accountCall(ctx, "payment_method.set_default", methodID, s.backend.SetDefaultPaymentMethod)
}

// RemovePaymentMethod detaches methodID from the account.
func (s *Service) RemovePaymentMethod(ctx context.Context, methodID string) error {
	return s.accountCall(ctx, "payment_method.remove", methodID, s.backend.RemovePaymentMethod)
}

func (s *Service) accountCall(ctx context.Context, operation, methodID string, call func(context.Context, string, string) error) error {
	methodID = strings.TrimSpace(methodID)
	if methodID == "" {
		return newServiceError(opAccount, "missing_method_id", errMissingMethodID)
	}
	token, ok, err := s.identity.AccountToken(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPromoted
	}
	if !s.connectivity.Online() {
		return ErrOffline
	}
	result := s.recovery.Execute(ctx, operation, func(ctx context.Context) error {
		return call(ctx, token, methodID)
	}, recovery.Options{})
	if !result.Success {
		return result.Error
	}
	return nil
}

// Logout clears identity and cached snapshots. Queued writes are kept so they still reach
// the backend.
func (s *Service) Logout(ctx context.Context) error {
	status, err := s.queue.Status(ctx)
	if err != nil {
		return err
	}
	if status.QueueLength > 0 {
		s.logger.Warn("logging out with queued actions", zap.Int("queue_length", status.QueueLength))
	}
	if err := s.identity.Clear(ctx); err != nil {
		return newServiceError(opLogout, "identity_clear_failed", err)
	}
	if err := s.snapshots.EvictAll(ctx); err != nil {
		s.logError(opLogout, "snapshot_evict_failed", err)
		return newServiceError(opLogout, "snapshot_evict_failed", err)
	}
	return nil
}

func (s *Service) applySnapshot(ctx context.Context, sessionID string, record game.Record) {
	if strings.TrimSpace(sessionID) == "" {
		return
	}
	if _, err := s.snapshots.ApplyIncremental(ctx, sessionID, record); err != nil {
		s.logger.Warn("updating cached snapshot failed",
			zap.String("session_id", sessionID),
			zap.String("kind", record.Kind().String()),
			zap.Error(err))
	}
}

// discardSnapshot drops the session snapshot after the backend rejected a record that was
// already applied to it. The next live read rebuilds it.
func (s *Service) discardSnapshot(ctx context.Context, sessionID string, record game.Record) {
	if strings.TrimSpace(sessionID) == "" {
		return
	}
	if err := s.snapshots.Evict(ctx, sessionID); err != nil {
		s.logger.Warn("evicting snapshot after rejected write failed",
			zap.String("session_id", sessionID),
			zap.String("record_id", record.RecordID()),
			zap.Error(err))
	}
}

func (s *Service) unsent(ctx context.Context) ([]game.Score, []game.Photo, error) {
	scores, err := s.queue.CachedScores(ctx)
	if err != nil {
		return nil, nil, err
	}
	photos, err := s.queue.CachedPhotos(ctx)
	if err != nil {
		return nil, nil, err
	}
	return scores, photos, nil
}

// pruneTemp keeps only the temp records of kind that are still queued, dropping
// exclude as well.
func (s *Service) pruneTemp(ctx context.Context, kind game.Kind, exclude string) error {
	actions, err := s.queue.Actions(ctx)
	if err != nil {
		return err
	}
	keep := make(map[string]struct{})
	for _, action := range actions {
		if action.Kind != kind {
			continue
		}
		record, err := action.Record()
		if err != nil || record.RecordID() == exclude {
			continue
		}
		keep[record.RecordID()] = struct{}{}
	}
	return s.identity.RetainTemp(ctx, kind, keep)
}

func sessionOf(record game.Record) string {
	switch value := record.(type) {
	case game.Score:
		return value.SessionID
	case game.Photo:
		return value.SessionID
	case game.Order:
		return value.SessionID
	case game.SocialPost:
		return value.SessionID
	default:
		return ""
	}
}
