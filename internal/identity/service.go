// Package identity owns the device identity, the current session identity and the
// temporary buffers that back optimistic UI updates.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/backend"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/game"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/kvstore"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/recovery"
)

const (
	deviceIDKey      = "device:id"
	currentKey       = "identity:current"
	activeContextKey = "identity:active_context"
	accountIDKey     = "account:id"
	accountTokenKey  = "account:token"
	tempKeyPrefix    = "temp:"

	randomSuffixLength = 9
)

// Backend is the session surface the identity service depends on.
type Backend interface {
	CreateSession(ctx context.Context, deviceID, displayName string) (game.SessionInfo, error)
	ResumeSession(ctx context.Context, deviceID string) (game.SessionInfo, error)
}

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	Online() bool
}

// Recoverer runs backend calls under the recovery policy.
type Recoverer interface {
	Execute(ctx context.Context, operation string, op recovery.Operation, opts recovery.Options) recovery.Result
}

// ServiceConfig describes the dependencies of the identity service.
type ServiceConfig struct {
	Store        kvstore.Store
	Backend      Backend
	Connectivity OnlineChecker
	Recovery     Recoverer
	MaxAge       time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Service manages the local identity.
type Service struct {
	store        kvstore.Store
	backend      Backend
	connectivity OnlineChecker
	recovery     Recoverer
	maxAge       time.Duration
	now          func() time.Time
	logger       *zap.Logger

	// cache holds the device id once read; it never changes for the life of the store.
	cache sync.Map
	mu    sync.Mutex
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Backend == nil {
		return nil, newServiceError(opServiceNew, "missing_backend", errMissingBackend)
	}
	if cfg.Connectivity == nil {
		return nil, newServiceError(opServiceNew, "missing_connectivity", errMissingConnectivity)
	}
	if cfg.Recovery == nil {
		return nil, newServiceError(opServiceNew, "missing_recovery", errMissingRecovery)
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = MaxAge
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
		store:        cfg.Store,
		backend:      cfg.Backend,
		connectivity: cfg.Connectivity,
		recovery:     cfg.Recovery,
		maxAge:       maxAge,
		now:          clock,
		logger:       logger,
	}, nil
}

// GetOrCreateDeviceID returns the persisted device id, generating it on first use.
func (s *Service) GetOrCreateDeviceID(ctx context.Context) (string, error) {
	if cached, ok := s.cache.Load(deviceIDKey); ok {
		if deviceID, ok := cached.(string); ok {
			return deviceID, nil
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID(ctx)
}

func (s *Service) deviceID(ctx context.Context) (string, error) {
	stored, found, err := s.store.Get(ctx, deviceIDKey)
	if err != nil {
		return "", s.fail(opDeviceID, reasonLoad, err)
	}
	deviceID := normalize(stored)
	if !found || deviceID == "" {
		deviceID = "device_" + strconv.FormatInt(s.now().UnixMilli(), 36) + "_" + game.RandomSuffix(randomSuffixLength)
		if err := s.store.Set(ctx, deviceIDKey, deviceID); err != nil {
			return "", s.fail(opDeviceID, reasonPersist, err)
		}
		s.logger.Info("generated device id", zap.String("device_id", deviceID))
	}
	s.cache.Store(deviceIDKey, deviceID)
	return deviceID, nil
}

// Check reports why identity is unusable, or nil when it is valid.
func (s *Service) Check(identity LocalIdentity) error {
	if normalize(identity.DeviceID) == "" || normalize(identity.SessionID) == "" || identity.CreatedAt.IsZero() {
		return ErrIncompleteIdentity
	}
	if s.now().Sub(identity.CreatedAt) > s.maxAge {
		return ErrIdentityExpired
	}
	return nil
}

// Validate reports whether identity is complete and younger than the maximum age.
func (s *Service) Validate(identity LocalIdentity) bool {
	return s.Check(identity) == nil
}

// CreateSession creates a backend session for this device and persists the identity.
// While offline, or when the backend cannot be reached, an offline session id is
// synthesized instead. Validation failures are returned to the caller.
func (s *Service) CreateSession(ctx context.Context, displayName string) (LocalIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createSession(ctx, normalize(displayName))
}

func (s *Service) createSession(ctx context.Context, displayName string) (LocalIdentity, error) {
	deviceID, err := s.deviceID(ctx)
	if err != nil {
		return LocalIdentity{}, err
	}
	activeContext, _, err := s.store.Get(ctx, activeContextKey)
	if err != nil {
		return LocalIdentity{}, s.fail(opCreateSession, reasonLoad, err)
	}

	var identity LocalIdentity
	if !s.connectivity.Online() {
		identity = s.offlineIdentity(deviceID, displayName)
	} else {
		result := s.recovery.Execute(ctx, "session.create", func(ctx context.Context) error {
			info, err := s.backend.CreateSession(ctx, deviceID, displayName)
			if err != nil {
				return err
			}
			identity = s.identityFromInfo(info, deviceID, displayName)
			return nil
		}, recovery.Options{
			Fallback: func(context.Context) error {
				identity = s.offlineIdentity(deviceID, displayName)
				return nil
			},
		})
		if !result.Success {
			return LocalIdentity{}, newServiceError(opCreateSession, "backend_rejected", result.Error)
		}
	}
	identity.ActiveContextID = normalize(activeContext)
	if err := s.persist(ctx, identity); err != nil {
		return LocalIdentity{}, s.fail(opCreateSession, reasonPersist, err, zap.String("session_id", identity.SessionID))
	}
	s.logger.Info("session identity created",
		zap.String("device_id", identity.DeviceID),
		zap.String("session_id", identity.SessionID),
		zap.Bool("offline", identity.Offline()))
	return identity, nil
}

// ResumeSession looks up the backend session for deviceID, or this device when empty.
// When the backend has no session but a local identity exists for the device, the
// session is recreated. It returns nil when neither side knows the device, and offline
// without a local identity it returns nil without asking the backend.
func (s *Service) ResumeSession(ctx context.Context, deviceID string) (*LocalIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deviceID = normalize(deviceID)
	if deviceID == "" {
		var err error
		deviceID, err = s.deviceID(ctx)
		if err != nil {
			return nil, err
		}
	}
	local, hasLocal, err := s.load(ctx)
	if err != nil {
		return nil, s.fail(opResumeSession, reasonLoad, err)
	}
	hasLocal = hasLocal && local.DeviceID == deviceID
	if !s.connectivity.Online() {
		if !hasLocal {
			return nil, nil
		}
		return &local, nil
	}

	info, err := s.backend.ResumeSession(ctx, deviceID)
	switch {
	case err == nil:
		identity := s.identityFromInfo(info, deviceID, local.DisplayName)
		if hasLocal {
			identity.ActiveContextID = local.ActiveContextID
			if identity.DisplayName == "" {
				identity.DisplayName = local.DisplayName
			}
		}
		if err := s.persist(ctx, identity); err != nil {
			return nil, s.fail(opResumeSession, reasonPersist, err, zap.String("session_id", identity.SessionID))
		}
		return &identity, nil
	case backend.IsNotFound(err):
		if !hasLocal {
			return nil, nil
		}
		s.logger.Info("backend lost session, recreating", zap.String("device_id", deviceID), zap.String("session_id", local.SessionID))
		identity, err := s.createSession(ctx, local.DisplayName)
		if err != nil {
			return nil, err
		}
		return &identity, nil
	default:
		if hasLocal {
			s.logger.Warn("session resume failed, using local identity", zap.String("device_id", deviceID), zap.Error(err))
			return &local, nil
		}
		return nil, err
	}
}

// GetCurrentIdentity returns the identity to use right now. Offline it never calls the
// backend. Online it verifies the cached identity and falls back to it when verification
// fails. A missing or invalid identity is replaced by a new session.
func (s *Service) GetCurrentIdentity(ctx context.Context) (LocalIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cached, found, err := s.load(ctx)
	if err != nil {
		return LocalIdentity{}, s.fail(opCurrent, reasonLoad, err)
	}
	if found {
		if checkErr := s.Check(cached); checkErr != nil {
			s.logger.Info("discarding local identity", zap.String("session_id", cached.SessionID), zap.Error(checkErr))
			if err := s.store.Remove(ctx, currentKey); err != nil {
				return LocalIdentity{}, err
			}
			found = false
		}
	}
	if !found {
		return s.createSession(ctx, "")
	}
	if !s.connectivity.Online() {
		return cached, nil
	}
	if cached.Offline() {
		return s.upgrade(ctx, cached), nil
	}

	info, err := s.backend.ResumeSession(ctx, cached.DeviceID)
	if err != nil {
		if backend.IsNotFound(err) {
			identity, createErr := s.createSession(ctx, cached.DisplayName)
			if createErr == nil {
				return identity, nil
			}
			err = createErr
		}
		s.logger.Warn("identity verification failed, using cached identity", zap.String("session_id", cached.SessionID), zap.Error(err))
		return cached, nil
	}
	if info.SessionID != "" && info.SessionID != cached.SessionID {
		cached.SessionID = info.SessionID
		if err := s.persist(ctx, cached); err != nil {
			return LocalIdentity{}, s.fail(opCurrent, reasonPersist, err, zap.String("session_id", cached.SessionID))
		}
	}
	return cached, nil
}

// upgrade swaps an offline session id for a backend session once connectivity returns.
// Any failure keeps the offline identity.
func (s *Service) upgrade(ctx context.Context, offline LocalIdentity) LocalIdentity {
	info, err := s.backend.CreateSession(ctx, offline.DeviceID, offline.DisplayName)
	if err != nil {
		s.logger.Debug("offline identity upgrade deferred", zap.String("session_id", offline.SessionID), zap.Error(err))
		return offline
	}
	upgraded := s.identityFromInfo(info, offline.DeviceID, offline.DisplayName)
	upgraded.ActiveContextID = offline.ActiveContextID
	if err := s.persist(ctx, upgraded); err != nil {
		s.logger.Warn("persisting upgraded identity failed", zap.Error(err))
		return offline
	}
	s.logger.Info("offline identity upgraded",
		zap.String("offline_session_id", offline.SessionID),
		zap.String("session_id", upgraded.SessionID))
	return upgraded
}

// CurrentCached returns the persisted identity without contacting the backend.
func (s *Service) CurrentCached(ctx context.Context) (LocalIdentity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// RecordTemp appends record to its per-kind buffer.
func (s *Service) RecordTemp(ctx context.Context, record game.Record) error {
	if record == nil {
		return fmt.Errorf("%w: nil record", game.ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tempKeyPrefix + record.Kind().String()
	envelopes, err := s.loadTemp(ctx, key)
	if err != nil {
		return err
	}
	envelope, err := game.Wrap(record)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(append(envelopes, envelope))
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, key, string(payload)); err != nil {
		return s.fail(opRecordTemp, reasonPersist, err, zap.String("kind", record.Kind().String()))
	}
	return nil
}

// TempRecords returns the buffered records of kind in insertion order.
func (s *Service) TempRecords(ctx context.Context, kind game.Kind) ([]game.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	envelopes, err := s.loadTemp(ctx, tempKeyPrefix+kind.String())
	if err != nil {
		return nil, err
	}
	records := make([]game.Record, 0, len(envelopes))
	for _, envelope := range envelopes {
		record, err := envelope.Record()
		if err != nil {
			s.logger.Warn("skipping unreadable temp record", zap.String("kind", kind.String()), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// RetainTemp drops buffered records of kind whose id is not in keep.
func (s *Service) RetainTemp(ctx context.Context, kind game.Kind, keep map[string]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tempKeyPrefix + kind.String()
	envelopes, err := s.loadTemp(ctx, key)
	if err != nil || len(envelopes) == 0 {
		return err
	}
	retained := envelopes[:0]
	for _, envelope := range envelopes {
		record, err := envelope.Record()
		if err != nil {
			continue
		}
		if _, ok := keep[record.RecordID()]; ok {
			retained = append(retained, envelope)
		}
	}
	if len(retained) == 0 {
		return s.store.Remove(ctx, key)
	}
	payload, err := json.Marshal(retained)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, key, string(payload))
}

// ClearTemp empties the buffer for kind.
func (s *Service) ClearTemp(ctx context.Context, kind game.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Remove(ctx, tempKeyPrefix+kind.String())
}

// PromoteToAccount is called after the account conversion succeeded. It clears local
// session state and keeps the active context so the authenticated user stays in the
// same session.
func (s *Service) PromoteToAccount(ctx context.Context, identity LocalIdentity, accountID string) error {
	accountID = normalize(accountID)
	if accountID == "" {
		return newServiceError(opPromote, reasonMissingArg, errMissingAccountID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	activeContext := normalize(identity.ActiveContextID)
	if activeContext == "" {
		activeContext = normalize(identity.SessionID)
	}
	if err := s.clearSession(ctx); err != nil {
		return s.fail(opPromote, "clear_failed", err)
	}
	if activeContext != "" {
		if err := s.store.Set(ctx, activeContextKey, activeContext); err != nil {
			return s.fail(opPromote, reasonPersist, err)
		}
	}
	if err := s.store.Set(ctx, accountIDKey, accountID); err != nil {
		return s.fail(opPromote, reasonPersist, err, zap.String("account_id", accountID))
	}
	s.logger.Info("local identity promoted",
		zap.String("device_id", identity.DeviceID),
		zap.String("account_id", accountID),
		zap.String("active_context", activeContext))
	return nil
}

// AccountID returns the account the device was promoted to, if any.
func (s *Service) AccountID(ctx context.Context) (string, bool, error) {
	value, found, err := s.store.Get(ctx, accountIDKey)
	if err != nil || !found {
		return "", false, err
	}
	return value, normalize(value) != "", nil
}

// SaveAccountToken stores the bearer token issued at promotion.
func (s *Service) SaveAccountToken(ctx context.Context, token string) error {
	token = normalize(token)
	if token == "" {
		return newServiceError(opSaveToken, reasonMissingArg, errMissingAccountToken)
	}
	if err := s.store.Set(ctx, accountTokenKey, token); err != nil {
		return s.fail(opSaveToken, reasonPersist, err)
	}
	return nil
}

// AccountToken returns the stored account bearer token, if any.
func (s *Service) AccountToken(ctx context.Context) (string, bool, error) {
	value, found, err := s.store.Get(ctx, accountTokenKey)
	if err != nil || !found {
		return "", false, err
	}
	return value, normalize(value) != "", nil
}

// JoinContext records sessionID as the session the user is currently part of.
func (s *Service) JoinContext(ctx context.Context, sessionID string) error {
	sessionID = normalize(sessionID)
	if sessionID == "" {
		return newServiceError(opJoinContext, reasonMissingArg, errMissingSessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Set(ctx, activeContextKey, sessionID); err != nil {
		return s.fail(opJoinContext, reasonPersist, err)
	}
	current, found, err := s.load(ctx)
	if err != nil || !found {
		return err
	}
	current.ActiveContextID = sessionID
	return s.persist(ctx, current)
}

// ActiveContext returns the session the user last joined.
func (s *Service) ActiveContext(ctx context.Context) (string, bool, error) {
	value, found, err := s.store.Get(ctx, activeContextKey)
	if err != nil || !found {
		return "", false, err
	}
	return value, normalize(value) != "", nil
}

// Clear removes the session identity, temp buffers, active context and account link.
// The device id survives.
func (s *Service) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.clearSession(ctx); err != nil {
		return s.fail(opClear, "clear_failed", err)
	}
	for _, key := range []string{activeContextKey, accountIDKey, accountTokenKey} {
		if err := s.store.Remove(ctx, key); err != nil {
			return s.fail(opClear, "remove_failed", err, zap.String("key", key))
		}
	}
	return nil
}

func (s *Service) clearSession(ctx context.Context) error {
	if err := s.store.Remove(ctx, currentKey); err != nil {
		return err
	}
	keys, err := s.store.Keys(ctx, tempKeyPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.store.Remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) offlineIdentity(deviceID, displayName string) LocalIdentity {
	now := s.now().UTC()
	return LocalIdentity{
		DeviceID:    deviceID,
		SessionID:   offlineSessionPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "_" + game.RandomSuffix(randomSuffixLength),
		DisplayName: displayName,
		CreatedAt:   now,
	}
}

func (s *Service) identityFromInfo(info game.SessionInfo, deviceID, displayName string) LocalIdentity {
	identity := LocalIdentity{
		DeviceID:         deviceID,
		SessionID:        normalize(info.SessionID),
		DisplayName:      normalize(info.DisplayName),
		CreatedAt:        s.now().UTC(),
		SessionCreatedAt: info.CreatedAt.UTC(),
	}
	if identity.DisplayName == "" {
		identity.DisplayName = displayName
	}
	return identity
}

func (s *Service) load(ctx context.Context) (LocalIdentity, bool, error) {
	raw, found, err := s.store.Get(ctx, currentKey)
	if err != nil || !found {
		return LocalIdentity{}, false, err
	}
	var identity LocalIdentity
	if err := json.Unmarshal([]byte(raw), &identity); err != nil {
		s.logger.Warn("discarding unreadable identity", zap.Error(err))
		return LocalIdentity{}, false, s.store.Remove(ctx, currentKey)
	}
	return identity, true, nil
}

func (s *Service) persist(ctx context.Context, identity LocalIdentity) error {
	payload, err := json.Marshal(identity)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, currentKey, string(payload))
}

func (s *Service) loadTemp(ctx context.Context, key string) ([]game.Envelope, error) {
	raw, found, err := s.store.Get(ctx, key)
	if err != nil || !found {
		return nil, err
	}
	var envelopes []game.Envelope
	if err := json.Unmarshal([]byte(raw), &envelopes); err != nil {
		s.logger.Warn("discarding unreadable temp buffer", zap.String("key", key), zap.Error(err))
		return nil, s.store.Remove(ctx, key)
	}
	return envelopes, nil
}
