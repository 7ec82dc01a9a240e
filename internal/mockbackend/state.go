package mockbackend

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/game"
)

// state is the in-memory data behind the mock backend.
type state struct {
	mu             sync.Mutex
	sessions       map[string]*sessionRecord
	deviceSessions map[string]string
	accounts       map[string]*accountRecord
	clock          func() time.Time
	newID          func() string
}

type sessionRecord struct {
	info   game.SessionInfo
	data   game.SessionData
	orders []game.Order
}

type accountRecord struct {
	id             string
	email          string
	deviceID       string
	sessionID      string
	paymentMethods map[string]bool
	defaultMethod  string
}

func newState(clock func() time.Time, newID func() string) *state {
	return &state{
		sessions:       make(map[string]*sessionRecord),
		deviceSessions: make(map[string]string),
		accounts:       make(map[string]*accountRecord),
		clock:          clock,
		newID:          newID,
	}
}

// createSession returns the device's session, creating it when missing.
func (s *state) createSession(deviceID, displayName string) game.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID, ok := s.deviceSessions[deviceID]; ok {
		if record, ok := s.sessions[sessionID]; ok {
			return record.info
		}
	}
	sessionID := "sess_" + s.newID()
	record := s.ensureSession(sessionID)
	record.info.DeviceID = deviceID
	record.info.DisplayName = displayName
	record.data.Participants = append(record.data.Participants, game.Participant{
		ID:          deviceID,
		DisplayName: displayName,
		JoinedAt:    record.info.CreatedAt,
	})
	s.deviceSessions[deviceID] = sessionID
	return record.info
}

func (s *state) sessionForDevice(deviceID string) (game.SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID, ok := s.deviceSessions[deviceID]
	if !ok {
		return game.SessionInfo{}, false
	}
	record, ok := s.sessions[sessionID]
	if !ok {
		return game.SessionInfo{}, false
	}
	return record.info, true
}

// ensureSession must be called with mu held. Writes against unknown sessions create them
// so sessions synthesized while offline can still sync.
func (s *state) ensureSession(sessionID string) *sessionRecord {
	if record, ok := s.sessions[sessionID]; ok {
		return record
	}
	now := s.clock().UTC()
	record := &sessionRecord{
		info: game.SessionInfo{SessionID: sessionID, CreatedAt: now},
		data: game.SessionData{
			Meta: game.SessionMeta{ID: sessionID, Name: "Round " + sessionID, Status: "active", HoleCount: 18, StartedAt: now},
		},
	}
	s.sessions[sessionID] = record
	return record
}

func (s *state) confirm(id string) string {
	if id == "" || game.IsTentative(id) {
		return "srv_" + s.newID()
	}
	return id
}

func (s *state) recordScore(score game.Score) game.Score {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.ensureSession(score.SessionID)
	score.ID = s.confirm(score.ID)
	for index := range record.data.Scores {
		if record.data.Scores[index].NaturalKey() == score.NaturalKey() {
			record.data.Scores[index] = score
			return score
		}
	}
	record.data.Scores = append(record.data.Scores, score)
	return score
}

func (s *state) addPhoto(photo game.Photo) game.Photo {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.ensureSession(photo.SessionID)
	photo.ID = s.confirm(photo.ID)
	if photo.URL == "" {
		photo.URL = "https://photos.roundup.invalid/" + photo.ID
	}
	photo.DataB64 = ""
	record.data.Photos = append(record.data.Photos, photo)
	return photo
}

func (s *state) addOrder(order game.Order) game.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.ensureSession(order.SessionID)
	order.ID = s.confirm(order.ID)
	order.PaymentToken = ""
	record.orders = append(record.orders, order)
	return order
}

func (s *state) addPost(post game.SocialPost) game.SocialPost {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.ensureSession(post.SessionID)
	post.ID = s.confirm(post.ID)
	record.data.Posts = append([]game.SocialPost{post}, record.data.Posts...)
	return post
}

func (s *state) sessionData(sessionID string) (game.SessionData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return game.SessionData{}, false
	}
	data := record.data
	data.Participants = append([]game.Participant(nil), record.data.Participants...)
	data.Scores = append([]game.Score(nil), record.data.Scores...)
	data.Photos = append([]game.Photo(nil), record.data.Photos...)
	data.Posts = append([]game.SocialPost(nil), record.data.Posts...)
	return data, true
}

func (s *state) sessionState(sessionID string) (game.SessionState, bool) {
	data, ok := s.sessionData(sessionID)
	if !ok {
		return game.SessionState{}, false
	}
	totals := make(map[string]*game.Standing)
	for _, score := range data.Scores {
		standing, ok := totals[score.ParticipantID]
		if !ok {
			standing = &game.Standing{ParticipantID: score.ParticipantID}
			totals[score.ParticipantID] = standing
		}
		standing.TotalStrokes += score.Strokes
		standing.HolesPlayed++
	}
	leaderboard := make([]game.Standing, 0, len(totals))
	for _, standing := range totals {
		leaderboard = append(leaderboard, *standing)
	}
	sort.Slice(leaderboard, func(i, j int) bool {
		if leaderboard[i].TotalStrokes != leaderboard[j].TotalStrokes {
			return leaderboard[i].TotalStrokes < leaderboard[j].TotalStrokes
		}
		return leaderboard[i].ParticipantID < leaderboard[j].ParticipantID
	})
	return game.SessionState{
		Meta:         data.Meta,
		Participants: data.Participants,
		Leaderboard:  leaderboard,
		UpdatedAt:    s.clock().UTC(),
	}, true
}

func (s *state) promote(deviceID, sessionID, email string) *accountRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.accounts {
		if account.deviceID == deviceID {
			return account
		}
	}
	account := &accountRecord{
		id:        "acct_" + s.newID(),
		email:     strings.ToLower(strings.TrimSpace(email)),
		deviceID:  deviceID,
		sessionID: sessionID,
		paymentMethods: map[string]bool{
			"pm_card_visa":       true,
			"pm_card_mastercard": true,
		},
	}
	s.accounts[account.id] = account
	return account
}

// setDefaultMethod reports false when the account does not own methodID.
func (s *state) setDefaultMethod(accountID, methodID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok || !account.paymentMethods[methodID] {
		return false
	}
	account.defaultMethod = methodID
	return true
}

func (s *state) removeMethod(accountID, methodID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok || !account.paymentMethods[methodID] {
		return false
	}
	delete(account.paymentMethods, methodID)
	if account.defaultMethod == methodID {
		account.defaultMethod = ""
	}
	return true
}

func (s *state) defaultMethod(accountID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account, ok := s.accounts[accountID]; ok {
		return account.defaultMethod
	}
	return ""
}
