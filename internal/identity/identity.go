package identity

import (
	"errors"
	"strings"
	"time"
)

// MaxAge is how long a local identity stays usable.
const MaxAge = 30 * 24 * time.Hour

const offlineSessionPrefix = "offline_"

var (
	// ErrIncompleteIdentity indicates that required identity fields are missing.
	ErrIncompleteIdentity = errors.New("identity: incomplete identity")
	// ErrIdentityExpired indicates that the identity is older than its maximum age.
	ErrIdentityExpired = errors.New("identity: identity expired")
)

// LocalIdentity is the device-scoped anonymous identity usable before an account exists.
// CreatedAt is stamped with the local clock whenever the identity is built; the backend's
// own session timestamp is kept in SessionCreatedAt.
type LocalIdentity struct {
	DeviceID         string    `json:"device_id"`
	SessionID        string    `json:"session_id"`
	DisplayName      string    `json:"display_name,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	SessionCreatedAt time.Time `json:"session_created_at,omitzero"`
	ActiveContextID  string    `json:"active_context_id,omitempty"`
}

// Offline reports whether the session id was synthesized on the device.
func (i LocalIdentity) Offline() bool {
	return IsOfflineSessionID(i.SessionID)
}

// IsOfflineSessionID reports whether id was synthesized without the backend.
func IsOfflineSessionID(id string) bool {
	return strings.HasPrefix(id, offlineSessionPrefix)
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
