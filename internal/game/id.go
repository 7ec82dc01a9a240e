package game

import (
	"strings"

	"github.com/google/uuid"
)

// TentativePrefix marks identifiers minted on the device before the backend confirmed
// the record.
const TentativePrefix = "local_"

// IDProvider issues identifiers for locally created values.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NewTentativeID returns a fresh client-originated record identifier.
func NewTentativeID(provider IDProvider) (string, error) {
	if provider == nil {
		provider = NewUUIDProvider()
	}
	id, err := provider.NewID()
	if err != nil {
		return "", err
	}
	return TentativePrefix + id, nil
}

// IsTentative reports whether id was minted locally and not yet confirmed.
func IsTentative(id string) bool {
	return strings.HasPrefix(id, TentativePrefix)
}

// WithID returns a copy of record carrying id.
func WithID(record Record, id string) Record {
	switch value := record.(type) {
	case Score:
		value.ID = id
		return value
	case Photo:
		value.ID = id
		return value
	case Order:
		value.ID = id
		return value
	case SocialPost:
		value.ID = id
		return value
	default:
		return record
	}
}

// EnsureTentativeID assigns a tentative identifier when the record has none.
func EnsureTentativeID(record Record, provider IDProvider) (Record, error) {
	if record == nil || strings.TrimSpace(record.RecordID()) != "" {
		return record, nil
	}
	id, err := NewTentativeID(provider)
	if err != nil {
		return nil, err
	}
	return WithID(record, id), nil
}

// RandomSuffix returns n lowercase alphanumeric characters drawn from a random UUID.
func RandomSuffix(n int) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n <= 0 || n > len(raw) {
		return raw
	}
	return raw[:n]
}
