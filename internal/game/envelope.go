package game

import "fmt"

// Envelope is the persisted form of a Record. Exactly one payload field is set and it
// matches Kind.
type Envelope struct {
	Kind  Kind        `json:"kind"`
	Score *Score      `json:"score,omitempty"`
	Photo *Photo      `json:"photo,omitempty"`
	Order *Order      `json:"order,omitempty"`
	Post  *SocialPost `json:"post,omitempty"`
}

// Wrap converts a record into its persisted envelope.
func Wrap(record Record) (Envelope, error) {
	switch value := record.(type) {
	case Score:
		return Envelope{Kind: KindScore, Score: &value}, nil
	case Photo:
		return Envelope{Kind: KindPhoto, Photo: &value}, nil
	case Order:
		return Envelope{Kind: KindOrder, Order: &value}, nil
	case SocialPost:
		return Envelope{Kind: KindPost, Post: &value}, nil
	case nil:
		return Envelope{}, fmt.Errorf("%w: nil record", ErrInvalidRecord)
	default:
		return Envelope{}, fmt.Errorf("%w: %T", ErrUnknownKind, record)
	}
}

// Record returns the wrapped record, validating that the payload matches the kind.
func (envelope Envelope) Record() (Record, error) {
	switch envelope.Kind {
	case KindScore:
		if envelope.Score != nil {
			return *envelope.Score, nil
		}
	case KindPhoto:
		if envelope.Photo != nil {
			return *envelope.Photo, nil
		}
	case KindOrder:
		if envelope.Order != nil {
			return *envelope.Order, nil
		}
	case KindPost:
		if envelope.Post != nil {
			return *envelope.Post, nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, envelope.Kind)
	}
	return nil, fmt.Errorf("%w: %s envelope without payload", ErrInvalidRecord, envelope.Kind)
}
