package game

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind enumerates the record variants that can be written while offline.
type Kind string

const (
	// KindScore is a per-hole stroke count for one participant.
	KindScore Kind = "score"
	// KindPhoto is a photo captured during a session.
	KindPhoto Kind = "photo"
	// KindOrder is a food or beverage order.
	KindOrder Kind = "order"
	// KindPost is a social feed post.
	KindPost Kind = "social_post"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRecord indicates that a record is missing required fields.
	ErrInvalidRecord = errors.New("game: invalid record")
	// ErrUnknownKind indicates that a kind value is not one of the supported variants.
	ErrUnknownKind = errors.New("game: unknown record kind")
)

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindScore:
		return KindScore, nil
	case KindPhoto:
		return KindPhoto, nil
	case KindOrder:
		return KindOrder, nil
	case KindPost, "post":
		return KindPost, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, rawInput)
	}
}

// String returns the underlying kind label.
func (k Kind) String() string {
	return string(k)
}

// Location is a GPS fix attached to a record when the device supplied one.
type Location struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracy_m,omitempty"`
}

// Record is the closed set of writes the offline layer knows how to queue.
type Record interface {
	Kind() Kind
	RecordID() string
	Validate() error
	isRecord()
}

// Score is a stroke count for one hole.
type Score struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	ParticipantID string    `json:"participant_id"`
	HoleNumber    int       `json:"hole_number"`
	Strokes       int       `json:"strokes"`
	RecordedAt    time.Time `json:"recorded_at"`
	Location      *Location `json:"location,omitempty"`
}

func (Score) Kind() Kind         { return KindScore }
func (s Score) RecordID() string { return s.ID }
func (Score) isRecord()          {}

// NaturalKey identifies the participant and hole a score belongs to.
func (s Score) NaturalKey() string {
	return fmt.Sprintf("%s#%d", s.ParticipantID, s.HoleNumber)
}

// Validate reports whether the score carries the fields the backend requires.
func (s Score) Validate() error {
	if err := validateIdentifier("session_id", s.SessionID); err != nil {
		return err
	}
	if err := validateIdentifier("participant_id", s.ParticipantID); err != nil {
		return err
	}
	if s.HoleNumber < 1 {
		return fmt.Errorf("%w: hole_number must be positive, got %d", ErrInvalidRecord, s.HoleNumber)
	}
	if s.Strokes < 1 {
		return fmt.Errorf("%w: strokes must be positive, got %d", ErrInvalidRecord, s.Strokes)
	}
	return nil
}

// Photo is an image captured during a session, carried inline as base64.
type Photo struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	ParticipantID string    `json:"participant_id"`
	HoleNumber    int       `json:"hole_number,omitempty"`
	Caption       string    `json:"caption,omitempty"`
	ContentType   string    `json:"content_type"`
	DataB64       string    `json:"data_b64,omitempty"`
	URL           string    `json:"url,omitempty"`
	TakenAt       time.Time `json:"taken_at"`
	Location      *Location `json:"location,omitempty"`
}

func (Photo) Kind() Kind         { return KindPhoto }
func (p Photo) RecordID() string { return p.ID }
func (Photo) isRecord()          {}

// Validate reports whether the photo carries content to upload.
func (p Photo) Validate() error {
	if err := validateIdentifier("session_id", p.SessionID); err != nil {
		return err
	}
	if err := validateIdentifier("participant_id", p.ParticipantID); err != nil {
		return err
	}
	if strings.TrimSpace(p.DataB64) == "" && strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("%w: photo content required", ErrInvalidRecord)
	}
	return nil
}

// OrderItem is one line of a food or beverage order.
type OrderItem struct {
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// Order is a food or beverage order paid through the payment gateway.
type Order struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"session_id"`
	ParticipantID string      `json:"participant_id"`
	Items         []OrderItem `json:"items"`
	PaymentToken  string      `json:"payment_token,omitempty"`
	DeliveryHole  int         `json:"delivery_hole,omitempty"`
	PlacedAt      time.Time   `json:"placed_at"`
	Location      *Location   `json:"location,omitempty"`
}

func (Order) Kind() Kind         { return KindOrder }
func (o Order) RecordID() string { return o.ID }
func (Order) isRecord()          {}

// TotalCents sums the order lines.
func (o Order) TotalCents() int64 {
	var total int64
	for _, item := range o.Items {
		total += int64(item.Quantity) * item.UnitPriceCents
	}
	return total
}

// Validate reports whether the order has at least one purchasable line.
func (o Order) Validate() error {
	if err := validateIdentifier("session_id", o.SessionID); err != nil {
		return err
	}
	if err := validateIdentifier("participant_id", o.ParticipantID); err != nil {
		return err
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("%w: order requires items", ErrInvalidRecord)
	}
	for _, item := range o.Items {
		if item.Quantity < 1 {
			return fmt.Errorf("%w: item %q quantity must be positive", ErrInvalidRecord, item.SKU)
		}
	}
	return nil
}

// SocialPost is an entry in the session feed.
type SocialPost struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	ParticipantID string    `json:"participant_id"`
	Body          string    `json:"body"`
	PhotoID       string    `json:"photo_id,omitempty"`
	PostedAt      time.Time `json:"posted_at"`
	Location      *Location `json:"location,omitempty"`
}

func (SocialPost) Kind() Kind         { return KindPost }
func (p SocialPost) RecordID() string { return p.ID }
func (SocialPost) isRecord()          {}

// Validate reports whether the post has content.
func (p SocialPost) Validate() error {
	if err := validateIdentifier("session_id", p.SessionID); err != nil {
		return err
	}
	if err := validateIdentifier("participant_id", p.ParticipantID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Body) == "" && strings.TrimSpace(p.PhotoID) == "" {
		return fmt.Errorf("%w: post body or photo required", ErrInvalidRecord)
	}
	return nil
}

// Participant is one player within a session.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	TeamName    string    `json:"team_name,omitempty"`
	Handicap    int       `json:"handicap,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

// SessionMeta describes the session itself.
type SessionMeta struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CourseName string    `json:"course_name,omitempty"`
	Status     string    `json:"status"`
	HoleCount  int       `json:"hole_count"`
	StartedAt  time.Time `json:"started_at"`
}

// SessionInfo is what the backend returns when a device creates or resumes a session.
type SessionInfo struct {
	SessionID   string    `json:"session_id"`
	DeviceID    string    `json:"device_id"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func validateIdentifier(field, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%w: %s empty", ErrInvalidRecord, field)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidRecord, field, maxIdentifierLength)
	}
	return nil
}
