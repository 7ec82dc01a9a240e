package game

import "time"

// SessionData is the full read model of a session as served by the backend.
type SessionData struct {
	Meta         SessionMeta   `json:"meta"`
	Participants []Participant `json:"participants"`
	Scores       []Score       `json:"scores"`
	Photos       []Photo       `json:"photos"`
	Posts        []SocialPost  `json:"posts"`
}

// Standing is one leaderboard row.
type Standing struct {
	ParticipantID string `json:"participant_id"`
	TotalStrokes  int    `json:"total_strokes"`
	HolesPlayed   int    `json:"holes_played"`
}

// SessionState is the lighter projection polled while a session is live.
type SessionState struct {
	Meta         SessionMeta   `json:"meta"`
	Participants []Participant `json:"participants"`
	Leaderboard  []Standing    `json:"leaderboard"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
