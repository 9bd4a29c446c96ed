package domain

import (
	"encoding/json"
	"time"
)

// Session is a persistent unit of work observed across connections.
type Session struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Timezone  string    `json:"timezone"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionAggregate is the mutable liveness row of a session.
// Enabled is false while a run is in progress.
type SessionAggregate struct {
	SessionID  string     `json:"session_id"`
	Enabled    bool       `json:"enabled"`
	Phase      string     `json:"phase,omitempty"`
	TokenUsage TokenUsage `json:"token_usage"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// AggregateUpdate is a partial update. Nil fields are left untouched.
type AggregateUpdate struct {
	Enabled    *bool
	Phase      *string
	TokenUsage *TokenUsage
}

// Connection is one live transport link to a session.
type Connection struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Mode       ConnectionMode `json:"mode"`
	CreatedAt  time.Time      `json:"created_at"`
	LastSeenAt time.Time      `json:"last_seen_at"`
}

// History is an immutable result record produced by a completed run.
type History struct {
	ID        string          `json:"id"`
	Type      HistoryType     `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventSnapshot is one archived event plus the token usage valid when it was emitted.
type EventSnapshot struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	ConnectionID string     `json:"connection_id"`
	CreatedAt    time.Time  `json:"created_at"`
	Event        Event      `json:"-"`
	TokenUsage   TokenUsage `json:"token_usage"`
}

// MarshalJSON renders the event alongside its kind.
func (s EventSnapshot) MarshalJSON() ([]byte, error) {
	type alias EventSnapshot
	var (
		kind    EventType
		payload json.RawMessage
	)
	if s.Event != nil {
		kind = s.Event.Kind()
		data, err := json.Marshal(s.Event)
		if err != nil {
			return nil, err
		}
		payload = data
	}
	return json.Marshal(struct {
		alias
		Type  EventType       `json:"type"`
		Event json.RawMessage `json:"event,omitempty"`
	}{alias: alias(s), Type: kind, Event: payload})
}
