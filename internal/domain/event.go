package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is a serializable agent event. The set of implementations is closed;
// consumers switch on the concrete type.
type Event interface {
	Kind() EventType
	Meta() EventMeta
	isEvent()
}

// EventMeta carries fields common to every event.
type EventMeta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Meta returns the common fields.
func (m EventMeta) Meta() EventMeta { return m }

func (EventMeta) isEvent() {}

// NewEventMeta stamps a fresh event id and creation time.
func NewEventMeta(id string, at time.Time) EventMeta {
	return EventMeta{ID: id, CreatedAt: at}
}

// UserMessageEvent echoes a user turn.
type UserMessageEvent struct {
	EventMeta
	Contents string `json:"contents"`
}

func (*UserMessageEvent) Kind() EventType { return EventTypeUserMessage }

// AssistantMessageEvent carries a reply from the agent.
type AssistantMessageEvent struct {
	EventMeta
	Text string `json:"text"`
}

func (*AssistantMessageEvent) Kind() EventType { return EventTypeAssistantMessage }

// PhaseStartEvent announces that a pipeline phase began.
type PhaseStartEvent struct {
	EventMeta
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason,omitempty"`
	Step   int    `json:"step"`
}

func (e *PhaseStartEvent) Kind() EventType { return e.Phase.StartEvent() }

// PhaseCompleteEvent announces that a pipeline phase finished.
type PhaseCompleteEvent struct {
	EventMeta
	Phase     Phase  `json:"phase"`
	Step      int    `json:"step"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Summary   string `json:"summary,omitempty"`
}

func (e *PhaseCompleteEvent) Kind() EventType { return e.Phase.CompleteEvent() }

// JSONParseErrorEvent reports that a model produced unparsable function arguments.
type JSONParseErrorEvent struct {
	EventMeta
	Function     string `json:"function"`
	Arguments    string `json:"arguments"`
	ErrorMessage string `json:"error_message"`
}

func (*JSONParseErrorEvent) Kind() EventType { return EventTypeJSONParseError }

// JSONValidateErrorEvent reports that function arguments failed validation.
type JSONValidateErrorEvent struct {
	EventMeta
	Function string   `json:"function"`
	Errors   []string `json:"errors"`
}

func (*JSONValidateErrorEvent) Kind() EventType { return EventTypeJSONValidateError }

// DecodeEvent builds the concrete event for kind from its JSON payload.
func DecodeEvent(kind EventType, payload []byte) (Event, error) {
	var ev Event
	switch kind {
	case EventTypeUserMessage:
		ev = &UserMessageEvent{}
	case EventTypeAssistantMessage:
		ev = &AssistantMessageEvent{}
	case EventTypeJSONParseError:
		ev = &JSONParseErrorEvent{}
	case EventTypeJSONValidateError:
		ev = &JSONValidateErrorEvent{}
	default:
		phase, start, ok := phaseOf(kind)
		if !ok {
			return nil, fmt.Errorf("unknown event type %q", kind)
		}
		if start {
			ev = &PhaseStartEvent{Phase: phase}
		} else {
			ev = &PhaseCompleteEvent{Phase: phase}
		}
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s event: %w", kind, err)
		}
	}
	if ev.Kind() != kind {
		return nil, fmt.Errorf("event payload phase does not match type %q", kind)
	}
	return ev, nil
}
