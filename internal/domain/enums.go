// Package domain defines the core domain models for the hackathon session server.
package domain

// EventType names one kind of agent event. It doubles as the RPC method name
// the listener is called with.
type EventType string

const (
	EventTypeUserMessage       EventType = "userMessage"
	EventTypeAssistantMessage  EventType = "assistantMessage"
	EventTypeAnalyzeStart      EventType = "analyzeStart"
	EventTypeAnalyzeComplete   EventType = "analyzeComplete"
	EventTypeDatabaseStart     EventType = "databaseStart"
	EventTypeDatabaseComplete  EventType = "databaseComplete"
	EventTypeInterfaceStart    EventType = "interfaceStart"
	EventTypeInterfaceComplete EventType = "interfaceComplete"
	EventTypeTestStart         EventType = "testStart"
	EventTypeTestComplete      EventType = "testComplete"
	EventTypeRealizeStart      EventType = "realizeStart"
	EventTypeRealizeComplete   EventType = "realizeComplete"

	// Diagnostics are forwarded live but never archived.
	EventTypeJSONParseError    EventType = "jsonParseError"
	EventTypeJSONValidateError EventType = "jsonValidateError"
)

var eventTypes = []EventType{
	EventTypeUserMessage,
	EventTypeAssistantMessage,
	EventTypeAnalyzeStart,
	EventTypeAnalyzeComplete,
	EventTypeDatabaseStart,
	EventTypeDatabaseComplete,
	EventTypeInterfaceStart,
	EventTypeInterfaceComplete,
	EventTypeTestStart,
	EventTypeTestComplete,
	EventTypeRealizeStart,
	EventTypeRealizeComplete,
	EventTypeJSONParseError,
	EventTypeJSONValidateError,
}

// EventTypes returns every event kind an agent may emit.
func EventTypes() []EventType {
	out := make([]EventType, len(eventTypes))
	copy(out, eventTypes)
	return out
}

// Valid reports whether t is a known event kind.
func (t EventType) Valid() bool {
	for _, known := range eventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Diagnostic reports whether t is a transient diagnostic kind.
func (t EventType) Diagnostic() bool {
	return t == EventTypeJSONParseError || t == EventTypeJSONValidateError
}

// Phase is a stage of the agent's pipeline.
type Phase string

const (
	PhaseAnalyze   Phase = "analyze"
	PhaseDatabase  Phase = "database"
	PhaseInterface Phase = "interface"
	PhaseTest      Phase = "test"
	PhaseRealize   Phase = "realize"
)

var phases = []Phase{PhaseAnalyze, PhaseDatabase, PhaseInterface, PhaseTest, PhaseRealize}

// Phases returns the pipeline stages in execution order.
func Phases() []Phase {
	out := make([]Phase, len(phases))
	copy(out, phases)
	return out
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	for _, known := range phases {
		if p == known {
			return true
		}
	}
	return false
}

// StartEvent returns the event kind announcing the phase.
func (p Phase) StartEvent() EventType { return EventType(string(p) + "Start") }

// CompleteEvent returns the event kind closing the phase.
func (p Phase) CompleteEvent() EventType { return EventType(string(p) + "Complete") }

// phaseOf splits a phase event kind into its phase and whether it starts it.
func phaseOf(t EventType) (Phase, bool, bool) {
	for _, p := range phases {
		switch t {
		case p.StartEvent():
			return p, true, true
		case p.CompleteEvent():
			return p, false, true
		}
	}
	return "", false, false
}

// HistoryType represents the kind of an archived history record.
type HistoryType string

const (
	HistoryTypeUserMessage      HistoryType = "userMessage"
	HistoryTypeAssistantMessage HistoryType = "assistantMessage"
	HistoryTypeAnalyze          HistoryType = "analyze"
	HistoryTypeDatabase         HistoryType = "database"
	HistoryTypeInterface        HistoryType = "interface"
	HistoryTypeTest             HistoryType = "test"
	HistoryTypeRealize          HistoryType = "realize"
)

// ConnectionMode is the entry flow a connection was opened with.
type ConnectionMode string

const (
	ConnectionModeConnect  ConnectionMode = "connect"
	ConnectionModeReplay   ConnectionMode = "replay"
	ConnectionModeSimulate ConnectionMode = "simulate"
)

// Valid reports whether m is a known mode.
func (m ConnectionMode) Valid() bool {
	switch m {
	case ConnectionModeConnect, ConnectionModeReplay, ConnectionModeSimulate:
		return true
	}
	return false
}
