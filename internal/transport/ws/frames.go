// Package ws adapts a gorilla websocket connection to the rpc.Acceptor contract.
package ws

import "encoding/json"

// Frame types
const (
	TypeEvent  = "event"
	TypeEnable = "enable"
	TypeCall   = "call"
	TypeResult = "result"
	TypeError  = "error"
)

// Callable methods
const (
	MethodConversate    = "conversate"
	MethodGetTokenUsage = "getTokenUsage"
	MethodGetPhase      = "getPhase"
)

// Frame is the single JSON envelope used in both directions.
type Frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ConversateParams is accepted either as a bare string or as this object.
type ConversateParams struct {
	Content string `json:"content"`
}

func decodeContent(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var p ConversateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}
	return p.Content, nil
}
