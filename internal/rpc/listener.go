// Package rpc defines the contract between a bound agent and the client
// connection observing it.
package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/mineclover/autobe/internal/domain"
)

// Listener is the client-side surface events are delivered to.
// Every method may fail; callers treat delivery as best effort.
type Listener interface {
	UserMessage(ctx context.Context, ev *domain.UserMessageEvent) error
	AssistantMessage(ctx context.Context, ev *domain.AssistantMessageEvent) error
	PhaseStart(ctx context.Context, ev *domain.PhaseStartEvent) error
	PhaseComplete(ctx context.Context, ev *domain.PhaseCompleteEvent) error
	JSONParseError(ctx context.Context, ev *domain.JSONParseErrorEvent) error
	JSONValidateError(ctx context.Context, ev *domain.JSONValidateErrorEvent) error
	// Enable tells the client whether it may start a new turn.
	Enable(ctx context.Context, enabled bool) error
}

// Dispatch calls the listener method matching the event.
func Dispatch(ctx context.Context, l Listener, ev domain.Event) error {
	switch ev := ev.(type) {
	case *domain.UserMessageEvent:
		return l.UserMessage(ctx, ev)
	case *domain.AssistantMessageEvent:
		return l.AssistantMessage(ctx, ev)
	case *domain.PhaseStartEvent:
		return l.PhaseStart(ctx, ev)
	case *domain.PhaseCompleteEvent:
		return l.PhaseComplete(ctx, ev)
	case *domain.JSONParseErrorEvent:
		return l.JSONParseError(ctx, ev)
	case *domain.JSONValidateErrorEvent:
		return l.JSONValidateError(ctx, ev)
	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
}

// Service is what a connection may call on the bound agent.
type Service interface {
	Conversate(ctx context.Context, content string) error
	TokenUsage() domain.TokenUsage
	Phase() string
}

// Acceptor is one accepted client connection.
type Acceptor interface {
	// Driver returns the listener proxy for the remote client.
	Driver() Listener
	// Accept binds the service that serves the client's calls.
	Accept(svc Service) error
	// Ping starts a heartbeat at the given interval.
	Ping(interval time.Duration)
	// Join is closed once the connection has terminated.
	Join() <-chan struct{}
}
