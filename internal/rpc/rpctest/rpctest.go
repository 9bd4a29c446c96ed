// Package rpctest provides in-memory rpc listeners and acceptors for tests.
package rpctest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mineclover/autobe/internal/domain"
	"github.com/mineclover/autobe/internal/rpc"
)

// Call is one recorded listener invocation.
type Call struct {
	Method  string
	Event   domain.Event
	Enabled bool
}

// Recorder is a Listener that records every call.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	// Fail, if set, decides whether the n-th call (0-based) fails.
	Fail func(n int) bool
	n    int
}

var _ rpc.Listener = (*Recorder)(nil)

// ErrInjected is returned by calls selected by Fail.
var ErrInjected = errors.New("injected delivery failure")

func (r *Recorder) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.n
	r.n++
	r.calls = append(r.calls, c)
	if r.Fail != nil && r.Fail(n) {
		return ErrInjected
	}
	return nil
}

func (r *Recorder) event(ev domain.Event) error {
	return r.record(Call{Method: string(ev.Kind()), Event: ev})
}

func (r *Recorder) UserMessage(_ context.Context, ev *domain.UserMessageEvent) error {
	return r.event(ev)
}

func (r *Recorder) AssistantMessage(_ context.Context, ev *domain.AssistantMessageEvent) error {
	return r.event(ev)
}

func (r *Recorder) PhaseStart(_ context.Context, ev *domain.PhaseStartEvent) error {
	return r.event(ev)
}

func (r *Recorder) PhaseComplete(_ context.Context, ev *domain.PhaseCompleteEvent) error {
	return r.event(ev)
}

func (r *Recorder) JSONParseError(_ context.Context, ev *domain.JSONParseErrorEvent) error {
	return r.event(ev)
}

func (r *Recorder) JSONValidateError(_ context.Context, ev *domain.JSONValidateErrorEvent) error {
	return r.event(ev)
}

func (r *Recorder) Enable(_ context.Context, enabled bool) error {
	return r.record(Call{Method: "enable", Enabled: enabled})
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Events returns the ids of delivered events in order.
func (r *Recorder) Events() []string {
	var ids []string
	for _, c := range r.Calls() {
		if c.Event != nil {
			ids = append(ids, c.Event.Meta().ID)
		}
	}
	return ids
}

// Enables returns the enable values delivered in order.
func (r *Recorder) Enables() []bool {
	var out []bool
	for _, c := range r.Calls() {
		if c.Method == "enable" {
			out = append(out, c.Enabled)
		}
	}
	return out
}

// Acceptor is an in-memory rpc.Acceptor.
type Acceptor struct {
	Listener *Recorder

	mu        sync.Mutex
	service   rpc.Service
	pingEvery time.Duration
	join      chan struct{}
	once      sync.Once
}

var _ rpc.Acceptor = (*Acceptor)(nil)

// NewAcceptor returns an open acceptor recording into a fresh Recorder.
func NewAcceptor() *Acceptor {
	return &Acceptor{Listener: &Recorder{}, join: make(chan struct{})}
}

func (a *Acceptor) Driver() rpc.Listener { return a.Listener }

func (a *Acceptor) Accept(svc rpc.Service) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.service != nil {
		return fmt.Errorf("already accepted")
	}
	a.service = svc
	return nil
}

func (a *Acceptor) Ping(interval time.Duration) {
	a.mu.Lock()
	a.pingEvery = interval
	a.mu.Unlock()
}

func (a *Acceptor) Join() <-chan struct{} { return a.join }

// Close terminates the fake connection.
func (a *Acceptor) Close() {
	a.once.Do(func() { close(a.join) })
}

// Service returns the accepted service.
func (a *Acceptor) Service() rpc.Service {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.service
}

// PingInterval returns the interval passed to Ping.
func (a *Acceptor) PingInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pingEvery
}
