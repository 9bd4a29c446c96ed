package rpc

import (
	"context"
	"sync"

	"github.com/mineclover/autobe/internal/agent"
	"github.com/mineclover/autobe/internal/domain"
)

// Hooks observe the start and end of each turn.
type Hooks struct {
	OnStart    func(ctx context.Context)
	OnComplete func(ctx context.Context, histories []domain.History)
	OnFailure  func(ctx context.Context, err error)
}

// AgentService serves a bound agent to one connection. Every agent event,
// diagnostics included, is forwarded to the listener in emission order from
// a dedicated goroutine so the agent never waits on the network.
type AgentService struct {
	agent    agent.Agent
	listener Listener
	hooks    Hooks
	onDrop   func(error)

	queue chan queued
	done  chan struct{}

	mu      sync.Mutex
	running bool
	closed  bool
	turns   sync.WaitGroup
}

var _ Service = (*AgentService)(nil)

// NewAgentService binds a to listener. onDrop is told about every event that
// could not be forwarded.
func NewAgentService(a agent.Agent, listener Listener, hooks Hooks, queueSize int, onDrop func(error)) *AgentService {
	if queueSize <= 0 {
		queueSize = 1
	}
	s := &AgentService{
		agent:    a,
		listener: listener,
		hooks:    hooks,
		onDrop:   onDrop,
		queue:    make(chan queued, queueSize),
		done:     make(chan struct{}),
	}
	for _, kind := range domain.EventTypes() {
		a.On(kind, s.enqueue)
	}
	go s.forward()
	return s
}

// queued is an event to forward, or a marker closed once every event
// before it has been forwarded.
type queued struct {
	event   domain.Event
	flushed chan struct{}
}

func (s *AgentService) enqueue(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.drop(domain.ErrConnectionClosed)
		return
	}
	select {
	case s.queue <- queued{event: ev}:
	default:
		s.drop(errQueueFull)
	}
}

// flush waits until the events of the finished turn have been forwarded.
func (s *AgentService) flush() {
	flushed := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue <- queued{flushed: flushed}
	s.mu.Unlock()
	<-flushed
}

func (s *AgentService) forward() {
	defer close(s.done)
	for q := range s.queue {
		if q.flushed != nil {
			close(q.flushed)
			continue
		}
		if err := Dispatch(context.Background(), s.listener, q.event); err != nil {
			s.drop(err)
		}
	}
}

func (s *AgentService) drop(err error) {
	if s.onDrop != nil {
		s.onDrop(err)
	}
}

// Conversate runs one turn. Only one turn may be in flight.
func (s *AgentService) Conversate(ctx context.Context, content string) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return domain.ErrConnectionClosed
	case s.running:
		s.mu.Unlock()
		return domain.ErrBusy
	}
	s.running = true
	s.turns.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.turns.Done()
	}()

	if s.hooks.OnStart != nil {
		s.hooks.OnStart(ctx)
	}
	histories, err := s.agent.Conversate(ctx, content)
	s.flush()
	if err != nil {
		if s.hooks.OnFailure != nil {
			s.hooks.OnFailure(ctx, err)
		}
		return err
	}
	if s.hooks.OnComplete != nil {
		s.hooks.OnComplete(ctx, histories)
	}
	return nil
}

// TokenUsage returns the agent's cumulative usage.
func (s *AgentService) TokenUsage() domain.TokenUsage {
	return s.agent.Usage().Snapshot()
}

// Phase returns the agent's current phase label.
func (s *AgentService) Phase() string {
	return s.agent.Phase()
}

// Close stops forwarding and refuses new turns. It returns once the running
// turn, if any, has finished.
func (s *AgentService) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	s.turns.Wait()
	<-s.done
}
