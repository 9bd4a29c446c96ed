// Package agent provides the agents a session can be bound to and the
// factory that builds them from a session's model.
package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mineclover/autobe/internal/domain"
)

// Listener receives one emitted event. Listeners run on the agent's goroutine
// and must not block.
type Listener func(domain.Event)

// Agent is a long-running autonomous agent driven one turn at a time.
type Agent interface {
	// On subscribes l to events of the given kind.
	On(kind domain.EventType, l Listener)
	// Usage returns the cumulative token counter of the agent.
	Usage() *UsageCounter
	// Phase returns the label of the pipeline phase the agent is in.
	Phase() string
	// Conversate runs one turn and returns the histories it produced.
	Conversate(ctx context.Context, content string) ([]domain.History, error)
}

// Emitter fans events out to listeners in subscription order.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[domain.EventType][]Listener
}

// On subscribes l to events of kind.
func (e *Emitter) On(kind domain.EventType, l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[domain.EventType][]Listener)
	}
	e.listeners[kind] = append(e.listeners[kind], l)
}

// Emit delivers ev to every listener of its kind.
func (e *Emitter) Emit(ev domain.Event) {
	e.mu.RLock()
	ls := e.listeners[ev.Kind()]
	e.mu.RUnlock()
	for _, l := range ls {
		l(ev)
	}
}

// UsageCounter is a concurrency-safe cumulative token counter.
type UsageCounter struct {
	mu    sync.Mutex
	usage domain.TokenUsage
}

// Snapshot returns the current counters.
func (c *UsageCounter) Snapshot() domain.TokenUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Assign replaces the counters.
func (c *UsageCounter) Assign(u domain.TokenUsage) {
	c.mu.Lock()
	c.usage = u
	c.mu.Unlock()
}

// Add accumulates u.
func (c *UsageCounter) Add(u domain.TokenUsage) {
	c.mu.Lock()
	c.usage = c.usage.Add(u)
	c.mu.Unlock()
}

// base holds the state shared by every agent implementation.
type base struct {
	Emitter
	usage UsageCounter
	now   func() time.Time

	mu    sync.RWMutex
	phase string
	step  int
}

func (b *base) init(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	b.now = now
}

func (b *base) Usage() *UsageCounter { return &b.usage }

func (b *base) Phase() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.phase
}

func (b *base) setPhase(p domain.Phase) {
	b.mu.Lock()
	b.phase = string(p)
	b.mu.Unlock()
}

// nextStep returns the turn counter used to tag phase events.
func (b *base) nextStep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.step++
	return b.step
}

// observe tracks the phase reported by an externally produced event.
func (b *base) observe(ev domain.Event) {
	if start, ok := ev.(*domain.PhaseStartEvent); ok {
		b.setPhase(start.Phase)
	}
}

func (b *base) meta() domain.EventMeta {
	return domain.NewEventMeta("evt_"+uuid.New().String()[:8], b.now().UTC())
}

func (b *base) history(kind domain.HistoryType, data any) domain.History {
	raw, _ := json.Marshal(data)
	return domain.History{
		ID:        "hist_" + uuid.New().String(),
		Type:      kind,
		CreatedAt: b.now().UTC(),
		Data:      raw,
	}
}

type messageData struct {
	Contents string `json:"contents,omitempty"`
	Text     string `json:"text,omitempty"`
}

type phaseData struct {
	Step      int    `json:"step"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Summary   string `json:"summary,omitempty"`
}
