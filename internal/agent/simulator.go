package agent

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/mineclover/autobe/internal/domain"
)

//go:embed scenario.yaml
var defaultScenario []byte

// Scenario is a scripted turn played by the simulator.
type Scenario struct {
	Name  string         `yaml:"name"`
	Steps []ScenarioStep `yaml:"steps"`
}

// ScenarioStep emits one event after a delay.
type ScenarioStep struct {
	Event    domain.EventType `yaml:"event"`
	Text     string           `yaml:"text"`
	Reason   string           `yaml:"reason"`
	Summary  string           `yaml:"summary"`
	Function string           `yaml:"function"`
	Errors   []string         `yaml:"errors"`
	DelayMs  int              `yaml:"delay_ms"`
	Usage    scenarioUsage    `yaml:"usage"`
}

type scenarioUsage struct {
	Input       int64 `yaml:"input"`
	CachedInput int64 `yaml:"cached_input"`
	Output      int64 `yaml:"output"`
	Reasoning   int64 `yaml:"reasoning"`
}

func (u scenarioUsage) tokens() domain.TokenUsage {
	return domain.TokenUsage{
		Input:       u.Input,
		CachedInput: u.CachedInput,
		Output:      u.Output,
		Reasoning:   u.Reasoning,
		Total:       u.Input + u.Output,
	}
}

// ParseScenario decodes and validates a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, errors.Wrap(err, "failed to parse scenario")
	}
	for i, step := range sc.Steps {
		if !step.Event.Valid() || step.Event == domain.EventTypeUserMessage {
			return nil, fmt.Errorf("scenario step %d: unsupported event %q", i, step.Event)
		}
	}
	return &sc, nil
}

// DefaultScenario returns the built-in scenario.
func DefaultScenario() *Scenario {
	sc, err := ParseScenario(defaultScenario)
	if err != nil {
		panic(err)
	}
	return sc
}

// SimulatorOptions configures a Simulator.
type SimulatorOptions struct {
	Scenario *Scenario
	// DelayScale multiplies every step delay. Zero plays without waiting.
	DelayScale float64
	Now        func() time.Time
}

// Simulator is an ephemeral agent that plays a scenario regardless of input.
type Simulator struct {
	base
	scenario *Scenario
	scale    float64
}

var _ Agent = (*Simulator)(nil)

// NewSimulator creates a simulator agent.
func NewSimulator(opts SimulatorOptions) *Simulator {
	sc := opts.Scenario
	if sc == nil {
		sc = DefaultScenario()
	}
	s := &Simulator{scenario: sc, scale: opts.DelayScale}
	s.init(opts.Now)
	return s
}

// Conversate plays the scenario once.
func (s *Simulator) Conversate(ctx context.Context, content string) ([]domain.History, error) {
	step := s.nextStep()
	histories := []domain.History{s.history(domain.HistoryTypeUserMessage, messageData{Contents: content})}
	s.Emit(&domain.UserMessageEvent{EventMeta: s.meta(), Contents: content})

	started := make(map[domain.Phase]time.Time)
	for _, st := range s.scenario.Steps {
		if err := s.wait(ctx, st.DelayMs); err != nil {
			return nil, err
		}
		s.usage.Add(st.Usage.tokens())

		switch st.Event {
		case domain.EventTypeAssistantMessage:
			s.Emit(&domain.AssistantMessageEvent{EventMeta: s.meta(), Text: st.Text})
			histories = append(histories, s.history(domain.HistoryTypeAssistantMessage, messageData{Text: st.Text}))
		case domain.EventTypeJSONParseError:
			s.Emit(&domain.JSONParseErrorEvent{EventMeta: s.meta(), Function: st.Function, ErrorMessage: st.Text})
		case domain.EventTypeJSONValidateError:
			s.Emit(&domain.JSONValidateErrorEvent{EventMeta: s.meta(), Function: st.Function, Errors: st.Errors})
		default:
			ev, err := domain.DecodeEvent(st.Event, nil)
			if err != nil {
				return nil, err
			}
			switch ev := ev.(type) {
			case *domain.PhaseStartEvent:
				ev.EventMeta, ev.Reason, ev.Step = s.meta(), st.Reason, step
				started[ev.Phase] = s.now()
				s.setPhase(ev.Phase)
				s.Emit(ev)
			case *domain.PhaseCompleteEvent:
				elapsed := s.now().Sub(started[ev.Phase]).Milliseconds()
				ev.EventMeta, ev.Summary, ev.Step, ev.ElapsedMs = s.meta(), st.Summary, step, elapsed
				s.Emit(ev)
				histories = append(histories, s.history(domain.HistoryType(ev.Phase), phaseData{
					Step:      step,
					ElapsedMs: elapsed,
					Summary:   st.Summary,
				}))
			}
		}
	}
	return histories, nil
}

func (s *Simulator) wait(ctx context.Context, delayMs int) error {
	d := time.Duration(float64(delayMs)*s.scale) * time.Millisecond
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
