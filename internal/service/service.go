// Package service implements session resumption: replaying a session's
// archived events to a new connection, bridging into its live run and
// persisting what the bound agent produces.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mineclover/autobe/internal/agent"
	"github.com/mineclover/autobe/internal/config"
	"github.com/mineclover/autobe/internal/domain"
	"github.com/mineclover/autobe/internal/observability"
	"github.com/mineclover/autobe/internal/policy"
	"github.com/mineclover/autobe/internal/repository"
)

// AgentFactory builds the agents connections are bound to.
type AgentFactory interface {
	New(ctx context.Context, session domain.Session, histories []domain.History) (agent.Agent, error)
	Simulator(ctx context.Context) (agent.Agent, error)
}

// Store is the durable state the service reads and writes.
type Store interface {
	repository.SessionStore
	repository.AggregateStore
	repository.SnapshotLog
	repository.HistoryArchive
}

type Service struct {
	store        Store
	registry     repository.ConnectionRegistry
	factory      AgentFactory
	config       *config.Config
	policyEngine *policy.Engine
	metrics      *observability.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// New creates the service. A nil policy engine keeps requested modes as is;
// nil metrics register on a private registry.
func New(store Store, registry repository.ConnectionRegistry, factory AgentFactory, cfg *config.Config, policyEngine *policy.Engine, metrics *observability.Metrics) *Service {
	if metrics == nil {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	return &Service{
		store:        store,
		registry:     registry,
		factory:      factory,
		config:       cfg,
		policyEngine: policyEngine,
		metrics:      metrics,
		logger:       observability.Logger(),
		now:          time.Now,
	}
}

// drop is the single place best-effort failures are swallowed.
func (s *Service) drop(ctx context.Context, stage string, err error) {
	s.metrics.Dropped.WithLabelValues(stage).Inc()
	observability.LoggerFromContext(ctx).Warn("best-effort operation dropped",
		"stage", stage,
		"error", err)
}

func (s *Service) setEnabled(ctx context.Context, sessionID string, enabled bool) {
	err := s.store.UpdateAggregate(ctx, sessionID, domain.AggregateUpdate{Enabled: &enabled})
	if err != nil {
		s.drop(ctx, observability.StageAggregate, err)
	}
}

// wait sleeps for d unless ctx ends or the connection closes first.
func wait(ctx context.Context, join <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-join:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-join:
		return false
	}
}
