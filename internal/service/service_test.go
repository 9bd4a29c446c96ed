package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/mineclover/autobe/internal/agent"
	"github.com/mineclover/autobe/internal/config"
	"github.com/mineclover/autobe/internal/domain"
	"github.com/mineclover/autobe/internal/observability"
	"github.com/mineclover/autobe/internal/repository"
	"github.com/mineclover/autobe/internal/rpc/rpctest"
	"github.com/mineclover/autobe/internal/testutil"
)

type fakeFactory struct {
	mu        sync.Mutex
	err       error
	scenario  *agent.Scenario
	scale     float64
	histories [][]domain.History
}

func (f *fakeFactory) build() *agent.Simulator {
	return agent.NewSimulator(agent.SimulatorOptions{Scenario: f.scenario, DelayScale: f.scale})
}

func (f *fakeFactory) New(_ context.Context, _ domain.Session, histories []domain.History) (agent.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.histories = append(f.histories, histories)
	return f.build(), nil
}

func (f *fakeFactory) Simulator(context.Context) (agent.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.build(), nil
}

// flakyStore fails the first aggregate reads.
type flakyStore struct {
	*repository.SQLiteStore
	aggFailures atomic.Int32
}

func (s *flakyStore) GetAggregate(ctx context.Context, sessionID string) (*domain.SessionAggregate, error) {
	if s.aggFailures.Add(-1) >= 0 {
		return nil, context.DeadlineExceeded
	}
	return s.SQLiteStore.GetAggregate(ctx, sessionID)
}

func testConfig() *config.Config {
	return &config.Config{
		CatchupPollInterval:  20 * time.Millisecond,
		ReplayDelay:          time.Millisecond,
		PingInterval:         time.Second,
		SendBuffer:           64,
		SnapshotQueueSize:    64,
		ConnectionStaleAfter: time.Minute,
		SweepInterval:        time.Second,
	}
}

type fixture struct {
	svc     *Service
	store   *repository.SQLiteStore
	factory *fakeFactory
	metrics *observability.Metrics
	cfg     *config.Config
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	store := testutil.NewTestSQLiteStore(t)
	factory := &fakeFactory{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return &fixture{
		svc:     New(store, store, factory, cfg, nil, metrics),
		store:   store,
		factory: factory,
		metrics: metrics,
		cfg:     cfg,
	}
}

func (f *fixture) seedSession(t *testing.T, id string) domain.Session {
	t.Helper()
	session := &domain.Session{ID: id, Model: "openai/gpt-4.1", Timezone: "UTC"}
	require.NoError(t, f.store.CreateSession(context.Background(), session))
	return *session
}

func (f *fixture) setEnabled(t *testing.T, sessionID string, enabled bool) {
	t.Helper()
	require.NoError(t, f.store.UpdateAggregate(context.Background(), sessionID, domain.AggregateUpdate{Enabled: &enabled}))
}

func (f *fixture) appendSnapshot(t *testing.T, sessionID, eventID string, total int64) domain.EventSnapshot {
	t.Helper()
	snap := &domain.EventSnapshot{
		SessionID: sessionID,
		Event: &domain.UserMessageEvent{
			EventMeta: domain.NewEventMeta(eventID, time.Now().UTC()),
			Contents:  "turn " + eventID,
		},
		TokenUsage: domain.TokenUsage{Input: total, Total: total},
	}
	require.NoError(t, f.store.AppendSnapshot(context.Background(), snap))
	return *snap
}

func (f *fixture) dropped(stage string) float64 {
	return promtest.ToFloat64(f.metrics.Dropped.WithLabelValues(stage))
}

func (f *fixture) props(t *testing.T, session domain.Session) (Props, *rpctest.Acceptor) {
	t.Helper()
	acceptor := rpctest.NewAcceptor()
	t.Cleanup(acceptor.Close)
	return Props{
		Session:    session,
		Connection: domain.Connection{ID: "conn_" + session.ID, SessionID: session.ID, Mode: domain.ConnectionModeConnect},
		Acceptor:   acceptor,
	}, acceptor
}

// shortScenario is a small turn with one diagnostic.
func shortScenario() *agent.Scenario {
	sc, err := agent.ParseScenario([]byte(`
name: short
steps:
  - event: analyzeStart
  - event: jsonParseError
    function: writeRequirements
    text: unexpected token
  - event: analyzeComplete
    summary: done
    usage: {input: 10, output: 5}
  - event: assistantMessage
    text: ok
    usage: {input: 1, output: 1}
`))
	if err != nil {
		panic(err)
	}
	return sc
}
