package service

import (
	"context"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mineclover/autobe/internal/agent"
	"github.com/mineclover/autobe/internal/domain"
	"github.com/mineclover/autobe/internal/observability"
)

func TestLiveRunPersistsSnapshotsAndArchivesHistories(t *testing.T) {
	f := newFixture(t, testConfig())
	session := f.seedSession(t, "s1")
	p, acceptor := f.props(t, session)
	ctx := context.Background()

	a, err := f.svc.Connect(ctx, p)
	require.NoError(t, err)
	require.NoError(t, acceptor.Service().Conversate(ctx, "build a todo backend"))

	// the default scenario emits 13 events, one of them a diagnostic
	require.Eventually(t, func() bool { return len(acceptor.Listener.Events()) == 13 }, time.Second, 5*time.Millisecond)

	snaps, err := f.store.ListSnapshots(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, snaps, 12)
	for i, snap := range snaps {
		assert.False(t, snap.Event.Kind().Diagnostic(), "diagnostic %s was persisted", snap.Event.Kind())
		assert.Equal(t, "conn_s1", snap.ConnectionID)
		if i > 0 {
			assert.True(t, snap.CreatedAt.After(snaps[i-1].CreatedAt))
		}
	}
	assert.Equal(t, domain.EventTypeUserMessage, snaps[0].Event.Kind())
	assert.Equal(t, domain.EventTypeAssistantMessage, snaps[11].Event.Kind())
	assert.Equal(t, a.Usage().Snapshot(), snaps[11].TokenUsage)
	assert.Equal(t, 12.0, promtest.ToFloat64(f.metrics.SnapshotsAppended))

	histories, err := f.store.ListHistories(ctx, "s1")
	require.NoError(t, err)
	var kinds []domain.HistoryType
	for _, h := range histories {
		kinds = append(kinds, h.Type)
	}
	assert.Equal(t, []domain.HistoryType{
		domain.HistoryTypeUserMessage,
		domain.HistoryTypeAnalyze,
		domain.HistoryTypeDatabase,
		domain.HistoryTypeInterface,
		domain.HistoryTypeTest,
		domain.HistoryTypeRealize,
		domain.HistoryTypeAssistantMessage,
	}, kinds)

	agg, err := f.store.GetAggregate(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, agg.Enabled)
	assert.Equal(t, string(domain.PhaseRealize), agg.Phase)
	assert.Equal(t, a.Usage().Snapshot(), agg.TokenUsage)
}

func TestAggregateIsDisabledWhileRunning(t *testing.T) {
	f := newFixture(t, testConfig())
	sc, err := agent.ParseScenario([]byte(`
steps:
  - event: analyzeStart
    delay_ms: 150
  - event: analyzeComplete
    delay_ms: 150
`))
	require.NoError(t, err)
	f.factory.scenario, f.factory.scale = sc, 1
	session := f.seedSession(t, "s1")
	p, acceptor := f.props(t, session)
	ctx := context.Background()

	_, err = f.svc.Connect(ctx, p)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- acceptor.Service().Conversate(ctx, "go") }()

	require.Eventually(t, func() bool {
		agg, err := f.store.GetAggregate(ctx, "s1")
		return err == nil && !agg.Enabled
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, acceptor.Service().Conversate(ctx, "again"), domain.ErrBusy)

	require.NoError(t, <-done)
	agg, err := f.store.GetAggregate(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, agg.Enabled)
}

func TestReconnectReplaysWhatTheRunProduced(t *testing.T) {
	f := newFixture(t, testConfig())
	f.factory.scenario = shortScenario()
	session := f.seedSession(t, "s1")
	ctx := context.Background()

	p, first := f.props(t, session)
	_, err := f.svc.Connect(ctx, p)
	require.NoError(t, err)
	require.NoError(t, first.Service().Conversate(ctx, "hello"))
	first.Close()

	p, second := f.props(t, session)
	a, err := f.svc.Connect(ctx, p)
	require.NoError(t, err)

	// four persisted events; the parse error was only ever live
	require.Len(t, second.Listener.Events(), 4)
	for _, c := range second.Listener.Calls() {
		if c.Event != nil {
			assert.NotEqual(t, domain.EventTypeJSONParseError, c.Event.Kind())
		}
	}
	assert.Equal(t, []bool{true}, second.Listener.Enables())
	assert.Equal(t, int64(17), a.Usage().Snapshot().Total)

	f.factory.mu.Lock()
	defer f.factory.mu.Unlock()
	require.Len(t, f.factory.histories, 2)
	assert.Empty(t, f.factory.histories[0])
	assert.Len(t, f.factory.histories[1], 3)
}

func TestTurnFailureReenablesSession(t *testing.T) {
	f := newFixture(t, testConfig())
	sc, err := agent.ParseScenario([]byte(`
steps:
  - event: analyzeStart
  - event: analyzeComplete
    delay_ms: 10000
`))
	require.NoError(t, err)
	f.factory.scenario, f.factory.scale = sc, 1
	session := f.seedSession(t, "s1")
	p, acceptor := f.props(t, session)

	_, err = f.svc.Connect(context.Background(), p)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, acceptor.Service().Conversate(ctx, "go"))

	agg, err := f.store.GetAggregate(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, agg.Enabled)
	histories, err := f.store.ListHistories(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, histories)
	snaps, err := f.store.ListSnapshots(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, snaps, 2, "userMessage and analyzeStart were logged before the failure")
}

func TestLiveDeliveryFailuresAreCounted(t *testing.T) {
	f := newFixture(t, testConfig())
	f.factory.scenario = shortScenario()
	session := f.seedSession(t, "s1")
	p, acceptor := f.props(t, session)
	ctx := context.Background()

	_, err := f.svc.Connect(ctx, p)
	require.NoError(t, err)
	// the enable call was #0; fail every live event after it
	acceptor.Listener.Fail = func(n int) bool { return n > 0 }

	require.NoError(t, acceptor.Service().Conversate(ctx, "hello"))
	require.Eventually(t, func() bool { return f.dropped(observability.StageLive) == 5 }, time.Second, 5*time.Millisecond)

	snaps, err := f.store.ListSnapshots(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, snaps, 4)
}

func TestSnapshotWriterDropsWhenQueueIsFull(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	w := &snapshotWriter{s: f.svc, ctx: ctx, queue: make(chan writeRequest, 1), done: make(chan struct{})}

	snap := &domain.EventSnapshot{SessionID: "s1", Event: &domain.UserMessageEvent{}}
	w.enqueue(snap, "")
	w.enqueue(snap, "")
	assert.Equal(t, 1.0, f.dropped(observability.StageSnapshot))

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.enqueue(snap, "")
	assert.Equal(t, 2.0, f.dropped(observability.StageSnapshot))
}
