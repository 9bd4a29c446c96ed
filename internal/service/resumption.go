package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mineclover/autobe/internal/agent"
	"github.com/mineclover/autobe/internal/domain"
	"github.com/mineclover/autobe/internal/observability"
	"github.com/mineclover/autobe/internal/policy"
	"github.com/mineclover/autobe/internal/rpc"
)

// Props identify one connection to one session.
type Props struct {
	Session    domain.Session
	Connection domain.Connection
	Acceptor   rpc.Acceptor
}

// OpenRequest asks for a new connection to a session.
type OpenRequest struct {
	SessionID string
	Mode      domain.ConnectionMode
	// ConnectionID is generated when empty.
	ConnectionID string
}

// NewConnectionID returns a fresh connection id.
func NewConnectionID() string {
	return "conn_" + uuid.New().String()
}

// Open registers a new connection to a session and runs the entry flow the
// policy picks for the requested mode. It returns once the connection has
// been handed control or refused.
func (s *Service) Open(ctx context.Context, req OpenRequest, acceptor rpc.Acceptor) (*domain.Connection, error) {
	sessionID, requested := req.SessionID, req.Mode
	if !requested.Valid() {
		return nil, errors.Wrapf(domain.ErrInvalidArgument, "invalid mode %q", requested)
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	agg, err := s.store.GetAggregate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	mode := requested
	if s.policyEngine != nil {
		mode, err = s.policyEngine.Decide(ctx, policy.Input{
			Requested: requested,
			Model:     session.Model,
			Enabled:   agg.Enabled,
			Closed:    s.config.HackathonClosed,
		})
		if err != nil {
			return nil, err
		}
	}

	if req.ConnectionID == "" {
		req.ConnectionID = NewConnectionID()
	}
	now := s.now().UTC()
	conn := &domain.Connection{
		ID:         req.ConnectionID,
		SessionID:  sessionID,
		Mode:       mode,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := s.registry.RegisterConnection(ctx, conn); err != nil {
		return nil, errors.Wrap(err, "failed to register connection")
	}

	logger := s.logger.With("session_id", sessionID, "connection_id", conn.ID, "mode", string(mode))
	ctx = observability.WithLogger(ctx, logger)
	logger.Info("connection opened", "requested", string(requested))

	gauge := s.metrics.ConnectionsActive.WithLabelValues(string(mode))
	gauge.Inc()
	observability.Go(logger, "connection.gauge", func() {
		<-acceptor.Join()
		gauge.Dec()
	})

	props := Props{Session: *session, Connection: *conn, Acceptor: acceptor}
	switch mode {
	case domain.ConnectionModeConnect:
		_, err = s.Connect(ctx, props)
	case domain.ConnectionModeReplay:
		_, err = s.Replay(ctx, props)
	case domain.ConnectionModeSimulate:
		_, err = s.Simulate(ctx, props)
	}
	if err != nil {
		if derr := s.registry.DisconnectConnection(context.WithoutCancel(ctx), conn.ID); derr != nil {
			s.drop(ctx, observability.StageDeregister, derr)
		}
		return nil, err
	}
	return conn, nil
}

// Connect replays the session, follows a live run until the session reports
// idle, then lets the client start turns.
func (s *Service) Connect(ctx context.Context, props Props) (agent.Agent, error) {
	histories, snapshots, err := s.startReplay(ctx, props.Session.ID)
	if err != nil {
		return nil, err
	}
	a, err := s.startCommunication(ctx, props, histories)
	if err != nil {
		return nil, err
	}

	driver := props.Acceptor.Driver()
	var cur cursor
	s.deliver(ctx, driver, snapshots, &cur, observability.StageReplay)

	if len(histories) > 0 || len(snapshots) > 0 {
		if !s.catchUp(ctx, props, &cur) {
			return a, nil
		}
	}
	if cur.seen {
		a.Usage().Assign(cur.usage)
	}

	if err := driver.Enable(ctx, true); err != nil {
		s.drop(ctx, observability.StageEnable, err)
	}
	return a, nil
}

// Replay plays the archived events at a fixed cadence and leaves the
// connection read-only, whatever the session's actual state.
func (s *Service) Replay(ctx context.Context, props Props) (agent.Agent, error) {
	histories, snapshots, err := s.startReplay(ctx, props.Session.ID)
	if err != nil {
		return nil, err
	}
	a, err := s.startCommunication(ctx, props, histories)
	if err != nil {
		return nil, err
	}

	driver := props.Acceptor.Driver()
	for i, snap := range snapshots {
		a.Usage().Assign(snap.TokenUsage)
		if err := rpc.Dispatch(ctx, driver, snap.Event); err != nil {
			s.drop(ctx, observability.StageReplay, err)
		}
		if i < len(snapshots)-1 && !wait(ctx, props.Acceptor.Join(), s.config.ReplayDelay) {
			break
		}
	}

	if err := driver.Enable(ctx, false); err != nil {
		s.drop(ctx, observability.StageEnable, err)
	}
	return a, nil
}

// Simulate binds an ephemeral scripted agent. Nothing it does is persisted.
func (s *Service) Simulate(ctx context.Context, props Props) (agent.Agent, error) {
	a, err := s.factory.Simulator(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create simulator")
	}
	if err := s.bind(ctx, props, a, rpc.Hooks{}, nil); err != nil {
		return nil, err
	}
	if err := props.Acceptor.Driver().Enable(ctx, true); err != nil {
		s.drop(ctx, observability.StageEnable, err)
	}
	return a, nil
}

// startReplay loads what a new connection is rebuilt from.
func (s *Service) startReplay(ctx context.Context, sessionID string) ([]domain.History, []domain.EventSnapshot, error) {
	histories, err := s.store.ListHistories(ctx, sessionID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load histories")
	}
	snapshots, err := s.store.ListSnapshots(ctx, sessionID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load snapshots")
	}
	return histories, snapshots, nil
}

// cursor is the newest snapshot delivered to a connection.
type cursor struct {
	at    time.Time
	usage domain.TokenUsage
	seen  bool
}

// deliver pushes snapshots in order and advances cur past them.
func (s *Service) deliver(ctx context.Context, l rpc.Listener, snapshots []domain.EventSnapshot, cur *cursor, stage string) {
	for _, snap := range snapshots {
		if err := rpc.Dispatch(ctx, l, snap.Event); err != nil {
			s.drop(ctx, stage, err)
		}
		cur.at, cur.usage, cur.seen = snap.CreatedAt, snap.TokenUsage, true
	}
}

// catchUp polls the aggregate and the log until the session is idle and
// everything logged so far has been delivered. It reports false when the
// connection or ctx ended first.
func (s *Service) catchUp(ctx context.Context, props Props, cur *cursor) bool {
	sessionID := props.Session.ID
	driver := props.Acceptor.Driver()
	for {
		s.metrics.CatchupPolls.Inc()

		// read the flag first so events logged before it flipped are fetched below
		agg, aggErr := s.store.GetAggregate(ctx, sessionID)
		if aggErr != nil {
			s.drop(ctx, observability.StageCatchup, aggErr)
		}
		snapshots, listErr := s.store.ListSnapshotsAfter(ctx, sessionID, cur.at, 0)
		if listErr != nil {
			s.drop(ctx, observability.StageCatchup, listErr)
		} else {
			s.deliver(ctx, driver, snapshots, cur, observability.StageCatchup)
		}

		if aggErr == nil && listErr == nil && agg.Enabled {
			return true
		}
		if !wait(ctx, props.Acceptor.Join(), s.config.CatchupPollInterval) {
			return false
		}
	}
}
