package service

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mineclover/autobe/internal/agent"
	"github.com/mineclover/autobe/internal/domain"
	"github.com/mineclover/autobe/internal/observability"
	"github.com/mineclover/autobe/internal/rpc"
)

// startCommunication builds the session's agent and binds it to the
// connection with persistence: every non-diagnostic event becomes a snapshot,
// turns flip the aggregate and completed runs are archived.
func (s *Service) startCommunication(ctx context.Context, props Props, histories []domain.History) (agent.Agent, error) {
	a, err := s.factory.New(ctx, props.Session, histories)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create agent")
	}

	// persistence outlives the request that opened the connection
	bg := context.WithoutCancel(ctx)
	sessionID, connectionID := props.Session.ID, props.Connection.ID

	writer := s.newSnapshotWriter(bg, s.config.SnapshotQueueSize)
	for _, kind := range domain.EventTypes() {
		if kind.Diagnostic() {
			continue
		}
		a.On(kind, func(ev domain.Event) {
			writer.enqueue(&domain.EventSnapshot{
				SessionID:    sessionID,
				ConnectionID: connectionID,
				Event:        ev,
				TokenUsage:   a.Usage().Snapshot(),
			}, a.Phase())
		})
	}

	hooks := rpc.Hooks{
		OnStart: func(context.Context) {
			s.setEnabled(bg, sessionID, false)
		},
		OnComplete: func(_ context.Context, produced []domain.History) {
			if err := writer.flush(bg); err != nil {
				s.drop(bg, observability.StageSnapshot, err)
			}
			for i := range produced {
				if err := s.store.AppendHistory(bg, sessionID, connectionID, &produced[i]); err != nil {
					// the session stays disabled until an operator intervenes
					s.drop(bg, observability.StageHistory, err)
					return
				}
			}
			s.setEnabled(bg, sessionID, true)
		},
		OnFailure: func(_ context.Context, err error) {
			observability.LoggerFromContext(bg).Error("turn failed", "error", err)
			if err := writer.flush(bg); err != nil {
				s.drop(bg, observability.StageSnapshot, err)
			}
			s.setEnabled(bg, sessionID, true)
		},
	}

	if err := s.bind(ctx, props, a, hooks, writer.close); err != nil {
		return nil, err
	}
	return a, nil
}

// bind serves a to the connection until it closes. onClose runs after the
// in-flight turn, if any, has finished.
func (s *Service) bind(ctx context.Context, props Props, a agent.Agent, hooks rpc.Hooks, onClose func()) error {
	bg := context.WithoutCancel(ctx)
	svc := rpc.NewAgentService(a, props.Acceptor.Driver(), hooks, s.config.SendBuffer, func(err error) {
		s.drop(bg, observability.StageLive, err)
	})
	if err := props.Acceptor.Accept(svc); err != nil {
		svc.Close()
		if onClose != nil {
			onClose()
		}
		return errors.Wrap(err, "failed to accept connection")
	}
	props.Acceptor.Ping(s.config.PingInterval)

	logger := observability.LoggerFromContext(bg)
	observability.Go(logger, "connection.join", func() {
		<-props.Acceptor.Join()
		logger.Info("connection closed")
		if err := s.registry.DisconnectConnection(bg, props.Connection.ID); err != nil {
			s.drop(bg, observability.StageDeregister, err)
		}
		svc.Close()
		if onClose != nil {
			onClose()
		}
	})
	return nil
}
