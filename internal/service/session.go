package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mineclover/autobe/internal/domain"
)

// CreateSessionRequest describes a new session.
type CreateSessionRequest struct {
	Model    string `json:"model"`
	Timezone string `json:"timezone,omitempty"`
	Title    string `json:"title,omitempty"`
}

// SessionSummary is a session with its liveness state and open connections.
type SessionSummary struct {
	Session     *domain.Session          `json:"session"`
	Aggregate   *domain.SessionAggregate `json:"aggregate"`
	Connections []domain.Connection      `json:"connections"`
}

// CreateSession creates a session together with its idle aggregate.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.Session, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "model is required")
	}
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, errors.Wrapf(domain.ErrInvalidArgument, "invalid timezone %q: %v", tz, err)
	}

	session := &domain.Session{
		ID:        "sess_" + uuid.New().String(),
		Model:     req.Model,
		Timezone:  tz,
		Title:     req.Title,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	s.logger.Info("session created", "session_id", session.ID, "model", session.Model)
	return session, nil
}

// GetSession returns the session summary.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*SessionSummary, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	agg, err := s.store.GetAggregate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	conns, err := s.registry.ListConnections(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if conns == nil {
		conns = []domain.Connection{}
	}
	return &SessionSummary{Session: session, Aggregate: agg, Connections: conns}, nil
}

// ListSnapshots returns a page of the session's log after the cursor.
func (s *Service) ListSnapshots(ctx context.Context, sessionID string, after time.Time, limit int) ([]domain.EventSnapshot, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListSnapshotsAfter(ctx, sessionID, after, limit)
}

// ListHistories returns the session's archived results in production order.
func (s *Service) ListHistories(ctx context.Context, sessionID string) ([]domain.History, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListHistories(ctx, sessionID)
}
