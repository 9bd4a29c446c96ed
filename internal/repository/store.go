// Package repository persists sessions, their event log, history archive and connections.
package repository

import (
	"context"
	"time"

	"github.com/mineclover/autobe/internal/domain"
)

// SessionStore reads and creates sessions.
type SessionStore interface {
	// CreateSession inserts the session together with an enabled aggregate.
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
}

// AggregateStore holds the single mutable state row of each session.
type AggregateStore interface {
	GetAggregate(ctx context.Context, sessionID string) (*domain.SessionAggregate, error)
	UpdateAggregate(ctx context.Context, sessionID string, update domain.AggregateUpdate) error
}

// SnapshotLog is the append-only, per-session ordered event log.
type SnapshotLog interface {
	// AppendSnapshot stores the snapshot and assigns its CreatedAt, strictly
	// greater than every earlier snapshot of the session.
	AppendSnapshot(ctx context.Context, snapshot *domain.EventSnapshot) error
	ListSnapshots(ctx context.Context, sessionID string) ([]domain.EventSnapshot, error)
	// ListSnapshotsAfter returns snapshots created strictly after the cursor.
	// A zero cursor returns the whole log; limit <= 0 means unbounded.
	ListSnapshotsAfter(ctx context.Context, sessionID string, after time.Time, limit int) ([]domain.EventSnapshot, error)
}

// HistoryArchive stores completed run results in production order.
type HistoryArchive interface {
	AppendHistory(ctx context.Context, sessionID, connectionID string, history *domain.History) error
	ListHistories(ctx context.Context, sessionID string) ([]domain.History, error)
}

// ConnectionRegistry tracks live transport links.
type ConnectionRegistry interface {
	RegisterConnection(ctx context.Context, conn *domain.Connection) error
	TouchConnection(ctx context.Context, connectionID string, at time.Time) error
	DisconnectConnection(ctx context.Context, connectionID string) error
	ListConnections(ctx context.Context, sessionID string) ([]domain.Connection, error)
	// SweepConnections removes connections last seen before the cutoff.
	SweepConnections(ctx context.Context, before time.Time) (int, error)
}

// Store is the full persistence surface of the server.
type Store interface {
	SessionStore
	AggregateStore
	SnapshotLog
	HistoryArchive
	ConnectionRegistry
	Close() error
}
