package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/mineclover/autobe/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			timezone TEXT NOT NULL,
			title TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS session_aggregates (
			session_id TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1,
			phase TEXT,
			token_usage TEXT NOT NULL DEFAULT '{}',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS event_snapshots (
			snapshot_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			connection_id TEXT,
			created_at INTEGER NOT NULL,
			type TEXT NOT NULL,
			event TEXT NOT NULL,
			token_usage TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id),
			UNIQUE (session_id, created_at)
		)`,
		`CREATE TABLE IF NOT EXISTS histories (
			history_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			connection_id TEXT,
			sequence INTEGER NOT NULL,
			type TEXT NOT NULL,
			data TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id),
			UNIQUE (session_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS connections (
			connection_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_seen_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_session ON connections(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_last_seen ON connections(last_seen_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return errors.Wrapf(err, "migration failed\n%s", m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession creates a new session and its aggregate.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, model, timezone, title, created_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.Model, session.Timezone, nullString(session.Title), session.CreatedAt); err != nil {
		return mapError(err, "failed to create session")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_aggregates (session_id, enabled, token_usage, updated_at) VALUES (?, 1, '{}', ?)`,
		session.ID, session.CreatedAt); err != nil {
		return mapError(err, "failed to create session aggregate")
	}
	return errors.Wrap(tx.Commit(), "failed to commit session")
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	var title sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, model, timezone, title, created_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&session.ID, &session.Model, &session.Timezone, &title, &session.CreatedAt)
	if err != nil {
		return nil, mapError(err, "failed to get session")
	}
	session.Title = title.String
	return &session, nil
}

// GetAggregate retrieves the aggregate row of a session.
func (s *SQLiteStore) GetAggregate(ctx context.Context, sessionID string) (*domain.SessionAggregate, error) {
	var agg domain.SessionAggregate
	var phase sql.NullString
	var usage string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, enabled, phase, token_usage, updated_at FROM session_aggregates WHERE session_id = ?`,
		sessionID).Scan(&agg.SessionID, &agg.Enabled, &phase, &usage, &agg.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "failed to get aggregate")
	}
	agg.Phase = phase.String
	if err := json.Unmarshal([]byte(usage), &agg.TokenUsage); err != nil {
		return nil, errors.Wrap(err, "failed to decode token usage")
	}
	return &agg, nil
}

// UpdateAggregate applies a partial update to the aggregate row.
func (s *SQLiteStore) UpdateAggregate(ctx context.Context, sessionID string, update domain.AggregateUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.now().UTC()}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.Phase != nil {
		sets = append(sets, "phase = ?")
		args = append(args, nullString(*update.Phase))
	}
	if update.TokenUsage != nil {
		usage, err := json.Marshal(update.TokenUsage)
		if err != nil {
			return errors.Wrap(err, "failed to encode token usage")
		}
		sets = append(sets, "token_usage = ?")
		args = append(args, string(usage))
	}
	args = append(args, sessionID)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE session_aggregates SET %s WHERE session_id = ?`, strings.Join(sets, ", ")),
		args...)
	if err != nil {
		return mapError(err, "failed to update aggregate")
	}
	return requireAffected(res, "aggregate")
}

// AppendSnapshot stores an event snapshot with a strictly increasing timestamp.
func (s *SQLiteStore) AppendSnapshot(ctx context.Context, snapshot *domain.EventSnapshot) error {
	if snapshot.Event == nil {
		return errors.New("snapshot has no event")
	}
	event, err := json.Marshal(snapshot.Event)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}
	usage, err := json.Marshal(snapshot.TokenUsage)
	if err != nil {
		return errors.Wrap(err, "failed to encode token usage")
	}
	if snapshot.ID == "" {
		snapshot.ID = "snap_" + uuid.New().String()
	}
	ts := snapshot.CreatedAt
	if ts.IsZero() {
		ts = s.now()
	}
	micros := ts.UnixMicro()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM event_snapshots WHERE session_id = ?`,
		snapshot.SessionID).Scan(&last); err != nil {
		return errors.Wrap(err, "failed to read last snapshot time")
	}
	if last.Valid && micros <= last.Int64 {
		micros = last.Int64 + 1
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO event_snapshots (snapshot_id, session_id, connection_id, created_at, type, event, token_usage)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snapshot.ID, snapshot.SessionID, nullString(snapshot.ConnectionID), micros,
		string(snapshot.Event.Kind()), string(event), string(usage)); err != nil {
		return mapError(err, "failed to append snapshot")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit snapshot")
	}
	snapshot.CreatedAt = time.UnixMicro(micros).UTC()
	return nil
}

// ListSnapshots returns the whole log of a session in order.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, sessionID string) ([]domain.EventSnapshot, error) {
	return s.ListSnapshotsAfter(ctx, sessionID, time.Time{}, 0)
}

// ListSnapshotsAfter returns snapshots strictly after the cursor, oldest first.
func (s *SQLiteStore) ListSnapshotsAfter(ctx context.Context, sessionID string, after time.Time, limit int) ([]domain.EventSnapshot, error) {
	cursor := int64(math.MinInt64)
	if !after.IsZero() {
		cursor = after.UnixMicro()
	}
	query := `SELECT snapshot_id, session_id, connection_id, created_at, type, event, token_usage
		FROM event_snapshots WHERE session_id = ? AND created_at > ? ORDER BY created_at ASC`
	args := []any{sessionID, cursor}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list snapshots")
	}
	defer rows.Close()

	var snapshots []domain.EventSnapshot
	for rows.Next() {
		var (
			snap         domain.EventSnapshot
			connectionID sql.NullString
			micros       int64
			kind         string
			event        string
			usage        string
		)
		if err := rows.Scan(&snap.ID, &snap.SessionID, &connectionID, &micros, &kind, &event, &usage); err != nil {
			return nil, errors.Wrap(err, "failed to scan snapshot")
		}
		snap.ConnectionID = connectionID.String
		snap.CreatedAt = time.UnixMicro(micros).UTC()
		snap.Event, err = domain.DecodeEvent(domain.EventType(kind), []byte(event))
		if err != nil {
			return nil, errors.Wrapf(err, "snapshot %s", snap.ID)
		}
		if err := json.Unmarshal([]byte(usage), &snap.TokenUsage); err != nil {
			return nil, errors.Wrapf(err, "snapshot %s token usage", snap.ID)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, errors.Wrap(rows.Err(), "failed to iterate snapshots")
}

// AppendHistory archives a history record after every earlier one of the session.
func (s *SQLiteStore) AppendHistory(ctx context.Context, sessionID, connectionID string, history *domain.History) error {
	if history.ID == "" {
		history.ID = "hist_" + uuid.New().String()
	}
	if history.CreatedAt.IsZero() {
		history.CreatedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var sequence int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM histories WHERE session_id = ?`,
		sessionID).Scan(&sequence); err != nil {
		return errors.Wrap(err, "failed to read history sequence")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO histories (history_id, session_id, connection_id, sequence, type, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		history.ID, sessionID, nullString(connectionID), sequence, string(history.Type),
		nullStringBytes(history.Data), history.CreatedAt); err != nil {
		return mapError(err, "failed to append history")
	}
	return errors.Wrap(tx.Commit(), "failed to commit history")
}

// ListHistories returns the archived histories of a session in production order.
func (s *SQLiteStore) ListHistories(ctx context.Context, sessionID string) ([]domain.History, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT history_id, type, data, created_at FROM histories WHERE session_id = ? ORDER BY sequence ASC`,
		sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list histories")
	}
	defer rows.Close()

	var histories []domain.History
	for rows.Next() {
		var h domain.History
		var kind string
		var data sql.NullString
		if err := rows.Scan(&h.ID, &kind, &data, &h.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan history")
		}
		h.Type = domain.HistoryType(kind)
		if data.Valid {
			h.Data = json.RawMessage(data.String)
		}
		histories = append(histories, h)
	}
	return histories, errors.Wrap(rows.Err(), "failed to iterate histories")
}

// RegisterConnection records a newly accepted connection.
func (s *SQLiteStore) RegisterConnection(ctx context.Context, conn *domain.Connection) error {
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = s.now().UTC()
	}
	if conn.LastSeenAt.IsZero() {
		conn.LastSeenAt = conn.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (connection_id, session_id, mode, created_at, last_seen_at) VALUES (?, ?, ?, ?, ?)`,
		conn.ID, conn.SessionID, string(conn.Mode), conn.CreatedAt.UnixMicro(), conn.LastSeenAt.UnixMicro())
	return mapError(err, "failed to register connection")
}

// TouchConnection refreshes the heartbeat time of a connection.
func (s *SQLiteStore) TouchConnection(ctx context.Context, connectionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connections SET last_seen_at = ? WHERE connection_id = ?`,
		at.UnixMicro(), connectionID)
	if err != nil {
		return errors.Wrap(err, "failed to touch connection")
	}
	return requireAffected(res, "connection")
}

// DisconnectConnection removes a connection row.
func (s *SQLiteStore) DisconnectConnection(ctx context.Context, connectionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE connection_id = ?`, connectionID)
	if err != nil {
		return errors.Wrap(err, "failed to disconnect connection")
	}
	return requireAffected(res, "connection")
}

// ListConnections returns the live connections of a session.
func (s *SQLiteStore) ListConnections(ctx context.Context, sessionID string) ([]domain.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT connection_id, session_id, mode, created_at, last_seen_at FROM connections
		 WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list connections")
	}
	defer rows.Close()

	var conns []domain.Connection
	for rows.Next() {
		var c domain.Connection
		var mode string
		var created, lastSeen int64
		if err := rows.Scan(&c.ID, &c.SessionID, &mode, &created, &lastSeen); err != nil {
			return nil, errors.Wrap(err, "failed to scan connection")
		}
		c.Mode = domain.ConnectionMode(mode)
		c.CreatedAt = time.UnixMicro(created).UTC()
		c.LastSeenAt = time.UnixMicro(lastSeen).UTC()
		conns = append(conns, c)
	}
	return conns, errors.Wrap(rows.Err(), "failed to iterate connections")
}

// SweepConnections deletes connections not seen since before.
func (s *SQLiteStore) SweepConnections(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE last_seen_at < ?`, before.UnixMicro())
	if err != nil {
		return 0, errors.Wrap(err, "failed to sweep connections")
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "failed to count swept connections")
}

// mapError translates driver errors into domain sentinels.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(domain.ErrNotFound, msg)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return errors.Wrap(domain.ErrConflict, msg)
		case sqlite3.ErrConstraintForeignKey:
			return errors.Wrap(domain.ErrNotFound, msg)
		}
	}
	return errors.Wrap(err, msg)
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to count updated %s rows", what)
	}
	if n == 0 {
		return errors.Wrap(domain.ErrNotFound, what)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
