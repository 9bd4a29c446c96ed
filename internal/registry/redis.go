// Package registry keeps the connection registry in Redis so that several
// server processes share one view of live connections.
package registry

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/mineclover/autobe/internal/domain"
	"github.com/mineclover/autobe/internal/repository"
)

const defaultPrefix = "hackathon"

// RedisRegistry implements repository.ConnectionRegistry on Redis hashes and sorted sets.
type RedisRegistry struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

var _ repository.ConnectionRegistry = (*RedisRegistry)(nil)

// NewRedisRegistry creates a registry on client. An empty prefix uses "hackathon".
func NewRedisRegistry(client redis.Cmdable, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisRegistry{client: client, prefix: prefix, now: time.Now}
}

// Dial connects to the Redis server named by a redis:// URL and pings it.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to ping redis")
	}
	return client, nil
}

func (r *RedisRegistry) connKey(id string) string { return r.prefix + ":conn:" + id }

func (r *RedisRegistry) sessionKey(sessionID string) string {
	return r.prefix + ":session:" + sessionID + ":conns"
}

func (r *RedisRegistry) lastSeenKey() string { return r.prefix + ":conns:last_seen" }

// RegisterConnection records a newly accepted connection.
func (r *RedisRegistry) RegisterConnection(ctx context.Context, conn *domain.Connection) error {
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = r.now().UTC()
	}
	if conn.LastSeenAt.IsZero() {
		conn.LastSeenAt = conn.CreatedAt
	}
	key := r.connKey(conn.ID)
	created, err := r.client.HSetNX(ctx, key, "session_id", conn.SessionID).Result()
	if err != nil {
		return errors.Wrap(err, "failed to register connection")
	}
	if !created {
		return errors.Wrap(domain.ErrConflict, "connection "+conn.ID)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"mode", string(conn.Mode),
			"created_at", conn.CreatedAt.UnixMicro(),
			"last_seen_at", conn.LastSeenAt.UnixMicro())
		pipe.ZAdd(ctx, r.sessionKey(conn.SessionID), redis.Z{Score: float64(conn.CreatedAt.UnixMicro()), Member: conn.ID})
		pipe.ZAdd(ctx, r.lastSeenKey(), redis.Z{Score: float64(conn.LastSeenAt.UnixMicro()), Member: conn.ID})
		return nil
	})
	return errors.Wrap(err, "failed to register connection")
}

// TouchConnection refreshes the heartbeat time of a connection.
func (r *RedisRegistry) TouchConnection(ctx context.Context, connectionID string, at time.Time) error {
	key := r.connKey(connectionID)
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return errors.Wrap(err, "failed to touch connection")
	}
	if n == 0 {
		return errors.Wrap(domain.ErrNotFound, "connection "+connectionID)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "last_seen_at", at.UnixMicro())
		pipe.ZAdd(ctx, r.lastSeenKey(), redis.Z{Score: float64(at.UnixMicro()), Member: connectionID})
		return nil
	})
	return errors.Wrap(err, "failed to touch connection")
}

// DisconnectConnection removes a connection.
func (r *RedisRegistry) DisconnectConnection(ctx context.Context, connectionID string) error {
	key := r.connKey(connectionID)
	sessionID, err := r.client.HGet(ctx, key, "session_id").Result()
	if errors.Is(err, redis.Nil) {
		return errors.Wrap(domain.ErrNotFound, "connection "+connectionID)
	}
	if err != nil {
		return errors.Wrap(err, "failed to disconnect connection")
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, r.sessionKey(sessionID), connectionID)
		pipe.ZRem(ctx, r.lastSeenKey(), connectionID)
		return nil
	})
	return errors.Wrap(err, "failed to disconnect connection")
}

// ListConnections returns the live connections of a session, oldest first.
func (r *RedisRegistry) ListConnections(ctx context.Context, sessionID string) ([]domain.Connection, error) {
	ids, err := r.client.ZRange(ctx, r.sessionKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list connections")
	}
	conns := make([]domain.Connection, 0, len(ids))
	for _, id := range ids {
		fields, err := r.client.HGetAll(ctx, r.connKey(id)).Result()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read connection")
		}
		if len(fields) == 0 {
			continue
		}
		conns = append(conns, domain.Connection{
			ID:         id,
			SessionID:  fields["session_id"],
			Mode:       domain.ConnectionMode(fields["mode"]),
			CreatedAt:  parseMicros(fields["created_at"]),
			LastSeenAt: parseMicros(fields["last_seen_at"]),
		})
	}
	return conns, nil
}

// SweepConnections removes connections last seen before the cutoff.
func (r *RedisRegistry) SweepConnections(ctx context.Context, before time.Time) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.lastSeenKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to sweep connections")
	}
	swept := 0
	for _, id := range ids {
		err := r.DisconnectConnection(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			r.client.ZRem(ctx, r.lastSeenKey(), id)
			continue
		}
		if err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

func parseMicros(raw string) time.Time {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}
