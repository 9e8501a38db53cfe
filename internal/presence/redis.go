package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a position survives in Redis without an update.
const DefaultTTL = 2 * time.Minute

const keyPrefix = "tag:presence:"

// Redis is a Registry shared between server instances. Each player is a
// JSON string key with a TTL; a per-room set indexes the players.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps a go-redis client. A non-positive ttl means DefaultTTL.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func playerKey(roomCode, playerID string) string {
	return keyPrefix + roomCode + ":" + playerID
}

func membersKey(roomCode string) string {
	return keyPrefix + roomCode + ":members"
}

func (r *Redis) Put(ctx context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, playerKey(e.RoomCode, e.PlayerID), b, r.ttl)
		pipe.SAdd(ctx, membersKey(e.RoomCode), e.PlayerID)
		pipe.Expire(ctx, membersKey(e.RoomCode), r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put presence %s/%s: %w", e.RoomCode, e.PlayerID, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, roomCode, playerID string) (Entry, error) {
	b, err := r.client.Get(ctx, playerKey(roomCode, playerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get presence %s/%s: %w", roomCode, playerID, err)
	}

	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("decode presence %s/%s: %w", roomCode, playerID, err)
	}
	return e, nil
}

// Snapshot drops index members whose key has expired.
func (r *Redis) Snapshot(ctx context.Context, roomCode string) ([]Entry, error) {
	ids, err := r.client.SMembers(ctx, membersKey(roomCode)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence %s: %w", roomCode, err)
	}
	if len(ids) == 0 {
		return []Entry{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = playerKey(roomCode, id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence %s: %w", roomCode, err)
	}

	out := make([]Entry, 0, len(vals))
	var expired []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			slog.Warn("skipping undecodable presence entry", "room", roomCode, "player", ids[i], "error", err)
			continue
		}
		out = append(out, e)
	}

	if len(expired) > 0 {
		if err := r.client.SRem(ctx, membersKey(roomCode), expired...).Err(); err != nil {
			slog.Warn("failed to prune expired presence", "room", roomCode, "error", err)
		}
	}

	sortEntries(out)
	return out, nil
}

func (r *Redis) Remove(ctx context.Context, roomCode, playerID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, playerKey(roomCode, playerID))
		pipe.SRem(ctx, membersKey(roomCode), playerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove presence %s/%s: %w", roomCode, playerID, err)
	}
	return nil
}
