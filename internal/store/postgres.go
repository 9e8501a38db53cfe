package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS tracking_sessions (
    id TEXT PRIMARY KEY,
    player_id TEXT NOT NULL,
    room_code TEXT NOT NULL,
    nickname TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT 'none',
    started_at TIMESTAMPTZ NOT NULL,
    ended_at TIMESTAMPTZ NOT NULL,
    final_profile TEXT NOT NULL,
    accepted_fixes BIGINT NOT NULL DEFAULT 0,
    throttled_fixes BIGINT NOT NULL DEFAULT 0,
    stationary_ms BIGINT NOT NULL DEFAULT 0,
    battery_level DOUBLE PRECISION NOT NULL DEFAULT 100
);
CREATE INDEX IF NOT EXISTS idx_tracking_sessions_player ON tracking_sessions(player_id, ended_at DESC);
`

// DefaultListLimit caps ListSessions when the caller passes no limit.
const DefaultListLimit = 20

// PostgresStore implements SessionStore using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and initializes the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// SaveSession inserts a session record. An empty ID gets a fresh UUID.
func (s *PostgresStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tracking_sessions (id, player_id, room_code, nickname, role, started_at, ended_at,
		     final_profile, accepted_fixes, throttled_fixes, stationary_ms, battery_level)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.PlayerID, rec.RoomCode, rec.Nickname, rec.Role, rec.StartedAt, rec.EndedAt,
		rec.FinalProfile, rec.AcceptedFixes, rec.ThrottledFixes, rec.StationaryMillis, rec.BatteryLevel)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	return nil
}

// ListSessions returns the newest sessions of a player.
func (s *PostgresStore) ListSessions(ctx context.Context, playerID string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, player_id, room_code, nickname, role, started_at, ended_at,
		        final_profile, accepted_fixes, throttled_fixes, stationary_ms, battery_level
		 FROM tracking_sessions WHERE player_id = $1
		 ORDER BY ended_at DESC LIMIT $2`, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	recs, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return recs, nil
}

// Close releases database resources.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanSession(row pgx.CollectableRow) (SessionRecord, error) {
	var rec SessionRecord
	err := row.Scan(&rec.ID, &rec.PlayerID, &rec.RoomCode, &rec.Nickname, &rec.Role,
		&rec.StartedAt, &rec.EndedAt, &rec.FinalProfile, &rec.AcceptedFixes,
		&rec.ThrottledFixes, &rec.StationaryMillis, &rec.BatteryLevel)
	return rec, err
}
