package store

import (
	"context"
	"time"
)

// SessionRecord summarizes one finished tracking session of a player.
type SessionRecord struct {
	ID               string    `json:"id"`
	PlayerID         string    `json:"player_id"`
	RoomCode         string    `json:"room_code"`
	Nickname         string    `json:"nickname"`
	Role             string    `json:"role"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at"`
	FinalProfile     string    `json:"final_profile"`
	AcceptedFixes    int64     `json:"accepted_fixes"`
	ThrottledFixes   int64     `json:"throttled_fixes"`
	StationaryMillis int64     `json:"stationary_ms"`
	BatteryLevel     float64   `json:"battery_level"`
}

// SessionStore defines the interface for persistent session history.
type SessionStore interface {
	// SaveSession inserts a finished session.
	SaveSession(ctx context.Context, rec SessionRecord) error
	// ListSessions returns the most recent sessions of a player, newest first.
	ListSessions(ctx context.Context, playerID string, limit int) ([]SessionRecord, error)
	// Close releases database resources.
	Close() error
}
