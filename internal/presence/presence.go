package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ugaemi/tag-server/internal/geo"
)

// ErrNotFound is returned when no position is known for a player.
var ErrNotFound = errors.New("presence not found")

// Entry is the last known position of a player in a room.
type Entry struct {
	RoomCode  string    `json:"room_code"`
	PlayerID  string    `json:"player_id"`
	Nickname  string    `json:"nickname"`
	Role      string    `json:"role"`
	Location  geo.Point `json:"location"`
	Accuracy  float64   `json:"accuracy"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry stores the latest position of every tracked player.
type Registry interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, roomCode, playerID string) (Entry, error)
	// Snapshot returns every entry of a room ordered by player ID.
	Snapshot(ctx context.Context, roomCode string) ([]Entry, error)
	Remove(ctx context.Context, roomCode, playerID string) error
}

// Memory is an in-process Registry. Entries never expire; rooms remove
// players when they leave.
type Memory struct {
	rooms map[string]map[string]Entry
	mu    sync.RWMutex
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		rooms: make(map[string]map[string]Entry),
	}
}

func (m *Memory) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	players, ok := m.rooms[e.RoomCode]
	if !ok {
		players = make(map[string]Entry)
		m.rooms[e.RoomCode] = players
	}
	players[e.PlayerID] = e
	return nil
}

func (m *Memory) Get(_ context.Context, roomCode, playerID string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.rooms[roomCode][playerID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) Snapshot(_ context.Context, roomCode string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.rooms[roomCode]))
	for _, e := range m.rooms[roomCode] {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (m *Memory) Remove(_ context.Context, roomCode, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	players, ok := m.rooms[roomCode]
	if !ok {
		return nil
	}
	delete(players, playerID)
	if len(players) == 0 {
		delete(m.rooms, roomCode)
	}
	return nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].PlayerID < entries[j].PlayerID
	})
}
