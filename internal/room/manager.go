package room

import (
	"log/slog"
	"strings"
	"sync"
)

// Manager manages all active rooms.
type Manager struct {
	rooms map[string]*Room // code -> room
	deps  Deps
	mu    sync.RWMutex
}

// NewManager creates a new room manager. Every room it creates shares deps.
func NewManager(deps Deps) *Manager {
	return &Manager{
		rooms: make(map[string]*Room),
		deps:  deps.withDefaults(),
	}
}

// CreateRoom creates a new room and returns it.
func (m *Manager) CreateRoom() *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make(map[string]bool, len(m.rooms))
	for code := range m.rooms {
		existing[code] = true
	}

	code := GenerateCode(existing)
	room := NewRoom(code, m.deps)
	m.rooms[code] = room

	slog.Info("room created", "code", code)
	return room
}

// GetRoom returns a room by its code. Codes are case-insensitive.
func (m *Manager) GetRoom(code string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[strings.ToUpper(code)]
}

// RemoveRoom closes and removes a room by its code.
func (m *Manager) RemoveRoom(code string) {
	code = strings.ToUpper(code)
	m.mu.Lock()
	room, ok := m.rooms[code]
	delete(m.rooms, code)
	m.mu.Unlock()

	if ok {
		room.Close()
		slog.Info("room removed", "code", code)
	}
}

// RoomCount returns the number of active rooms.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// FindRoomByPlayerID finds the room containing a player.
func (m *Manager) FindRoomByPlayerID(playerID string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, room := range m.rooms {
		if room.HasPlayer(playerID) {
			return room
		}
	}
	return nil
}

// Close closes every room. Used on shutdown so that open sessions are recorded.
func (m *Manager) Close() {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	for _, room := range rooms {
		room.Close()
	}
}
