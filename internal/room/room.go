package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ugaemi/tag-server/internal/clock"
	"github.com/ugaemi/tag-server/internal/game"
	"github.com/ugaemi/tag-server/internal/geo"
	"github.com/ugaemi/tag-server/internal/motion"
	"github.com/ugaemi/tag-server/internal/polling"
	"github.com/ugaemi/tag-server/internal/presence"
	"github.com/ugaemi/tag-server/internal/proximity"
	"github.com/ugaemi/tag-server/internal/store"
	"github.com/ugaemi/tag-server/internal/ws"
)

var (
	ErrRoomFull       = errors.New("room is full")
	ErrPlayerNotFound = errors.New("player not in room")
	ErrNotHost        = errors.New("only the host can do that")
	ErrTeamFull       = errors.New("team is full")
	ErrInvalidEntity  = errors.New("invalid entity")
	ErrRoomClosed     = errors.New("room is closed")
)

// Settings are the engine and evaluation thresholds shared by every room.
type Settings struct {
	Motion            motion.Config
	MovementThreshold float64
	ProximityRange    float64
}

// Deps are the collaborators a room hands to its players' engines.
type Deps struct {
	// Presence defaults to an in-memory registry.
	Presence presence.Registry
	// Store is optional; without it sessions are not recorded.
	Store store.SessionStore
	// Observer is optional.
	Observer polling.Observer
	// Clock defaults to the real clock.
	Clock    clock.Clock
	Settings Settings
}

func (d Deps) withDefaults() Deps {
	if d.Presence == nil {
		d.Presence = presence.NewMemory()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Settings.ProximityRange <= 0 {
		d.Settings.ProximityRange = game.DefaultProximityRange
	}
	return d
}

// Room represents a game room with players and their location engines.
type Room struct {
	Code    string                  `json:"code"`
	State   game.RoomState          `json:"state"`
	Players map[string]*game.Player `json:"players"`
	HostID  string                  `json:"host_id"`

	// Client mapping: player ID -> ws client
	clients  map[string]*ws.Client
	trackers map[string]*tracker

	// Power-ups and zones placed by the host
	entities []proximity.Entity

	deps Deps
	mu   sync.RWMutex
}

// NewRoom creates a new room with the given code.
func NewRoom(code string, deps Deps) *Room {
	return &Room{
		Code:     code,
		State:    game.StateWaiting,
		Players:  make(map[string]*game.Player),
		clients:  make(map[string]*ws.Client),
		trackers: make(map[string]*tracker),
		deps:     deps.withDefaults(),
	}
}

// AddPlayer adds a player to the room and creates their engine.
func (r *Room) AddPlayer(player *game.Player, client *ws.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State == game.StateClosed {
		return ErrRoomClosed
	}
	if len(r.Players) >= game.MaxPlayers {
		return ErrRoomFull
	}

	r.Players[player.ID] = player
	r.clients[player.ID] = client
	r.trackers[player.ID] = newTracker(r, player.ID, client)

	if len(r.Players) == 1 {
		r.HostID = player.ID
	}
	return nil
}

// RemovePlayer removes a player, destroys their engine and records the
// session.
func (r *Room) RemovePlayer(playerID string) {
	r.mu.Lock()

	p, ok := r.Players[playerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	snapshot := *p
	t := r.trackers[playerID]
	var startedAt time.Time
	if t != nil {
		startedAt = t.startedAt
	}

	delete(r.Players, playerID)
	delete(r.clients, playerID)
	delete(r.trackers, playerID)

	// Transfer host if the host left
	if r.HostID == playerID && len(r.Players) > 0 {
		for id := range r.Players {
			r.HostID = id
			break
		}
	}
	r.updateStateLocked()
	r.mu.Unlock()

	// a closed room has already finished its trackers
	if t != nil {
		t.finish(snapshot, startedAt)
	}
}

// Close destroys every engine. The room accepts no players afterwards.
// Closing twice is safe.
func (r *Room) Close() {
	r.mu.Lock()
	if r.State == game.StateClosed {
		r.mu.Unlock()
		return
	}
	r.State = game.StateClosed

	type pending struct {
		t         *tracker
		player    game.Player
		startedAt time.Time
	}
	var all []pending
	for id, t := range r.trackers {
		all = append(all, pending{t: t, player: *r.Players[id], startedAt: t.startedAt})
	}
	r.trackers = make(map[string]*tracker)
	r.mu.Unlock()

	for _, p := range all {
		p.t.finish(p.player, p.startedAt)
	}
	slog.Info("room closed", "room", r.Code, "sessions", len(all))
}

// PlayerCount returns the number of players.
func (r *Room) PlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Players)
}

// ItCount returns the number of hunters.
func (r *Room) ItCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, p := range r.Players {
		if p.Role == game.RoleIt {
			count++
		}
	}
	return count
}

// SelectRole sets a player's role, enforcing the hunter limit.
func (r *Room) SelectRole(playerID string, role game.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.Players[playerID]
	if !ok {
		return ErrPlayerNotFound
	}
	if role == game.RoleIt && p.Role != game.RoleIt {
		hunters := 0
		for _, other := range r.Players {
			if other.Role == game.RoleIt {
				hunters++
			}
		}
		if hunters >= game.MaxIt {
			return ErrTeamFull
		}
	}
	p.SetRole(role)
	return nil
}

// SetEntities replaces the room's power-ups and zones. Only the host may
// call it.
func (r *Room) SetEntities(playerID string, entities []proximity.Entity) error {
	if len(entities) > game.MaxStaticEntities {
		return fmt.Errorf("%w: at most %d entities", ErrInvalidEntity, game.MaxStaticEntities)
	}
	seen := make(map[string]bool, len(entities))
	for _, e := range entities {
		if err := validateEntity(e); err != nil {
			return err
		}
		if seen[e.ID] {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidEntity, e.ID)
		}
		seen[e.ID] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.HostID != playerID {
		return ErrNotHost
	}
	r.entities = append([]proximity.Entity(nil), entities...)
	return nil
}

func validateEntity(e proximity.Entity) error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEntity)
	case e.Kind != proximity.KindPowerUp && e.Kind != proximity.KindZone:
		return fmt.Errorf("%w: %q has kind %q", ErrInvalidEntity, e.ID, e.Kind)
	case e.Location == nil || !e.Location.Valid():
		return fmt.Errorf("%w: %q has no valid location", ErrInvalidEntity, e.ID)
	case e.Kind == proximity.KindZone && (e.Radius <= 0 || e.Radius > game.MaxZoneRadius):
		return fmt.Errorf("%w: zone %q radius must be in (0, %.0f]", ErrInvalidEntity, e.ID, game.MaxZoneRadius)
	}
	return nil
}

// Entities returns a copy of the static entities.
func (r *Room) Entities() []proximity.Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]proximity.Entity(nil), r.entities...)
}

// Engine returns the location engine of a player.
func (r *Room) Engine(playerID string) (*polling.Engine, error) {
	t, err := r.tracker(playerID)
	if err != nil {
		return nil, err
	}
	return t.engine, nil
}

// StartTracking starts or resumes the player's location watch.
func (r *Room) StartTracking(ctx context.Context, playerID string) error {
	t, err := r.tracker(playerID)
	if err != nil {
		return err
	}
	if err := t.start(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.Players[playerID]; ok {
		p.Tracking = true
		if t.startedAt.IsZero() {
			t.startedAt = r.deps.Clock.Now()
		}
	}
	r.updateStateLocked()
	return nil
}

// StopTracking stops the player's location watch. The engine keeps its state.
func (r *Room) StopTracking(playerID string) error {
	t, err := r.tracker(playerID)
	if err != nil {
		return err
	}
	t.engine.StopWatch()

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.Players[playerID]; ok {
		p.Tracking = false
	}
	r.updateStateLocked()
	return nil
}

// PushFix delivers a fix reported by the player's device. Fixes that arrive
// while no watch is open are dropped.
func (r *Room) PushFix(playerID string, sample geo.Sample) error {
	t, err := r.tracker(playerID)
	if err != nil {
		return err
	}
	if !t.source.deliverFix(sample) {
		slog.Debug("dropping fix without an open watch", "room", r.Code, "player", playerID)
	}
	return nil
}

// PushError delivers a location error reported by the player's device.
func (r *Room) PushError(playerID string, pe polling.PositionError) error {
	t, err := r.tracker(playerID)
	if err != nil {
		return err
	}
	if !t.source.deliverError(pe) {
		slog.Debug("dropping location error without an open watch", "room", r.Code, "player", playerID, "code", pe.Code)
	}
	return nil
}

// PushBattery records a battery reading from the player's device.
func (r *Room) PushBattery(playerID string, st polling.BatteryStatus) error {
	t, err := r.tracker(playerID)
	if err != nil {
		return err
	}
	t.source.setBattery(st)
	t.engine.HandleCharging(st.Charging)
	t.engine.HandleBatteryLevel(st.Level)
	return nil
}

func (r *Room) tracker(playerID string) (*tracker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[playerID]
	if !ok {
		return nil, ErrPlayerNotFound
	}
	return t, nil
}

// updateStateLocked derives the room state from its players. Caller must hold r.mu.
func (r *Room) updateStateLocked() {
	if r.State == game.StateClosed {
		return
	}
	r.State = game.StateWaiting
	for _, p := range r.Players {
		if p.Tracking {
			r.State = game.StateTracking
			return
		}
	}
}

// GetPlayerList returns copies of all players ordered by ID.
func (r *Room) GetPlayerList() []game.Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	players := make([]game.Player, 0, len(r.Players))
	for _, p := range r.Players {
		players = append(players, *p)
	}
	sort.Slice(players, func(i, j int) bool { return players[i].ID < players[j].ID })
	return players
}

// Player returns a copy of one player.
func (r *Room) Player(playerID string) (game.Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.Players[playerID]
	if !ok {
		return game.Player{}, false
	}
	return *p, true
}

// HasPlayer reports whether the player is in the room.
func (r *Room) HasPlayer(playerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.Players[playerID]
	return ok
}

// Info returns the room's code, state and host.
func (r *Room) Info() (code string, state game.RoomState, hostID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Code, r.State, r.HostID
}

// BroadcastMessage sends a message to all players in the room.
func (r *Room) BroadcastMessage(msg ws.Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, client := range r.clients {
		client.SendMessage(msg)
	}
}

// SendToPlayer sends a message to a specific player.
func (r *Room) SendToPlayer(playerID string, msg ws.Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if client, ok := r.clients[playerID]; ok {
		client.SendMessage(msg)
	}
}

// GetClient returns the WebSocket client for a player.
func (r *Room) GetClient(playerID string) *ws.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[playerID]
}

// IsEmpty returns true if the room has no players.
func (r *Room) IsEmpty() bool {
	return r.PlayerCount() == 0
}
