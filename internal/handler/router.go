package handler

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ugaemi/tag-server/internal/room"
	"github.com/ugaemi/tag-server/internal/ws"
)

// Router dispatches incoming messages to the appropriate handler.
type Router struct {
	rm       *room.Manager
	lobby    *LobbyHandler
	tracking *TrackingHandler

	// playerMap tracks client ID -> player ID mapping, shared across handlers.
	playerMap map[string]string
	mu        sync.RWMutex
}

// NewRouter creates a new message router.
func NewRouter(rm *room.Manager) *Router {
	r := &Router{
		rm:        rm,
		playerMap: make(map[string]string),
	}
	r.lobby = NewLobbyHandler(rm, r)
	r.tracking = NewTrackingHandler(rm, r)
	return r
}

// RegisterPlayer maps a client ID to a player ID.
func (r *Router) RegisterPlayer(clientID, playerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playerMap[clientID] = playerID
}

// UnregisterPlayer removes a client's player mapping.
func (r *Router) UnregisterPlayer(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.playerMap, clientID)
}

// GetPlayerID returns the player ID for a client, or empty string if not found.
func (r *Router) GetPlayerID(clientID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.playerMap[clientID]
}

// playerRoom resolves the client's player and room. It answers the client
// with an error and returns ok=false when the client is not in a room.
func (r *Router) playerRoom(client *ws.Client) (rm *room.Room, playerID string, ok bool) {
	playerID = r.GetPlayerID(client.ID)
	if playerID != "" {
		rm = r.rm.FindRoomByPlayerID(playerID)
	}
	if rm == nil {
		client.SendMessage(ws.NewErrorMessage("not in a room"))
		return nil, "", false
	}
	return rm, playerID, true
}

// HandleMessage parses and routes an incoming client message.
func (r *Router) HandleMessage(cm *ws.ClientMessage) {
	var msg ws.Message
	if err := json.Unmarshal(cm.Data, &msg); err != nil {
		slog.Warn("invalid message format", "client", cm.Client.ID, "error", err)
		cm.Client.SendMessage(ws.NewErrorMessage("invalid message format"))
		return
	}

	switch msg.Type {
	// Lobby messages
	case ws.TypeCreateRoom:
		r.lobby.HandleCreateRoom(cm.Client, msg)
	case ws.TypeJoinRoom:
		r.lobby.HandleJoinRoom(cm.Client, msg)
	case ws.TypeLeaveRoom:
		r.lobby.HandleLeaveRoom(cm.Client, msg)
	case ws.TypeSelectTeam:
		r.lobby.HandleSelectTeam(cm.Client, msg)
	case ws.TypeSetEntities:
		r.lobby.HandleSetEntities(cm.Client, msg)

	// Device telemetry
	case ws.TypeLocationUpdate:
		r.tracking.HandleLocationUpdate(cm.Client, msg)
	case ws.TypeLocationError:
		r.tracking.HandleLocationError(cm.Client, msg)
	case ws.TypeBatteryUpdate:
		r.tracking.HandleBatteryUpdate(cm.Client, msg)
	case ws.TypeMotionSample:
		r.tracking.HandleMotionSample(cm.Client, msg)

	// Tracking settings
	case ws.TypeSetGamePhase:
		r.tracking.HandleSetGamePhase(cm.Client, msg)
	case ws.TypeSetStealthMode:
		r.tracking.HandleSetStealthMode(cm.Client, msg)
	case ws.TypeSetAdaptive:
		r.tracking.HandleSetAdaptive(cm.Client, msg)
	case ws.TypeSetMode:
		r.tracking.HandleSetMode(cm.Client, msg)
	case ws.TypeStartTracking:
		r.tracking.HandleStartTracking(cm.Client, msg)
	case ws.TypeStopTracking:
		r.tracking.HandleStopTracking(cm.Client, msg)
	case ws.TypeGetStatus:
		r.tracking.HandleGetStatus(cm.Client, msg)

	default:
		slog.Warn("unknown message type", "type", msg.Type, "client", cm.Client.ID)
		cm.Client.SendMessage(ws.NewErrorMessage("unknown message type: " + msg.Type))
	}
}

// HandleDisconnect handles client disconnection.
func (r *Router) HandleDisconnect(client *ws.Client) {
	r.lobby.HandleDisconnect(client)
}
