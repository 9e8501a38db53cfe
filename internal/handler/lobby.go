package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ugaemi/tag-server/internal/game"
	"github.com/ugaemi/tag-server/internal/proximity"
	"github.com/ugaemi/tag-server/internal/room"
	"github.com/ugaemi/tag-server/internal/ws"
)

// LobbyHandler handles lobby-related messages.
type LobbyHandler struct {
	rm     *room.Manager
	router *Router
}

// NewLobbyHandler creates a new lobby handler.
func NewLobbyHandler(rm *room.Manager, router *Router) *LobbyHandler {
	return &LobbyHandler{
		rm:     rm,
		router: router,
	}
}

type createRoomRequest struct {
	Nickname string `json:"nickname"`
}

type createRoomResponse struct {
	Code     string `json:"code"`
	PlayerID string `json:"player_id"`
}

func validNickname(s string) (string, bool) {
	s = strings.TrimSpace(s)
	return s, s != "" && utf8.RuneCountInString(s) <= game.MaxNicknameLength
}

// HandleCreateRoom handles room creation.
func (h *LobbyHandler) HandleCreateRoom(client *ws.Client, msg ws.Message) {
	var req createRoomRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		client.SendMessage(ws.NewErrorMessage("nickname is required"))
		return
	}
	nickname, ok := validNickname(req.Nickname)
	if !ok {
		client.SendMessage(ws.NewErrorMessage("nickname is required"))
		return
	}
	if h.router.GetPlayerID(client.ID) != "" {
		client.SendMessage(ws.NewErrorMessage("already in a room"))
		return
	}

	r := h.rm.CreateRoom()
	player := game.NewPlayer(nickname)
	if err := r.AddPlayer(player, client); err != nil {
		h.rm.RemoveRoom(r.Code)
		client.SendMessage(ws.NewErrorMessage(err.Error()))
		return
	}
	h.router.RegisterPlayer(client.ID, player.ID)

	resp, _ := ws.NewMessage(ws.TypeCreateRoom, createRoomResponse{
		Code:     r.Code,
		PlayerID: player.ID,
	})
	client.SendMessage(resp)

	slog.Info("player created room", "player", player.Nickname, "room", r.Code)
}

type joinRoomRequest struct {
	Code     string `json:"code"`
	Nickname string `json:"nickname"`
}

// HandleJoinRoom handles joining an existing room.
func (h *LobbyHandler) HandleJoinRoom(client *ws.Client, msg ws.Message) {
	var req joinRoomRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Code == "" {
		client.SendMessage(ws.NewErrorMessage("code and nickname are required"))
		return
	}
	nickname, ok := validNickname(req.Nickname)
	if !ok {
		client.SendMessage(ws.NewErrorMessage("code and nickname are required"))
		return
	}
	if h.router.GetPlayerID(client.ID) != "" {
		client.SendMessage(ws.NewErrorMessage("already in a room"))
		return
	}

	r := h.rm.GetRoom(req.Code)
	if r == nil {
		client.SendMessage(ws.NewErrorMessage("room not found"))
		return
	}

	player := game.NewPlayer(nickname)
	if err := r.AddPlayer(player, client); err != nil {
		switch {
		case errors.Is(err, room.ErrRoomFull):
			client.SendMessage(ws.NewErrorMessage("room is full"))
		case errors.Is(err, room.ErrRoomClosed):
			client.SendMessage(ws.NewErrorMessage("room not found"))
		default:
			client.SendMessage(ws.NewErrorMessage(err.Error()))
		}
		return
	}
	h.router.RegisterPlayer(client.ID, player.ID)

	resp, _ := ws.NewMessage(ws.TypeJoinRoom, createRoomResponse{
		Code:     r.Code,
		PlayerID: player.ID,
	})
	client.SendMessage(resp)

	broadcastRoomInfo(r)

	slog.Info("player joined room", "player", player.Nickname, "room", r.Code)
}

type selectTeamRequest struct {
	Role string `json:"role"` // "it" or "runner"
}

// HandleSelectTeam handles team selection.
func (h *LobbyHandler) HandleSelectTeam(client *ws.Client, msg ws.Message) {
	var req selectTeamRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		client.SendMessage(ws.NewErrorMessage("invalid team selection"))
		return
	}

	r, playerID, ok := h.router.playerRoom(client)
	if !ok {
		return
	}

	role := game.ParseRole(req.Role)
	if role == game.RoleNone {
		client.SendMessage(ws.NewErrorMessage("invalid role"))
		return
	}

	if err := r.SelectRole(playerID, role); err != nil {
		if errors.Is(err, room.ErrTeamFull) {
			client.SendMessage(ws.NewErrorMessage("team is full"))
			return
		}
		client.SendMessage(ws.NewErrorMessage(err.Error()))
		return
	}
	broadcastRoomInfo(r)

	slog.Info("player selected team", "player", playerID, "role", role.String())
}

type setEntitiesRequest struct {
	Entities []proximity.Entity `json:"entities"`
}

// HandleSetEntities replaces the room's power-ups and zones. Host only.
func (h *LobbyHandler) HandleSetEntities(client *ws.Client, msg ws.Message) {
	var req setEntitiesRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		client.SendMessage(ws.NewErrorMessage("invalid entities"))
		return
	}

	r, playerID, ok := h.router.playerRoom(client)
	if !ok {
		return
	}

	if err := r.SetEntities(playerID, req.Entities); err != nil {
		client.SendMessage(ws.NewErrorMessage(err.Error()))
		return
	}
	broadcastRoomInfo(r)

	slog.Info("room entities set", "room", r.Code, "count", len(req.Entities))
}

// HandleLeaveRoom handles a player leaving a room.
func (h *LobbyHandler) HandleLeaveRoom(client *ws.Client, _ ws.Message) {
	h.removePlayer(client)
}

// HandleDisconnect handles client disconnection.
func (h *LobbyHandler) HandleDisconnect(client *ws.Client) {
	h.removePlayer(client)
}

func (h *LobbyHandler) removePlayer(client *ws.Client) {
	playerID := h.router.GetPlayerID(client.ID)
	if playerID == "" {
		return
	}

	r := h.rm.FindRoomByPlayerID(playerID)
	if r != nil {
		r.RemovePlayer(playerID)
		if r.IsEmpty() {
			h.rm.RemoveRoom(r.Code)
		} else {
			broadcastRoomInfo(r)
		}
	}

	h.router.UnregisterPlayer(client.ID)
	slog.Info("player left", "player", playerID)
}

type roomInfoResponse struct {
	Code     string             `json:"code"`
	State    game.RoomState     `json:"state"`
	Players  []game.Player      `json:"players"`
	HostID   string             `json:"host_id"`
	Entities []proximity.Entity `json:"entities"`
}

func broadcastRoomInfo(r *room.Room) {
	code, state, hostID := r.Info()
	resp, _ := ws.NewMessage(ws.TypeRoomInfo, roomInfoResponse{
		Code:     code,
		State:    state,
		Players:  r.GetPlayerList(),
		HostID:   hostID,
		Entities: r.Entities(),
	})
	r.BroadcastMessage(resp)
}
