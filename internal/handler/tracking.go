package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ugaemi/tag-server/internal/geo"
	"github.com/ugaemi/tag-server/internal/motion"
	"github.com/ugaemi/tag-server/internal/polling"
	"github.com/ugaemi/tag-server/internal/room"
	"github.com/ugaemi/tag-server/internal/ws"
)

const startTimeout = 5 * time.Second

// TrackingHandler handles device telemetry and tracking settings.
type TrackingHandler struct {
	rm     *room.Manager
	router *Router
}

// NewTrackingHandler creates a new tracking handler.
func NewTrackingHandler(rm *room.Manager, router *Router) *TrackingHandler {
	return &TrackingHandler{
		rm:     rm,
		router: router,
	}
}

// engine resolves the client's engine, answering with an error on failure.
func (h *TrackingHandler) engine(client *ws.Client) (*polling.Engine, bool) {
	r, playerID, ok := h.router.playerRoom(client)
	if !ok {
		return nil, false
	}
	e, err := r.Engine(playerID)
	if err != nil {
		client.SendMessage(ws.NewErrorMessage(err.Error()))
		return nil, false
	}
	return e, true
}

type locationUpdateRequest struct {
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
	Accuracy float64  `json:"accuracy"`
	Heading  *float64 `json:"heading"`
	Speed    *float64 `json:"speed"`
	// Timestamp is the device time of the fix in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

func (req locationUpdateRequest) sample() geo.Sample {
	s := geo.Sample{
		Point:    geo.Point{Lat: *req.Lat, Lng: *req.Lng},
		Accuracy: req.Accuracy,
		Heading:  req.Heading,
		Speed:    req.Speed,
	}
	if req.Timestamp > 0 {
		s.Timestamp = time.UnixMilli(req.Timestamp)
	}
	return s
}

// HandleLocationUpdate feeds a fix reported by the device to its watch.
func (h *TrackingHandler) HandleLocationUpdate(client *ws.Client, msg ws.Message) {
	var req locationUpdateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Lat == nil || req.Lng == nil {
		client.SendMessage(ws.NewErrorMessage("invalid location data"))
		return
	}

	r, playerID, ok := h.router.playerRoom(client)
	if !ok {
		return
	}
	if err := r.PushFix(playerID, req.sample()); err != nil {
		client.SendMessage(ws.NewErrorMessage(err.Error()))
		return
	}

	slog.Debug("location update", "player", playerID, "lat", *req.Lat, "lng", *req.Lng)
}

// HandleLocationError feeds a geolocation error reported by the device.
func (h *TrackingHandler) HandleLocationError(client *ws.Client, msg ws.Message) {
	var req polling.PositionError
	if err := json.Unmarshal(msg.Data, &req); err != nil || !req.Code.Valid() {
		client.SendMessage(ws.NewErrorMessage("invalid location error"))
		return
	}

	r, playerID, ok := h.router.playerRoom(client)
	if !ok {
		return
	}
	if err := r.PushError(playerID, req); err != nil {
		client.SendMessage(ws.NewErrorMessage(err.Error()))
	}
}

// HandleBatteryUpdate records a battery reading. Level is a fraction in [0, 1].
func (h *TrackingHandler) HandleBatteryUpdate(client *ws.Client, msg ws.Message) {
	var req polling.BatteryStatus
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Level < 0 || req.Level > 1 {
		client.SendMessage(ws.NewErrorMessage("invalid battery data"))
		return
	}

	r, playerID, ok := h.router.playerRoom(client)
	if !ok {
		return
	}
	if err := r.PushBattery(playerID, req); err != nil {
		client.SendMessage(ws.NewErrorMessage(err.Error()))
	}
}

// HandleMotionSample feeds one accelerometer reading to the motion classifier.
func (h *TrackingHandler) HandleMotionSample(client *ws.Client, msg ws.Message) {
	var req motion.Vector
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		client.SendMessage(ws.NewErrorMessage("invalid motion sample"))
		return
	}

	e, ok := h.engine(client)
	if !ok {
		return
	}
	e.HandleAcceleration(req)
}

type setGamePhaseRequest struct {
	Phase polling.Phase `json:"phase"`
}

// HandleSetGamePhase declares the player's game phase.
func (h *TrackingHandler) HandleSetGamePhase(client *ws.Client, msg ws.Message) {
	var req setGamePhaseRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Phase == "" {
		client.SendMessage(ws.NewErrorMessage("phase is required"))
		return
	}

	e, ok := h.engine(client)
	if !ok {
		return
	}
	e.SetGamePhase(req.Phase)
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

// HandleSetStealthMode turns stealth mode on or off.
func (h *TrackingHandler) HandleSetStealthMode(client *ws.Client, msg ws.Message) {
	var req toggleRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		client.SendMessage(ws.NewErrorMessage("invalid stealth setting"))
		return
	}

	e, ok := h.engine(client)
	if !ok {
		return
	}
	e.SetStealthMode(req.Enabled)
}

// HandleSetAdaptive turns adaptive profile selection on or off.
func (h *TrackingHandler) HandleSetAdaptive(client *ws.Client, msg ws.Message) {
	var req toggleRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		client.SendMessage(ws.NewErrorMessage("invalid adaptive setting"))
		return
	}

	e, ok := h.engine(client)
	if !ok {
		return
	}
	e.SetAdaptiveEnabled(req.Enabled)
}

type setModeRequest struct {
	Mode polling.ProfileID `json:"mode"`
}

// HandleSetMode forces a polling profile.
func (h *TrackingHandler) HandleSetMode(client *ws.Client, msg ws.Message) {
	var req setModeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		client.SendMessage(ws.NewErrorMessage("mode is required"))
		return
	}

	e, ok := h.engine(client)
	if !ok {
		return
	}
	if err := e.SetMode(req.Mode); err != nil {
		if errors.Is(err, polling.ErrUnknownProfile) {
			client.SendMessage(ws.NewErrorMessage("unknown mode: " + string(req.Mode)))
			return
		}
		client.SendMessage(ws.NewErrorMessage(err.Error()))
	}
}

// HandleStartTracking starts or resumes the player's location watch.
func (h *TrackingHandler) HandleStartTracking(client *ws.Client, _ ws.Message) {
	r, playerID, ok := h.router.playerRoom(client)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	if err := r.StartTracking(ctx, playerID); err != nil {
		slog.Warn("failed to start tracking", "player", playerID, "room", r.Code, "error", err)
		client.SendMessage(ws.NewErrorMessage("failed to start tracking"))
		return
	}
	broadcastRoomInfo(r)

	slog.Info("tracking started", "player", playerID, "room", r.Code)
}

// HandleStopTracking stops the player's location watch.
func (h *TrackingHandler) HandleStopTracking(client *ws.Client, _ ws.Message) {
	r, playerID, ok := h.router.playerRoom(client)
	if !ok {
		return
	}
	if err := r.StopTracking(playerID); err != nil {
		client.SendMessage(ws.NewErrorMessage(err.Error()))
		return
	}
	broadcastRoomInfo(r)

	slog.Info("tracking stopped", "player", playerID, "room", r.Code)
}

// StatusResponse is the payload of a status message and of the HTTP status
// endpoint.
type StatusResponse struct {
	PlayerID string               `json:"player_id"`
	Status   polling.Status       `json:"status"`
	Battery  polling.BatteryStats `json:"battery"`
}

func statusOf(playerID string, e *polling.Engine) StatusResponse {
	return StatusResponse{
		PlayerID: playerID,
		Status:   e.Status(),
		Battery:  e.BatteryStats(),
	}
}

// HandleGetStatus sends the engine status back to the client.
func (h *TrackingHandler) HandleGetStatus(client *ws.Client, _ ws.Message) {
	r, playerID, ok := h.router.playerRoom(client)
	if !ok {
		return
	}
	e, err := r.Engine(playerID)
	if err != nil {
		client.SendMessage(ws.NewErrorMessage(err.Error()))
		return
	}

	resp, err := ws.NewMessage(ws.TypeStatus, statusOf(playerID, e))
	if err != nil {
		slog.Error("failed to encode status", "player", playerID, "error", err)
		return
	}
	client.SendMessage(resp)
}
