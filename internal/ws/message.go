package ws

import "encoding/json"

// Message represents a WebSocket message with type-based routing.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message types - Lobby
const (
	TypeCreateRoom  = "create_room"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeSelectTeam  = "select_team"
	TypeSetEntities = "set_entities"
)

// Message types - Device telemetry
const (
	TypeLocationUpdate = "location_update"
	TypeLocationError  = "location_error"
	TypeBatteryUpdate  = "battery_update"
	TypeMotionSample   = "motion_sample"
)

// Message types - Tracking settings
const (
	TypeSetGamePhase   = "set_game_phase"
	TypeSetStealthMode = "set_stealth_mode"
	TypeSetAdaptive    = "set_adaptive"
	TypeSetMode        = "set_mode"
	TypeStartTracking  = "start_tracking"
	TypeStopTracking   = "stop_tracking"
	TypeGetStatus      = "get_status"
)

// Message types - Server push. Engine events are forwarded under their
// own event type.
const (
	TypeGPSConfig = "gps_config"
	TypeGPSStop   = "gps_stop"
	TypeTargets   = "targets"
	TypeStatus    = "status"
)

// Message types - System
const (
	TypeError    = "error"
	TypeRoomInfo = "room_info"
)

// ErrorMessage is sent when an error occurs.
type ErrorMessage struct {
	Message string `json:"message"`
}

// NewErrorMessage creates a Message with an error payload.
func NewErrorMessage(msg string) Message {
	data, _ := json.Marshal(ErrorMessage{Message: msg})
	return Message{Type: TypeError, Data: data}
}

// NewMessage creates a Message with a typed payload.
func NewMessage(msgType string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Data: data}, nil
}
