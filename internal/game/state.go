package game

import "encoding/json"

type RoomState int

const (
	StateWaiting RoomState = iota
	StateTracking
	StateClosed
)

func (s RoomState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateTracking:
		return "tracking"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes RoomState as a string.
func (s RoomState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
