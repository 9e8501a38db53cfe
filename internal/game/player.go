package game

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ugaemi/tag-server/internal/proximity"
)

type Role int

const (
	RoleNone Role = iota
	RoleIt
	RoleRunner
)

func (r Role) String() string {
	switch r {
	case RoleIt:
		return "it"
	case RoleRunner:
		return "runner"
	default:
		return "none"
	}
}

// ParseRole maps a wire name to a Role. Unknown names are RoleNone.
func ParseRole(s string) Role {
	switch s {
	case "it":
		return RoleIt
	case "runner":
		return RoleRunner
	default:
		return RoleNone
	}
}

// MarshalJSON serializes Role as a string.
func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON deserializes Role from a string.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = ParseRole(s)
	return nil
}

// IsHunter reports whether the role chases the others.
func (r Role) IsHunter() bool {
	return r == RoleIt
}

// KindFor returns how a player with role other appears on the radar of a
// viewer with role viewer.
func KindFor(viewer, other Role) proximity.Kind {
	switch {
	case viewer == RoleIt && other == RoleIt:
		return proximity.KindAlly
	case other == RoleIt:
		return proximity.KindIt
	case viewer == RoleIt:
		return proximity.KindRunner
	default:
		return proximity.KindAlly
	}
}

type Player struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Role     Role   `json:"role"`
	Tracking bool   `json:"tracking"`
}

func NewPlayer(nickname string) *Player {
	return &Player{
		ID:       uuid.New().String(),
		Nickname: nickname,
		Role:     RoleNone,
	}
}

func (p *Player) SetRole(role Role) {
	p.Role = role
}
