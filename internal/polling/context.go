package polling

import (
	"github.com/ugaemi/tag-server/internal/motion"
)

// Phase is the game phase declared by the client. It is free-form so that
// phases this server does not know about fall back to the balanced profile.
type Phase string

const (
	PhaseWaiting       Phase = "waiting"
	PhaseActiveHunting Phase = "active_hunting"
	PhaseBeingHunted   Phase = "being_hunted"
	PhaseSafeZone      Phase = "safe_zone"
	PhaseIdle          Phase = "idle"
	PhaseSpectating    Phase = "spectating"
)

// LowBatteryPercent is the level below which the battery counts as low.
const LowBatteryPercent = 20.0

var phaseProfiles = map[Phase]ProfileID{
	PhaseWaiting:       ProfileBatterySaver,
	PhaseActiveHunting: ProfileHighAccuracy,
	PhaseBeingHunted:   ProfileHighAccuracy,
	PhaseSafeZone:      ProfileBatterySaver,
	PhaseIdle:          ProfileStealth,
	PhaseSpectating:    ProfileUltraSaver,
}

// Context is everything the state machine looks at when picking a profile.
type Context struct {
	BatteryLevel float64      `json:"battery_level"`
	Charging     bool         `json:"charging"`
	Motion       motion.State `json:"motion_state"`
	Phase        Phase        `json:"game_phase"`
	Stealth      bool         `json:"stealth_mode"`
	Adaptive     bool         `json:"adaptive_enabled"`
}

// IsLowBattery reports whether the battery level is below LowBatteryPercent.
func (c Context) IsLowBattery() bool {
	return c.BatteryLevel < LowBatteryPercent
}

// SelectProfile picks the profile for c. Rules are checked in order and the
// first match wins: low battery, stealth, stationary, then the phase table.
// An unknown motion state has no influence.
func SelectProfile(c Context) Profile {
	switch {
	case c.IsLowBattery():
		return mustProfile(ProfileBatterySaver)
	case c.Stealth:
		return mustProfile(ProfileStealth)
	case c.Motion == motion.StateStationary:
		return mustProfile(ProfileBatterySaver)
	}

	if id, ok := phaseProfiles[c.Phase]; ok {
		return mustProfile(id)
	}
	return mustProfile(ProfileBalanced)
}
