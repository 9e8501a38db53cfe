package polling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProfileID names one of the fixed GPS polling profiles.
type ProfileID string

const (
	ProfileHighAccuracy ProfileID = "high_accuracy"
	ProfileBalanced     ProfileID = "balanced"
	ProfileBatterySaver ProfileID = "battery_saver"
	ProfileStealth      ProfileID = "stealth"
	ProfileUltraSaver   ProfileID = "ultra_saver"
)

// Impact classifies how hard a profile drains the battery.
type Impact string

const (
	ImpactHigh    Impact = "high"
	ImpactMedium  Impact = "medium"
	ImpactLow     Impact = "low"
	ImpactVeryLow Impact = "very_low"
	ImpactMinimal Impact = "minimal"
)

// ErrUnknownProfile is returned when a profile id is not one of the fixed five.
var ErrUnknownProfile = errors.New("unknown gps profile")

// Profile is the watch configuration selected by the state machine.
type Profile struct {
	ID                 ProfileID     `json:"id"`
	Interval           time.Duration `json:"-"`
	EnableHighAccuracy bool          `json:"enable_high_accuracy"`
	Timeout            time.Duration `json:"-"`
	MaxStaleness       time.Duration `json:"-"`
	Impact             Impact        `json:"battery_impact"`
}

// MarshalJSON writes durations in milliseconds, which is what clients feed
// to their geolocation APIs.
func (p Profile) MarshalJSON() ([]byte, error) {
	type alias Profile
	return json.Marshal(struct {
		alias
		IntervalMs     int64 `json:"interval_ms"`
		TimeoutMs      int64 `json:"timeout_ms"`
		MaxStalenessMs int64 `json:"max_staleness_ms"`
	}{
		alias:          alias(p),
		IntervalMs:     p.Interval.Milliseconds(),
		TimeoutMs:      p.Timeout.Milliseconds(),
		MaxStalenessMs: p.MaxStaleness.Milliseconds(),
	})
}

var profiles = map[ProfileID]Profile{
	ProfileHighAccuracy: {
		ID:                 ProfileHighAccuracy,
		Interval:           2 * time.Second,
		EnableHighAccuracy: true,
		Timeout:            10 * time.Second,
		MaxStaleness:       1 * time.Second,
		Impact:             ImpactHigh,
	},
	ProfileBalanced: {
		ID:                 ProfileBalanced,
		Interval:           5 * time.Second,
		EnableHighAccuracy: true,
		Timeout:            15 * time.Second,
		MaxStaleness:       5 * time.Second,
		Impact:             ImpactMedium,
	},
	ProfileBatterySaver: {
		ID:                 ProfileBatterySaver,
		Interval:           15 * time.Second,
		EnableHighAccuracy: false,
		Timeout:            30 * time.Second,
		MaxStaleness:       15 * time.Second,
		Impact:             ImpactLow,
	},
	ProfileStealth: {
		ID:                 ProfileStealth,
		Interval:           30 * time.Second,
		EnableHighAccuracy: false,
		Timeout:            45 * time.Second,
		MaxStaleness:       30 * time.Second,
		Impact:             ImpactVeryLow,
	},
	ProfileUltraSaver: {
		ID:                 ProfileUltraSaver,
		Interval:           60 * time.Second,
		EnableHighAccuracy: false,
		Timeout:            60 * time.Second,
		MaxStaleness:       60 * time.Second,
		Impact:             ImpactMinimal,
	},
}

// profileOrder is the display order, most to least power hungry.
var profileOrder = []ProfileID{
	ProfileHighAccuracy,
	ProfileBalanced,
	ProfileBatterySaver,
	ProfileStealth,
	ProfileUltraSaver,
}

// Lookup returns the profile with the given id.
func Lookup(id ProfileID) (Profile, error) {
	p, ok := profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, id)
	}
	return p, nil
}

// Profiles returns all five profiles, most to least power hungry.
func Profiles() []Profile {
	out := make([]Profile, 0, len(profileOrder))
	for _, id := range profileOrder {
		out = append(out, profiles[id])
	}
	return out
}

func mustProfile(id ProfileID) Profile {
	return profiles[id]
}
