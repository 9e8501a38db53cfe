package game

// Player limits
const (
	MaxPlayers = 16
	MaxIt      = 3
)

// Proximity
const (
	DefaultProximityRange = 500.0 // meters
	MaxStaticEntities     = 64
	MaxZoneRadius         = 2000.0 // meters
)

// Nickname length in runes.
const MaxNicknameLength = 20
