package motion

import (
	"encoding/json"
	"math"
	"time"
)

// State is the classifier's opinion about whether the device is moving.
type State int

const (
	StateUnknown State = iota
	StateMoving
	StateStationary
)

func (s State) String() string {
	switch s {
	case StateMoving:
		return "moving"
	case StateStationary:
		return "stationary"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes State as a string.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON deserializes State from a string.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "moving":
		*s = StateMoving
	case "stationary":
		*s = StateStationary
	default:
		*s = StateUnknown
	}
	return nil
}

// Vector is an acceleration sample including gravity.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Default thresholds. They were tuned by hand, not derived from a model.
const (
	DefaultDeltaThreshold   = 2.0
	DefaultEnterMovingCount = 5
	DefaultStationaryAfter  = 30 * time.Second
)

// Config holds the classifier thresholds.
type Config struct {
	// DeltaThreshold is the summed per-axis change above which a sample counts as motion.
	DeltaThreshold float64 `yaml:"delta_threshold"`
	// EnterMovingCount is the movement count that must be exceeded to enter moving.
	EnterMovingCount int `yaml:"enter_moving_count"`
	// StationaryAfter is how long without motion before entering stationary.
	StationaryAfter time.Duration `yaml:"stationary_after"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		DeltaThreshold:   DefaultDeltaThreshold,
		EnterMovingCount: DefaultEnterMovingCount,
		StationaryAfter:  DefaultStationaryAfter,
	}
}

// Classifier turns raw accelerometer samples into a moving/stationary state
// using a hysteresis counter and a stillness timer. It is not safe for
// concurrent use; the owner serializes calls.
type Classifier struct {
	cfg Config

	last           Vector
	movementCount  int
	state          State
	lastMotionTime time.Time
	seen           bool
}

// NewClassifier creates a classifier in the unknown state.
func NewClassifier(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// State returns the current state.
func (c *Classifier) State() State {
	return c.state
}

// MovementCount returns the current hysteresis counter.
func (c *Classifier) MovementCount() int {
	return c.movementCount
}

// Observe feeds one sample taken at the given time. It returns the state
// after the sample and whether the sample caused a transition. The first
// sample is compared against the zero vector.
func (c *Classifier) Observe(v Vector, at time.Time) (State, bool) {
	if !c.seen {
		c.seen = true
		c.lastMotionTime = at
	}

	delta := math.Abs(v.X-c.last.X) + math.Abs(v.Y-c.last.Y) + math.Abs(v.Z-c.last.Z)
	c.last = v

	if delta > c.cfg.DeltaThreshold {
		c.movementCount++
		c.lastMotionTime = at
		if c.movementCount > c.cfg.EnterMovingCount {
			return c.transition(StateMoving)
		}
		return c.state, false
	}

	if c.movementCount > 0 {
		c.movementCount--
	}
	if c.movementCount == 0 && at.Sub(c.lastMotionTime) >= c.cfg.StationaryAfter {
		return c.transition(StateStationary)
	}
	return c.state, false
}

func (c *Classifier) transition(to State) (State, bool) {
	if c.state == to {
		return c.state, false
	}
	c.state = to
	return c.state, true
}
