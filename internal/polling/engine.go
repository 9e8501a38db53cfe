package polling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ugaemi/tag-server/internal/clock"
	"github.com/ugaemi/tag-server/internal/events"
	"github.com/ugaemi/tag-server/internal/geo"
	"github.com/ugaemi/tag-server/internal/motion"
)

// DefaultMovementThreshold is the distance between accepted fixes below
// which the device is considered not to have moved.
const DefaultMovementThreshold = 10.0 // meters

// ErrDestroyed is returned by operations on a destroyed engine.
var ErrDestroyed = errors.New("engine destroyed")

// Observer receives engine activity, typically for metrics. All methods
// are called with the engine lock held and must not call back into the engine.
type Observer interface {
	ModeChanged(from, to ProfileID)
	FixAccepted()
	FixThrottled()
	PositionError(code ErrorCode)
	MotionChanged(to motion.State)
	WatchStarted()
	WatchStopped()
}

// Options configures a new Engine.
type Options struct {
	// Source is the platform location API. Required. Its callbacks must not
	// be invoked before WatchPosition returns.
	Source LocationSource
	// Battery is optional; without it the battery is assumed full.
	Battery BatterySource
	// Clock defaults to the real clock.
	Clock clock.Clock
	// Motion overrides the classifier thresholds. Zero value means defaults.
	Motion motion.Config
	// MovementThreshold in meters. Zero means DefaultMovementThreshold.
	MovementThreshold float64
	// Observer is optional.
	Observer Observer
	// Phase is the initial game phase. Empty means waiting.
	Phase Phase
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ModeChange is the payload of a mode_change event.
type ModeChange struct {
	From   Profile `json:"from"`
	To     Profile `json:"to"`
	Reason string  `json:"reason"`
}

// MotionChange is the payload of a motion_change event.
type MotionChange struct {
	From motion.State `json:"from"`
	To   motion.State `json:"to"`
}

// WatchChange is the payload of gps_watch_start and gps_watch_stop events.
type WatchChange struct {
	Profile Profile `json:"profile"`
}

// Position is the payload of a gps_position event.
type Position struct {
	Sample         geo.Sample `json:"sample"`
	Moved          bool       `json:"moved"`
	StationaryTime Millis     `json:"stationary_time_ms"`
}

// Stale is the payload of a gps_stale event.
type Stale struct {
	Profile ProfileID `json:"profile"`
	Silence Millis    `json:"silence_ms"`
}

// Status is a snapshot of the engine state.
type Status struct {
	Profile          Profile        `json:"profile"`
	Context          Context        `json:"context"`
	LowBattery       bool           `json:"low_battery"`
	Watching         bool           `json:"watching"`
	PermissionDenied bool           `json:"permission_denied"`
	LastFix          *geo.Sample    `json:"last_fix,omitempty"`
	LastError        *PositionError `json:"last_error,omitempty"`
	StationaryTime   Millis         `json:"stationary_time_ms"`
}

// BatteryStats summarizes the battery and the cost of the current profile.
type BatteryStats struct {
	Level          float64   `json:"level"`
	Charging       bool      `json:"charging"`
	LowBattery     bool      `json:"low_battery"`
	Profile        ProfileID `json:"profile"`
	Impact         Impact    `json:"battery_impact"`
	StationaryTime Millis    `json:"stationary_time_ms"`
	AcceptedFixes  uint64    `json:"accepted_fixes"`
	ThrottledFixes uint64    `json:"throttled_fixes"`
}

// Engine is the adaptive GPS polling state machine. It owns the single
// location watch, picks the polling profile from battery, motion and game
// phase, and throttles position callbacks to the profile interval.
//
// All state changes happen under one mutex, so calls from the socket reader,
// timer callbacks and location callbacks are serialized.
type Engine struct {
	source   LocationSource
	battery  BatterySource
	clock    clock.Clock
	observer Observer
	log      *slog.Logger
	bus      *events.Bus

	classifier        *motion.Classifier
	movementThreshold float64

	ctx    Context
	active Profile

	watch            Watch
	watching         bool
	generation       uint64
	permissionDenied bool
	staleTimer       clock.Timer
	staleSeq         uint64

	lastAccepted   time.Time
	lastFix        *geo.Sample
	lastError      *PositionError
	stationaryTime time.Duration
	acceptedFixes  uint64
	throttledFixes uint64

	started   bool
	destroyed bool

	mu sync.Mutex
}

// NewEngine creates an engine. Nothing is watched until Start is called.
func NewEngine(opts Options) *Engine {
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	motionCfg := opts.Motion
	if motionCfg == (motion.Config{}) {
		motionCfg = motion.DefaultConfig()
	}
	threshold := opts.MovementThreshold
	if threshold <= 0 {
		threshold = DefaultMovementThreshold
	}
	phase := opts.Phase
	if phase == "" {
		phase = PhaseWaiting
	}

	e := &Engine{
		source:            opts.Source,
		battery:           opts.Battery,
		clock:             c,
		observer:          opts.Observer,
		log:               log,
		bus:               events.NewBus(),
		classifier:        motion.NewClassifier(motionCfg),
		movementThreshold: threshold,
		ctx: Context{
			BatteryLevel: 100,
			Motion:       motion.StateUnknown,
			Phase:        phase,
			Adaptive:     true,
		},
	}
	e.active = SelectProfile(e.ctx)
	return e
}

// Subscribe returns a channel of engine events and a cancel func.
func (e *Engine) Subscribe(buffer int) (<-chan events.Event, func()) {
	return e.bus.Subscribe(buffer)
}

// Start reads the battery once and starts watching with the selected profile.
// A battery read failure is not fatal. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	var status *BatteryStatus
	if e.battery != nil {
		st, err := e.battery.Battery(ctx)
		if err != nil {
			e.log.Debug("battery status unavailable", "error", err)
		} else {
			status = &st
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return ErrDestroyed
	}
	if status != nil && finite(status.Level) {
		e.ctx.BatteryLevel = clampFraction(status.Level) * 100
		e.ctx.Charging = status.Charging
		e.reevaluateLocked("battery")
	}
	return e.startWatchLocked()
}

// Destroy stops the watch, cancels pending timers and closes every event
// subscription. Later calls on the engine are no-ops.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.stopWatchLocked()
	e.destroyed = true
	e.mu.Unlock()

	e.bus.Close()
}

// StartWatch starts the location watch with the active profile. It also
// clears a previous permission denial, so it is the way to resume after the
// user grants access.
func (e *Engine) StartWatch() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return ErrDestroyed
	}
	e.permissionDenied = false
	return e.startWatchLocked()
}

// StopWatch stops the location watch. Stopping a stopped watch does nothing.
func (e *Engine) StopWatch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopWatchLocked()
}

// SetGamePhase updates the declared game phase.
func (e *Engine) SetGamePhase(phase Phase) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed || e.ctx.Phase == phase {
		return
	}
	e.ctx.Phase = phase
	e.reevaluateLocked("game_phase")
}

// SetAdaptiveEnabled turns automatic profile selection on or off. Turning it
// back on recomputes the profile from the current context.
func (e *Engine) SetAdaptiveEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed || e.ctx.Adaptive == enabled {
		return
	}
	e.ctx.Adaptive = enabled
	e.reevaluateLocked("adaptive")
}

// SetStealthMode toggles stealth mode.
func (e *Engine) SetStealthMode(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed || e.ctx.Stealth == enabled {
		return
	}
	e.ctx.Stealth = enabled
	e.reevaluateLocked("stealth")
}

// SetMode forces a profile. While adaptive selection is enabled the next
// context change may replace it.
func (e *Engine) SetMode(id ProfileID) error {
	p, err := Lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return ErrDestroyed
	}
	return e.applyProfileLocked(p, "manual")
}

// HandleBatteryLevel takes a level-change notification as a fraction in [0, 1].
// Values outside the range are clamped.
func (e *Engine) HandleBatteryLevel(fraction float64) {
	if !finite(fraction) {
		e.log.Warn("ignoring non-finite battery level", "level", fraction)
		return
	}
	fraction = clampFraction(fraction)

	e.mu.Lock()
	defer e.mu.Unlock()

	level := fraction * 100
	if e.destroyed || e.ctx.BatteryLevel == level {
		return
	}
	e.ctx.BatteryLevel = level
	e.reevaluateLocked("battery")
}

// HandleCharging records the charging state. It does not affect selection.
func (e *Engine) HandleCharging(charging bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.destroyed {
		e.ctx.Charging = charging
	}
}

// HandleAcceleration feeds one accelerometer sample to the motion classifier.
func (e *Engine) HandleAcceleration(v motion.Vector) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return
	}

	from := e.ctx.Motion
	to, changed := e.classifier.Observe(v, e.clock.Now())
	if !changed {
		return
	}

	e.ctx.Motion = to
	e.publishLocked(events.TypeMotionChange, MotionChange{From: from, To: to})
	if e.observer != nil {
		e.observer.MotionChanged(to)
	}
	e.log.Debug("motion state changed", "from", from.String(), "to", to.String())

	e.reevaluateLocked("motion")
}

// Status returns a snapshot of the current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		Profile:          e.active,
		Context:          e.ctx,
		LowBattery:       e.ctx.IsLowBattery(),
		Watching:         e.watching,
		PermissionDenied: e.permissionDenied,
		StationaryTime:   Millis(e.stationaryTime),
	}
	if e.lastFix != nil {
		fix := *e.lastFix
		st.LastFix = &fix
	}
	if e.lastError != nil {
		pe := *e.lastError
		st.LastError = &pe
	}
	return st
}

// BatteryStats returns the battery numbers and the accumulated stationary time.
func (e *Engine) BatteryStats() BatteryStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return BatteryStats{
		Level:          e.ctx.BatteryLevel,
		Charging:       e.ctx.Charging,
		LowBattery:     e.ctx.IsLowBattery(),
		Profile:        e.active.ID,
		Impact:         e.active.Impact,
		StationaryTime: Millis(e.stationaryTime),
		AcceptedFixes:  e.acceptedFixes,
		ThrottledFixes: e.throttledFixes,
	}
}

// reevaluateLocked recomputes the profile unless adaptive selection is off.
func (e *Engine) reevaluateLocked(reason string) {
	if !e.ctx.Adaptive {
		return
	}
	if err := e.applyProfileLocked(SelectProfile(e.ctx), reason); err != nil {
		e.log.Error("failed to apply gps profile", "reason", reason, "error", err)
	}
}

// applyProfileLocked switches to p. A running watch is torn down and
// recreated because watches cannot be reconfigured in place.
func (e *Engine) applyProfileLocked(p Profile, reason string) error {
	if p.ID == e.active.ID {
		return nil
	}

	old := e.active
	e.active = p
	e.publishLocked(events.TypeModeChange, ModeChange{From: old, To: p, Reason: reason})
	if e.observer != nil {
		e.observer.ModeChanged(old.ID, p.ID)
	}
	e.log.Info("gps mode changed", "from", old.ID, "to", p.ID, "reason", reason)

	if !e.watching {
		return nil
	}
	e.stopWatchLocked()
	return e.startWatchLocked()
}

func (e *Engine) startWatchLocked() error {
	if e.watching || e.permissionDenied {
		return nil
	}
	if e.source == nil {
		return errors.New("no location source")
	}

	e.generation++
	gen := e.generation
	w, err := e.source.WatchPosition(OptionsFor(e.active),
		func(s geo.Sample) { e.handleFix(gen, s) },
		func(pe PositionError) { e.handleError(gen, pe) },
	)
	if err != nil {
		return fmt.Errorf("start location watch: %w", err)
	}

	e.watch = w
	e.watching = true
	e.armStaleLocked()

	e.publishLocked(events.TypeGPSWatchStart, WatchChange{Profile: e.active})
	if e.observer != nil {
		e.observer.WatchStarted()
	}
	return nil
}

func (e *Engine) stopWatchLocked() {
	if !e.watching {
		return
	}

	if e.watch != nil {
		e.watch.Clear()
	}
	e.watch = nil
	e.watching = false
	// invalidates callbacks and timers of the old watch
	e.generation++
	e.stopStaleLocked()

	e.publishLocked(events.TypeGPSWatchStop, WatchChange{Profile: e.active})
	if e.observer != nil {
		e.observer.WatchStopped()
	}
}

// handleFix is the watch success callback. Fixes arriving sooner than the
// profile interval after the last accepted one are dropped.
func (e *Engine) handleFix(gen uint64, s geo.Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed || gen != e.generation {
		return
	}
	if !s.Valid() {
		e.log.Warn("dropping invalid position fix", "lat", s.Lat, "lng", s.Lng)
		return
	}

	now := e.clock.Now()
	if !e.lastAccepted.IsZero() && now.Sub(e.lastAccepted) < e.active.Interval {
		e.throttledFixes++
		if e.observer != nil {
			e.observer.FixThrottled()
		}
		return
	}

	moved := true
	if e.lastFix != nil {
		moved = geo.Distance(e.lastFix.Point, s.Point) >= e.movementThreshold
	}
	if moved {
		e.stationaryTime = 0
	} else {
		e.stationaryTime += now.Sub(e.lastAccepted)
	}

	fix := s
	e.lastFix = &fix
	e.lastAccepted = now
	e.lastError = nil
	e.acceptedFixes++
	e.armStaleLocked()

	e.publishLocked(events.TypeGPSPosition, Position{
		Sample:         s,
		Moved:          moved,
		StationaryTime: Millis(e.stationaryTime),
	})
	if e.observer != nil {
		e.observer.FixAccepted()
	}
}

// handleError is the watch error callback. Permission errors stop the watch;
// other errors leave it running so the next callback retries naturally.
func (e *Engine) handleError(gen uint64, pe PositionError) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed || gen != e.generation {
		return
	}
	if !pe.Code.Valid() {
		e.log.Warn("unrecognized location error code", "code", pe.Code)
		pe.Code = CodePositionUnavailable
	}

	e.lastError = &pe
	e.publishLocked(events.TypeGPSError, pe)
	if e.observer != nil {
		e.observer.PositionError(pe.Code)
	}

	if pe.Code.Fatal() {
		e.log.Warn("location permission denied, stopping watch", "message", pe.Message)
		e.permissionDenied = true
		e.stopWatchLocked()
		return
	}
	e.log.Debug("transient location error", "code", pe.Code, "message", pe.Message)
}

// armStaleLocked (re)starts the staleness timer: if no fix is accepted within
// the profile interval plus its staleness budget, a gps_stale event fires.
func (e *Engine) armStaleLocked() {
	e.stopStaleLocked()

	seq := e.staleSeq
	budget := e.active.Interval + e.active.MaxStaleness
	e.staleTimer = e.clock.AfterFunc(budget, func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		if e.destroyed || seq != e.staleSeq || !e.watching {
			return
		}
		e.staleTimer = nil
		e.publishLocked(events.TypeGPSStale, Stale{Profile: e.active.ID, Silence: Millis(budget)})
	})
}

func (e *Engine) stopStaleLocked() {
	// a timer that already fired but is waiting for the lock sees a new seq
	e.staleSeq++
	if e.staleTimer != nil {
		e.staleTimer.Stop()
		e.staleTimer = nil
	}
}

func (e *Engine) publishLocked(eventType string, data any) {
	e.bus.Publish(events.Event{Type: eventType, Data: data, At: e.clock.Now()})
}

// Millis is a duration that serializes as whole milliseconds.
type Millis time.Duration

// MarshalJSON writes the duration in milliseconds.
func (m Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(m).Milliseconds())
}

func clampFraction(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
