package polling

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ugaemi/tag-server/internal/clock"
	"github.com/ugaemi/tag-server/internal/events"
	"github.com/ugaemi/tag-server/internal/geo"
	"github.com/ugaemi/tag-server/internal/motion"
)

// fakeSource records every watch the engine opens.
type fakeSource struct {
	mu      sync.Mutex
	watches []*fakeWatch
	err     error
}

type fakeWatch struct {
	opts    WatchOptions
	onFix   func(geo.Sample)
	onError func(PositionError)
	cleared int
}

func (w *fakeWatch) Clear() { w.cleared++ }

func (s *fakeSource) WatchPosition(opts WatchOptions, onFix func(geo.Sample), onError func(PositionError)) (Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	w := &fakeWatch{opts: opts, onFix: onFix, onError: onError}
	s.watches = append(s.watches, w)
	return w, nil
}

func (s *fakeSource) last() *fakeWatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.watches) == 0 {
		return nil
	}
	return s.watches[len(s.watches)-1]
}

func (s *fakeSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

type fakeBattery struct {
	status BatteryStatus
	err    error
}

func (b fakeBattery) Battery(context.Context) (BatteryStatus, error) {
	return b.status, b.err
}

var base = geo.Point{Lat: 37.5665, Lng: 126.978}

// north returns a sample d meters north of base.
func north(d float64) geo.Sample {
	return geo.Sample{Point: geo.Point{Lat: base.Lat + d/111195.0, Lng: base.Lng}, Accuracy: 5}
}

type harness struct {
	engine *Engine
	source *fakeSource
	clock  *clock.Fake
	events <-chan events.Event
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	src := &fakeSource{}
	clk := clock.NewFake(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	opts.Source = src
	opts.Clock = clk

	e := NewEngine(opts)
	ch, cancel := e.Subscribe(64)
	t.Cleanup(func() {
		cancel()
		e.Destroy()
	})
	return &harness{engine: e, source: src, clock: clk, events: ch}
}

func (h *harness) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(evs []events.Event) []string {
	types := make([]string, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	return types
}

func findEvent(evs []events.Event, eventType string) *events.Event {
	for i := range evs {
		if evs[i].Type == eventType {
			return &evs[i]
		}
	}
	return nil
}

func TestEngine_StartWatchesWithSelectedProfile(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Start(context.Background()))

	w := h.source.last()
	require.NotNil(t, w)
	saver, _ := Lookup(ProfileBatterySaver)
	assert.Equal(t, OptionsFor(saver), w.opts)

	evs := h.drain()
	assert.Equal(t, []string{events.TypeGPSWatchStart}, eventTypes(evs))
	assert.True(t, h.engine.Status().Watching)

	// second start is a no-op
	require.NoError(t, h.engine.Start(context.Background()))
	assert.Equal(t, 1, h.source.count())
}

func TestEngine_StartReadsBattery(t *testing.T) {
	h := newHarness(t, Options{
		Phase:   PhaseActiveHunting,
		Battery: fakeBattery{status: BatteryStatus{Level: 0.15, Charging: true}},
	})
	assert.Equal(t, ProfileHighAccuracy, h.engine.Status().Profile.ID)

	require.NoError(t, h.engine.Start(context.Background()))

	stats := h.engine.BatteryStats()
	assert.InDelta(t, 15, stats.Level, 1e-9)
	assert.True(t, stats.Charging)
	assert.True(t, stats.LowBattery)
	assert.Equal(t, ProfileBatterySaver, stats.Profile)
	assert.False(t, h.source.last().opts.EnableHighAccuracy)

	evs := h.drain()
	assert.Equal(t, []string{events.TypeModeChange, events.TypeGPSWatchStart}, eventTypes(evs))
}

func TestEngine_StartWithoutBatteryKeepsDefaults(t *testing.T) {
	h := newHarness(t, Options{
		Phase:   PhaseActiveHunting,
		Battery: fakeBattery{err: ErrBatteryUnavailable},
	})
	require.NoError(t, h.engine.Start(context.Background()))
	assert.Equal(t, ProfileHighAccuracy, h.engine.Status().Profile.ID)
	assert.InDelta(t, 100, h.engine.BatteryStats().Level, 1e-9)
}

func TestEngine_StartWatchError(t *testing.T) {
	h := newHarness(t, Options{})
	h.source.err = errors.New("no gps hardware")

	err := h.engine.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no gps hardware")
	assert.False(t, h.engine.Status().Watching)
}

func TestEngine_PhaseChangeRestartsWatch(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Start(context.Background()))
	first := h.source.last()
	h.drain()

	h.engine.SetGamePhase(PhaseActiveHunting)

	assert.Equal(t, 1, first.cleared)
	require.Equal(t, 2, h.source.count())
	assert.True(t, h.source.last().opts.EnableHighAccuracy)
	assert.Equal(t, 2*time.Second, h.source.last().opts.Interval)

	evs := h.drain()
	assert.Equal(t, []string{events.TypeModeChange, events.TypeGPSWatchStop, events.TypeGPSWatchStart}, eventTypes(evs))

	change, ok := evs[0].Data.(ModeChange)
	require.True(t, ok)
	assert.Equal(t, ProfileBatterySaver, change.From.ID)
	assert.Equal(t, ProfileHighAccuracy, change.To.ID)
	assert.Equal(t, "game_phase", change.Reason)

	// same phase again changes nothing
	h.engine.SetGamePhase(PhaseActiveHunting)
	assert.Empty(t, h.drain())
	assert.Equal(t, 2, h.source.count())
}

func TestEngine_ProfileChangeWithoutWatchDoesNotStartOne(t *testing.T) {
	h := newHarness(t, Options{})

	h.engine.SetStealthMode(true)

	assert.Equal(t, ProfileStealth, h.engine.Status().Profile.ID)
	assert.Equal(t, 0, h.source.count())
	assert.Equal(t, []string{events.TypeModeChange}, eventTypes(h.drain()))
}

func TestEngine_AdaptiveDisabledKeepsExplicitMode(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Start(context.Background()))

	h.engine.SetAdaptiveEnabled(false)
	require.NoError(t, h.engine.SetMode(ProfileUltraSaver))
	assert.Equal(t, ProfileUltraSaver, h.engine.Status().Profile.ID)

	h.engine.SetGamePhase(PhaseActiveHunting)
	h.engine.HandleBatteryLevel(0.05)
	assert.Equal(t, ProfileUltraSaver, h.engine.Status().Profile.ID)

	h.engine.HandleBatteryLevel(0.9)
	h.engine.SetAdaptiveEnabled(true)
	assert.Equal(t, ProfileHighAccuracy, h.engine.Status().Profile.ID)
	require.Equal(t, 3, h.source.count())
	assert.Equal(t, 60*time.Second, h.source.watches[1].opts.Interval)
	assert.True(t, h.source.last().opts.EnableHighAccuracy)
}

func TestEngine_SetModeUnknown(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.engine.SetMode("warp")
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestEngine_ThrottlesToProfileInterval(t *testing.T) {
	h := newHarness(t, Options{Phase: PhaseActiveHunting})
	require.NoError(t, h.engine.Start(context.Background()))
	w := h.source.last()
	h.drain()

	w.onFix(north(0))
	h.clock.Advance(1 * time.Second)
	w.onFix(north(50))
	h.clock.Advance(999 * time.Millisecond)
	w.onFix(north(60))
	h.clock.Advance(1 * time.Millisecond)
	w.onFix(north(70))

	evs := h.drain()
	positions := 0
	for _, ev := range evs {
		if ev.Type == events.TypeGPSPosition {
			positions++
		}
	}
	assert.Equal(t, 2, positions)

	stats := h.engine.BatteryStats()
	assert.Equal(t, uint64(2), stats.AcceptedFixes)
	assert.Equal(t, uint64(2), stats.ThrottledFixes)

	last := h.engine.Status().LastFix
	require.NotNil(t, last)
	assert.InDelta(t, north(70).Lat, last.Lat, 1e-12)
}

func TestEngine_MovementCheckAndStationaryTime(t *testing.T) {
	h := newHarness(t, Options{Phase: PhaseActiveHunting})
	require.NoError(t, h.engine.Start(context.Background()))
	w := h.source.last()
	h.drain()

	w.onFix(north(0))
	first := findEvent(h.drain(), events.TypeGPSPosition)
	require.NotNil(t, first)
	assert.True(t, first.Data.(Position).Moved, "first fix counts as movement")

	h.clock.Advance(2 * time.Second)
	w.onFix(north(4))
	h.clock.Advance(3 * time.Second)
	w.onFix(north(8))

	evs := h.drain()
	pos := findEvent(evs, events.TypeGPSPosition)
	require.NotNil(t, pos)
	assert.False(t, pos.Data.(Position).Moved)
	assert.Equal(t, 5*time.Second, time.Duration(h.engine.Status().StationaryTime))

	h.clock.Advance(2 * time.Second)
	w.onFix(north(100))
	moved := findEvent(h.drain(), events.TypeGPSPosition)
	require.NotNil(t, moved)
	assert.True(t, moved.Data.(Position).Moved)
	assert.Equal(t, time.Duration(0), time.Duration(h.engine.BatteryStats().StationaryTime))
}

func TestEngine_InvalidFixDropped(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Start(context.Background()))
	h.drain()

	h.source.last().onFix(geo.Sample{Point: geo.Point{Lat: math.NaN(), Lng: 0}})
	h.source.last().onFix(geo.Sample{Point: geo.Point{Lat: 95, Lng: 0}})

	assert.Empty(t, h.drain())
	assert.Nil(t, h.engine.Status().LastFix)
}

func TestEngine_PermissionDeniedStopsWatching(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Start(context.Background()))
	w := h.source.last()
	h.drain()

	w.onError(PositionError{Code: CodePermissionDenied, Message: "user denied"})

	evs := h.drain()
	assert.Equal(t, []string{events.TypeGPSError, events.TypeGPSWatchStop}, eventTypes(evs))
	assert.Equal(t, CodePermissionDenied, evs[0].Data.(PositionError).Code)
	assert.Equal(t, 1, w.cleared)

	st := h.engine.Status()
	assert.False(t, st.Watching)
	assert.True(t, st.PermissionDenied)
	require.NotNil(t, st.LastError)

	// a profile change does not resurrect the watch
	h.engine.SetGamePhase(PhaseActiveHunting)
	assert.Equal(t, 1, h.source.count())

	// explicitly restarting does
	require.NoError(t, h.engine.StartWatch())
	assert.Equal(t, 2, h.source.count())
	assert.True(t, h.source.last().opts.EnableHighAccuracy)
	assert.False(t, h.engine.Status().PermissionDenied)
}

func TestEngine_TransientErrorKeepsWatching(t *testing.T) {
	h := newHarness(t, Options{Phase: PhaseBeingHunted})
	require.NoError(t, h.engine.Start(context.Background()))
	w := h.source.last()
	h.drain()

	w.onError(PositionError{Code: CodeTimeout, Message: "took too long"})
	w.onError(PositionError{Code: CodePositionUnavailable, Message: "no signal"})

	evs := h.drain()
	assert.Equal(t, []string{events.TypeGPSError, events.TypeGPSError}, eventTypes(evs))
	assert.Equal(t, 0, w.cleared)

	st := h.engine.Status()
	assert.True(t, st.Watching)
	assert.Equal(t, ProfileHighAccuracy, st.Profile.ID)

	// the next successful callback clears the error
	w.onFix(north(0))
	assert.Nil(t, h.engine.Status().LastError)
}

func TestEngine_UnrecognizedErrorCode(t *testing.T) {
	h := newHarness(t, Options{Phase: PhaseBeingHunted})
	require.NoError(t, h.engine.Start(context.Background()))
	w := h.source.last()
	h.drain()

	w.onError(PositionError{Code: "KERNEL_PANIC", Message: "?"})

	evs := h.drain()
	assert.Equal(t, []string{events.TypeGPSError}, eventTypes(evs))
	assert.Equal(t, 0, w.cleared)

	st := h.engine.Status()
	require.NotNil(t, st.LastError)
	assert.Equal(t, CodePositionUnavailable, st.LastError.Code)
	assert.True(t, st.Watching)
}

func TestErrorCode_Valid(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want bool
	}{
		{CodePermissionDenied, true},
		{CodePositionUnavailable, true},
		{CodeTimeout, true},
		{"", false},
		{"permission_denied", false},
		{"KERNEL_PANIC", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.Valid())
		})
	}
}

func TestEngine_StopWatchIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Start(context.Background()))
	w := h.source.last()
	h.drain()

	h.engine.StopWatch()
	h.engine.StopWatch()

	assert.Equal(t, []string{events.TypeGPSWatchStop}, eventTypes(h.drain()))
	assert.Equal(t, 1, w.cleared)

	// callbacks from the cleared watch are ignored
	w.onFix(north(0))
	w.onError(PositionError{Code: CodeTimeout})
	assert.Empty(t, h.drain())
	assert.Nil(t, h.engine.Status().LastFix)
}

func TestEngine_StaleTimer(t *testing.T) {
	h := newHarness(t, Options{Phase: PhaseActiveHunting})
	require.NoError(t, h.engine.Start(context.Background()))
	w := h.source.last()
	h.drain()

	// high accuracy: 2s interval + 1s staleness budget
	h.clock.Advance(2 * time.Second)
	w.onFix(north(0))
	h.clock.Advance(2 * time.Second)
	assert.Nil(t, findEvent(h.drain(), events.TypeGPSStale))

	h.clock.Advance(1 * time.Second)
	stale := findEvent(h.drain(), events.TypeGPSStale)
	require.NotNil(t, stale)
	assert.Equal(t, ProfileHighAccuracy, stale.Data.(Stale).Profile)

	// fires once per silence
	h.clock.Advance(10 * time.Second)
	assert.Nil(t, findEvent(h.drain(), events.TypeGPSStale))
}

func TestEngine_StopClearsStaleTimer(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Start(context.Background()))
	assert.Equal(t, 1, h.clock.Pending())

	h.engine.StopWatch()
	assert.Equal(t, 0, h.clock.Pending())

	h.clock.Advance(time.Hour)
	assert.Nil(t, findEvent(h.drain(), events.TypeGPSStale))
}

func TestEngine_MotionDrivesProfile(t *testing.T) {
	h := newHarness(t, Options{Phase: PhaseActiveHunting})
	require.NoError(t, h.engine.Start(context.Background()))
	h.drain()

	for i := 0; i < 7; i++ {
		v := motion.Vector{}
		if i%2 == 0 {
			v.Y = 3
		}
		h.engine.HandleAcceleration(v)
	}

	evs := h.drain()
	require.Equal(t, []string{events.TypeMotionChange}, eventTypes(evs))
	change := evs[0].Data.(MotionChange)
	assert.Equal(t, motion.StateUnknown, change.From)
	assert.Equal(t, motion.StateMoving, change.To)
	assert.Equal(t, ProfileHighAccuracy, h.engine.Status().Profile.ID)

	// quiet long enough for the counter to drain and the stillness timer to expire
	for i := 0; i < 40; i++ {
		h.clock.Advance(time.Second)
		h.engine.HandleAcceleration(motion.Vector{})
	}

	evs = h.drain()
	assert.Contains(t, eventTypes(evs), events.TypeMotionChange)
	mode := findEvent(evs, events.TypeModeChange)
	require.NotNil(t, mode)
	assert.Equal(t, ProfileBatterySaver, mode.Data.(ModeChange).To.ID)
	assert.Equal(t, motion.StateStationary, h.engine.Status().Context.Motion)
}

func TestEngine_BatteryLevelChanges(t *testing.T) {
	h := newHarness(t, Options{Phase: PhaseBeingHunted})
	require.NoError(t, h.engine.Start(context.Background()))
	h.drain()

	h.engine.HandleBatteryLevel(math.NaN())
	assert.Empty(t, h.drain())

	h.engine.HandleBatteryLevel(0.19)
	assert.Equal(t, ProfileBatterySaver, h.engine.Status().Profile.ID)

	h.engine.HandleBatteryLevel(0.5)
	assert.Equal(t, ProfileHighAccuracy, h.engine.Status().Profile.ID)

	h.engine.HandleCharging(true)
	assert.True(t, h.engine.BatteryStats().Charging)
}

func TestEngine_BatteryLevelIsClamped(t *testing.T) {
	tests := []struct {
		name     string
		fraction float64
		want     float64
	}{
		{"above one", 5, 100},
		{"negative", -0.1, 0},
		{"in range", 0.42, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			require.NoError(t, h.engine.Start(context.Background()))

			h.engine.HandleBatteryLevel(tt.fraction)
			assert.InDelta(t, tt.want, h.engine.Status().Context.BatteryLevel, 1e-9)
		})
	}
}

func TestEngine_Destroy(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Start(context.Background()))
	w := h.source.last()
	h.drain()

	h.engine.Destroy()
	h.engine.Destroy()

	assert.Equal(t, 1, w.cleared)
	assert.Equal(t, 0, h.clock.Pending())

	// the subscription sees the final watch stop, then closes
	var types []string
	for ev := range h.events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{events.TypeGPSWatchStop}, types)

	w.onFix(north(0))
	h.engine.SetGamePhase(PhaseActiveHunting)
	assert.ErrorIs(t, h.engine.Start(context.Background()), ErrDestroyed)
	assert.ErrorIs(t, h.engine.StartWatch(), ErrDestroyed)
	assert.ErrorIs(t, h.engine.SetMode(ProfileBalanced), ErrDestroyed)
	assert.Nil(t, h.engine.Status().LastFix)
	assert.Equal(t, 1, h.source.count())
}
