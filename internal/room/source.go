package room

import (
	"context"
	"sync"

	"github.com/ugaemi/tag-server/internal/geo"
	"github.com/ugaemi/tag-server/internal/polling"
	"github.com/ugaemi/tag-server/internal/ws"
)

// clientSource is the location API of one connected device. Opening a watch
// sends the device a gps_config message; the device then pushes fixes and
// errors back over the socket until it receives gps_stop.
type clientSource struct {
	client *ws.Client

	watchID uint64
	onFix   func(geo.Sample)
	onError func(polling.PositionError)
	battery *polling.BatteryStatus

	mu sync.Mutex
}

func newClientSource(client *ws.Client) *clientSource {
	return &clientSource{client: client}
}

type gpsConfigMessage struct {
	WatchID            uint64 `json:"watch_id"`
	EnableHighAccuracy bool   `json:"enable_high_accuracy"`
	IntervalMs         int64  `json:"interval_ms"`
	TimeoutMs          int64  `json:"timeout_ms"`
	MaximumAgeMs       int64  `json:"maximum_age_ms"`
}

type gpsStopMessage struct {
	WatchID uint64 `json:"watch_id"`
}

func (s *clientSource) WatchPosition(opts polling.WatchOptions, onFix func(geo.Sample), onError func(polling.PositionError)) (polling.Watch, error) {
	s.mu.Lock()
	s.watchID++
	id := s.watchID
	s.onFix = onFix
	s.onError = onError
	s.mu.Unlock()

	msg, err := ws.NewMessage(ws.TypeGPSConfig, gpsConfigMessage{
		WatchID:            id,
		EnableHighAccuracy: opts.EnableHighAccuracy,
		IntervalMs:         opts.Interval.Milliseconds(),
		TimeoutMs:          opts.Timeout.Milliseconds(),
		MaximumAgeMs:       opts.MaximumAge.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	s.client.SendMessage(msg)

	return &clientWatch{source: s, id: id}, nil
}

// Battery returns the last status the device reported.
func (s *clientSource) Battery(context.Context) (polling.BatteryStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.battery == nil {
		return polling.BatteryStatus{}, polling.ErrBatteryUnavailable
	}
	return *s.battery, nil
}

func (s *clientSource) setBattery(st polling.BatteryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.battery = &st
}

// deliverFix hands a pushed fix to the open watch. It reports false when no
// watch is open. The callback runs without the source lock held.
func (s *clientSource) deliverFix(sample geo.Sample) bool {
	s.mu.Lock()
	onFix := s.onFix
	s.mu.Unlock()

	if onFix == nil {
		return false
	}
	onFix(sample)
	return true
}

func (s *clientSource) deliverError(pe polling.PositionError) bool {
	s.mu.Lock()
	onError := s.onError
	s.mu.Unlock()

	if onError == nil {
		return false
	}
	onError(pe)
	return true
}

type clientWatch struct {
	source *clientSource
	id     uint64
	once   sync.Once
}

func (w *clientWatch) Clear() {
	w.once.Do(func() {
		s := w.source
		s.mu.Lock()
		if s.watchID == w.id {
			s.onFix = nil
			s.onError = nil
		}
		s.mu.Unlock()

		msg, _ := ws.NewMessage(ws.TypeGPSStop, gpsStopMessage{WatchID: w.id})
		s.client.SendMessage(msg)
	})
}
