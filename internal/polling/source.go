package polling

import (
	"context"
	"errors"
	"time"

	"github.com/ugaemi/tag-server/internal/geo"
)

// ErrorCode is a geolocation error code as reported by the platform.
type ErrorCode string

const (
	CodePermissionDenied    ErrorCode = "PERMISSION_DENIED"
	CodePositionUnavailable ErrorCode = "POSITION_UNAVAILABLE"
	CodeTimeout             ErrorCode = "TIMEOUT"
)

// Valid reports whether c is one of the recognized codes.
func (c ErrorCode) Valid() bool {
	switch c {
	case CodePermissionDenied, CodePositionUnavailable, CodeTimeout:
		return true
	}
	return false
}

// Fatal reports whether the error stops watching until the user intervenes.
func (c ErrorCode) Fatal() bool {
	return c == CodePermissionDenied
}

// PositionError is delivered by the location source's error callback.
type PositionError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e PositionError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// ErrBatteryUnavailable is returned by battery sources that cannot report a level.
var ErrBatteryUnavailable = errors.New("battery status unavailable")

// WatchOptions configures a location watch. Interval is advisory: most
// platforms have no polling-interval knob, so the engine also throttles
// callbacks itself.
type WatchOptions struct {
	EnableHighAccuracy bool          `json:"enable_high_accuracy"`
	Timeout            time.Duration `json:"-"`
	MaximumAge         time.Duration `json:"-"`
	Interval           time.Duration `json:"-"`
}

// OptionsFor derives the watch options for a profile.
func OptionsFor(p Profile) WatchOptions {
	return WatchOptions{
		EnableHighAccuracy: p.EnableHighAccuracy,
		Timeout:            p.Timeout,
		MaximumAge:         p.MaxStaleness,
		Interval:           p.Interval,
	}
}

// Watch is a running location watch.
type Watch interface {
	// Clear stops the watch. Calling it more than once is allowed.
	Clear()
}

// LocationSource is the platform geolocation API.
type LocationSource interface {
	// WatchPosition starts delivering fixes to onFix and failures to onError
	// until the returned watch is cleared. There is no way to change the
	// options of a running watch.
	WatchPosition(opts WatchOptions, onFix func(geo.Sample), onError func(PositionError)) (Watch, error)
}

// BatteryStatus is a one-shot battery reading.
type BatteryStatus struct {
	// Level is a fraction between 0 and 1.
	Level    float64 `json:"level"`
	Charging bool    `json:"charging"`
}

// BatterySource fetches the battery state once at startup. Later level
// changes are pushed through Engine.HandleBatteryLevel.
type BatterySource interface {
	Battery(ctx context.Context) (BatteryStatus, error)
}
