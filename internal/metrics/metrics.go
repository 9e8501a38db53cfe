package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ugaemi/tag-server/internal/motion"
	"github.com/ugaemi/tag-server/internal/polling"
)

// Collector bundles the Prometheus metrics of the location engines. It
// implements polling.Observer, so one collector can be shared by every engine.
type Collector struct {
	gatherer prometheus.Gatherer

	ModeChanges   *prometheus.CounterVec
	GPSErrors     *prometheus.CounterVec
	Fixes         *prometheus.CounterVec
	MotionChanges *prometheus.CounterVec
	ActiveWatches prometheus.Gauge
}

var _ polling.Observer = (*Collector)(nil)

// New registers the metrics against reg, defaulting to the global registry
// when nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	modeChanges, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tag_mode_changes_total",
		Help: "GPS polling profile switches, labeled by source and target profile.",
	}, []string{"from", "to"}), "tag_mode_changes_total")
	if err != nil {
		return nil, err
	}

	gpsErrors, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tag_gps_errors_total",
		Help: "Location errors reported by clients, labeled by error code.",
	}, []string{"code"}), "tag_gps_errors_total")
	if err != nil {
		return nil, err
	}

	fixes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tag_fixes_total",
		Help: "Position fixes received, labeled by whether they were accepted or throttled.",
	}, []string{"result"}), "tag_fixes_total")
	if err != nil {
		return nil, err
	}

	motionChanges, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tag_motion_changes_total",
		Help: "Motion state transitions, labeled by the new state.",
	}, []string{"state"}), "tag_motion_changes_total")
	if err != nil {
		return nil, err
	}

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tag_active_watches",
		Help: "Location watches currently running.",
	})
	if err := reg.Register(active); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(prometheus.Gauge)
		if !ok {
			return nil, fmt.Errorf("collector tag_active_watches already registered with incompatible type")
		}
		active = existing
	}

	return &Collector{
		gatherer:      gatherer,
		ModeChanges:   modeChanges,
		GPSErrors:     gpsErrors,
		Fixes:         fixes,
		MotionChanges: motionChanges,
		ActiveWatches: active,
	}, nil
}

// Handler exposes the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) ModeChanged(from, to polling.ProfileID) {
	c.ModeChanges.WithLabelValues(string(from), string(to)).Inc()
}

func (c *Collector) FixAccepted() {
	c.Fixes.WithLabelValues("accepted").Inc()
}

func (c *Collector) FixThrottled() {
	c.Fixes.WithLabelValues("throttled").Inc()
}

// PositionError counts errors by code. Unrecognized codes share the "other"
// label so clients cannot create new series.
func (c *Collector) PositionError(code polling.ErrorCode) {
	label := string(code)
	if !code.Valid() {
		label = "other"
	}
	c.GPSErrors.WithLabelValues(label).Inc()
}

func (c *Collector) MotionChanged(to motion.State) {
	c.MotionChanges.WithLabelValues(to.String()).Inc()
}

func (c *Collector) WatchStarted() {
	c.ActiveWatches.Inc()
}

func (c *Collector) WatchStopped() {
	c.ActiveWatches.Dec()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
