package geo

import (
	"math"
	"time"
)

// EarthRadiusMeters is the mean Earth radius used by all distance math.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether p has finite coordinates within lat [-90, 90] and
// lng [-180, 180]. Invalid points are reported, never clamped.
func (p Point) Valid() bool {
	if !finite(p.Lat) || !finite(p.Lng) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Sample is a single position fix delivered by a location watch.
type Sample struct {
	Point
	Accuracy  float64   `json:"accuracy"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Vec2 is a position on a 2D canvas.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the haversine great-circle distance between a and b in meters.
// Non-finite coordinates yield NaN.
func Distance(a, b Point) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c
}

// Bearing returns the initial compass bearing from one point toward another,
// in degrees within [0, 360). Identical points return 0.
func Bearing(from, to Point) float64 {
	if from == to {
		return 0
	}

	lat1 := toRadians(from.Lat)
	lat2 := toRadians(to.Lat)
	dLng := toRadians(to.Lng - from.Lng)

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)

	return NormalizeDegrees(toDegrees(math.Atan2(y, x)))
}

// NormalizeDegrees maps deg into [0, 360). NaN stays NaN.
func NormalizeDegrees(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	// -1e-15 + 360 rounds to 360
	if d >= 360 {
		d = 0
	}
	return d
}

// ProjectToRadius maps a bearing/distance pair onto a disc of diameter
// canvasSize centred in the canvas. Bearing 0 points up. Distances beyond
// maxDistance are drawn on the edge of the disc.
func ProjectToRadius(bearing, distance, maxDistance, canvasSize float64) Vec2 {
	radius := canvasSize / 2

	ratio := distance / maxDistance
	if ratio > 1 {
		ratio = 1
	}

	angle := toRadians(bearing - 90)
	return Vec2{
		X: radius + math.Cos(angle)*ratio*radius,
		Y: radius + math.Sin(angle)*ratio*radius,
	}
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func toDegrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
