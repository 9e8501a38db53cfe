package proximity

import (
	"sort"

	"github.com/ugaemi/tag-server/internal/geo"
)

// Kind tags what an entity is from the viewer's point of view.
type Kind string

const (
	KindRunner  Kind = "runner"
	KindIt      Kind = "it"
	KindAlly    Kind = "ally"
	KindPowerUp Kind = "powerup"
	KindZone    Kind = "zone"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRunner, KindIt, KindAlly, KindPowerUp, KindZone:
		return true
	}
	return false
}

// Entity is something on the map that can be ranked by distance.
type Entity struct {
	ID       string     `json:"id"`
	Kind     Kind       `json:"kind"`
	Location *geo.Point `json:"location,omitempty"`
	// Radius is the zone radius in meters. Only meaningful for zones.
	Radius float64 `json:"radius,omitempty"`
}

// Target is an entity annotated with its distance and direction from the viewer.
type Target struct {
	Entity   Entity  `json:"entity"`
	Distance float64 `json:"distance"`
	// Bearing is the compass bearing from the viewer to the entity.
	Bearing float64 `json:"bearing"`
	// RelativeBearing is Bearing minus the viewer's heading, so 0 is straight ahead.
	RelativeBearing float64 `json:"relative_bearing"`
	// Inside is true when the entity is a zone containing the viewer.
	Inside bool `json:"inside,omitempty"`
}

// Query is the input to Evaluate.
type Query struct {
	Origin   *geo.Sample
	Heading  *float64
	Entities []Entity
	IsHunter bool
	Range    float64
}

// Evaluate ranks the entities around the origin. Entities without a
// location or farther than Range are dropped. Hunters see everything in
// range, nearest first; everyone else only sees the "it" player(s).
// Equal distances are ordered by ID. A nil origin yields no targets.
func Evaluate(q Query) []Target {
	if q.Origin == nil {
		return []Target{}
	}
	origin := q.Origin.Point

	targets := make([]Target, 0, len(q.Entities))
	for _, e := range q.Entities {
		if e.Location == nil {
			continue
		}
		if !q.IsHunter && e.Kind != KindIt {
			continue
		}

		d := geo.Distance(origin, *e.Location)
		// written so NaN distances are dropped as well
		if !(d <= q.Range) {
			continue
		}

		b := geo.Bearing(origin, *e.Location)
		rel := b
		if q.Heading != nil {
			rel = geo.NormalizeDegrees(b - *q.Heading)
		}

		targets = append(targets, Target{
			Entity:          e,
			Distance:        d,
			Bearing:         b,
			RelativeBearing: rel,
			Inside:          e.Kind == KindZone && d <= e.Radius,
		})
	}

	sort.SliceStable(targets, func(i, j int) bool {
		if targets[i].Distance != targets[j].Distance {
			return targets[i].Distance < targets[j].Distance
		}
		return targets[i].Entity.ID < targets[j].Entity.ID
	})

	return targets
}

// ZonesContaining returns the zone entities whose radius contains p, in input order.
func ZonesContaining(p geo.Point, entities []Entity) []Entity {
	var zones []Entity
	for _, e := range entities {
		if e.Kind != KindZone || e.Location == nil {
			continue
		}
		if geo.Distance(p, *e.Location) <= e.Radius {
			zones = append(zones, e)
		}
	}
	return zones
}
