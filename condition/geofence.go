package condition

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mohitkumar/fleetrules/model"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

var (
	ErrGeofenceNotFound = errors.New("geofence not found")
	ErrInvalidGeofence  = errors.New("invalid geofence")
)

type GeofenceLookup interface {
	Geofence(ctx context.Context, id string) (*model.Geofence, error)
}

var _ GeofenceLookup = new(StaticGeofences)

// StaticGeofences keeps geofence definitions in memory.
type StaticGeofences struct {
	mu        sync.RWMutex
	geofences map[string]*model.Geofence
}

func NewStaticGeofences(geofences ...*model.Geofence) *StaticGeofences {
	s := &StaticGeofences{geofences: make(map[string]*model.Geofence)}
	for _, g := range geofences {
		s.Put(g)
	}
	return s
}

func (s *StaticGeofences) Put(g *model.Geofence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.geofences[g.ID] = g
}

func (s *StaticGeofences) Geofence(ctx context.Context, id string) (*model.Geofence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.geofences[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGeofenceNotFound, id)
	}
	return g, nil
}

// ToPoint reads a position from {lat,lng}, {latitude,longitude} objects or
// a [lng, lat] array.
func ToPoint(v model.Value) (orb.Point, error) {
	switch v.Kind {
	case model.VALUE_OBJECT:
		lat, okLat := firstNumber(v.Obj, "lat", "latitude")
		lng, okLng := firstNumber(v.Obj, "lng", "lon", "longitude")
		if okLat && okLng {
			return orb.Point{lng, lat}, nil
		}
	case model.VALUE_ARRAY:
		if len(v.Arr) == 2 {
			lng, okLng := v.Arr[0].AsNumber()
			lat, okLat := v.Arr[1].AsNumber()
			if okLat && okLng {
				return orb.Point{lng, lat}, nil
			}
		}
	}
	return orb.Point{}, fmt.Errorf("%w: %s is not a position", ErrTypeMismatch, v.String())
}

func firstNumber(obj map[string]model.Value, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			if n, ok := v.AsNumber(); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// Contains reports whether pt lies inside the geofence. Polygon rings are
// closed if the stored ring is open.
func Contains(g *model.Geofence, pt orb.Point) (bool, error) {
	switch g.Shape {
	case model.GEOFENCE_CIRCLE:
		if g.RadiusMeters <= 0 {
			return false, fmt.Errorf("%w: %s has no radius", ErrInvalidGeofence, g.ID)
		}
		center := orb.Point{g.Center[0], g.Center[1]}
		return geo.Distance(center, pt) <= g.RadiusMeters, nil
	case model.GEOFENCE_POLYGON, "":
		if len(g.Polygon) < 3 {
			return false, fmt.Errorf("%w: %s polygon needs at least 3 points", ErrInvalidGeofence, g.ID)
		}
		ring := make(orb.Ring, 0, len(g.Polygon)+1)
		for _, p := range g.Polygon {
			ring = append(ring, orb.Point{p[0], p[1]})
		}
		if !ring.Closed() {
			ring = append(ring, ring[0])
		}
		return planar.PolygonContains(orb.Polygon{ring}, pt), nil
	}
	return false, fmt.Errorf("%w: %s has unknown shape %s", ErrInvalidGeofence, g.ID, g.Shape)
}

func inGeofence(ctx context.Context, e *Evaluator, field, operand model.Value) (bool, error) {
	if field.IsNull() {
		return false, nil
	}
	pt, err := ToPoint(field)
	if err != nil {
		return false, err
	}
	if e.geofences == nil {
		return false, fmt.Errorf("%w: no geofence lookup configured", ErrGeofenceNotFound)
	}
	g, err := e.geofences.Geofence(ctx, operand.Str)
	if err != nil {
		return false, err
	}
	if g == nil {
		return false, fmt.Errorf("%w: %s", ErrGeofenceNotFound, operand.Str)
	}
	return Contains(g, pt)
}
