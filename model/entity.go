package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type EntityKind string

const (
	ENTITY_VEHICLE EntityKind = "vehicle"
	ENTITY_DRIVER  EntityKind = "driver"
	ENTITY_DEVICE  EntityKind = "device"
	ENTITY_GROUP   EntityKind = "group"
)

var entityKinds = []EntityKind{ENTITY_VEHICLE, ENTITY_DRIVER, ENTITY_DEVICE, ENTITY_GROUP}

func EntityKinds() []EntityKind {
	return append([]EntityKind(nil), entityKinds...)
}

func (k EntityKind) Valid() bool {
	switch k {
	case ENTITY_VEHICLE, ENTITY_DRIVER, ENTITY_DEVICE, ENTITY_GROUP:
		return true
	}
	return false
}

func ParseEntityKind(s string) (EntityKind, error) {
	k := EntityKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
	return k, nil
}

type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// Entity is a read snapshot handed out by the entity lookup collaborator.
// A relation present with a nil ref is declared but currently empty.
type Entity struct {
	Ref        EntityRef             `json:"ref"`
	TenantID   *uuid.UUID            `json:"tenant_id,omitempty"`
	Attributes map[string]any        `json:"attributes"`
	Relations  map[string]*EntityRef `json:"relations"`
}

type GeofenceShape string

const (
	GEOFENCE_POLYGON GeofenceShape = "polygon"
	GEOFENCE_CIRCLE  GeofenceShape = "circle"
)

type Geofence struct {
	ID           string        `json:"id"`
	TenantID     *uuid.UUID    `json:"tenant_id,omitempty"`
	Name         string        `json:"name"`
	Shape        GeofenceShape `json:"shape"`
	Polygon      [][2]float64  `json:"polygon,omitempty"`
	Center       [2]float64    `json:"center,omitempty"`
	RadiusMeters float64       `json:"radius_meters,omitempty"`
}
