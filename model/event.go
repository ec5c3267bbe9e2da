package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EVENT_VEHICLE_CREATED          EventType = "vehicle.created"
	EVENT_VEHICLE_UPDATED          EventType = "vehicle.updated"
	EVENT_VEHICLE_STATUS_CHANGED   EventType = "vehicle.status_changed"
	EVENT_VEHICLE_IGNITION_ON      EventType = "vehicle.ignition_on"
	EVENT_VEHICLE_IGNITION_OFF     EventType = "vehicle.ignition_off"
	EVENT_VEHICLE_SPEEDING         EventType = "vehicle.speeding"
	EVENT_VEHICLE_IDLING           EventType = "vehicle.idling"
	EVENT_VEHICLE_GEOFENCE_ENTERED EventType = "vehicle.geofence_entered"
	EVENT_VEHICLE_GEOFENCE_EXITED  EventType = "vehicle.geofence_exited"
	EVENT_VEHICLE_LOCATION_UPDATED EventType = "vehicle.location_updated"

	EVENT_DRIVER_CREATED    EventType = "driver.created"
	EVENT_DRIVER_UPDATED    EventType = "driver.updated"
	EVENT_DRIVER_ASSIGNED   EventType = "driver.assigned"
	EVENT_DRIVER_UNASSIGNED EventType = "driver.unassigned"

	EVENT_DEVICE_ONLINE        EventType = "device.online"
	EVENT_DEVICE_OFFLINE       EventType = "device.offline"
	EVENT_DEVICE_DATA_RECEIVED EventType = "device.data_received"
	EVENT_DEVICE_LOW_BATTERY   EventType = "device.low_battery"
)

var eventTypes = map[EventType]EntityKind{
	EVENT_VEHICLE_CREATED:          ENTITY_VEHICLE,
	EVENT_VEHICLE_UPDATED:          ENTITY_VEHICLE,
	EVENT_VEHICLE_STATUS_CHANGED:   ENTITY_VEHICLE,
	EVENT_VEHICLE_IGNITION_ON:      ENTITY_VEHICLE,
	EVENT_VEHICLE_IGNITION_OFF:     ENTITY_VEHICLE,
	EVENT_VEHICLE_SPEEDING:         ENTITY_VEHICLE,
	EVENT_VEHICLE_IDLING:           ENTITY_VEHICLE,
	EVENT_VEHICLE_GEOFENCE_ENTERED: ENTITY_VEHICLE,
	EVENT_VEHICLE_GEOFENCE_EXITED:  ENTITY_VEHICLE,
	EVENT_VEHICLE_LOCATION_UPDATED: ENTITY_VEHICLE,
	EVENT_DRIVER_CREATED:           ENTITY_DRIVER,
	EVENT_DRIVER_UPDATED:           ENTITY_DRIVER,
	EVENT_DRIVER_ASSIGNED:          ENTITY_DRIVER,
	EVENT_DRIVER_UNASSIGNED:        ENTITY_DRIVER,
	EVENT_DEVICE_ONLINE:            ENTITY_DEVICE,
	EVENT_DEVICE_OFFLINE:           ENTITY_DEVICE,
	EVENT_DEVICE_DATA_RECEIVED:     ENTITY_DEVICE,
	EVENT_DEVICE_LOW_BATTERY:       ENTITY_DEVICE,
}

func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// SourceKind is the entity kind that raises events of this type.
func (t EventType) SourceKind() (EntityKind, bool) {
	k, ok := eventTypes[t]
	return k, ok
}

func EventTypes() []EventType {
	res := make([]EventType, 0, len(eventTypes))
	for t := range eventTypes {
		res = append(res, t)
	}
	return res
}

// Event is the immutable envelope describing what happened. Build it with
// NewEvent so the payload is detached from the producer's map.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	TenantID   *uuid.UUID     `json:"tenant_id,omitempty"`
	Source     EntityRef      `json:"source"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func NewEvent(eventType EventType, tenantID *uuid.UUID, source EntityRef, payload map[string]any) Event {
	var tenant *uuid.UUID
	if tenantID != nil {
		t := *tenantID
		tenant = &t
	}
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		TenantID:   tenant,
		Source:     source,
		Payload:    CopyMap(payload),
		OccurredAt: time.Now().UTC(),
	}
}

// Validate checks the envelope against the event taxonomy: the type must be
// known and raised by the entity kind that owns it.
func (e Event) Validate() error {
	if len(strings.TrimSpace(string(e.Type))) == 0 {
		return fmt.Errorf("event type can not be empty")
	}
	kind, ok := e.Type.SourceKind()
	if !ok {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if !e.Source.Kind.Valid() {
		return fmt.Errorf("event %s has invalid source kind %q", e.Type, e.Source.Kind)
	}
	if e.Source.Kind != kind {
		return fmt.Errorf("event %s must be raised by a %s, not a %s", e.Type, kind, e.Source.Kind)
	}
	if len(e.Source.ID) == 0 {
		return fmt.Errorf("event %s has empty source id", e.Type)
	}
	return nil
}

// TriggeredBy identifies the event in execution records.
func (e Event) TriggeredBy() string {
	return fmt.Sprintf("%s:%s", e.Type, e.ID)
}

// AsMap renders the envelope as plain json data for path lookups.
func (e Event) AsMap() map[string]any {
	out := map[string]any{
		"id":          e.ID,
		"type":        string(e.Type),
		"source":      map[string]any{"kind": string(e.Source.Kind), "id": e.Source.ID},
		"payload":     CopyMap(e.Payload),
		"occurred_at": e.OccurredAt.Format(time.RFC3339Nano),
	}
	if e.TenantID != nil {
		out["tenant_id"] = e.TenantID.String()
	}
	return out
}

// CopyMap deep copies json-like data through an encode/decode cycle.
func CopyMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}
