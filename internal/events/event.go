package events

import (
	"encoding/json"
	"fmt"
	"sort"
)

// EventPayload carries the free-form fields of an event.
type EventPayload map[string]any

// Event is one audit record. Stage, Status and Timestamp are always present;
// Fields are flattened alongside them on the wire.
type Event struct {
	Stage     string
	Status    string
	Timestamp string
	Fields    EventPayload
}

var reserved = map[string]bool{"stage": true, "status": true, "timestamp": true}

// Field returns a free-form field as a string, or "" when absent.
func (e Event) Field(key string) string {
	v, ok := e.Fields[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Type returns the event type field.
func (e Event) Type() string { return e.Field("type") }

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		if reserved[k] {
			continue
		}
		out[k] = v
	}
	out["stage"] = e.Stage
	out["status"] = e.Status
	out["timestamp"] = e.Timestamp
	return json.Marshal(out)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Stage, _ = raw["stage"].(string)
	e.Status, _ = raw["status"].(string)
	e.Timestamp, _ = raw["timestamp"].(string)
	e.Fields = EventPayload{}
	for k, v := range raw {
		if reserved[k] {
			continue
		}
		e.Fields[k] = v
	}
	return nil
}

// Keys returns the free-form field names in sorted order.
func (e Event) Keys() []string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
