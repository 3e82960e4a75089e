package automation

import "time"

// Event is a generic application event published on the bus for an
// EventTrigger to match against (spec.md's generic "event" trigger
// kind — anything that isn't a state change or an MQTT message:
// scene activations, plugin-emitted events, manual "fire event" calls
// from the REST surface).
type Event struct {
	Type     string
	EntityID string
	Data     map[string]any
	FiredAt  time.Time
}
