package automation

import "time"

// Trigger is a tagged record describing what starts a rule run (spec
// §4.4). The concrete kinds below are the set the engine understands;
// config.LoadRules produces these from YAML.
type Trigger interface {
	triggerKind() string
}

// StateTrigger fires when EntityID's state transitions, optionally
// restricted to a specific From/To value, and optionally debounced by
// For: the new state must persist for at least For before the trigger
// fires (cancelled if the state changes again first).
type StateTrigger struct {
	EntityID string
	From     string // "" matches any
	To       string // "" matches any
	For      time.Duration
}

func (StateTrigger) triggerKind() string { return "state" }

// TimeTrigger fires once per matching local wall-clock instant,
// HH:MM:SS, given by At. EntityID names an input_datetime entity; a
// TimeTrigger with EntityID set is not scheduled and never fires, and
// the entity's value is not read.
type TimeTrigger struct {
	At       string
	EntityID string
}

func (TimeTrigger) triggerKind() string { return "time" }

// SunEvent names a solar event a SunTrigger fires relative to.
type SunEvent string

const (
	SunEventSunrise SunEvent = "sunrise"
	SunEventSunset  SunEvent = "sunset"
)

// SunTrigger fires at sunrise/sunset (+/- Offset) for a configured
// location (set on the Engine).
type SunTrigger struct {
	Event  SunEvent
	Offset time.Duration
}

func (SunTrigger) triggerKind() string { return "sun" }

// MQTTTrigger fires when a message is published to Topic. Payload, if
// set, restricts matches to an exact payload equality.
type MQTTTrigger struct {
	Topic   string
	Payload string
}

func (MQTTTrigger) triggerKind() string { return "mqtt" }

// EventTrigger fires on any bus event of the given EventType (an
// application-defined discriminator carried by automation-fired
// events; spec.md's generic "event" trigger kind).
type EventTrigger struct {
	EventType string
}

func (EventTrigger) triggerKind() string { return "event" }

// TriggerContext is the data made available to conditions/actions as
// `trigger` when a run starts (spec §4.5 Vars: "trigger").
type TriggerContext struct {
	Kind     string
	EntityID string
	FromState string
	ToState   string
	Topic     string
	Payload   string
	EventType string
	FiredAt   time.Time
}
