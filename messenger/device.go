package messenger

import (
	"context"
	"time"
)

// Access describes whether a device's value can be read, written, or
// both (spec §4.8: discovery descriptors declare this per component,
// e.g. a switch is ReadWrite, a sensor is ReadOnly).
type Access string

const (
	ReadOnly  Access = "ro"
	WriteOnly Access = "wo"
	ReadWrite Access = "rw"
)

// Descriptor is the metadata published on a device's retained .../meta
// topic: enough for a generic subscriber (dashboard, another hub) to
// render the device without hardcoded per-kind knowledge.
type Descriptor struct {
	Name       string
	Kind       string
	ValueType  string
	Access     Access
	Unit       string
	Min        *float64
	Max        *float64
	Tags       []string
	Attributes map[string]string
}

// Event is a device-originated notification wired onto the .../event
// topic by Registry.wireEvents.
type Event struct {
	Device string
	Kind   string
	Time   time.Time
	Msg    string
	Meta   map[string]any
	Err    error
}

// Device is the minimum interface Registry needs to run and supervise
// one device: a name for topic derivation, a blocking Run loop that
// honors ctx, and an event stream. Types that also implement
// `Descriptor() Descriptor` get their metadata published retained on
// connect (spec §4.8's discovery descriptors are the consumer side of
// exactly this shape).
type Device interface {
	Name() string
	Run(ctx context.Context) error
	Events() <-chan Event
}

// Source is a read-only device: something that produces values onto
// Out() for Registry to publish to its state topic (WireSource).
type Source[T any] interface {
	Device
	Out() <-chan T
}

// Sink is a write-only device: something that receives values from
// In(), fed by Registry from its set topic (WireSink).
type Sink[T any] interface {
	Device
	In() chan<- T
}

// Duplex combines Source and Sink for a device with both a state and a
// set topic (WireDuplex).
type Duplex[T any] interface {
	Device
	Out() <-chan T
	In() chan<- T
}
