// Package discovery implements the MQTT discovery consumer (spec
// §4.8): subscribing to a wildcard discovery topic, deriving a stable
// entity id per message, and registering/updating/retracting entities
// in the state store.
//
// Grounded on messenger/topics.go's TopicScheme (the prefix-rooted
// path convention) and messenger/wire_typed.go's pattern of generic
// typed wiring onto MQTT topics, generalized here from "one typed
// device, one topic pair" to "many heterogeneous discovery payload
// shapes, one wildcard subscription".
package discovery

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/rustyeddy/homehub/state"
)

// Components lists every discovery component shape this consumer
// understands (spec §4.8's 20-component list).
var Components = []string{
	"sensor", "binary_sensor", "light", "switch", "climate", "cover",
	"fan", "lock", "alarm_control_panel", "button", "number", "select",
	"text", "scene", "camera", "device_tracker", "vacuum", "event",
	"image", "tag",
}

// MQTT is the slice of messenger.Messenger the consumer needs: a
// wildcard subscribe and a matching unsubscribe.
type MQTT interface {
	Sub(topic string, handler func(topic string, payload []byte)) error
	Unsub(topics ...string)
}

// Consumer subscribes to <prefix>/+/+/config and <prefix>/+/+/+/config
// (component/object_id/config and component/node_id/object_id/config)
// and mirrors what it learns into a state.Store.
type Consumer struct {
	mqtt   MQTT
	states *state.Store
	prefix string
	log    *slog.Logger

	topics []string

	mu        sync.Mutex
	entTopics map[string][]string // entity_id -> state/availability topics currently subscribed
}

// New creates a Consumer. prefix is the discovery topic root (commonly
// "homeassistant" or the hub's own topic prefix).
func New(mqtt MQTT, states *state.Store, prefix string, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{mqtt: mqtt, states: states, prefix: prefix, log: log, entTopics: make(map[string][]string)}
}

// Start subscribes to the discovery wildcards. Safe to call once; call
// Stop before calling Start again.
func (c *Consumer) Start() error {
	topics := []string{c.prefix + "/+/+/config", c.prefix + "/+/+/+/config"}
	for _, t := range topics {
		if err := c.mqtt.Sub(t, c.handle); err != nil {
			c.Stop()
			return err
		}
		c.topics = append(c.topics, t)
	}
	return nil
}

// Stop tears down the discovery subscriptions and every per-entity
// state/availability subscription they spawned.
func (c *Consumer) Stop() {
	c.mu.Lock()
	for id := range c.entTopics {
		c.unsubEntityLocked(id)
	}
	c.mu.Unlock()

	if len(c.topics) == 0 {
		return
	}
	c.mqtt.Unsub(c.topics...)
	c.topics = nil
}

// unsubEntityLocked tears down id's state/availability subscriptions.
// Caller must hold c.mu.
func (c *Consumer) unsubEntityLocked(id string) {
	topics := c.entTopics[id]
	delete(c.entTopics, id)
	if len(topics) > 0 {
		c.mqtt.Unsub(topics...)
	}
}

func (c *Consumer) handle(topic string, payload []byte) {
	component, nodeID, objectID, ok := parseDiscoveryTopic(c.prefix, topic)
	if !ok {
		return
	}
	id := entityID(component, nodeID, objectID)

	if len(payload) == 0 {
		// A retained empty payload on a discovery topic is the
		// documented retraction signal.
		c.mu.Lock()
		c.unsubEntityLocked(id)
		c.mu.Unlock()
		c.states.Remove(id)
		return
	}
	if !gjson.ValidBytes(payload) {
		c.log.Warn("discovery: invalid config payload", "topic", topic)
		return
	}

	attrs := map[string]any{"component": component}
	if name := gjson.GetBytes(payload, "name"); name.Exists() {
		attrs["friendly_name"] = name.String()
	}
	if dc := gjson.GetBytes(payload, "device_class"); dc.Exists() {
		attrs["device_class"] = dc.String()
	}
	if icon := gjson.GetBytes(payload, "icon"); icon.Exists() {
		attrs["icon"] = icon.String()
	}
	if unit := gjson.GetBytes(payload, "unit_of_measurement"); unit.Exists() {
		attrs["unit_of_measurement"] = unit.String()
	}
	if uniqueID := gjson.GetBytes(payload, "unique_id"); uniqueID.Exists() {
		attrs["unique_id"] = uniqueID.String()
	}
	if devID := gjson.GetBytes(payload, "device.identifiers"); devID.Exists() {
		attrs["device_identifiers"] = devID.Value()
	}

	// A second payload on the same discovery topic replaces the
	// descriptor (spec §3 DiscoveryTopic): drop this entity's old
	// state/availability subscriptions before wiring the new ones, in
	// case state_topic itself changed.
	c.mu.Lock()
	c.unsubEntityLocked(id)
	c.mu.Unlock()

	c.states.Set(id, "unknown", attrs)
	c.wireStateTopic(id, component, payload)
	c.wireAvailabilityTopic(id, payload)
}

// wireStateTopic subscribes to the descriptor's state_topic (spec
// §4.8: "payload topics to entity state transitions", e.g. a
// binary_sensor's state_topic publishes on/off mapped to on/off). Most
// other components pass the published payload straight through as the
// entity's primary state, trimmed of surrounding whitespace.
func (c *Consumer) wireStateTopic(id, component string, payload []byte) {
	topicField := gjson.GetBytes(payload, "state_topic")
	if !topicField.Exists() || topicField.String() == "" {
		return
	}
	stateTopic := topicField.String()

	payloadOn := stringOr(payload, "payload_on", "on")
	payloadOff := stringOr(payload, "payload_off", "off")

	if err := c.mqtt.Sub(stateTopic, func(_ string, body []byte) {
		raw := strings.TrimSpace(string(body))
		mapped := raw
		switch component {
		case "binary_sensor", "light", "switch", "fan":
			switch {
			case strings.EqualFold(raw, payloadOn):
				mapped = "on"
			case strings.EqualFold(raw, payloadOff):
				mapped = "off"
			}
		case "lock":
			switch {
			case strings.EqualFold(raw, payloadOn):
				mapped = "locked"
			case strings.EqualFold(raw, payloadOff):
				mapped = "unlocked"
			}
		}
		if ent, ok := c.states.Get(id); ok {
			c.states.Set(id, mapped, ent.Attributes)
		} else {
			c.states.Set(id, mapped, nil)
		}
	}); err != nil {
		c.log.Warn("discovery: state_topic subscribe failed", "entity_id", id, "topic", stateTopic, "error", err)
		return
	}

	c.mu.Lock()
	c.entTopics[id] = append(c.entTopics[id], stateTopic)
	c.mu.Unlock()
}

// wireAvailabilityTopic subscribes to the descriptor's
// availability_topic, gating the entity to "unavailable" when the
// published payload matches payload_not_available (default "offline";
// spec §4.8).
func (c *Consumer) wireAvailabilityTopic(id string, payload []byte) {
	topicField := gjson.GetBytes(payload, "availability_topic")
	if !topicField.Exists() || topicField.String() == "" {
		return
	}
	availTopic := topicField.String()
	payloadNotAvailable := stringOr(payload, "payload_not_available", "offline")

	if err := c.mqtt.Sub(availTopic, func(_ string, body []byte) {
		raw := strings.TrimSpace(string(body))
		if !strings.EqualFold(raw, payloadNotAvailable) {
			return
		}
		if ent, ok := c.states.Get(id); ok {
			c.states.Set(id, "unavailable", ent.Attributes)
		}
	}); err != nil {
		c.log.Warn("discovery: availability_topic subscribe failed", "entity_id", id, "topic", availTopic, "error", err)
		return
	}

	c.mu.Lock()
	c.entTopics[id] = append(c.entTopics[id], availTopic)
	c.mu.Unlock()
}

func stringOr(payload []byte, field, fallback string) string {
	v := gjson.GetBytes(payload, field)
	if v.Exists() && v.String() != "" {
		return v.String()
	}
	return fallback
}

// parseDiscoveryTopic splits a discovery config topic into its
// component/node_id/object_id parts. node_id is optional: both
// "<prefix>/<component>/<object_id>/config" and
// "<prefix>/<component>/<node_id>/<object_id>/config" are valid (spec
// §4.8).
func parseDiscoveryTopic(prefix, topic string) (component, nodeID, objectID string, ok bool) {
	trimmed := strings.TrimPrefix(topic, prefix+"/")
	if trimmed == topic {
		return "", "", "", false
	}
	parts := strings.Split(trimmed, "/")
	switch len(parts) {
	case 3:
		if parts[2] != "config" {
			return "", "", "", false
		}
		return parts[0], "", parts[1], true
	case 4:
		if parts[3] != "config" {
			return "", "", "", false
		}
		return parts[0], parts[1], parts[2], true
	default:
		return "", "", "", false
	}
}

// entityID derives a stable domain.object_id entity id from a
// discovery message's addressing, sanitized to state.ValidEntityID's
// character set.
func entityID(component, nodeID, objectID string) string {
	object := objectID
	if nodeID != "" {
		object = nodeID + "_" + objectID
	}
	return sanitize(component) + "." + sanitize(object)
}

func sanitize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
