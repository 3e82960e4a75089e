package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/homehub/state"
)

// fakeMQTT is an in-process stand-in for the broker connection: Sub
// records a handler per topic and Pub lets the test drive messages
// into it directly, without a real listener.
type fakeMQTT struct {
	handlers map[string]func(topic string, payload []byte)
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{handlers: make(map[string]func(string, []byte))}
}

func (f *fakeMQTT) Sub(topic string, h func(topic string, payload []byte)) error {
	f.handlers[topic] = h
	return nil
}

func (f *fakeMQTT) Unsub(topics ...string) {
	for _, t := range topics {
		delete(f.handlers, t)
	}
}

func (f *fakeMQTT) pub(topic string, payload []byte) {
	if h, ok := f.handlers[topic]; ok {
		h(topic, payload)
	}
}

// TestS3DiscoveryLifecycle reproduces spec §8 scenario S3: a retained
// discovery descriptor registers an entity in state "unknown" with the
// descriptor's attributes, a state_topic publish updates its state,
// and an empty retained payload on the config topic retracts it.
func TestS3DiscoveryLifecycle(t *testing.T) {
	t.Parallel()
	mqtt := newFakeMQTT()
	st := state.New(nil)
	c := New(mqtt, st, "homeassistant", nil)
	require.NoError(t, c.Start())

	mqtt.pub("homeassistant/sensor/tempA/config", []byte(`{"name":"Temp A","state_topic":"home/tempA/state","unit_of_measurement":"°C"}`))

	ent, ok := st.Get("sensor.tempa")
	require.True(t, ok)
	assert.Equal(t, "unknown", ent.State)
	assert.Equal(t, "°C", ent.Attributes["unit_of_measurement"])

	mqtt.pub("home/tempA/state", []byte("23.5"))
	ent, ok = st.Get("sensor.tempa")
	require.True(t, ok)
	assert.Equal(t, "23.5", ent.State)
	// Attributes survive a state_topic update.
	assert.Equal(t, "°C", ent.Attributes["unit_of_measurement"])

	mqtt.pub("homeassistant/sensor/tempA/config", nil)
	_, ok = st.Get("sensor.tempa")
	assert.False(t, ok)
}

func TestBinarySensorStateTopicMapsOnOff(t *testing.T) {
	t.Parallel()
	mqtt := newFakeMQTT()
	st := state.New(nil)
	c := New(mqtt, st, "homeassistant", nil)
	require.NoError(t, c.Start())

	mqtt.pub("homeassistant/binary_sensor/door/config", []byte(`{"name":"Front Door","state_topic":"home/door/state"}`))
	mqtt.pub("home/door/state", []byte("ON"))

	ent, ok := st.Get("binary_sensor.door")
	require.True(t, ok)
	assert.Equal(t, "on", ent.State)

	mqtt.pub("home/door/state", []byte("OFF"))
	ent, ok = st.Get("binary_sensor.door")
	require.True(t, ok)
	assert.Equal(t, "off", ent.State)
}

func TestAvailabilityTopicGatesUnavailable(t *testing.T) {
	t.Parallel()
	mqtt := newFakeMQTT()
	st := state.New(nil)
	c := New(mqtt, st, "homeassistant", nil)
	require.NoError(t, c.Start())

	mqtt.pub("homeassistant/sensor/tempB/config", []byte(`{"name":"Temp B","state_topic":"home/tempB/state","availability_topic":"home/tempB/avail"}`))
	mqtt.pub("home/tempB/state", []byte("19.0"))
	mqtt.pub("home/tempB/avail", []byte("offline"))

	ent, ok := st.Get("sensor.tempb")
	require.True(t, ok)
	assert.Equal(t, "unavailable", ent.State)
}

func TestParseDiscoveryTopicNodeIDVariant(t *testing.T) {
	t.Parallel()
	component, nodeID, objectID, ok := parseDiscoveryTopic("homeassistant", "homeassistant/sensor/node1/tempC/config")
	require.True(t, ok)
	assert.Equal(t, "sensor", component)
	assert.Equal(t, "node1", nodeID)
	assert.Equal(t, "tempC", objectID)
}
