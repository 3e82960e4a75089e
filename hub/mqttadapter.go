package hub

import (
	"context"
	"sync"

	pahoclient "github.com/rustyeddy/homehub/messenger/mqtt"
)

// mqttAdapter narrows messenger/mqtt.Paho's context/QoS-aware
// Publish/Subscribe surface down to the plain Sub(topic, handler)/
// Unsub(topics...) shape that discovery.Consumer and automation.Engine
// share (their MQTT interfaces were written against
// messenger.Messenger's older byte-payload style rather than the typed
// Paho wrapper). Built here, rather than in messenger, because it is
// hub-specific wiring, not a messenger concern.
type mqttAdapter struct {
	client *pahoclient.Paho

	mu   sync.Mutex
	subs map[string]func() error
}

func newMQTTAdapter(client *pahoclient.Paho) *mqttAdapter {
	return &mqttAdapter{client: client, subs: make(map[string]func() error)}
}

func (a *mqttAdapter) Sub(topic string, handler func(topic string, payload []byte)) error {
	unsub, err := a.client.Subscribe(context.Background(), topic, 0, func(msg pahoclient.Message) {
		handler(msg.Topic, msg.Payload)
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.subs[topic] = unsub
	a.mu.Unlock()
	return nil
}

func (a *mqttAdapter) Unsub(topics ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range topics {
		if unsub, ok := a.subs[t]; ok {
			_ = unsub()
			delete(a.subs, t)
		}
	}
}
