package messenger

import (
	"context"
	"sync"

	"github.com/rustyeddy/homehub/mqttbroker"
)

// StartMQTTBroker/StopMQTTBroker are the messenger package's legacy
// entry points into the embedded broker, kept for NewMessenger's
// "internal" broker mode. New code should configure and start
// mqttbroker.Start directly from hub's startup sequence so the
// listener address and credentials come from config instead of these
// defaults.
var (
	brokerMu       sync.Mutex
	brokerShutdown mqttbroker.Shutdown
)

func StartMQTTBroker(ctx context.Context) (func(context.Context) error, error) {
	shutdown, err := mqttbroker.Start(ctx, mqttbroker.Config{
		Address: ":1883",
		Credentials: []mqttbroker.Credential{
			{Username: "otto", Password: "otto123"},
			{Username: "admin", Password: "admin"},
		},
	})
	if err != nil {
		return nil, err
	}

	brokerMu.Lock()
	brokerShutdown = shutdown
	brokerMu.Unlock()

	return func(ctx context.Context) error { return shutdown(ctx) }, nil
}

func StopMQTTBroker(ctx context.Context) error {
	brokerMu.Lock()
	fn := brokerShutdown
	brokerShutdown = nil
	brokerMu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(ctx)
}
