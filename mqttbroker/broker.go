// Package mqttbroker embeds an MQTT 3.1.1/5 broker so a hub instance
// needs no external broker (Mosquitto, EMQX) to talk to discovered
// devices. Adapted from the teacher's messanger/mqtt_broker.go: same
// mochi-mqtt wiring, generalized to take its listener address and
// credential ledger as config instead of hardcoding them.
package mqttbroker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// Credential is one allowed username/password pair. The broker denies
// any connection whose username isn't in this list (spec §4.7: the
// embedded broker requires authentication, no anonymous clients).
type Credential struct {
	Username string
	Password string
}

// Config controls the embedded broker's listener and auth ledger.
type Config struct {
	// Address is the TCP listen address, e.g. ":1883".
	Address string
	// Credentials lists the accounts allowed to connect. Empty means
	// nobody can connect except over loopback by happenstance, which
	// is almost certainly not what's wanted; callers should always
	// populate this; hub passes the credential from
	// config.LoadOrCreateInternalMQTTCredential.
	Credentials []Credential
	Log         *slog.Logger
}

// Shutdown stops a running broker. Calling it more than once is safe.
type Shutdown func(context.Context) error

// Start launches an embedded broker in the background and returns a
// shutdown function. The broker also stops on its own if ctx is
// canceled, matching the lifecycle convention the rest of the hub's
// subsystems use (spec §4.15: reverse-order shutdown driven by a
// parent context).
func Start(ctx context.Context, cfg Config) (Shutdown, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	srv := mqttserver.New(nil)

	rules := make(auth.AuthRules, 0, len(cfg.Credentials))
	for _, c := range cfg.Credentials {
		rules = append(rules, auth.AuthRule{
			Username: c.Username,
			Password: c.Password,
			Allow:    true,
		})
	}
	if err := srv.AddHook(new(auth.Hook), &auth.Options{
		Ledger: &auth.Ledger{Auth: rules},
	}); err != nil {
		return nil, fmt.Errorf("mqttbroker: add auth hook: %w", err)
	}

	addr := cfg.Address
	if addr == "" {
		addr = ":1883"
	}
	tcp := listeners.NewTCP(listeners.Config{ID: "tcp-" + addr, Address: addr})
	if err := srv.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("mqttbroker: add listener: %w", err)
	}

	go func() {
		if err := srv.Serve(); err != nil {
			log.Warn("mqtt broker stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	var once sync.Once
	shutdown := func(context.Context) error {
		var err error
		once.Do(func() { err = srv.Close() })
		return err
	}
	return shutdown, nil
}
