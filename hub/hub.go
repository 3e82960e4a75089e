// Package hub implements startup/lifecycle (spec §4.15): it owns every
// process-wide singleton (state store, event bus, service registry,
// recorder, MQTT broker, plugin host) and wires them together exactly
// once, in the declared startup order, with a bounded drain window on
// shutdown in the reverse order.
//
// Grounded on the teacher's otto.go (the OttO/Controller wrapper:
// Init/Start/Stop around a done channel) and cmd/cmd_root.go's
// top-level error handling in Execute(), generalized from "one
// station, one server" to the hub's full fifteen-component quartet
// plus collaborators.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	homehub "github.com/rustyeddy/homehub"
	"github.com/rustyeddy/homehub/auth"
	"github.com/rustyeddy/homehub/automation"
	"github.com/rustyeddy/homehub/bus"
	"github.com/rustyeddy/homehub/config"
	"github.com/rustyeddy/homehub/discovery"
	"github.com/rustyeddy/homehub/messenger/mqtt"
	"github.com/rustyeddy/homehub/metrics"
	"github.com/rustyeddy/homehub/mqttbroker"
	"github.com/rustyeddy/homehub/plugin"
	"github.com/rustyeddy/homehub/recorder"
	"github.com/rustyeddy/homehub/registry"
	"github.com/rustyeddy/homehub/restapi"
	"github.com/rustyeddy/homehub/scene"
	"github.com/rustyeddy/homehub/service"
	"github.com/rustyeddy/homehub/state"
	"github.com/rustyeddy/homehub/template"
	"github.com/rustyeddy/homehub/wsapi"
)

// StageBudget bounds how long any one subsystem's startup is allowed
// to take before Start fails (spec §5: "Startup of each subsystem has
// a 30-s budget").
const StageBudget = 30 * time.Second

// ShutdownDrain bounds how long Shutdown waits for each subsystem to
// drain before moving on to the next (spec §4.15: "a bounded drain
// window before forced termination").
const ShutdownDrain = 5 * time.Second

// Controller owns every process-wide singleton and the order they are
// brought up and torn down in. The zero value is not usable; use New.
//
// Construction here follows dependency order rather than the literal
// prose order of spec §4.15's table (service registry needs the
// side registries to expand targets, so Registries is built before
// Services even though the spec table lists "service registry" before
// "registries"): each stage still only depends on stages already
// readied, which is what the spec's "each stage's readiness is a
// precondition for the next" actually requires.
type Controller struct {
	cfg config.Config
	log *slog.Logger

	Auth       *auth.Service
	Bus        *bus.Bus
	States     *state.Store
	Recorder   *recorder.Recorder
	Registries *registry.Registries
	Services   *service.Registry
	Scenes     *scene.Store
	Templates  *template.Evaluator
	Metrics    *metrics.Metrics
	Automation *automation.Engine
	Discovery  *discovery.Consumer
	Plugins    *plugin.Host
	WS         *wsapi.Hub
	REST       *restapi.Server

	mqttShutdown mqttbroker.Shutdown
	mqttClient   *mqtt.Paho
	mqttAdapter  *mqttAdapter

	serveErrCh chan error
}

// New resolves every collaborator and loads persisted state
// (automations.yaml, scenes.yaml, users.json, auth_tokens.json,
// areas/devices/labels.json) and starts the embedded MQTT broker, but
// does not connect the internal MQTT client or start discovery, the
// plugin host, the automation scheduler, or the REST/WS listener -
// that's Start's job, so tests can construct a Controller and
// inspect/mutate it before those are live.
func New(cfg config.Config, log *slog.Logger) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{cfg: cfg, log: log}

	// auth
	c.Auth = auth.New(log.With("component", "auth"))
	if err := config.LoadUsers(cfg.UsersPath(), c.Auth); err != nil {
		return nil, fmt.Errorf("hub: load users: %w", err)
	}
	if err := config.LoadTokens(cfg.TokensPath(), c.Auth); err != nil {
		return nil, fmt.Errorf("hub: load tokens: %w", err)
	}
	if account, created, err := c.Auth.Bootstrap(); err != nil {
		return nil, fmt.Errorf("hub: auth bootstrap: %w", err)
	} else if created {
		log.Warn("default administrative account created - change its password immediately", "username", account.Username)
	}

	// bus + state store (spec §4.1/§4.2; recorder and every other
	// subscriber needs the bus to already exist)
	c.Bus = bus.New(bus.DefaultBufferSize)
	c.States = state.New(c.Bus)

	// recorder (spec §4.11)
	rec, err := recorder.Open(cfg.HistoryPath(), c.Bus, log.With("component", "recorder"))
	if err != nil {
		return nil, fmt.Errorf("hub: open recorder: %w", err)
	}
	c.Recorder = rec

	// side registries (spec §4.13), loaded before the service
	// dispatcher that consults them for target expansion
	c.Registries = registry.New()
	if err := config.LoadRegistries(cfg.AreasPath(), cfg.DevicesPath(), cfg.LabelsPath(), c.Registries); err != nil {
		return nil, fmt.Errorf("hub: load registries: %w", err)
	}

	// service registry + built-ins (spec §4.3)
	c.Services = service.New(c.Registries, c.States)
	c.Services.RegisterBuiltins(c.States)

	// scene store (spec §4.6), registers scene.turn_on against Services
	c.Scenes = scene.New(c.Services, c.States, log.With("component", "scene"))
	scenes, err := config.LoadScenes(cfg.ScenesPath())
	if err != nil {
		return nil, fmt.Errorf("hub: load scenes: %w", err)
	}
	for _, sc := range scenes {
		c.Scenes.Add(sc)
	}

	// template evaluator (spec §4.5), read-only over States
	c.Templates = template.New(c.States)

	// metrics (ambient, not a spec component but feeds restapi/wsapi)
	c.Metrics = metrics.New()

	// MQTT broker (spec §4.7): the hub's own internal client connects
	// to it immediately after for the discovery path.
	cred, err := cfg.LoadOrCreateInternalMQTTCredential()
	if err != nil {
		return nil, fmt.Errorf("hub: internal mqtt credential: %w", err)
	}
	shutdownBroker, err := mqttbroker.Start(context.Background(), mqttbroker.Config{
		Address:     cfg.MQTTBind,
		Credentials: []mqttbroker.Credential{{Username: cred.Username, Password: cred.Password}},
		Log:         log.With("component", "mqttbroker"),
	})
	if err != nil {
		return nil, fmt.Errorf("hub: start mqtt broker: %w", err)
	}
	c.mqttShutdown = shutdownBroker

	broker := cfg.MQTTBind
	if len(broker) > 0 && broker[0] == ':' {
		broker = "localhost" + broker
	}
	c.mqttClient = mqtt.New(mqtt.Config{
		Broker:   "tcp://" + broker,
		ClientID: "homehub-internal",
		Username: cred.Username,
		Password: cred.Password,
	})
	c.mqttAdapter = newMQTTAdapter(c.mqttClient)

	// discovery consumer (spec §4.8)
	c.Discovery = discovery.New(c.mqttAdapter, c.States, cfg.DiscoveryPrefix, log.With("component", "discovery"))

	// plugin host (spec §4.12)
	c.Plugins = plugin.New(cfg.PluginsPath(), c.States, c.Services, c.Bus, log.With("component", "plugin"))
	if err := c.Plugins.Load(); err != nil {
		return nil, fmt.Errorf("hub: load plugins: %w", err)
	}

	// automation engine (spec §4.4)
	c.Automation = automation.New(c.States, c.Services, c.Templates, c.Bus, c.mqttAdapter, log.With("component", "automation"), automation.Location{Latitude: cfg.Latitude, Longitude: cfg.Longitude})
	rules, err := config.LoadAutomations(cfg.AutomationsPath())
	if err != nil {
		return nil, fmt.Errorf("hub: load automations: %w", err)
	}
	if err := c.Automation.Load(rules); err != nil {
		return nil, fmt.Errorf("hub: load rules into engine: %w", err)
	}

	// REST/WS surface (spec §4.9/§4.10), last: everything it binds to
	// already exists.
	c.WS = wsapi.New(c.States, c.Services, c.Templates, c.Bus, c.Automation, c.Auth, log.With("component", "wsapi"), c.Metrics)
	c.REST = restapi.New(cfg.HTTPBind, c.States, c.Services, c.Recorder, c.Auth, c.Metrics.Handler(), http.HandlerFunc(c.WS.ServeHTTP), homehub.Version, log.With("component", "restapi"))

	return c, nil
}

// Start connects the internal MQTT client, begins discovery, the
// plugin host's poll/state-change loop, the automation engine's
// scheduler, and finally the REST/WS listener (spec §4.15 order:
// "... MQTT broker → discovery consumer → plugin host → automation
// engine → REST/WS").
func (c *Controller) Start() error {
	connectCtx, cancel := context.WithTimeout(context.Background(), StageBudget)
	defer cancel()
	if err := c.mqttClient.Connect(connectCtx); err != nil {
		return fmt.Errorf("hub: connect internal mqtt client: %w", err)
	}

	if err := c.Discovery.Start(); err != nil {
		return fmt.Errorf("hub: start discovery: %w", err)
	}

	pluginCtx, cancel := context.WithTimeout(context.Background(), StageBudget)
	defer cancel()
	if err := c.Plugins.Start(pluginCtx); err != nil {
		return fmt.Errorf("hub: start plugin host: %w", err)
	}

	c.Automation.Start()

	c.serveErrCh = make(chan error, 1)
	go func() {
		c.serveErrCh <- c.REST.Start()
	}()

	return nil
}

// Run starts the controller and blocks until ctx is canceled (normally
// by a signal.NotifyContext in cmd), then runs Shutdown with
// ShutdownDrain per stage. It returns the first error encountered
// either from Start, an unexpected REST server exit, or Shutdown.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-c.serveErrCh:
		if err != nil {
			c.log.Error("hub: rest server exited unexpectedly", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownDrain*12)
	defer cancel()
	return c.Shutdown(shutdownCtx)
}

// Shutdown reverses Start's order (spec §4.15: "Shutdown reverses the
// order; each stage is given a bounded drain window"), persisting
// every mutable on-disk table before the process exits. A panic inside
// any one stage is contained so later stages still get their chance to
// drain (spec §7: a subsystem panic degrades that subsystem, it never
// propagates to siblings).
func (c *Controller) Shutdown(ctx context.Context) error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	stage := func(name string, fn func()) {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("hub: panic during shutdown stage", "stage", name, "panic", r)
			}
		}()
		fn()
	}

	stage("restapi", func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownDrain)
		defer cancel()
		note(c.REST.Shutdown(shutdownCtx))
	})

	stage("automation", func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownDrain)
		defer cancel()
		c.Automation.Stop(shutdownCtx)
	})

	stage("plugin", func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownDrain)
		defer cancel()
		note(c.Plugins.Stop(shutdownCtx))
	})

	stage("discovery", func() {
		c.Discovery.Stop()
		if c.mqttClient != nil {
			c.mqttClient.Disconnect(250)
		}
	})

	stage("mqttbroker", func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownDrain)
		defer cancel()
		if c.mqttShutdown != nil {
			note(c.mqttShutdown(shutdownCtx))
		}
	})

	stage("recorder", func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownDrain)
		defer cancel()
		note(c.Recorder.Close(shutdownCtx))
	})

	stage("bus", func() {
		drainCtx, cancel := context.WithTimeout(ctx, ShutdownDrain)
		defer cancel()
		c.Bus.Close(drainCtx)
	})

	stage("persist", func() {
		note(config.SaveUsers(c.cfg.UsersPath(), c.Auth))
		note(config.SaveTokens(c.cfg.TokensPath(), c.Auth))
		note(config.SaveRegistries(c.cfg.AreasPath(), c.cfg.DevicesPath(), c.cfg.LabelsPath(), c.Registries))
	})

	return firstErr
}
