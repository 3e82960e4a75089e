// Package plugin implements the sandboxed extension runtime (spec
// §4.12): `.js` artifacts loaded from a directory at startup, each run
// in its own github.com/dop251/goja VM with a host-call surface and a
// per-invocation fuel budget.
//
// No direct teacher equivalent exists in rustyeddy-otto; the
// load-a-directory-of-artifacts-at-startup shape is grounded on the
// teacher's messenger/registry.go (a directory-style lookup table built
// once at startup) generalized from an in-memory registration table to
// file-system discovery of loadable code, and the sandboxed-VM pattern
// mirrors template.Evaluator's host-function/budget idiom one level up
// (a full scripting language instead of an expression language).
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rustyeddy/homehub/bus"
	"github.com/rustyeddy/homehub/internal/errs"
	"github.com/rustyeddy/homehub/service"
	"github.com/rustyeddy/homehub/state"
)

// DefaultOpBudget is the default per-invocation fuel ceiling (spec
// §4.12: "default 1,000,000 units").
const DefaultOpBudget = 1_000_000

// DefaultPollInterval is the default poll() cadence (spec §4.12:
// "default 60 s").
const DefaultPollInterval = 60 * time.Second

// DefaultHTTPTimeout bounds host-provided http_get/http_post calls
// (spec §4.12/§5: "a per-call timeout").
const DefaultHTTPTimeout = 10 * time.Second

// Plugin is one loaded `.js` artifact and its private VM state.
type Plugin struct {
	Name   string
	Path   string
	Source string

	mu      sync.Mutex // serializes invocations per artifact (spec §4.12)
	degraded bool
}

// Host loads and runs plugins against a fixed set of process-wide
// collaborators (spec §4.15: "no ambient global lookups").
type Host struct {
	dir          string
	states       *state.Store
	services     *service.Registry
	bus          *bus.Bus
	log          *slog.Logger
	httpClient   *http.Client
	opBudget     int
	pollInterval time.Duration

	mu      sync.RWMutex
	plugins []*Plugin

	stateSub *bus.Subscription
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Host rooted at dir. New does not create dir; Load
// registers every `*.js` file found there and treats a missing dir as
// empty.
func New(dir string, states *state.Store, services *service.Registry, b *bus.Bus, log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	return &Host{
		dir:          dir,
		states:       states,
		services:     services,
		bus:          b,
		log:          log,
		httpClient:   &http.Client{Timeout: DefaultHTTPTimeout},
		opBudget:     DefaultOpBudget,
		pollInterval: DefaultPollInterval,
	}
}

// WithOpBudget returns h with a different fuel ceiling.
func (h *Host) WithOpBudget(n int) *Host {
	h.opBudget = n
	return h
}

// WithPollInterval returns h with a different poll() cadence.
func (h *Host) WithPollInterval(d time.Duration) *Host {
	h.pollInterval = d
	return h
}

// Load reads every `*.js` file directly under the host's directory
// (no subdirectories: plugins are single self-contained artifacts) and
// registers them as Plugins. Load does not run init(); call Start for
// that.
func (h *Host) Load() error {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.Fatal, err, "plugin: read directory %s", h.dir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".js") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var loaded []*Plugin
	for _, name := range names {
		path := filepath.Join(h.dir, name)
		src, err := os.ReadFile(path)
		if err != nil {
			return errs.Wrap(errs.Fatal, err, "plugin: read %s", path)
		}
		loaded = append(loaded, &Plugin{
			Name:   strings.TrimSuffix(name, ".js"),
			Path:   path,
			Source: string(src),
		})
	}

	h.mu.Lock()
	h.plugins = loaded
	h.mu.Unlock()
	return nil
}

// Plugins returns the currently loaded plugin set.
func (h *Host) Plugins() []*Plugin {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Plugin, len(h.plugins))
	copy(out, h.plugins)
	return out
}

// Start runs init() on every loaded plugin, then begins the poll
// ticker and the on_state_changed subscription. Each plugin's init()
// failure is logged and demotes that one plugin to degraded (spec
// §4.12: "plugin remains loaded" even after a budget or error fault);
// it does not block the other plugins or fail Start.
func (h *Host) Start(ctx context.Context) error {
	for _, p := range h.Plugins() {
		if err := h.invoke(ctx, p, "init"); err != nil && !errs.Is(err, errs.NotFound) {
			h.log.Warn("plugin: init failed", "plugin", p.Name, "error", err)
		}
	}

	h.stateSub = h.bus.Subscribe()
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	go h.run()
	return nil
}

func (h *Host) run() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-h.stateSub.C():
			if !ok {
				return
			}
			sc, ok := ev.(*state.StateChange)
			if !ok {
				continue
			}
			h.dispatchStateChange(sc)
		case <-ticker.C:
			h.dispatchPoll()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Host) dispatchPoll() {
	for _, p := range h.Plugins() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := h.invoke(ctx, p, "poll"); err != nil && !errs.Is(err, errs.NotFound) {
			h.logInvocationError(p, "poll", err)
		}
		cancel()
	}
}

func (h *Host) dispatchStateChange(sc *state.StateChange) {
	for _, p := range h.Plugins() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := h.invokeOnStateChanged(ctx, p, sc); err != nil && !errs.Is(err, errs.NotFound) {
			h.logInvocationError(p, "on_state_changed", err)
		}
		cancel()
	}
}

func (h *Host) logInvocationError(p *Plugin, hook string, err error) {
	if errs.Is(err, errs.BudgetExceeded) {
		h.log.Warn("plugin: fuel budget exceeded", "plugin", p.Name, "hook", hook)
		return
	}
	h.log.Warn("plugin: invocation failed", "plugin", p.Name, "hook", hook, "error", err)
}

// Stop halts the poll/state-change loop and unsubscribes from the bus.
// Loaded plugins are not unloaded; a later Start resumes scheduling
// without reloading artifacts from disk.
func (h *Host) Stop(ctx context.Context) error {
	if h.stopCh == nil {
		return nil
	}
	h.stateSub.Unsubscribe()
	close(h.stopCh)
	select {
	case <-h.doneCh:
	case <-ctx.Done():
		return fmt.Errorf("plugin: shutdown drain timed out")
	}
	return nil
}
