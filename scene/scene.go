// Package scene implements the scene store (spec §4.6): named tuples
// of target entity states, activated as a best-effort batch of service
// calls.
//
// Grounded on the teacher's station/station_manager.go map-of-named-
// things pattern (a name-keyed table guarded by a single mutex), here
// holding scenes instead of stations.
package scene

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rustyeddy/homehub/internal/errs"
	"github.com/rustyeddy/homehub/service"
	"github.com/rustyeddy/homehub/state"
)

// EntityTarget is one member of a scene: the state and attributes an
// entity should be put into on activation.
type EntityTarget struct {
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Scene is a named collection of entity targets.
type Scene struct {
	ID       string                  `json:"scene_id"`
	Name     string                  `json:"name"`
	Entities map[string]EntityTarget `json:"entities"`
}

// Store holds the set of configured scenes and activates them through
// a service.Registry.
type Store struct {
	mu     sync.RWMutex
	scenes map[string]Scene

	services *service.Registry
	states   *state.Store
	log      *slog.Logger
}

// New creates a Store. It registers "scene.turn_on" against services so
// it can be called uniformly through the dispatcher (spec §4.3: "scene
// activation" is one of the minimum built-in handlers).
func New(services *service.Registry, states *state.Store, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	st := &Store{
		scenes:   make(map[string]Scene),
		services: services,
		states:   states,
		log:      log,
	}
	services.Register("scene", "turn_on", func(ctx context.Context, call service.Call) error {
		for _, id := range call.Target {
			if err := st.Activate(ctx, id); err != nil {
				log.Warn("scene activation failed", "scene", id, "error", err)
			}
		}
		return nil
	})
	return st
}

// Add registers or replaces a scene definition.
func (s *Store) Add(sc Scene) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenes[sc.ID] = sc
}

// Get returns the scene with the given id.
func (s *Store) Get(id string) (Scene, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenes[id]
	return sc, ok
}

// List returns every configured scene.
func (s *Store) List() []Scene {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Scene, 0, len(s.scenes))
	for _, sc := range s.scenes {
		out = append(out, sc)
	}
	return out
}

// Activate materializes a scene's target map into a batch of service
// calls, one per entity. Activation is best-effort: a failure on one
// entity is logged and does not abort the rest of the batch (spec
// §4.6). After activation it advances the scene entity's own state
// counter in the state store, which upstream clients use to detect
// reactivation even when every member entity's final state is
// unchanged from before.
func (s *Store) Activate(ctx context.Context, id string) error {
	sc, ok := s.Get(id)
	if !ok {
		return errs.New(errs.NotFound, "unknown scene %q", id)
	}

	for entityID, target := range sc.Entities {
		domain := domainOf(entityID)
		svc := "turn_on"
		data := map[string]any{"attributes": target.Attributes}
		if target.State == "off" {
			svc = "turn_off"
		}
		if err := s.services.Call(ctx, domain, svc, service.Target{EntityID: entityID}, data); err != nil {
			s.log.Warn("scene entity activation failed", "scene", id, "entity", entityID, "error", err)
		}
	}

	s.bumpCounter(id)
	return nil
}

func (s *Store) bumpCounter(id string) {
	cur, _ := s.states.Get(id)
	attrs := map[string]any{}
	for k, v := range cur.Attributes {
		attrs[k] = v
	}
	count, _ := attrs["activation_count"].(float64)
	attrs["activation_count"] = count + 1
	attrs["last_activated"] = time.Now().UTC().Format(time.RFC3339)
	s.states.Set(id, "scening", attrs)
}

func domainOf(entityID string) string {
	for i, c := range entityID {
		if c == '.' {
			return entityID[:i]
		}
	}
	return entityID
}
