// Package service implements the service registry and dispatcher
// (spec §4.3): a namespaced (domain, service) verb table that is the
// single entry point for every command in the system, whether issued
// by a human client, an automation action, or a scene activation.
//
// The table itself is copy-on-write (grounded on the teacher's
// messenger.Registry device-table idiom in messenger/registry.go):
// registration swaps in a whole new map under a mutex, while Call reads
// through a lock-free atomic.Pointer so the common case — many
// concurrent calls, rare registrations — never blocks on a reader lock.
package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rustyeddy/homehub/internal/errs"
	"github.com/rustyeddy/homehub/registry"
	"github.com/rustyeddy/homehub/state"
)

// Call is the record a Handler receives: the expanded, concrete set of
// target entity ids plus the caller-supplied data payload.
type Call struct {
	Domain  string
	Service string
	Target  []string
	Data    map[string]any
}

// Handler performs the effect of a single service call against the
// expanded target list. Handlers are responsible for their own
// atomicity across the target list; the dispatcher does not roll back
// partial effects on error.
type Handler func(ctx context.Context, call Call) error

// Descriptor describes one registered (domain, service) verb.
type Descriptor struct {
	Domain  string `json:"domain"`
	Service string `json:"service"`
}

type key struct {
	domain  string
	service string
}

// Target is the unexpanded target selector a caller supplies to Call.
// Exactly one field should be set; EntityID/EntityIDs/AreaID/LabelID
// are mutually exclusive with All (All wins if true).
type Target struct {
	EntityID  string   `json:"entity_id,omitempty"`
	EntityIDs []string `json:"entity_ids,omitempty"`
	AreaID    string   `json:"area_id,omitempty"`
	LabelID   string   `json:"label_id,omitempty"`
	All       bool     `json:"all,omitempty"`
}

// Registry is the dispatcher. The zero value is not usable; use New.
type Registry struct {
	table atomic.Pointer[map[key]Handler]

	mu   sync.Mutex // serializes registration (rare path)
	regs *map[key]Handler

	registries *registry.Registries
	states     *state.Store
}

// New creates an empty Registry. registries and states may be nil in
// tests that only exercise dispatch against entity-id-only targets.
func New(registries *registry.Registries, states *state.Store) *Registry {
	r := &Registry{registries: registries, states: states}
	empty := map[key]Handler{}
	r.regs = &empty
	r.table.Store(&empty)
	return r
}

// Register installs or replaces the handler for (domain, service).
func (r *Registry) Register(domain, service string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[key]Handler, len(*r.regs)+1)
	for k, v := range *r.regs {
		next[k] = v
	}
	next[key{domain, service}] = h
	r.regs = &next
	r.table.Store(&next)
}

// List returns every registered (domain, service) pair, sorted for
// stable output.
func (r *Registry) List() []Descriptor {
	table := *r.table.Load()
	out := make([]Descriptor, 0, len(table))
	for k := range table {
		out = append(out, Descriptor{Domain: k.domain, Service: k.service})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].Service < out[j].Service
	})
	return out
}

// Call expands target and invokes the registered handler. It returns
// errs.NotFound (spec: UnknownService) if no handler is registered for
// (domain, service), or errs.Runtime wrapping the handler's error if
// the handler fails.
func (r *Registry) Call(ctx context.Context, domain, service string, target Target, data map[string]any) error {
	table := *r.table.Load()
	h, ok := table[key{domain, service}]
	if !ok {
		return errs.New(errs.NotFound, "unknown service %s.%s", domain, service)
	}

	expanded := r.expand(domain, target)
	call := Call{Domain: domain, Service: service, Target: expanded, Data: data}
	if err := h(ctx, call); err != nil {
		return errs.Wrap(errs.Runtime, err, "service %s.%s failed", domain, service)
	}
	return nil
}

// expand resolves a Target into a concrete, deduplicated entity id
// list. "all" within a domain is approximated by scanning the state
// store's current entity set for ids with that domain prefix, since
// domain membership is encoded in the entity id itself (spec §3).
func (r *Registry) expand(domain string, t Target) []string {
	seen := map[string]struct{}{}
	add := func(id string) {
		seen[id] = struct{}{}
	}

	switch {
	case t.All:
		if r.states != nil {
			prefix := domain + "."
			for _, e := range r.states.Snapshot() {
				if len(e.ID) > len(prefix) && e.ID[:len(prefix)] == prefix {
					add(e.ID)
				}
			}
		}
	case t.AreaID != "":
		if r.registries != nil {
			for _, id := range r.registries.EntitiesInArea(t.AreaID) {
				add(id)
			}
		}
	case t.LabelID != "":
		if r.registries != nil {
			for _, id := range r.registries.EntitiesWithLabel(t.LabelID) {
				add(id)
			}
		}
	default:
		if t.EntityID != "" {
			add(t.EntityID)
		}
		for _, id := range t.EntityIDs {
			add(id)
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
