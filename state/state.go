// Package state implements the entity state store (spec §4.1): the
// authoritative entity_id -> Entity mapping, atomic per-entity writes,
// no-op suppression, and fan-out of StateChange events onto an event
// bus.
//
// Grounded on the teacher's station/station.go (per-record
// sync.RWMutex, LastHeard/last-updated bookkeeping) and
// station/station_manager.go (map-of-things guarded by a mutex),
// generalized from "one Station" to "many Entities of many domains".
package state

import (
	"encoding/json"
	"reflect"
	"regexp"
	"sync"
	"time"

	"github.com/rustyeddy/homehub/bus"
	"github.com/rustyeddy/homehub/internal/errs"
)

// Entity is a single addressable thing in the model (spec §3).
type Entity struct {
	ID         string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
	LastChanged time.Time     `json:"last_changed"`
	LastUpdated time.Time     `json:"last_updated"`
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// store's lock (attributes are shallow-copied at the map level, which
// is sufficient since attribute values are JSON scalars/arrays/objects
// treated as immutable once stored).
func (e Entity) Clone() Entity {
	attrs := make(map[string]any, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	e.Attributes = attrs
	return e
}

// StateChange is emitted on the bus whenever a write changes an
// entity's primary state or attributes (spec §3).
type StateChange struct {
	EntityID string  `json:"entity_id"`
	OldState *Entity `json:"old_state,omitempty"`
	NewState Entity  `json:"new_state"`
	FiredAt  time.Time `json:"fired_at"`
}

var entityIDPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*\.[a-z0-9_]+$`)

// ValidEntityID reports whether id follows the domain.object_id shape
// required by spec §6 (ASCII, lowercase, object_id restricted to
// [a-z0-9_]+).
func ValidEntityID(id string) bool {
	return entityIDPattern.MatchString(id)
}

type record struct {
	mu     sync.RWMutex
	entity Entity
}

// Store is the authoritative entity state store. The zero value is not
// usable; use New.
type Store struct {
	bus *bus.Bus

	mu      sync.RWMutex // guards the records map itself (not its values)
	records map[string]*record
}

// New creates a Store that publishes StateChange events on the given
// bus.
func New(b *bus.Bus) *Store {
	return &Store{
		bus:     b,
		records: make(map[string]*record),
	}
}

func (s *Store) recordFor(id string, create bool) *record {
	s.mu.RLock()
	r, ok := s.records[id]
	s.mu.RUnlock()
	if ok || !create {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.records[id]; ok {
		return r
	}
	r = &record{}
	s.records[id] = r
	return r
}

// Get returns the current entity and true, or the zero Entity and
// false if it is not registered.
func (s *Store) Get(id string) (Entity, bool) {
	r := s.recordFor(id, false)
	if r == nil {
		return Entity{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entity.Clone(), true
}

// Set atomically writes state/attrs for id, creating the entity on
// first write. A write that produces byte-identical state and
// attributes (by deep equality) is a no-op: it returns (nil, false),
// mutates nothing, and advances no timestamp. Otherwise it returns the
// StateChange that was published and true.
//
// The write is visible to readers (via Get) before the StateChange is
// published, satisfying the ordering guarantee in spec §4.1: a
// subscriber that calls Get(id) on receipt of the event never observes
// the old value.
func (s *Store) Set(id string, newState string, attrs map[string]any) (*StateChange, bool) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	r := s.recordFor(id, true)

	now := time.Now().UTC()

	r.mu.Lock()
	wasRegistered := !r.entity.LastUpdated.IsZero() || r.entity.ID != ""
	old := r.entity
	stateChanged := !wasRegistered || old.State != newState
	attrsChanged := !wasRegistered || !reflect.DeepEqual(old.Attributes, attrs)

	if wasRegistered && !stateChanged && !attrsChanged {
		r.mu.Unlock()
		return nil, false
	}

	next := Entity{
		ID:          id,
		State:       newState,
		Attributes:  attrs,
		LastUpdated: now,
	}
	if stateChanged || !wasRegistered {
		next.LastChanged = now
	} else {
		next.LastChanged = old.LastChanged
	}
	r.entity = next
	r.mu.Unlock()

	var oldPtr *Entity
	if wasRegistered {
		o := old.Clone()
		oldPtr = &o
	}
	change := &StateChange{
		EntityID: id,
		OldState: oldPtr,
		NewState: next.Clone(),
		FiredAt:  now,
	}

	if s.bus != nil {
		s.bus.Publish(change)
	}
	return change, true
}

// Remove deletes id from the store, returning true if it existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.records[id]
	delete(s.records, id)
	s.mu.Unlock()
	return ok
}

// Snapshot returns a point-in-time copy of every registered entity.
// Concurrent writes during the snapshot may or may not be reflected per
// entity, but every returned Entity is internally consistent (never a
// torn read of a single entity's fields).
func (s *Store) Snapshot() []Entity {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	out := make([]Entity, 0, len(recs))
	for _, r := range recs {
		r.mu.RLock()
		out = append(out, r.entity.Clone())
		r.mu.RUnlock()
	}
	return out
}

// Subscribe returns a bus subscription of StateChange pointers. Close
// the Store's bus or call Unsubscribe on the returned subscription when
// done.
func (s *Store) Subscribe() *bus.Subscription {
	return s.bus.Subscribe()
}

// MarshalAttr decodes attrs[key] into a typed value. It's a thin
// json-roundtrip helper used by domain-specific typed accessors (spec
// §9 Design Notes: "expose typed getters per domain where the schema is
// fixed").
func MarshalAttr[T any](attrs map[string]any, key string) (T, bool) {
	var zero T
	v, ok := attrs[key]
	if !ok {
		return zero, false
	}
	if tv, ok := v.(T); ok {
		return tv, true
	}
	// Fall back to a JSON roundtrip for numeric/struct mismatches
	// (e.g. json.Number vs int, map[string]any vs a struct).
	b, err := json.Marshal(v)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return zero, false
	}
	return out, true
}

// ErrUnknownEntity constructs the standard NotFound error for a given
// entity id, for callers (C3, C10) that need to surface it uniformly.
func ErrUnknownEntity(id string) error {
	return errs.New(errs.NotFound, "unknown entity %q", id)
}
