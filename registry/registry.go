// Package registry implements the side registries (spec §4.13): areas,
// devices and labels, and the membership relationships used by C3's
// target expansion and C8's discovery registration.
//
// Generalized from the teacher's station/device_manager.go
// map[string]any + sync.RWMutex idiom into three typed tables with
// area/device many-to-one membership and label many-to-many
// membership.
package registry

import (
	"sync"

	"github.com/rustyeddy/homehub/internal/errs"
)

// Area groups devices and entities by physical location.
type Area struct {
	ID   string `json:"area_id"`
	Name string `json:"name"`
}

// Device is a physical or logical source of one or more entities.
type Device struct {
	ID           string `json:"device_id"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	AreaID       string `json:"area_id,omitempty"` // "" if unassigned
}

// Label is an arbitrary many-to-many tag applied to entities or
// devices.
type Label struct {
	ID   string `json:"label_id"`
	Name string `json:"name"`
}

// Registries holds the area/device/label tables and their membership
// indexes. The zero value is not usable; use New.
type Registries struct {
	mu sync.RWMutex

	areas  map[string]Area
	devices map[string]Device

	// entity_id -> device_id, for area-of-entity lookups via the
	// owning device.
	entityDevice map[string]string
	// entity_id -> area_id, for entities attached directly to an area
	// (no owning device).
	entityArea map[string]string

	labels map[string]Label
	// label_id -> set of entity_id
	labelEntities map[string]map[string]struct{}
	// entity_id -> set of label_id
	entityLabels map[string]map[string]struct{}
}

// New creates an empty Registries.
func New() *Registries {
	return &Registries{
		areas:         make(map[string]Area),
		devices:       make(map[string]Device),
		entityDevice:  make(map[string]string),
		entityArea:    make(map[string]string),
		labels:        make(map[string]Label),
		labelEntities: make(map[string]map[string]struct{}),
		entityLabels:  make(map[string]map[string]struct{}),
	}
}

// AddArea registers or replaces an area.
func (r *Registries) AddArea(a Area) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.areas[a.ID] = a
}

// Area returns the area with the given id.
func (r *Registries) Area(id string) (Area, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.areas[id]
	return a, ok
}

// Areas returns every registered area.
func (r *Registries) Areas() []Area {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Area, 0, len(r.areas))
	for _, a := range r.areas {
		out = append(out, a)
	}
	return out
}

// AddDevice registers or replaces a device. Its AreaID need not already
// exist in the area table (discovery may register devices before the
// owning area is configured).
func (r *Registries) AddDevice(d Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = d
}

// Device returns the device with the given id.
func (r *Registries) Device(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// AssignEntityDevice records that entityID belongs to deviceID, for
// area-of-entity resolution.
func (r *Registries) AssignEntityDevice(entityID, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entityDevice[entityID] = deviceID
	delete(r.entityArea, entityID)
}

// AssignEntityArea records that entityID belongs directly to areaID
// (no owning device), overriding any device-derived area.
func (r *Registries) AssignEntityArea(entityID, areaID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entityArea[entityID] = areaID
	delete(r.entityDevice, entityID)
}

// AreaOfEntity resolves an entity's area: a direct assignment wins,
// otherwise it falls through to the owning device's area.
func (r *Registries) AreaOfEntity(entityID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if areaID, ok := r.entityArea[entityID]; ok {
		return areaID, areaID != ""
	}
	if devID, ok := r.entityDevice[entityID]; ok {
		if d, ok := r.devices[devID]; ok && d.AreaID != "" {
			return d.AreaID, true
		}
	}
	return "", false
}

// EntitiesInArea returns every entity directly or transitively (via a
// device) assigned to areaID.
func (r *Registries) EntitiesInArea(areaID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for eid, aid := range r.entityArea {
		if aid == areaID {
			out = append(out, eid)
		}
	}
	devicesInArea := make(map[string]struct{})
	for id, d := range r.devices {
		if d.AreaID == areaID {
			devicesInArea[id] = struct{}{}
		}
	}
	for eid, did := range r.entityDevice {
		if _, ok := r.entityArea[eid]; ok {
			continue // direct assignment already counted, avoid dupes
		}
		if _, ok := devicesInArea[did]; ok {
			out = append(out, eid)
		}
	}
	return out
}

// AddLabel registers or replaces a label.
func (r *Registries) AddLabel(l Label) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels[l.ID] = l
	if r.labelEntities[l.ID] == nil {
		r.labelEntities[l.ID] = make(map[string]struct{})
	}
}

// LabelEntity attaches labelID to entityID. Returns NotFound if labelID
// was never registered via AddLabel.
func (r *Registries) LabelEntity(entityID, labelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.labels[labelID]; !ok {
		return errs.New(errs.NotFound, "unknown label %q", labelID)
	}
	if r.labelEntities[labelID] == nil {
		r.labelEntities[labelID] = make(map[string]struct{})
	}
	r.labelEntities[labelID][entityID] = struct{}{}
	if r.entityLabels[entityID] == nil {
		r.entityLabels[entityID] = make(map[string]struct{})
	}
	r.entityLabels[entityID][labelID] = struct{}{}
	return nil
}

// UnlabelEntity detaches labelID from entityID. A no-op if the
// association did not exist.
func (r *Registries) UnlabelEntity(entityID, labelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.labelEntities[labelID], entityID)
	delete(r.entityLabels[entityID], labelID)
}

// EntitiesWithLabel returns every entity tagged with labelID.
func (r *Registries) EntitiesWithLabel(labelID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.labelEntities[labelID]
	out := make([]string, 0, len(set))
	for eid := range set {
		out = append(out, eid)
	}
	return out
}

// LabelsOfEntity returns every label attached to entityID.
func (r *Registries) LabelsOfEntity(entityID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.entityLabels[entityID]
	out := make([]string, 0, len(set))
	for lid := range set {
		out = append(out, lid)
	}
	return out
}

// Snapshot is the persisted shape of a Registries: areas.json,
// devices.json and labels.json each round-trip one field of it through
// the config package.
type Snapshot struct {
	Areas        []Area
	Devices      []Device
	EntityDevice map[string]string
	EntityArea   map[string]string
	Labels       []Label
	LabelEntities map[string][]string
}

// Export captures the current table contents for persistence.
func (r *Registries) Export() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		EntityDevice:  make(map[string]string, len(r.entityDevice)),
		EntityArea:    make(map[string]string, len(r.entityArea)),
		LabelEntities: make(map[string][]string, len(r.labelEntities)),
	}
	for _, a := range r.areas {
		s.Areas = append(s.Areas, a)
	}
	for _, d := range r.devices {
		s.Devices = append(s.Devices, d)
	}
	for eid, did := range r.entityDevice {
		s.EntityDevice[eid] = did
	}
	for eid, aid := range r.entityArea {
		s.EntityArea[eid] = aid
	}
	for _, l := range r.labels {
		s.Labels = append(s.Labels, l)
	}
	for lid, set := range r.labelEntities {
		entities := make([]string, 0, len(set))
		for eid := range set {
			entities = append(entities, eid)
		}
		s.LabelEntities[lid] = entities
	}
	return s
}

// Import restores a Snapshot previously produced by Export, adding to
// (not replacing) whatever is already registered.
func (r *Registries) Import(s Snapshot) {
	for _, a := range s.Areas {
		r.AddArea(a)
	}
	for _, d := range s.Devices {
		r.AddDevice(d)
	}
	for eid, did := range s.EntityDevice {
		r.AssignEntityDevice(eid, did)
	}
	for eid, aid := range s.EntityArea {
		r.AssignEntityArea(eid, aid)
	}
	for _, l := range s.Labels {
		r.AddLabel(l)
	}
	for lid, entities := range s.LabelEntities {
		for _, eid := range entities {
			_ = r.LabelEntity(eid, lid)
		}
	}
}
