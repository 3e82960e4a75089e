package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rustyeddy/homehub/registry"
)

// jsonAreas, jsonDevices and jsonLabels are the on-disk shapes of
// areas.json, devices.json and labels.json. Each file independently
// holds one slice; membership (entity-to-device, entity-to-area,
// label-to-entities) rides along in devices.json and labels.json since
// it is keyed off them.
type jsonAreas struct {
	Areas []registry.Area `json:"areas"`
}

type jsonDevices struct {
	Devices      []registry.Device `json:"devices"`
	EntityDevice map[string]string `json:"entity_device"`
	EntityArea   map[string]string `json:"entity_area"`
}

type jsonLabels struct {
	Labels        []registry.Label    `json:"labels"`
	LabelEntities map[string][]string `json:"label_entities"`
}

// LoadRegistries reads areas.json/devices.json/labels.json (normally
// Config.Areas/Devices/LabelsPath) into regs. Missing files are a
// no-op.
func LoadRegistries(areasPath, devicesPath, labelsPath string, regs *registry.Registries) error {
	var snap registry.Snapshot

	if data, err := readOptional(areasPath); err != nil {
		return err
	} else if data != nil {
		var ja jsonAreas
		if err := json.Unmarshal(data, &ja); err != nil {
			return fmt.Errorf("config: parse areas.json: %w", err)
		}
		snap.Areas = ja.Areas
	}

	if data, err := readOptional(devicesPath); err != nil {
		return err
	} else if data != nil {
		var jd jsonDevices
		if err := json.Unmarshal(data, &jd); err != nil {
			return fmt.Errorf("config: parse devices.json: %w", err)
		}
		snap.Devices = jd.Devices
		snap.EntityDevice = jd.EntityDevice
		snap.EntityArea = jd.EntityArea
	}

	if data, err := readOptional(labelsPath); err != nil {
		return err
	} else if data != nil {
		var jl jsonLabels
		if err := json.Unmarshal(data, &jl); err != nil {
			return fmt.Errorf("config: parse labels.json: %w", err)
		}
		snap.Labels = jl.Labels
		snap.LabelEntities = jl.LabelEntities
	}

	regs.Import(snap)
	return nil
}

// SaveRegistries writes regs's current contents to
// areas.json/devices.json/labels.json.
func SaveRegistries(areasPath, devicesPath, labelsPath string, regs *registry.Registries) error {
	snap := regs.Export()

	if err := writeJSONAtomic(areasPath, jsonAreas{Areas: snap.Areas}); err != nil {
		return err
	}
	if err := writeJSONAtomic(devicesPath, jsonDevices{
		Devices:      snap.Devices,
		EntityDevice: snap.EntityDevice,
		EntityArea:   snap.EntityArea,
	}); err != nil {
		return err
	}
	if err := writeJSONAtomic(labelsPath, jsonLabels{
		Labels:        snap.Labels,
		LabelEntities: snap.LabelEntities,
	}); err != nil {
		return err
	}
	return nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return data, nil
}
