package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/homehub/scene"
)

type scenesDoc struct {
	Scenes []yamlScene `yaml:"scenes"`
}

type yamlScene struct {
	ID       string                     `yaml:"id"`
	Name     string                     `yaml:"name"`
	Entities map[string]yamlSceneTarget `yaml:"entities"`
}

type yamlSceneTarget struct {
	State      string         `yaml:"state"`
	Attributes map[string]any `yaml:"attributes"`
}

// LoadScenes reads and parses path (normally Config.ScenesPath) into
// scene.Scene values. A missing file yields an empty, non-error result.
func LoadScenes(path string) ([]scene.Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseScenes(data)
}

// ParseScenes parses a scenes.yaml document's bytes.
func ParseScenes(data []byte) ([]scene.Scene, error) {
	var doc scenesDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse scenes.yaml: %w", err)
	}

	scenes := make([]scene.Scene, 0, len(doc.Scenes))
	for _, ys := range doc.Scenes {
		sc := scene.Scene{
			ID:       ys.ID,
			Name:     ys.Name,
			Entities: make(map[string]scene.EntityTarget, len(ys.Entities)),
		}
		for entityID, target := range ys.Entities {
			sc.Entities[entityID] = scene.EntityTarget{
				State:      target.State,
				Attributes: target.Attributes,
			}
		}
		scenes = append(scenes, sc)
	}
	return scenes, nil
}
