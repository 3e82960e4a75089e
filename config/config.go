// Package config resolves the hub's on-disk layout and environment
// (spec §6): a CONFIG_DIR tree of YAML/JSON files plus a handful of
// environment variables, loaded at startup and handed to each
// subsystem's constructor.
//
// Grounded on the teacher's cmd/cmd_root.go, which layers
// spf13/viper over flags and environment variables for exactly this
// purpose; generalized from "one flat set of station flags" to a
// directory of per-subsystem files.
package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Default file names within CONFIG_DIR (spec §6 "Persisted state
// layout").
const (
	AutomationsFile = "automations.yaml"
	ScenesFile      = "scenes.yaml"
	UsersFile       = "users.json"
	TokensFile      = "auth_tokens.json"
	HistoryFile     = "history.db"
	AreasFile       = "areas.json"
	DevicesFile     = "devices.json"
	LabelsFile      = "labels.json"
	PluginsDir      = "plugins"
)

// Config is the resolved environment the hub runs under.
type Config struct {
	// Dir is CONFIG_DIR: the root of every persisted file below.
	Dir string

	// LogLevel is one of error/warn/info/debug.
	LogLevel string

	// HTTPBind and MQTTBind are "host:port" listen addresses for the
	// REST/WebSocket surface and the embedded MQTT broker.
	HTTPBind string
	MQTTBind string

	// DiscoveryPrefix is the MQTT discovery topic root (spec §4.8).
	DiscoveryPrefix string

	// Latitude/Longitude locate sun-relative automation triggers (spec
	// §4.4 SunTrigger).
	Latitude  float64
	Longitude float64
}

// Load resolves Config from the environment, defaulting anything
// unset. It never reads the CONFIG_DIR tree itself; callers use the
// Path helpers below and the Load*/Save* functions in rules.go and
// accounts.go to do that once Dir is known.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HOMEHUB")
	v.AutomaticEnv()

	v.SetDefault("config_dir", defaultConfigDir())
	v.SetDefault("log_level", "info")
	v.SetDefault("http_bind", ":8123")
	v.SetDefault("mqtt_bind", ":1883")
	v.SetDefault("discovery_prefix", "homeassistant")
	v.SetDefault("latitude", 0.0)
	v.SetDefault("longitude", 0.0)

	// CONFIG_DIR, LOG_LEVEL, HTTP_BIND, MQTT_BIND are read unprefixed
	// too (spec §6 names them bare, not HOMEHUB_-prefixed).
	bindUnprefixed(v, "config_dir", "CONFIG_DIR")
	bindUnprefixed(v, "log_level", "LOG_LEVEL")
	bindUnprefixed(v, "http_bind", "HTTP_BIND")
	bindUnprefixed(v, "mqtt_bind", "MQTT_BIND")

	cfg := Config{
		Dir:             v.GetString("config_dir"),
		LogLevel:        v.GetString("log_level"),
		HTTPBind:        v.GetString("http_bind"),
		MQTTBind:        v.GetString("mqtt_bind"),
		DiscoveryPrefix: v.GetString("discovery_prefix"),
		Latitude:        v.GetFloat64("latitude"),
		Longitude:       v.GetFloat64("longitude"),
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(cfg.PluginsPath(), 0o755); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func bindUnprefixed(v *viper.Viper, key, env string) {
	_ = v.BindEnv(key, env)
}

func defaultConfigDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".homehub")
	}
	return "./homehub-config"
}

func (c Config) path(name string) string { return filepath.Join(c.Dir, name) }

// AutomationsPath, ScenesPath, UsersPath, TokensPath, HistoryPath,
// AreasPath, DevicesPath and LabelsPath are the absolute paths to each
// persisted file under Dir.
func (c Config) AutomationsPath() string { return c.path(AutomationsFile) }
func (c Config) ScenesPath() string      { return c.path(ScenesFile) }
func (c Config) UsersPath() string       { return c.path(UsersFile) }
func (c Config) TokensPath() string      { return c.path(TokensFile) }
func (c Config) HistoryPath() string     { return c.path(HistoryFile) }
func (c Config) AreasPath() string       { return c.path(AreasFile) }
func (c Config) DevicesPath() string     { return c.path(DevicesFile) }
func (c Config) LabelsPath() string      { return c.path(LabelsFile) }
func (c Config) PluginsPath() string     { return c.path(PluginsDir) }
