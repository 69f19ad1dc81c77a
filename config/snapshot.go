package config

import (
	"fmt"
	"sort"

	"github.com/knadh/koanf/v2"
)

const delim = "."

// Keys of the config document.
const (
	keyEnabled              = "enabled"
	keyMetricWrapperMethods = "advanced.metricWrapperMethods"
	keyPlugins              = "plugins"
)

// Snapshot is one immutable generation of the config. The koanf instance
// it wraps is never written after the snapshot is published.
type Snapshot struct {
	k        *koanf.Koanf
	advanced AdvancedConfig
	version  string
	enabled  bool
}

func newSnapshot(k *koanf.Koanf) *Snapshot {
	return &Snapshot{
		k:        k,
		enabled:  !k.Exists(keyEnabled) || k.Bool(keyEnabled),
		advanced: NewAdvancedConfig(k.Bool(keyMetricWrapperMethods)),
		version:  versionOf(fmt.Sprint(k.All())),
	}
}

func pluginKey(plugin string) string {
	return keyPlugins + delim + plugin
}

func propertyKey(plugin, name string) string {
	return pluginKey(plugin) + delim + "properties" + delim + name
}

// Enabled reports whether the agent is enabled. Defaults to true.
func (s *Snapshot) Enabled() bool {
	return s.enabled
}

// Advanced returns the advanced settings.
func (s *Snapshot) Advanced() AdvancedConfig {
	return s.advanced
}

// Version is a hash of the whole document.
func (s *Snapshot) Version() string {
	return s.version
}

// Plugins returns the names of the configured plugins, sorted.
func (s *Snapshot) Plugins() []string {
	names := s.k.MapKeys(keyPlugins)
	sort.Strings(names)
	return names
}

// PluginEnabled reports whether plugin is enabled. Plugins without an
// explicit setting are enabled.
func (s *Snapshot) PluginEnabled(plugin string) bool {
	key := pluginKey(plugin) + delim + "enabled"
	return !s.k.Exists(key) || s.k.Bool(key)
}

// Bool returns a plugin property, false when unset.
func (s *Snapshot) Bool(plugin, name string) bool {
	return s.k.Bool(propertyKey(plugin, name))
}

// String returns a plugin property, empty when unset.
func (s *Snapshot) String(plugin, name string) string {
	return s.k.String(propertyKey(plugin, name))
}

// Float returns a plugin property, zero when unset.
func (s *Snapshot) Float(plugin, name string) float64 {
	return s.k.Float64(propertyKey(plugin, name))
}

// Properties returns the flattened properties of plugin.
func (s *Snapshot) Properties(plugin string) map[string]any {
	return s.k.Cut(pluginKey(plugin) + delim + "properties").All()
}
