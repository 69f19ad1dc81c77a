package config

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// AdvancedConfig holds settings that are rarely changed. Values are
// immutable; use Overlay to derive a modified copy.
type AdvancedConfig struct {
	metricWrapperMethods bool
	version              string
}

// NewAdvancedConfig returns an AdvancedConfig with its version computed.
func NewAdvancedConfig(metricWrapperMethods bool) AdvancedConfig {
	return AdvancedConfig{
		metricWrapperMethods: metricWrapperMethods,
		version:              versionOf("metricWrapperMethods=" + strconv.FormatBool(metricWrapperMethods)),
	}
}

// DefaultAdvancedConfig returns the conservative defaults.
func DefaultAdvancedConfig() AdvancedConfig {
	return NewAdvancedConfig(false)
}

// MetricWrapperMethods reports whether hook execution is timed under its
// own metric.
func (c AdvancedConfig) MetricWrapperMethods() bool {
	return c.metricWrapperMethods
}

// Version is a hash of the values, stable across processes.
func (c AdvancedConfig) Version() string {
	return c.version
}

// Overlay starts a builder seeded with the values of c.
func (c AdvancedConfig) Overlay() *AdvancedOverlay {
	return &AdvancedOverlay{metricWrapperMethods: c.metricWrapperMethods}
}

// AdvancedOverlay builds an AdvancedConfig from a base with some values
// replaced.
type AdvancedOverlay struct {
	metricWrapperMethods bool
}

// SetMetricWrapperMethods replaces the metricWrapperMethods value.
func (o *AdvancedOverlay) SetMetricWrapperMethods(v bool) *AdvancedOverlay {
	o.metricWrapperMethods = v
	return o
}

// Build returns the resulting AdvancedConfig.
func (o *AdvancedOverlay) Build() AdvancedConfig {
	return NewAdvancedConfig(o.metricWrapperMethods)
}

func versionOf(s string) string {
	return strconv.FormatUint(xxhash.Sum64String(s), 16)
}
