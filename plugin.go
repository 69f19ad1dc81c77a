package agentz

import (
	"context"
)

// ConfigSource supplies the agent's hot-reloadable settings.
// Reads must be cheap and may lag a concurrent update by one change.
type ConfigSource interface {
	// Enabled reports whether the agent is enabled as a whole.
	Enabled() bool
	// PluginEnabled reports whether the named plugin is enabled.
	PluginEnabled(plugin string) bool
	// Bool returns a plugin property as a boolean, false when unset.
	Bool(plugin, name string) bool
	// String returns a plugin property as a string, empty when unset.
	String(plugin, name string) string
	// Float returns a plugin property as a float, zero when unset.
	Float(plugin, name string) float64
	// MetricWrapperMethods reports whether advice hook execution is timed
	// under its own metric.
	MetricWrapperMethods() bool
	// Subscribe registers fn to run after every change. The returned func
	// removes the subscription.
	Subscribe(fn func()) (cancel func())
}

// staticConfig enables everything and has no properties.
type staticConfig struct{}

func (staticConfig) Enabled() bool { return true }
func (staticConfig) PluginEnabled(string) bool { return true }
func (staticConfig) Bool(string, string) bool { return false }
func (staticConfig) String(string, string) string { return "" }
func (staticConfig) Float(string, string) float64 { return 0 }
func (staticConfig) MetricWrapperMethods() bool { return false }
func (staticConfig) Subscribe(func()) (cancel func()) { return func() {} }

// PluginServices is the surface an instrumentation adapter uses: config
// gate reads scoped to the plugin plus trace, span and timer creation.
type PluginServices struct {
	agent *Agent
	name  string
}

// Name returns the plugin name.
func (p *PluginServices) Name() string {
	return p.name
}

// Agent returns the owning agent.
func (p *PluginServices) Agent() *Agent {
	return p.agent
}

// IsEnabled reports whether both the agent and this plugin are enabled.
func (p *PluginServices) IsEnabled() bool {
	cfg := p.agent.config
	return cfg.Enabled() && cfg.PluginEnabled(p.name)
}

// BooleanProperty returns the plugin property name as a boolean.
func (p *PluginServices) BooleanProperty(name string) bool {
	return p.agent.config.Bool(p.name, name)
}

// StringProperty returns the plugin property name as a string.
func (p *PluginServices) StringProperty(name string) string {
	return p.agent.config.String(p.name, name)
}

// FloatProperty returns the plugin property name as a float.
func (p *PluginServices) FloatProperty(name string) float64 {
	return p.agent.config.Float(p.name, name)
}

// RegisterConfigListener runs fn after every config change.
func (p *PluginServices) RegisterConfigListener(fn func()) (cancel func()) {
	return p.agent.config.Subscribe(fn)
}

// MetricName returns the interned metric name for name.
func (*PluginServices) MetricName(name string) *MetricName {
	return NewMetricName(name)
}

// StartTrace delegates to Agent.StartTrace.
func (p *PluginServices) StartTrace(ctx context.Context, category Category, name string, msg MessageSupplier, metric *MetricName) (context.Context, *Span) {
	return p.agent.StartTrace(ctx, category, name, msg, metric)
}

// StartSpan delegates to Agent.StartSpan.
func (p *PluginServices) StartSpan(ctx context.Context, msg MessageSupplier, metric *MetricName) *Span {
	return p.agent.StartSpan(ctx, msg, metric)
}

// StartMetric delegates to Agent.StartMetric.
func (p *PluginServices) StartMetric(ctx context.Context, metric *MetricName) Timer {
	return p.agent.StartMetric(ctx, metric)
}

// StartWrapperMetric starts a timer named name when the advanced
// metricWrapperMethods setting is on, NopTimer otherwise. It is meant for
// Advice.Wrap.
func (p *PluginServices) StartWrapperMetric(ctx context.Context, name *MetricName) Timer {
	if !p.agent.config.MetricWrapperMethods() {
		return NopTimer
	}
	return p.agent.StartMetric(ctx, name)
}

// SetTraceError delegates to Agent.SetTraceError.
func (p *PluginServices) SetTraceError(ctx context.Context, message string) {
	p.agent.SetTraceError(ctx, message)
}
