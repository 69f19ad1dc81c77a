package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/zoobzio/agentz"
)

var _ agentz.ConfigSource = (*Gate)(nil)

// Gate is the hot-reloadable config store consulted by plugins.
//
// Reads load the current Snapshot without locking and may observe the
// generation before a concurrent change. Writers serialize on a mutex,
// publish a new Snapshot and then notify subscribers.
type Gate struct {
	current   atomic.Pointer[Snapshot]
	path      string
	format    Format
	opts      *options
	writeMu   sync.Mutex
	subsMu    sync.Mutex
	subs      map[uint64]func()
	nextSubID uint64
}

// New loads a gate from the file at path. The format is taken from the
// extension (.yaml, .yml or .json).
func New(path string, opts ...Option) (*Gate, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	format, err := detectFormat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	k, err := parse(data, format)
	if err != nil {
		return nil, err
	}

	g := newGate(k, format, opts)
	g.path = path
	return g, nil
}

// NewFromBytes builds a gate from an in-memory document. Empty data yields
// the defaults: agent and plugins enabled, no properties.
func NewFromBytes(data []byte, format Format, opts ...Option) (*Gate, error) {
	if !isValidFormat(format) {
		return nil, ErrUnsupportedFormat
	}
	k, err := parse(data, format)
	if err != nil {
		return nil, err
	}
	return newGate(k, format, opts), nil
}

func newGate(k *koanf.Koanf, format Format, opts []Option) *Gate {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	g := &Gate{
		format: format,
		opts:   o,
		subs:   make(map[uint64]func()),
	}
	g.current.Store(newSnapshot(k))
	return g
}

func (g *Gate) logger() *zerolog.Logger {
	if g.opts.logger != nil {
		return g.opts.logger
	}
	return agentz.Logger()
}

// Snapshot returns the current generation.
func (g *Gate) Snapshot() *Snapshot {
	return g.current.Load()
}

// Path returns the file the gate was loaded from, empty for NewFromBytes.
func (g *Gate) Path() string {
	return g.path
}

// Enabled reports whether the agent is enabled.
func (g *Gate) Enabled() bool {
	return g.current.Load().Enabled()
}

// PluginEnabled reports whether plugin is enabled.
func (g *Gate) PluginEnabled(plugin string) bool {
	return g.current.Load().PluginEnabled(plugin)
}

// Bool returns a plugin property as a boolean.
func (g *Gate) Bool(plugin, name string) bool {
	return g.current.Load().Bool(plugin, name)
}

// String returns a plugin property as a string.
func (g *Gate) String(plugin, name string) string {
	return g.current.Load().String(plugin, name)
}

// Float returns a plugin property as a float.
func (g *Gate) Float(plugin, name string) float64 {
	return g.current.Load().Float(plugin, name)
}

// MetricWrapperMethods reports the advanced metricWrapperMethods setting.
func (g *Gate) MetricWrapperMethods() bool {
	return g.current.Load().Advanced().MetricWrapperMethods()
}

// Subscribe registers fn to run after every published change.
func (g *Gate) Subscribe(fn func()) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	g.subsMu.Lock()
	g.nextSubID++
	id := g.nextSubID
	g.subs[id] = fn
	g.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.subsMu.Lock()
			delete(g.subs, id)
			g.subsMu.Unlock()
		})
	}
}

// Reload re-reads the file the gate was loaded from. On failure the
// current generation stays in place.
func (g *Gate) Reload() error {
	if g.path == "" {
		return ErrNotFromFile
	}
	data, err := os.ReadFile(g.path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	k, err := parse(data, g.format)
	if err != nil {
		return err
	}

	g.writeMu.Lock()
	g.current.Store(newSnapshot(k))
	g.writeMu.Unlock()

	g.notify()
	return nil
}

// SetEnabled switches the agent on or off.
func (g *Gate) SetEnabled(enabled bool) error {
	return g.update(keyEnabled, enabled)
}

// SetPluginEnabled switches plugin on or off.
func (g *Gate) SetPluginEnabled(plugin string, enabled bool) error {
	if !validName(plugin) {
		return ErrInvalidKey
	}
	return g.update(pluginKey(plugin)+delim+"enabled", enabled)
}

// SetProperty sets a plugin property.
func (g *Gate) SetProperty(plugin, name string, value any) error {
	if !validName(plugin) || !validName(name) {
		return ErrInvalidKey
	}
	return g.update(propertyKey(plugin, name), value)
}

// SetAdvanced replaces the advanced settings.
func (g *Gate) SetAdvanced(c AdvancedConfig) error {
	return g.update(keyMetricWrapperMethods, c.MetricWrapperMethods())
}

func (g *Gate) update(key string, value any) error {
	g.writeMu.Lock()
	k := g.current.Load().k.Copy()
	if err := k.Set(key, value); err != nil {
		g.writeMu.Unlock()
		return fmt.Errorf("config: set %s: %w", key, err)
	}
	g.current.Store(newSnapshot(k))
	g.writeMu.Unlock()

	g.notify()
	return nil
}

func (g *Gate) notify() {
	g.subsMu.Lock()
	ids := make([]uint64, 0, len(g.subs))
	for id := range g.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(), len(ids))
	for i, id := range ids {
		fns[i] = g.subs[id]
	}
	g.subsMu.Unlock()

	for i, fn := range fns {
		g.call(ids[i], fn)
	}
}

func (g *Gate) call(id uint64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.logger().Error().
				Uint64("listener", id).
				Interface("panic", r).
				Msg("config listener panicked")
		}
	}()
	fn()
}

func validName(name string) bool {
	return name != "" && !strings.Contains(name, delim)
}

func detectFormat(path string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: unknown extension %s", ErrUnsupportedFormat, ext)
	}
}

func isValidFormat(format Format) bool {
	switch format {
	case FormatYAML, FormatJSON:
		return true
	default:
		return false
	}
}

func parse(data []byte, format Format) (*koanf.Koanf, error) {
	var parser koanf.Parser
	switch format {
	case FormatYAML:
		parser = yaml.Parser()
	case FormatJSON:
		parser = json.Parser()
	default:
		return nil, ErrUnsupportedFormat
	}

	k := koanf.New(delim)
	if len(data) == 0 {
		return k, nil
	}
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseFailed, err)
	}
	return k, nil
}
