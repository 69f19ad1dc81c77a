package config

import (
	"time"

	"github.com/rs/zerolog"
)

// Format is the encoding of a config document.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Option configures a Gate.
type Option func(*options)

type options struct {
	logger *zerolog.Logger
}

func defaultOptions() *options {
	return &options{}
}

// WithLogger sets the logger used for listener faults and reload failures.
// Defaults to the agentz package logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

// WatchOption configures a Watcher.
type WatchOption func(*watchOptions)

type watchOptions struct {
	debounce time.Duration
}

func defaultWatchOptions() *watchOptions {
	return &watchOptions{
		debounce: 100 * time.Millisecond,
	}
}

// WithDebounce sets the quiet period after the last file event before the
// gate is reloaded. Defaults to 100ms.
func WithDebounce(d time.Duration) WatchOption {
	return func(o *watchOptions) {
		o.debounce = d
	}
}
