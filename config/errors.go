package config

import "errors"

var (
	// ErrEmptyPath is returned by New for an empty path.
	ErrEmptyPath = errors.New("config: empty config path")

	// ErrUnsupportedFormat is returned for formats other than YAML and JSON.
	ErrUnsupportedFormat = errors.New("config: unsupported config format")

	// ErrLoadFailed wraps failures reading the config file.
	ErrLoadFailed = errors.New("config: failed to load config")

	// ErrParseFailed wraps failures parsing the config document.
	ErrParseFailed = errors.New("config: failed to parse config")

	// ErrNotFromFile is returned when reloading or watching a gate built from bytes.
	ErrNotFromFile = errors.New("config: gate was not loaded from a file")

	// ErrInvalidKey is returned for empty plugin or property names, or names
	// containing the key delimiter.
	ErrInvalidKey = errors.New("config: invalid plugin or property name")
)
