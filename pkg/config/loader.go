package config

import (
	"crypto/md5" //nolint:gosec // MD5 is acceptable for non-cryptographic file change detection
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"issuepilot/pkg/logx"
)

// Loader reads the config file and detects changes between poll cycles so
// the engine can hot-reload without restarting.
type Loader struct {
	path   string
	logger *logx.Logger

	mu       sync.Mutex
	current  *Config
	lastHash [md5.Size]byte
}

// NewLoader creates a loader for the given config file path.
func NewLoader(path string) *Loader {
	return &Loader{
		path:   path,
		logger: logx.NewLogger("config"),
	}
}

// Load reads, substitutes, validates, and caches the configuration.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked()
}

func (l *Loader) loadLocked() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", l.path, err)
	}

	l.current = cfg
	l.lastHash = md5.Sum(data) //nolint:gosec // change detection only
	return cfg, nil
}

// Reload re-reads the file if its content changed since the last load.
// Returns the active config and whether it changed. A file that fails to
// parse or validate leaves the previous config active; the engine keeps
// running on known-good settings.
func (l *Loader) Reload() (*Config, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current == nil {
		cfg, err := l.loadLocked()
		return cfg, true, err
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		l.logger.Warn("config re-read failed, keeping previous: %v", err)
		return l.current, false, nil
	}

	hash := md5.Sum(data) //nolint:gosec // change detection only
	if hash == l.lastHash {
		return l.current, false, nil
	}

	cfg, err := parse(data)
	if err != nil {
		l.logger.Warn("config changed but invalid, keeping previous: %v", err)
		return l.current, false, nil
	}

	l.logger.Info("config reloaded from %s", l.path)
	l.current = cfg
	l.lastHash = hash
	return cfg, true, nil
}

// Current returns the last successfully loaded config, or nil.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func parse(data []byte) (*Config, error) {
	data = substituteEnvVars(data)

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &cfg, nil
}

// Parse builds a config directly from JSON bytes. Used by tests and by
// embedders that supply configuration programmatically.
func Parse(data []byte) (*Config, error) {
	return parse(data)
}
