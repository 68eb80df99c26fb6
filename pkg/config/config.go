// Package config loads and hot-reloads the daemon's on-disk YAML configuration: one file,
// sectioned by component, each section owned by the component that reads it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the whole-file configuration, sectioned by component.
type Config struct {
	Bus        BusConfig        `yaml:"bus"`
	Refresh    RefreshConfig    `yaml:"refresh"`
	Correction CorrectionConfig `yaml:"correction"`
	Opponent   OpponentConfig   `yaml:"opponent"`
	Store      StoreConfig      `yaml:"store"`
}

// BusConfig tunes the serial controller's polling and backoff behavior.
type BusConfig struct {
	Device          string `yaml:"device"`
	PollIntervalMS  int64  `yaml:"poll_interval_ms"`
	BackoffAfter    int    `yaml:"backoff_after"`
}

// RefreshConfig carries the partial/full display refresh thresholds.
type RefreshConfig struct {
	PartialBudget       int `yaml:"partial_budget"`
	FullIntervalSeconds int `yaml:"full_refresh_interval_seconds"`
	MinPartialAreaPx    int `yaml:"min_partial_area_px"`
	MaxRegions          int `yaml:"max_regions"`
	MinIntervalMS       int `yaml:"min_refresh_interval_ms"`
}

// CorrectionConfig tunes correction-mode entry/exit behavior.
type CorrectionConfig struct {
	GuidanceRepeat int `yaml:"guidance_repeat"`
}

// OpponentConfig selects and configures the move-source backend.
type OpponentConfig struct {
	Kind        string `yaml:"kind"` // "engine", "human", "remote"
	EnginePath  string `yaml:"engine_path"`
	RemoteURL   string `yaml:"remote_url"`
	MoveTimeout int64  `yaml:"move_timeout_ms"`
}

// StoreConfig points at the persisted game/move database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is present yet.
func Default() Config {
	return Config{
		Bus: BusConfig{Device: "/dev/serial0", PollIntervalMS: 50, BackoffAfter: 10},
		Refresh: RefreshConfig{
			PartialBudget: 3, FullIntervalSeconds: 300, MinPartialAreaPx: 64, MaxRegions: 8, MinIntervalMS: 100,
		},
		Correction: CorrectionConfig{GuidanceRepeat: 0},
		Opponent:   OpponentConfig{Kind: "human", MoveTimeout: 30_000},
		Store:      StoreConfig{Path: "centaurmods.db"},
	}
}

// Manager owns a config file on disk, reloading it on demand and writing it back
// atomically (temp file + fsync + rename) so a crash mid-write never corrupts the file a
// concurrent reader might be loading.
type Manager struct {
	mu   sync.RWMutex
	path string
	cur  Config

	subMu sync.Mutex
	subs  []func(Config)
}

// Open loads path, creating it with defaults if it does not exist.
func Open(path string) (*Manager, error) {
	m := &Manager{path: path}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		m.cur = Default()
		if err := m.writeLocked(m.cur); err != nil {
			return nil, fmt.Errorf("config: writing default config: %w", err)
		}
		return m, nil
	}

	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the current in-memory configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// OnChange registers a callback invoked after every successful Reload or Update.
func (m *Manager) OnChange(fn func(Config)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subs = append(m.subs, fn)
}

// Reload re-reads the file from disk, replacing the in-memory configuration.
func (m *Manager) Reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("config: reading %v: %w", m.path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("config: parsing %v: %w", m.path, err)
	}

	m.mu.Lock()
	m.cur = c
	m.mu.Unlock()

	m.notify(c)
	return nil
}

// Update applies fn to a copy of the current configuration and writes the whole file back
// atomically. The whole section is replaced; there is no partial/merge write.
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	next := m.cur
	fn(&next)
	if err := m.writeLocked(next); err != nil {
		m.mu.Unlock()
		return err
	}
	m.cur = next
	m.mu.Unlock()

	m.notify(next)
	return nil
}

func (m *Manager) writeLocked(c Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("config: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("config: renaming into place: %w", err)
	}
	return nil
}

func (m *Manager) notify(c Config) {
	m.subMu.Lock()
	subs := append([]func(Config){}, m.subs...)
	m.subMu.Unlock()
	for _, fn := range subs {
		fn(c)
	}
}
