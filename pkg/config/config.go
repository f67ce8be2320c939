// Package config loads and serves application configuration.
//
// Configuration precedence (highest to lowest):
//  1. Command-line flags (--log.level=debug)
//  2. Environment variables (GRADEWORKS_LOG_LEVEL=debug)
//  3. Config file (YAML)
//  4. Default values
package config

import (
	"fmt"
	"sort"
	"sync"

	"github.com/knadh/koanf/v2"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
)

// Global koanf instance, initialized once at startup.
var (
	k    *koanf.Koanf
	once sync.Once
)

// InitGlobalConfig initializes the global koanf instance. Called early in
// the application lifecycle, before Load.
func InitGlobalConfig() {
	once.Do(func() {
		k = koanf.New(".")
	})
}

// Manager handles loading and accessing application configuration.
type Manager struct {
	koanfInstance *koanf.Koanf
	currentConfig Config
	mu            sync.RWMutex
}

// NewManager creates a config manager over the global koanf instance.
func NewManager() *Manager {
	InitGlobalConfig()
	return &Manager{
		koanfInstance: k,
	}
}

// Load loads configuration from the default source chain. The config file
// path may be empty, in which case only defaults, environment and flags
// apply.
func (m *Manager) Load(flags *pflag.FlagSet, configFilePath string) error {
	return m.LoadWithSources(DefaultSources(configFilePath, flags))
}

// LoadWithSources loads configuration from the provided sources in priority
// order; higher-priority sources override lower ones. Custom chains let
// tests and embedders insert their own sources.
func (m *Manager) LoadWithSources(sources []Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.Slice(sources, func(i, j int) bool {
		return sources[i].Priority() < sources[j].Priority()
	})

	for _, src := range sources {
		if err := src.Load(m.koanfInstance); err != nil {
			return fmt.Errorf("error loading config from %s: %w", src.Name(), err)
		}
	}

	var newCfg Config
	if err := m.koanfInstance.UnmarshalWithConf("", &newCfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("error unmarshaling final config: %w", err)
	}
	m.currentConfig = newCfg

	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfgCopy := m.currentConfig
	return cfgCopy
}

// GetValue retrieves a raw configuration value by key path, e.g.
// "engine.workers". Returns nil if the key doesn't exist.
func (m *Manager) GetValue(key string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.koanfInstance.Get(key)
}

// GetString retrieves a configuration value coerced to string.
func (m *Manager) GetString(key string) string {
	return cast.ToString(m.GetValue(key))
}

// GetInt retrieves a configuration value coerced to int.
func (m *Manager) GetInt(key string) int {
	return cast.ToInt(m.GetValue(key))
}

// BindFlags defines command-line flags corresponding to configuration
// settings. Called when setting up the cobra root command.
func BindFlags(flags *pflag.FlagSet) {
	defaults := DefaultConfig()

	flags.String("log.level", defaults.Log.Level, "Log level (debug, info, warn, error)")
	flags.String("log.format", defaults.Log.Format, "Log format (text, json)")
	flags.String("storage.workspace_root", defaults.Storage.WorkspaceRoot, "Workspace directory for job records and artifacts")
	flags.Int("engine.workers", defaults.Engine.Workers, "Number of concurrent job workers")
}
