package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// envPrefix is stripped from environment variables before mapping them to
// config keys: GRADEWORKS_ENGINE_WORKERS -> engine.workers.
const envPrefix = "GRADEWORKS_"

// Source is one layer of the configuration chain. Sources are loaded in
// ascending Priority order, so higher-priority sources override lower ones.
type Source interface {
	// Name identifies the source in error messages.
	Name() string

	// Priority orders the source within the chain.
	Priority() int

	// Load merges the source's values into k.
	Load(k *koanf.Koanf) error
}

// DefaultSources returns the standard chain: defaults, then the config file
// (if any), then environment variables, then command-line flags.
func DefaultSources(configFilePath string, flags *pflag.FlagSet) []Source {
	sources := []Source{
		defaultsSource{},
		envSource{},
	}
	if configFilePath != "" {
		sources = append(sources, fileSource{path: configFilePath})
	}
	if flags != nil {
		sources = append(sources, flagSource{flags: flags})
	}
	return sources
}

// defaultsSource seeds every known key with its baseline value.
type defaultsSource struct{}

func (defaultsSource) Name() string  { return "defaults" }
func (defaultsSource) Priority() int { return 10 }

func (defaultsSource) Load(k *koanf.Koanf) error {
	return k.Load(confmap.Provider(DefaultConfigAsMap(), "."), nil)
}

// fileSource loads a YAML config file. A missing file is not an error so
// that --config stays optional on fresh installs.
type fileSource struct {
	path string
}

func (s fileSource) Name() string  { return fmt.Sprintf("file(%s)", s.path) }
func (s fileSource) Priority() int { return 20 }

func (s fileSource) Load(k *koanf.Koanf) error {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	}
	return k.Load(file.Provider(s.path), yaml.Parser())
}

// envSource maps GRADEWORKS_* environment variables onto config keys.
// The first underscore-separated token becomes the section and the rest
// join into the key, so GRADEWORKS_ENGINE_MAX_ATTEMPTS maps to
// engine.max_attempts.
type envSource struct{}

func (envSource) Name() string  { return "env" }
func (envSource) Priority() int { return 30 }

func (envSource) Load(k *koanf.Koanf) error {
	return k.Load(env.Provider(envPrefix, ".", func(key string) string {
		trimmed := strings.ToLower(strings.TrimPrefix(key, envPrefix))
		parts := strings.SplitN(trimmed, "_", 2)
		if len(parts) == 1 {
			return parts[0]
		}
		return parts[0] + "." + parts[1]
	}), nil)
}

// flagSource overlays explicitly-set command-line flags. Flags are bound
// with dotted names (see BindFlags) so no key translation is needed.
type flagSource struct {
	flags *pflag.FlagSet
}

func (flagSource) Name() string  { return "flags" }
func (flagSource) Priority() int { return 40 }

func (s flagSource) Load(k *koanf.Koanf) error {
	return k.Load(posflag.Provider(s.flags, ".", k), nil)
}
