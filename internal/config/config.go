// Package config loads tessera configuration: defaults, an optional YAML
// file, and TESSERA_ environment overrides, with hot reload of the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Manager handles loading and hot-reloading configuration. Each manager
// owns its viper instance, so independent managers never share state.
type Manager struct {
	v *viper.Viper

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a config manager and loads the initial config.
// cfgFile pins an explicit file; otherwise ./tessera.yaml is used when
// present, falling back to <homeDir>/config.yaml (homeDir defaults to
// ~/.tessera). A missing config file is fine: defaults plus environment
// apply.
func NewManager(cfgFile, homeDir string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile, homeDir); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up defaults, environment mapping and the config file.
func (cm *Manager) initViper(cfgFile, homeDir string) error {
	defaults := DefaultConfig()
	cm.v.SetDefault("workers", defaults.Workers)
	cm.v.SetDefault("pool_size", defaults.PoolSize)
	cm.v.SetDefault("max_downsample", defaults.MaxDownsample)
	cm.v.SetDefault("color_filter", defaults.ColorFilter)
	cm.v.SetDefault("patch.width", defaults.Patch.Width)
	cm.v.SetDefault("patch.height", defaults.Patch.Height)
	cm.v.SetDefault("patch.stride_x", defaults.Patch.StrideX)
	cm.v.SetDefault("patch.stride_y", defaults.Patch.StrideY)
	cm.v.SetDefault("patch.edge", defaults.Patch.Edge)
	cm.v.SetDefault("patch.min_inclusion", defaults.Patch.MinInclusion)
	cm.v.SetDefault("patch.pad_value", defaults.Patch.PadValue)
	cm.v.SetDefault("patch.formats", defaults.Patch.Formats)
	cm.v.SetDefault("read.retry_attempts", defaults.Read.RetryAttempts)
	cm.v.SetDefault("read.retry_delay", defaults.Read.RetryDelay)
	cm.v.SetDefault("read.timeout", defaults.Read.Timeout)
	cm.v.SetDefault("convert.exe_path", defaults.Convert.ExePath)
	cm.v.SetDefault("convert.level", defaults.Convert.Level)
	cm.v.SetDefault("convert.docker_image", defaults.Convert.DockerImage)
	cm.v.SetDefault("convert.input_ext", defaults.Convert.InputExt)
	cm.v.SetDefault("convert.output_ext", defaults.Convert.OutputExt)

	// Environment variables: patch.width -> TESSERA_PATCH_WIDTH
	cm.v.SetEnvPrefix("TESSERA")
	cm.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cm.v.AutomaticEnv()

	cm.v.SetConfigType("yaml")
	switch {
	case cfgFile != "":
		cm.v.SetConfigFile(cfgFile)
	case fileExists("tessera.yaml"):
		cm.v.SetConfigFile("tessera.yaml")
	default:
		if homeDir == "" {
			homeDir = "$HOME/.tessera"
		}
		cm.v.SetConfigName("config")
		cm.v.AddConfigPath(homeDir)
	}

	// Try to read config file (not required unless pinned explicitly)
	if err := cm.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	pattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	return pattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Tessera configuration
# Values can also be set per key via TESSERA_ environment variables,
# e.g. TESSERA_PATCH_WIDTH=512. convert.exe_path supports ${ENV_VAR}
# references.

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
