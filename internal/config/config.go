// Package config persists PiPMirror settings as a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bryanchriswhite/PiPMirror/internal/logger"
	"github.com/bryanchriswhite/PiPMirror/internal/window"
	"gopkg.in/yaml.v3"
)

// CaptureConfig holds capture session settings
type CaptureConfig struct {
	FPS         int           `json:"fps" yaml:"fps"`
	SettleDelay time.Duration `json:"settle_delay" yaml:"settle_delay"`
}

// ViewerConfig holds viewer surface placement settings
type ViewerConfig struct {
	MaxWidth  int    `json:"max_width" yaml:"max_width"`
	MaxHeight int    `json:"max_height" yaml:"max_height"`
	Margin    int    `json:"margin" yaml:"margin"`
	Corner    string `json:"corner" yaml:"corner"`
}

// PickerConfig holds content picker settings
type PickerConfig struct {
	// Timeout bounds how long a picker dialog may stay open. Zero waits forever.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// FilterConfig tunes the window catalog filter
type FilterConfig struct {
	MinUntitledArea int `json:"min_untitled_area" yaml:"min_untitled_area"`
}

// Config is the persisted configuration
type Config struct {
	LogLevel   string        `json:"log_level" yaml:"log_level"`
	ServerPort int           `json:"server_port" yaml:"server_port"`
	Capture    CaptureConfig `json:"capture" yaml:"capture"`
	Viewer     ViewerConfig  `json:"viewer" yaml:"viewer"`
	Picker     PickerConfig  `json:"picker" yaml:"picker"`
	Filter     FilterConfig  `json:"filter" yaml:"filter"`

	// AllowedOrigins lists browser origins that may call the control API
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`

	// ExcludedBundleIDs is nil when the user never edited the set; the
	// defaults apply then. A non-nil empty list excludes nothing.
	ExcludedBundleIDs *[]string `json:"excluded_bundle_ids,omitempty" yaml:"excluded_bundle_ids,omitempty"`
}

// Manager loads, caches and saves the configuration file
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/pipmirror/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "pipmirror", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when it is empty.
// A missing file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	m := &Manager{configPath: path}

	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		m.config = Defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Int("excluded", len(m.ExcludedBundleIDs())).
		Msg("Config loaded")

	return m, nil
}

// Defaults returns the configuration used for a fresh install
func Defaults() *Config {
	return &Config{
		LogLevel:   "info",
		ServerPort: 8765,
		Capture: CaptureConfig{
			FPS:         30,
			SettleDelay: 100 * time.Millisecond,
		},
		Viewer: ViewerConfig{
			MaxWidth:  600,
			MaxHeight: 400,
			Margin:    20,
			Corner:    "bottom-right",
		},
		Filter: FilterConfig{
			MinUntitledArea: window.DefaultMinUntitledArea,
		},
	}
}

// load reads the configuration from disk. Zero fields take their defaults.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	fillDefaults(cfg)

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

func fillDefaults(cfg *Config) {
	d := Defaults()
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.ServerPort <= 0 {
		cfg.ServerPort = d.ServerPort
	}
	if cfg.Capture.FPS <= 0 {
		cfg.Capture.FPS = d.Capture.FPS
	}
	if cfg.Capture.SettleDelay < 0 {
		cfg.Capture.SettleDelay = d.Capture.SettleDelay
	}
	if cfg.Viewer.MaxWidth <= 0 {
		cfg.Viewer.MaxWidth = d.Viewer.MaxWidth
	}
	if cfg.Viewer.MaxHeight <= 0 {
		cfg.Viewer.MaxHeight = d.Viewer.MaxHeight
	}
	if cfg.Viewer.Margin < 0 {
		cfg.Viewer.Margin = d.Viewer.Margin
	}
	if cfg.Viewer.Corner == "" {
		cfg.Viewer.Corner = d.Viewer.Corner
	}
	if cfg.Filter.MinUntitledArea < 0 {
		cfg.Filter.MinUntitledArea = d.Filter.MinUntitledArea
	}
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	if m.config.ExcludedBundleIDs != nil {
		ids := append([]string{}, (*m.config.ExcludedBundleIDs)...)
		cfg.ExcludedBundleIDs = &ids
	}
	return &cfg
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	var data []byte
	var err error
	if m.config == nil {
		data, err = yaml.Marshal(Defaults())
	} else {
		data, err = yaml.Marshal(m.config)
	}
	m.mu.RUnlock()
	if err != nil {
		logger.WithComponent("config").Error().Err(err).Msg("Failed to marshal config")
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// update applies fn under the write lock and saves the result
func (m *Manager) update(fn func(cfg *Config)) error {
	m.mu.Lock()
	if m.config == nil {
		m.config = Defaults()
	}
	fn(m.config)
	m.mu.Unlock()
	return m.Save()
}

// ExcludedBundleIDs returns the effective exclusion list: the stored set,
// or the defaults when none has been stored.
func (m *Manager) ExcludedBundleIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil || m.config.ExcludedBundleIDs == nil {
		return append([]string{}, window.DefaultExcludedBundleIDs...)
	}
	return append([]string{}, (*m.config.ExcludedBundleIDs)...)
}

// AllowedOrigins returns the browser origins allowed to call the control API
func (m *Manager) AllowedOrigins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return nil
	}
	return append([]string(nil), m.config.AllowedOrigins...)
}

// HasCustomExclusions reports whether the user stored an exclusion set
func (m *Manager) HasCustomExclusions() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config != nil && m.config.ExcludedBundleIDs != nil
}

// SetExcludedBundleIDs replaces the whole exclusion set. The list is stored
// trimmed, sorted and de-duplicated; an empty list excludes nothing.
func (m *Manager) SetExcludedBundleIDs(ids []string) error {
	normalized := window.NormalizeBundleIDs(ids)
	err := m.update(func(cfg *Config) {
		cfg.ExcludedBundleIDs = &normalized
	})
	if err == nil {
		logger.WithComponent("config").Info().
			Int("count", len(normalized)).
			Msg("Updated excluded bundle ids")
	}
	return err
}

// ResetExcludedBundleIDs forgets the stored set so the defaults apply again
func (m *Manager) ResetExcludedBundleIDs() error {
	return m.update(func(cfg *Config) {
		cfg.ExcludedBundleIDs = nil
	})
}

// SetPort sets the control API port
func (m *Manager) SetPort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	return m.update(func(cfg *Config) { cfg.ServerPort = port })
}

// GetPort returns the control API port
func (m *Manager) GetPort() int {
	return m.Get().ServerPort
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	return m.update(func(cfg *Config) { cfg.LogLevel = level })
}

// GetLogLevel returns the log level
func (m *Manager) GetLogLevel() string {
	return m.Get().LogLevel
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}
