package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bryanchriswhite/PiPMirror/internal/viewer"
)

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true, "disabled": true,
}

type setter func(cfg *Config, value string) error

var setters = map[string]setter{
	"log_level": func(cfg *Config, v string) error {
		v = strings.ToLower(v)
		if !validLogLevels[v] {
			return fmt.Errorf("invalid log level: %s (use: trace, debug, info, warn, error, disabled)", v)
		}
		cfg.LogLevel = v
		return nil
	},
	"server_port": func(cfg *Config, v string) error {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port number: %s", v)
		}
		cfg.ServerPort = port
		return nil
	},
	"capture.fps":          positiveInt(func(cfg *Config) *int { return &cfg.Capture.FPS }),
	"capture.settle_delay": duration(func(cfg *Config) *time.Duration { return &cfg.Capture.SettleDelay }),
	"viewer.max_width":     positiveInt(func(cfg *Config) *int { return &cfg.Viewer.MaxWidth }),
	"viewer.max_height":    positiveInt(func(cfg *Config) *int { return &cfg.Viewer.MaxHeight }),
	"viewer.margin": func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid margin: %s", v)
		}
		cfg.Viewer.Margin = n
		return nil
	},
	"viewer.corner": func(cfg *Config, v string) error {
		c, err := viewer.ParseCorner(v)
		if err != nil {
			return err
		}
		cfg.Viewer.Corner = string(c)
		return nil
	},
	"picker.timeout": duration(func(cfg *Config) *time.Duration { return &cfg.Picker.Timeout }),
	"allowed_origins": func(cfg *Config, v string) error {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			o = strings.TrimSpace(o)
			if o == "" {
				continue
			}
			if !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
				return fmt.Errorf("invalid origin %q (expected http:// or https://)", o)
			}
			origins = append(origins, o)
		}
		cfg.AllowedOrigins = origins
		return nil
	},
	"filter.min_untitled_area": func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid area: %s", v)
		}
		cfg.Filter.MinUntitledArea = n
		return nil
	},
}

func positiveInt(field func(*Config) *int) setter {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("expected a positive integer, got %q", v)
		}
		*field(cfg) = n
		return nil
	}
}

func duration(field func(*Config) *time.Duration) setter {
	return func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return fmt.Errorf("expected a duration like 250ms, got %q", v)
		}
		*field(cfg) = d
		return nil
	}
}

// Keys lists the settings accepted by Set
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set parses and stores one setting by its dotted key
func (m *Manager) Set(key, value string) error {
	set, ok := setters[key]
	if !ok {
		return fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(Keys(), ", "))
	}

	var parseErr error
	m.mu.Lock()
	if m.config == nil {
		m.config = Defaults()
	}
	candidate := *m.config
	if parseErr = set(&candidate, strings.TrimSpace(value)); parseErr == nil {
		*m.config = candidate
	}
	m.mu.Unlock()
	if parseErr != nil {
		return parseErr
	}
	return m.Save()
}

// Layout converts the viewer settings into a placement config
func (c *Config) Layout() viewer.LayoutConfig {
	corner, err := viewer.ParseCorner(c.Viewer.Corner)
	if err != nil {
		corner = viewer.BottomRight
	}
	return viewer.LayoutConfig{
		MaxWidth:  c.Viewer.MaxWidth,
		MaxHeight: c.Viewer.MaxHeight,
		Margin:    c.Viewer.Margin,
		Corner:    corner,
	}
}
