package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/PiPMirror/internal/viewer"
	"github.com/bryanchriswhite/PiPMirror/internal/window"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipmirror", "config.yaml")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, path
}

func TestNewManagerCreatesDefaults(t *testing.T) {
	m, path := newTestManager(t)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	cfg := m.Get()
	if cfg.Capture.FPS != 30 || cfg.Capture.SettleDelay != 100*time.Millisecond {
		t.Errorf("capture defaults = %+v", cfg.Capture)
	}
	if cfg.Layout() != viewer.DefaultLayout {
		t.Errorf("Layout() = %+v, want %+v", cfg.Layout(), viewer.DefaultLayout)
	}
	if m.HasCustomExclusions() {
		t.Error("fresh config reports custom exclusions")
	}
	if !reflect.DeepEqual(m.ExcludedBundleIDs(), window.DefaultExcludedBundleIDs) {
		t.Error("absent key did not yield the default exclusions")
	}
}

func TestExcludedBundleIDsRoundTrip(t *testing.T) {
	m, path := newTestManager(t)

	if err := m.SetExcludedBundleIDs([]string{" com.b ", "com.a", "com.b", ""}); err != nil {
		t.Fatalf("SetExcludedBundleIDs: %v", err)
	}
	want := []string{"com.a", "com.b"}
	if got := m.ExcludedBundleIDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("ExcludedBundleIDs = %v, want %v", got, want)
	}

	reloaded, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := reloaded.ExcludedBundleIDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("after reload = %v, want %v", got, want)
	}
}

func TestExplicitEmptyExclusionListPersists(t *testing.T) {
	m, path := newTestManager(t)

	if err := m.SetExcludedBundleIDs(nil); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "excluded_bundle_ids: []") {
		t.Errorf("empty set not written explicitly:\n%s", data)
	}

	reloaded, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.HasCustomExclusions() || len(reloaded.ExcludedBundleIDs()) != 0 {
		t.Errorf("explicit empty list reloaded as %v", reloaded.ExcludedBundleIDs())
	}
}

func TestResetExcludedBundleIDs(t *testing.T) {
	m, path := newTestManager(t)
	if err := m.SetExcludedBundleIDs([]string{"com.a"}); err != nil {
		t.Fatal(err)
	}
	if err := m.ResetExcludedBundleIDs(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "excluded_bundle_ids") {
		t.Errorf("reset left the key in the file:\n%s", data)
	}
	if !reflect.DeepEqual(m.ExcludedBundleIDs(), window.DefaultExcludedBundleIDs) {
		t.Error("reset did not restore defaults")
	}
}

func TestLoadFillsMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "capture:\n  settle_delay: 250ms\nviewer:\n  corner: top-left\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg := m.Get()
	if cfg.Capture.SettleDelay != 250*time.Millisecond {
		t.Errorf("SettleDelay = %v", cfg.Capture.SettleDelay)
	}
	if cfg.Capture.FPS != 30 || cfg.ServerPort != 8765 || cfg.LogLevel != "info" {
		t.Errorf("missing fields not defaulted: %+v", cfg)
	}
	if cfg.Layout().Corner != viewer.TopLeft || cfg.Layout().MaxWidth != 600 {
		t.Errorf("Layout = %+v", cfg.Layout())
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("capture: [unclosed\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(path); err == nil {
		t.Error("NewManager accepted malformed YAML")
	}
}

func TestSet(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    bool
		check      func(*Config) bool
	}{
		{"log_level", "DEBUG", false, func(c *Config) bool { return c.LogLevel == "debug" }},
		{"log_level", "loud", true, nil},
		{"server_port", "9090", false, func(c *Config) bool { return c.ServerPort == 9090 }},
		{"server_port", "70000", true, nil},
		{"capture.fps", "60", false, func(c *Config) bool { return c.Capture.FPS == 60 }},
		{"capture.fps", "0", true, nil},
		{"capture.settle_delay", "50ms", false, func(c *Config) bool { return c.Capture.SettleDelay == 50*time.Millisecond }},
		{"viewer.corner", "top-right", false, func(c *Config) bool { return c.Viewer.Corner == "top-right" }},
		{"viewer.corner", "centre", true, nil},
		{"viewer.margin", "0", false, func(c *Config) bool { return c.Viewer.Margin == 0 }},
		{"picker.timeout", "2m", false, func(c *Config) bool { return c.Picker.Timeout == 2*time.Minute }},
		{"allowed_origins", "http://localhost:3000, https://dash.local", false, func(c *Config) bool {
			return reflect.DeepEqual(c.AllowedOrigins, []string{"http://localhost:3000", "https://dash.local"})
		}},
		{"allowed_origins", "", false, func(c *Config) bool { return len(c.AllowedOrigins) == 0 }},
		{"allowed_origins", "localhost:3000", true, nil},
		{"no.such.key", "1", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			m, _ := newTestManager(t)
			before := *m.Get()
			err := m.Set(tt.key, tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Set succeeded, want error")
				}
				if after := *m.Get(); !reflect.DeepEqual(before, after) {
					t.Error("failed Set modified the config")
				}
				return
			}
			if err != nil {
				t.Fatalf("Set: %v", err)
			}
			if !tt.check(m.Get()) {
				t.Errorf("value not applied: %+v", m.Get())
			}
		})
	}
}

func TestSetPersists(t *testing.T) {
	m, path := newTestManager(t)
	if err := m.Set("viewer.max_width", "800"); err != nil {
		t.Fatal(err)
	}
	reloaded, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Get().Viewer.MaxWidth != 800 {
		t.Errorf("MaxWidth after reload = %d", reloaded.Get().Viewer.MaxWidth)
	}
}

func TestNoOriginsAllowedByDefault(t *testing.T) {
	m, _ := newTestManager(t)
	if got := m.AllowedOrigins(); len(got) != 0 {
		t.Errorf("default AllowedOrigins = %v, want none", got)
	}
}
