package picker

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/PiPMirror/internal/window"
	"github.com/godbus/dbus/v5"
)

type fakeFilter struct {
	id     string
	closed atomic.Bool
}

func (f *fakeFilter) Identity() string { return f.id }
func (f *fakeFilter) Close() error     { f.closed.Store(true); return nil }

// fakeDialog blocks each Show until a result is sent on results or ctx ends
type fakeDialog struct {
	mu      sync.Mutex
	shown   int
	visible int
	maxSeen int
	configs []DialogConfig
	opened  chan struct{}
	results chan dialogResult
}

type dialogResult struct {
	sel *Selection
	err error
}

func newFakeDialog() *fakeDialog {
	return &fakeDialog{
		opened:  make(chan struct{}, 4),
		results: make(chan dialogResult, 4),
	}
}

func (d *fakeDialog) Show(ctx context.Context, cfg DialogConfig) (*Selection, error) {
	d.mu.Lock()
	d.shown++
	d.visible++
	if d.visible > d.maxSeen {
		d.maxSeen = d.visible
	}
	d.configs = append(d.configs, cfg)
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.visible--
		d.mu.Unlock()
	}()

	d.opened <- struct{}{}
	select {
	case r := <-d.results:
		return r.sel, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeCatalog struct {
	windows []window.Descriptor
	own     []window.Descriptor
	err     error
}

func (c *fakeCatalog) Self() window.Self { return window.Self{BundleID: "dev.pipmirror", PID: 77} }

func (c *fakeCatalog) Refresh(ctx context.Context, excluded []string) ([]window.Descriptor, error) {
	return c.windows, c.err
}

func (c *fakeCatalog) OwnWindows(ctx context.Context) ([]window.Descriptor, error) {
	return c.own, nil
}

func waitOpened(t *testing.T, d *fakeDialog) {
	t.Helper()
	select {
	case <-d.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("dialog was never shown")
	}
}

func TestPresentResolvesNameByExactRect(t *testing.T) {
	rect := window.Geometry{X: 100, Y: 50, Width: 1024, Height: 768}
	catalog := &fakeCatalog{windows: []window.Descriptor{
		{ID: 1, Owner: &window.Application{Name: "Safari"}, Title: "Other", Frame: window.Geometry{X: 100, Y: 50, Width: 1024, Height: 767}},
		{ID: 2, Owner: &window.Application{Name: "Safari"}, Title: "Apple", Frame: rect},
	}}
	dialog := newFakeDialog()
	p := New(dialog, catalog, Options{})

	dialog.results <- dialogResult{sel: &Selection{Filter: &fakeFilter{id: "a"}, Rect: rect}}
	tgt := p.Present(context.Background())

	if tgt == nil {
		t.Fatal("Present = nil, want target")
	}
	if tgt.DisplayName != "Safari - Apple" {
		t.Errorf("DisplayName = %q", tgt.DisplayName)
	}
	if tgt.SourceWindow != 2 || tgt.Key() != "window:2" || tgt.ContentRect != rect {
		t.Errorf("target = %+v, key %q", tgt, tgt.Key())
	}
	if cfg := dialog.configs[0]; !cfg.SingleWindow || cfg.Exclude.PID != 77 {
		t.Errorf("dialog config = %+v", cfg)
	}
	if p.Pending() {
		t.Error("Pending() = true after Present returned")
	}
}

func TestPresentFallsBackToPlaceholder(t *testing.T) {
	tests := []struct {
		name    string
		catalog *fakeCatalog
	}{
		{"no match", &fakeCatalog{windows: []window.Descriptor{{ID: 1, Title: "x", Frame: window.Geometry{Width: 5, Height: 5}}}}},
		{"refresh error", &fakeCatalog{err: window.ErrEnumeration}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialog := newFakeDialog()
			p := New(dialog, tt.catalog, Options{})
			dialog.results <- dialogResult{sel: &Selection{Filter: &fakeFilter{id: "b"}, Rect: window.Geometry{Width: 640, Height: 480}}}

			tgt := p.Present(context.Background())
			if tgt == nil {
				t.Fatal("Present = nil")
			}
			if !regexp.MustCompile(`^Window - [0-9A-F]{8}$`).MatchString(tgt.DisplayName) {
				t.Errorf("DisplayName = %q, want placeholder", tgt.DisplayName)
			}
			if tgt.SourceWindow != 0 || tgt.Key() != "picked:b" {
				t.Errorf("unmatched selection keyed %q", tgt.Key())
			}
		})
	}
}

func TestPresentResolvesNilOnCancelAndFailure(t *testing.T) {
	tests := []struct {
		name   string
		result dialogResult
	}{
		{"user cancel", dialogResult{}},
		{"dialog error", dialogResult{err: errors.New("portal unavailable")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialog := newFakeDialog()
			p := New(dialog, &fakeCatalog{}, Options{})
			dialog.results <- tt.result
			if tgt := p.Present(context.Background()); tgt != nil {
				t.Errorf("Present = %+v, want nil", tgt)
			}
		})
	}
}

func TestPresentSupersedesPendingRequest(t *testing.T) {
	dialog := newFakeDialog()
	p := New(dialog, &fakeCatalog{}, Options{})

	first := make(chan bool, 1)
	go func() {
		first <- p.Present(context.Background()) == nil
	}()
	waitOpened(t, dialog)
	if !p.Pending() {
		t.Error("Pending() = false while a dialog is visible")
	}

	second := make(chan bool, 1)
	go func() {
		second <- p.Present(context.Background()) != nil
	}()

	select {
	case isNil := <-first:
		if !isNil {
			t.Error("superseded request did not resolve to nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first request never resolved")
	}

	waitOpened(t, dialog)
	dialog.results <- dialogResult{sel: &Selection{Filter: &fakeFilter{id: "c"}, Rect: window.Geometry{Width: 10, Height: 10}}}

	select {
	case ok := <-second:
		if !ok {
			t.Error("second request resolved to nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second request never resolved")
	}

	dialog.mu.Lock()
	defer dialog.mu.Unlock()
	if dialog.maxSeen != 1 {
		t.Errorf("%d dialogs visible at once, want 1", dialog.maxSeen)
	}
	if dialog.shown != 2 {
		t.Errorf("dialog shown %d times, want 2", dialog.shown)
	}
}

func TestPresentCancelledByContext(t *testing.T) {
	dialog := newFakeDialog()
	p := New(dialog, &fakeCatalog{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() { done <- p.Present(ctx) == nil }()
	waitOpened(t, dialog)
	cancel()

	select {
	case isNil := <-done:
		if !isNil {
			t.Error("cancelled request returned a target")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Present did not return after cancel")
	}
}

func TestPresentTimeout(t *testing.T) {
	dialog := newFakeDialog()
	p := New(dialog, &fakeCatalog{}, Options{Timeout: 20 * time.Millisecond})
	if tgt := p.Present(context.Background()); tgt != nil {
		t.Errorf("Present = %+v, want nil after timeout", tgt)
	}
}

func TestPresentDropsOwnWindow(t *testing.T) {
	rect := window.Geometry{X: 10, Y: 10, Width: 400, Height: 300}
	catalog := &fakeCatalog{own: []window.Descriptor{{ID: 9, Title: "PiP: Safari", Frame: rect}}}
	dialog := newFakeDialog()
	p := New(dialog, catalog, Options{})

	filter := &fakeFilter{id: "self"}
	dialog.results <- dialogResult{sel: &Selection{Filter: filter, Rect: rect}}
	if tgt := p.Present(context.Background()); tgt != nil {
		t.Errorf("Present = %+v, want nil for own window", tgt)
	}
	if !filter.closed.Load() {
		t.Error("discarded selection was not released")
	}
}

func TestParseStreams(t *testing.T) {
	raw := []interface{}{
		[]interface{}{
			uint32(57),
			map[string]dbus.Variant{
				"id":       dbus.MakeVariant("win-3"),
				"position": dbus.MakeVariant([]interface{}{int32(12), int32(34)}),
				"size":     dbus.MakeVariant([]interface{}{int32(800), int32(600)}),
			},
		},
	}
	streams, err := parseStreams(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(streams) != 1 {
		t.Fatalf("got %d streams", len(streams))
	}
	want := portalStream{NodeID: 57, ID: "win-3", Rect: window.Geometry{X: 12, Y: 34, Width: 800, Height: 600}}
	if streams[0] != want {
		t.Errorf("stream = %+v, want %+v", streams[0], want)
	}

	if _, err := parseStreams("nope"); err == nil {
		t.Error("parseStreams accepted a string")
	}
}

func TestPortalSelectionIdentity(t *testing.T) {
	if got := (&PortalSelection{nodeID: 5}).Identity(); got != "node:5" {
		t.Errorf("Identity = %q", got)
	}
	if got := (&PortalSelection{nodeID: 5, id: "abc"}).Identity(); got != "portal:abc" {
		t.Errorf("Identity = %q", got)
	}
}

func TestParseResponse(t *testing.T) {
	code, results, err := parseResponse([]interface{}{uint32(1), map[string]dbus.Variant{}})
	if err != nil || code != responseCancelled || results == nil {
		t.Errorf("parseResponse = %d, %v, %v", code, results, err)
	}
	if _, _, err := parseResponse(nil); err == nil {
		t.Error("parseResponse accepted an empty body")
	}
}
