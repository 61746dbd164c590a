package window

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/bryanchriswhite/PiPMirror/internal/logger"
	"github.com/godbus/dbus/v5"
)

// KWin D-Bus names
const (
	kwinService       = "org.kde.KWin"
	kwinPath          = "/KWin"
	kwinInterface     = "org.kde.KWin"
	windowsRunnerPath = "/WindowsRunner"
	krunnerInterface  = "org.kde.krunner1"
	kwinWindowPath    = "/org/kde/KWin/Window/"
)

// xwaylandRootXID is reported by KWin for native Wayland windows
const xwaylandRootXID = 0x200000

// commandRunner runs a helper binary and returns its stdout
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// KWinBackend discovers windows on a KDE Plasma session through kdotool
// when installed, else through the KWin WindowsRunner D-Bus interface.
// XWayland windows carry their X11 id so the X11 capture path can use them;
// native Wayland windows get a stable id hashed from their KWin UUID.
type KWinBackend struct {
	run        commandRunner
	useKdotool bool

	mu   sync.Mutex
	conn *dbus.Conn
}

// NewKWinBackend creates a KWin backend. The session bus is opened lazily.
func NewKWinBackend() *KWinBackend {
	_, err := exec.LookPath("kdotool")
	b := &KWinBackend{run: execOutput, useKdotool: err == nil}
	logger.WithComponent("kwin-backend").Debug().Bool("kdotool", b.useKdotool).Msg("KWin backend created")
	return b
}

// Name returns the backend name
func (b *KWinBackend) Name() string {
	return "kwin"
}

// Close closes the session bus connection
func (b *KWinBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// CheckPermission succeeds when KWin owns its name on the session bus
func (b *KWinBackend) CheckPermission(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked(ctx)
}

// RequestPermission reconnects to the session bus and checks again. KWin
// has no consent prompt for enumeration.
func (b *KWinBackend) RequestPermission(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	return b.connectLocked(ctx)
}

func (b *KWinBackend) connectLocked(ctx context.Context) error {
	if b.conn != nil {
		return nil
	}
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: cannot connect to session bus: %v", ErrPermissionDenied, err)
	}

	var owned bool
	if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0, kwinService).Store(&owned); err != nil {
		conn.Close()
		return fmt.Errorf("%w: cannot query session bus: %v", ErrPermissionDenied, err)
	}
	if !owned {
		conn.Close()
		return fmt.Errorf("%w: %s is not running", ErrPermissionDenied, kwinService)
	}
	b.conn = conn
	return nil
}

// ListWindows returns the windows KWin knows about
func (b *KWinBackend) ListWindows(ctx context.Context) ([]Descriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connectLocked(ctx); err != nil {
		return nil, err
	}
	if b.useKdotool {
		windows, err := b.listKdotoolLocked(ctx)
		if err == nil {
			return windows, nil
		}
		logger.WithComponent("kwin-backend").Debug().Err(err).Msg("kdotool enumeration failed, using WindowsRunner")
	}
	return b.listRunnerLocked(ctx)
}

func (b *KWinBackend) listKdotoolLocked(ctx context.Context) ([]Descriptor, error) {
	out, err := b.run(ctx, "kdotool", "search", "--name", ".")
	if err != nil {
		return nil, fmt.Errorf("kdotool search: %w", err)
	}

	var windows []Descriptor
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		uuid := strings.TrimSpace(scanner.Text())
		if uuid == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d := b.describeKdotool(ctx, uuid)
		if d.Title == "" && d.Owner == nil {
			continue
		}
		windows = append(windows, d)
	}
	return windows, nil
}

func (b *KWinBackend) describeKdotool(ctx context.Context, uuid string) Descriptor {
	query := func(cmd string) string {
		out, err := b.run(ctx, "kdotool", cmd, uuid)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(out))
	}

	d := Descriptor{
		ID:    b.windowIDLocked(uuid),
		Title: query("getwindowname"),
		Frame: parseKdotoolGeometry(query("getwindowgeometry")),
	}
	class := query("getwindowclassname")
	pid, _ := strconv.Atoi(query("getwindowpid"))
	if class != "" || pid > 0 {
		d.Owner = &Application{BundleID: strings.ToLower(class), Name: class, PID: pid}
	}
	return d
}

// parseKdotoolGeometry reads "Position: X,Y" and "Geometry: WxH" lines
func parseKdotoolGeometry(out string) Geometry {
	var g Geometry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Position:"):
			x, y, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "Position:")), ",")
			if ok {
				g.X, _ = strconv.Atoi(strings.TrimSpace(x))
				g.Y, _ = strconv.Atoi(strings.TrimSpace(y))
			}
		case strings.HasPrefix(line, "Geometry:"):
			w, h, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "Geometry:")), "x")
			if ok {
				g.Width, _ = strconv.Atoi(strings.TrimSpace(w))
				g.Height, _ = strconv.Atoi(strings.TrimSpace(h))
			}
		}
	}
	return g
}

// listRunnerLocked asks the WindowsRunner for every window. Match returns
// a(sssida{sv}): id, text, icon name, type, relevance, properties.
func (b *KWinBackend) listRunnerLocked(ctx context.Context) ([]Descriptor, error) {
	var matches [][]interface{}
	obj := b.conn.Object(kwinService, windowsRunnerPath)
	if err := obj.CallWithContext(ctx, krunnerInterface+".Match", 0, "").Store(&matches); err != nil {
		return nil, fmt.Errorf("WindowsRunner match: %w", err)
	}

	var windows []Descriptor
	for _, m := range matches {
		if len(m) < 3 {
			continue
		}
		rawID, _ := m[0].(string)
		text, _ := m[1].(string)
		icon, _ := m[2].(string)
		uuid := runnerUUID(rawID)
		if uuid == "" || (text == "" && icon == "") {
			continue
		}

		d := Descriptor{
			ID:    b.windowIDLocked(uuid),
			Title: text,
			Frame: b.windowGeometryLocked(ctx, uuid),
		}
		if icon != "" {
			d.Owner = &Application{BundleID: strings.ToLower(icon), Name: icon}
		}
		windows = append(windows, d)
	}
	return windows, nil
}

// runnerUUID extracts the window UUID from a runner match id such as
// "0_{dc80ff04-3245-4d9b-b9a8-1582640d39e1}"
func runnerUUID(rawID string) string {
	start := strings.Index(rawID, "{")
	end := strings.LastIndex(rawID, "}")
	if start < 0 || end <= start {
		return ""
	}
	return rawID[start : end+1]
}

// windowIDLocked prefers the XWayland id and falls back to a UUID hash
func (b *KWinBackend) windowIDLocked(uuid string) uint32 {
	if b.conn != nil {
		obj := b.conn.Object(kwinService, dbus.ObjectPath(kwinWindowPath+strings.Trim(uuid, "{}")))
		for _, prop := range []string{"org.kde.KWin.Window.internalId", "org.kde.KWin.Window.windowId"} {
			v, err := obj.GetProperty(prop)
			if err != nil {
				continue
			}
			if xid, ok := variantUint32(v); ok && xid != 0 && xid != xwaylandRootXID {
				return xid
			}
		}
	}
	return hashUUID(uuid)
}

// windowGeometryLocked reads a window's frame through KWin.getWindowInfo
func (b *KWinBackend) windowGeometryLocked(ctx context.Context, uuid string) Geometry {
	var info map[string]dbus.Variant
	obj := b.conn.Object(kwinService, kwinPath)
	if err := obj.CallWithContext(ctx, kwinInterface+".getWindowInfo", 0, strings.Trim(uuid, "{}")).Store(&info); err != nil {
		return Geometry{}
	}
	return geometryFromInfo(info)
}

func geometryFromInfo(info map[string]dbus.Variant) Geometry {
	num := func(key string) int {
		v, ok := info[key]
		if !ok {
			return 0
		}
		switch n := v.Value().(type) {
		case float64:
			return int(n)
		case int32:
			return int(n)
		case int64:
			return int(n)
		case uint32:
			return int(n)
		}
		return 0
	}
	return Geometry{X: num("x"), Y: num("y"), Width: num("width"), Height: num("height")}
}

func variantUint32(v dbus.Variant) (uint32, bool) {
	switch n := v.Value().(type) {
	case uint32:
		return n, true
	case int32:
		return uint32(n), true
	case uint64:
		return uint32(n), true
	case int64:
		return uint32(n), true
	}
	return 0, false
}

// hashUUID maps a KWin UUID onto a numeric window id (djb2)
func hashUUID(s string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = h<<5 + h + uint32(s[i])
	}
	return h
}
