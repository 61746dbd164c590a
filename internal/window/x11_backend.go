package window

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/PiPMirror/internal/logger"
)

// X11Backend discovers windows through an X11 (or XWayland) display server.
// The connection is opened lazily so a failed permission check can be retried.
type X11Backend struct {
	display string
	mu      sync.Mutex
	conn    *xgb.Conn
	root    xproto.Window
	atoms   map[string]xproto.Atom
}

// NewX11Backend creates a backend for the given display ("" uses $DISPLAY)
func NewX11Backend(display string) *X11Backend {
	return &X11Backend{
		display: display,
		atoms:   make(map[string]xproto.Atom),
	}
}

// Name returns the backend name
func (b *X11Backend) Name() string {
	return "x11"
}

// Close closes the X11 connection
func (b *X11Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
		b.atoms = make(map[string]xproto.Atom)
	}
	return nil
}

// CheckPermission succeeds when the display server accepts our connection
func (b *X11Backend) CheckPermission(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked()
}

// RequestPermission drops any stale connection and tries again. X11 has no
// consent prompt, so this is the same check with a fresh connection.
func (b *X11Backend) RequestPermission(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
		b.atoms = make(map[string]xproto.Atom)
	}
	return b.connectLocked()
}

func (b *X11Backend) connectLocked() error {
	if b.conn != nil {
		return nil
	}

	var (
		conn *xgb.Conn
		err  error
	)
	if b.display != "" {
		conn, err = xgb.NewConnDisplay(b.display)
	} else {
		conn, err = xgb.NewConn()
	}
	if err != nil {
		return fmt.Errorf("%w: cannot connect to X server: %v", ErrPermissionDenied, err)
	}

	b.conn = conn
	b.root = xproto.Setup(conn).DefaultScreen(conn).Root
	return nil
}

// ListWindows returns viewable client windows front-to-back.
// It prefers _NET_CLIENT_LIST_STACKING, then _NET_CLIENT_LIST, then QueryTree.
func (b *X11Backend) ListWindows(ctx context.Context) ([]Descriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connectLocked(); err != nil {
		return nil, err
	}

	log := logger.WithComponent("x11-backend")

	ids, source, err := b.clientWindowsLocked()
	if err != nil {
		return nil, err
	}
	log.Debug().Str("source", source).Int("count", len(ids)).Msg("Enumerated client windows")

	windows := make([]Descriptor, 0, len(ids))
	for _, win := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d, ok := b.describeLocked(win)
		if !ok {
			continue
		}
		windows = append(windows, d)
	}
	return windows, nil
}

// clientWindowsLocked returns candidate window ids in front-to-back order
func (b *X11Backend) clientWindowsLocked() ([]xproto.Window, string, error) {
	for _, prop := range []string{"_NET_CLIENT_LIST_STACKING", "_NET_CLIENT_LIST"} {
		ids, err := b.windowListPropertyLocked(b.root, prop)
		if err == nil && len(ids) > 0 {
			if prop == "_NET_CLIENT_LIST_STACKING" {
				reverse(ids) // stacking order is bottom-to-top
			}
			return ids, prop, nil
		}
	}

	tree, err := xproto.QueryTree(b.conn, b.root).Reply()
	if err != nil {
		return nil, "", fmt.Errorf("query tree: %w", err)
	}
	ids := append([]xproto.Window(nil), tree.Children...)
	reverse(ids)
	return ids, "QueryTree", nil
}

// describeLocked builds a descriptor for a viewable window
func (b *X11Backend) describeLocked(win xproto.Window) (Descriptor, bool) {
	attrs, err := xproto.GetWindowAttributes(b.conn, win).Reply()
	if err != nil || attrs.MapState != xproto.MapStateViewable {
		return Descriptor{}, false
	}
	if attrs.Class != xproto.WindowClassInputOutput {
		return Descriptor{}, false
	}

	geom, err := xproto.GetGeometry(b.conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return Descriptor{}, false
	}

	d := Descriptor{
		ID: uint32(win),
		Frame: Geometry{
			X:      int(geom.X),
			Y:      int(geom.Y),
			Width:  int(geom.Width),
			Height: int(geom.Height),
		},
	}

	// Client windows are usually reparented into WM frames; report root coordinates
	if pos, err := xproto.TranslateCoordinates(b.conn, win, b.root, 0, 0).Reply(); err == nil {
		d.Frame.X = int(pos.DstX)
		d.Frame.Y = int(pos.DstY)
	}

	d.Title = b.stringPropertyLocked(win, "_NET_WM_NAME")
	if d.Title == "" {
		d.Title = b.stringPropertyLocked(win, "WM_NAME")
	}

	instance, class := parseWMClass(b.stringPropertyLocked(win, "WM_CLASS"))
	pid := b.cardinalPropertyLocked(win, "_NET_WM_PID")
	appID := b.stringPropertyLocked(win, "_GTK_APPLICATION_ID")

	if class != "" || instance != "" || pid > 0 || appID != "" {
		app := &Application{
			BundleID: appID,
			Name:     class,
			PID:      pid,
		}
		if app.BundleID == "" {
			app.BundleID = strings.ToLower(firstNonEmpty(instance, class))
		}
		if app.Name == "" {
			app.Name = instance
		}
		d.Owner = app
	}

	return d, true
}

// parseWMClass splits WM_CLASS ("instance\0class\0") into its two parts
func parseWMClass(raw string) (instance, class string) {
	parts := strings.Split(raw, "\x00")
	if len(parts) >= 1 {
		instance = parts[0]
	}
	if len(parts) >= 2 {
		class = parts[1]
	}
	return instance, class
}

func (b *X11Backend) atomLocked(name string) (xproto.Atom, error) {
	if atom, ok := b.atoms[name]; ok {
		return atom, nil
	}
	reply, err := xproto.InternAtom(b.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	b.atoms[name] = reply.Atom
	return reply.Atom, nil
}

func (b *X11Backend) propertyLocked(win xproto.Window, name string, typ xproto.Atom) (*xproto.GetPropertyReply, error) {
	atom, err := b.atomLocked(name)
	if err != nil {
		return nil, err
	}
	reply, err := xproto.GetProperty(b.conn, false, win, atom, typ, 0, (1<<32)-1).Reply()
	if err != nil {
		return nil, err
	}
	if reply.ValueLen == 0 {
		return nil, fmt.Errorf("property %s is empty", name)
	}
	return reply, nil
}

func (b *X11Backend) stringPropertyLocked(win xproto.Window, name string) string {
	reply, err := b.propertyLocked(win, name, xproto.GetPropertyTypeAny)
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(reply.Value), "\x00")
}

func (b *X11Backend) cardinalPropertyLocked(win xproto.Window, name string) int {
	reply, err := b.propertyLocked(win, name, xproto.AtomCardinal)
	if err != nil || len(reply.Value) < 4 {
		return 0
	}
	return int(binary.LittleEndian.Uint32(reply.Value[:4]))
}

func (b *X11Backend) windowListPropertyLocked(win xproto.Window, name string) ([]xproto.Window, error) {
	reply, err := b.propertyLocked(win, name, xproto.AtomWindow)
	if err != nil {
		return nil, err
	}
	ids := make([]xproto.Window, 0, len(reply.Value)/4)
	for i := 0; i+4 <= len(reply.Value); i += 4 {
		ids = append(ids, xproto.Window(binary.LittleEndian.Uint32(reply.Value[i:i+4])))
	}
	return ids, nil
}

func reverse(ids []xproto.Window) {
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
