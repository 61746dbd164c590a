package picker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bryanchriswhite/PiPMirror/internal/logger"
	"github.com/bryanchriswhite/PiPMirror/internal/window"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

// Portal D-Bus constants
const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"
)

// Source types for SelectSources
const (
	SourceTypeMonitor = 1 << 0
	SourceTypeWindow  = 1 << 1
)

// Cursor modes for SelectSources
const (
	CursorModeHidden   = 1 << 0
	CursorModeEmbedded = 1 << 1
)

// Portal response codes
const (
	responseSuccess   = 0
	responseCancelled = 1
)

// PortalDialog presents the xdg-desktop-portal ScreenCast window chooser
type PortalDialog struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

// NewPortalDialog connects to the session bus
func NewPortalDialog() (*PortalDialog, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	matchRule := fmt.Sprintf("type='signal',interface='%s',member='Response'", requestIface)
	if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		logger.WithComponent("portal").Warn().Err(err).Msg("Failed to add match rule")
	}

	return &PortalDialog{conn: conn}, nil
}

// Close closes the bus connection. Selections still in use stop working.
func (d *PortalDialog) Close() error {
	return d.conn.Close()
}

// Show runs CreateSession, SelectSources and Start. The portal cannot hide
// our own windows; the picker post-filters those.
func (d *PortalDialog) Show(ctx context.Context, cfg DialogConfig) (*Selection, error) {
	// One portal prompt at a time on this connection
	d.mu.Lock()
	defer d.mu.Unlock()

	log := logger.WithComponent("portal")

	results, ok, err := d.request(ctx, "", "CreateSession", func(opts map[string]dbus.Variant) *dbus.Call {
		opts["session_handle_token"] = dbus.MakeVariant(token("session"))
		return d.portal().CallWithContext(ctx, screenCastIface+".CreateSession", 0, opts)
	})
	if err != nil || !ok {
		return nil, err
	}
	session, err := sessionHandle(results)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("session", string(session)).Msg("Created portal session")

	release := func() {
		d.conn.Object(portalService, session).Call(sessionIface+".Close", 0)
	}

	_, ok, err = d.request(ctx, session, "SelectSources", func(opts map[string]dbus.Variant) *dbus.Call {
		opts["types"] = dbus.MakeVariant(uint32(SourceTypeWindow))
		opts["multiple"] = dbus.MakeVariant(!cfg.SingleWindow)
		opts["cursor_mode"] = dbus.MakeVariant(uint32(CursorModeHidden))
		return d.portal().CallWithContext(ctx, screenCastIface+".SelectSources", 0, session, opts)
	})
	if err != nil || !ok {
		release()
		return nil, err
	}

	log.Info().Msg("Waiting for window selection in portal dialog")
	results, ok, err = d.request(ctx, session, "Start", func(opts map[string]dbus.Variant) *dbus.Call {
		return d.portal().CallWithContext(ctx, screenCastIface+".Start", 0, session, "", opts)
	})
	if err != nil || !ok {
		release()
		return nil, err
	}

	raw, found := results["streams"]
	if !found {
		release()
		return nil, errors.New("no streams in portal response")
	}
	streams, err := parseStreams(raw.Value())
	if err != nil || len(streams) == 0 {
		release()
		if err == nil {
			err = errors.New("portal returned an empty stream list")
		}
		return nil, err
	}

	st := streams[0]
	log.Info().Uint32("node_id", st.NodeID).Str("rect", st.Rect.String()).Msg("Portal selection started")

	sel := &PortalSelection{
		conn:    d.conn,
		session: session,
		nodeID:  st.NodeID,
		id:      st.ID,
	}
	return &Selection{Filter: sel, Rect: st.Rect}, nil
}

func (d *PortalDialog) portal() dbus.BusObject {
	return d.conn.Object(portalService, portalPath)
}

// request performs one portal call and waits for its Response signal.
// ok is false when the user cancelled.
func (d *PortalDialog) request(ctx context.Context, session dbus.ObjectPath, method string, call func(map[string]dbus.Variant) *dbus.Call) (map[string]dbus.Variant, bool, error) {
	log := logger.WithComponent("portal")

	// Subscribe before the call so an early Response is not missed
	signals := make(chan *dbus.Signal, 10)
	d.conn.Signal(signals)
	defer d.conn.RemoveSignal(signals)

	opts := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token(strings.ToLower(method))),
	}

	var requestPath dbus.ObjectPath
	if err := call(opts).Store(&requestPath); err != nil {
		return nil, false, fmt.Errorf("%s call failed: %w", method, err)
	}
	log.Debug().Str("request_path", string(requestPath)).Str("method", method).Msg("Waiting for portal response")

	for {
		select {
		case <-ctx.Done():
			d.conn.Object(portalService, requestPath).Call(requestIface+".Close", 0)
			if session != "" {
				d.conn.Object(portalService, session).Call(sessionIface+".Close", 0)
			}
			return nil, false, ctx.Err()

		case sig, open := <-signals:
			if !open {
				return nil, false, errors.New("session bus connection closed")
			}
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			code, results, err := parseResponse(sig.Body)
			if err != nil {
				return nil, false, fmt.Errorf("%s: %w", method, err)
			}
			switch code {
			case responseSuccess:
				return results, true, nil
			case responseCancelled:
				log.Info().Str("method", method).Msg("Portal request cancelled by user")
				return nil, false, nil
			default:
				return nil, false, fmt.Errorf("%s denied by portal (code %d)", method, code)
			}
		}
	}
}

// PortalSelection is a started ScreenCast session for one window.
// It stays valid until Close.
type PortalSelection struct {
	conn    *dbus.Conn
	session dbus.ObjectPath
	nodeID  uint32
	id      string

	closeOnce sync.Once
}

// Identity implements target.Filter
func (s *PortalSelection) Identity() string {
	if s.id != "" {
		return "portal:" + s.id
	}
	return fmt.Sprintf("node:%d", s.nodeID)
}

// NodeID is the PipeWire node carrying the window's video
func (s *PortalSelection) NodeID() uint32 {
	return s.nodeID
}

// Close ends the portal session
func (s *PortalSelection) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.conn == nil || s.session == "" {
			return
		}
		err = s.conn.Object(portalService, s.session).Call(sessionIface+".Close", 0).Err
	})
	return err
}

type portalStream struct {
	NodeID uint32
	ID     string
	Rect   window.Geometry
}

func token(prefix string) string {
	return "pipmirror_" + prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func parseResponse(body []interface{}) (uint32, map[string]dbus.Variant, error) {
	if len(body) < 1 {
		return 0, nil, errors.New("invalid portal response")
	}
	code, ok := body[0].(uint32)
	if !ok {
		return 0, nil, fmt.Errorf("unexpected response code type %T", body[0])
	}
	results := map[string]dbus.Variant{}
	if len(body) >= 2 {
		if r, ok := body[1].(map[string]dbus.Variant); ok {
			results = r
		}
	}
	return code, results, nil
}

func sessionHandle(results map[string]dbus.Variant) (dbus.ObjectPath, error) {
	v, ok := results["session_handle"]
	if !ok {
		return "", errors.New("no session handle in response")
	}
	// Handle both string and ObjectPath types
	switch h := v.Value().(type) {
	case dbus.ObjectPath:
		return h, nil
	case string:
		return dbus.ObjectPath(h), nil
	default:
		return "", fmt.Errorf("unexpected session_handle type: %T", h)
	}
}

// parseStreams decodes the a(ua{sv}) streams result
func parseStreams(v interface{}) ([]portalStream, error) {
	var entries [][]interface{}
	switch s := v.(type) {
	case [][]interface{}:
		entries = s
	case []interface{}:
		for _, e := range s {
			if fields, ok := e.([]interface{}); ok {
				entries = append(entries, fields)
			}
		}
	default:
		return nil, fmt.Errorf("unknown streams format %T", v)
	}

	streams := make([]portalStream, 0, len(entries))
	for _, fields := range entries {
		if len(fields) < 1 {
			continue
		}
		node, ok := fields[0].(uint32)
		if !ok {
			continue
		}
		st := portalStream{NodeID: node}
		if len(fields) >= 2 {
			if props, ok := fields[1].(map[string]dbus.Variant); ok {
				if id, ok := props["id"].Value().(string); ok {
					st.ID = id
				}
				if x, y, ok := intPair(props["position"].Value()); ok {
					st.Rect.X, st.Rect.Y = x, y
				}
				if w, h, ok := intPair(props["size"].Value()); ok {
					st.Rect.Width, st.Rect.Height = w, h
				}
			}
		}
		streams = append(streams, st)
	}
	return streams, nil
}

// intPair reads an (ii) struct, which godbus surfaces as []interface{}
func intPair(v interface{}) (int, int, bool) {
	pair, ok := v.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, 0, false
	}
	a, ok1 := pair[0].(int32)
	b, ok2 := pair[1].(int32)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return int(a), int(b), true
}
