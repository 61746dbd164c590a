package viewer

import (
	"encoding/binary"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/PiPMirror/internal/logger"
	"github.com/bryanchriswhite/PiPMirror/internal/window"
)

// X11Factory creates X11 surfaces on one display
type X11Factory struct {
	Display string
}

func connect(display string) (*xgb.Conn, error) {
	if display != "" {
		return xgb.NewConnDisplay(display)
	}
	return xgb.NewConn()
}

// NewSurface implements SurfaceFactory
func (f X11Factory) NewSurface(opts Options) (Surface, error) {
	return NewX11Surface(f.Display, opts)
}

// WorkArea reads _NET_WORKAREA for the first desktop, falling back to the
// full screen when the window manager does not publish it.
func (f X11Factory) WorkArea() (window.Geometry, error) {
	conn, err := connect(f.Display)
	if err != nil {
		return window.Geometry{}, fmt.Errorf("failed to connect to X server: %w", err)
	}
	defer conn.Close()

	screen := xproto.Setup(conn).DefaultScreen(conn)
	full := window.Geometry{Width: int(screen.WidthInPixels), Height: int(screen.HeightInPixels)}

	atom, err := internAtom(conn, "_NET_WORKAREA")
	if err != nil {
		return full, nil
	}
	reply, err := xproto.GetProperty(conn, false, screen.Root, atom, xproto.AtomCardinal, 0, 4).Reply()
	if err != nil || len(reply.Value) < 16 {
		return full, nil
	}
	v := reply.Value
	area := window.Geometry{
		X:      int(int32(binary.LittleEndian.Uint32(v[0:4]))),
		Y:      int(int32(binary.LittleEndian.Uint32(v[4:8]))),
		Width:  int(binary.LittleEndian.Uint32(v[8:12])),
		Height: int(binary.LittleEndian.Uint32(v[12:16])),
	}
	if area.Width <= 0 || area.Height <= 0 {
		return full, nil
	}
	return area, nil
}

// X11Surface is a top-level X11 window kept above other windows.
// Each surface owns its connection so surfaces are independent.
type X11Surface struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	win    xproto.Window
	gc     xproto.Gcontext
	title  string

	wmProtocols    xproto.Atom
	wmDeleteWindow xproto.Atom
	netActive      xproto.Atom

	mu     sync.Mutex
	width  int
	height int
	frame  image.Image

	closed      chan struct{}
	closeOnce   sync.Once
	releaseOnce sync.Once
}

// NewX11Surface creates and maps a surface window
func NewX11Surface(display string, opts Options) (*X11Surface, error) {
	log := logger.WithComponent("x11-surface")

	conn, err := connect(display)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	screen := xproto.Setup(conn).DefaultScreen(conn)
	if screen.RootDepth != 24 && screen.RootDepth != 32 {
		conn.Close()
		return nil, fmt.Errorf("unsupported root depth %d", screen.RootDepth)
	}

	width := max(opts.Bounds.Width, MinWidth)
	height := max(opts.Bounds.Height, MinHeight)

	s := &X11Surface{
		conn:   conn,
		screen: screen,
		title:  opts.Title,
		width:  width,
		height: height,
		closed: make(chan struct{}),
	}

	if err := s.create(opts.Bounds.X, opts.Bounds.Y); err != nil {
		conn.Close()
		return nil, err
	}

	go s.eventLoop()

	if err := s.SetFrame(nil); err != nil {
		log.Warn().Err(err).Msg("Failed to draw placeholder")
	}

	log.Info().
		Str("title", s.title).
		Int("width", width).
		Int("height", height).
		Uint32("window_id", uint32(s.win)).
		Msg("Viewer surface created")
	return s, nil
}

func (s *X11Surface) create(x, y int) error {
	win, err := xproto.NewWindowId(s.conn)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}
	s.win = win

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}
	err = xproto.CreateWindowChecked(
		s.conn,
		s.screen.RootDepth,
		s.win,
		s.screen.Root,
		int16(x), int16(y),
		uint16(s.width), uint16(s.height),
		0,
		xproto.WindowClassInputOutput,
		s.screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}

	log := logger.WithComponent("x11-surface")
	if err := s.setProperties(x, y); err != nil {
		log.Warn().Err(err).Msg("Failed to set window properties")
	}

	gc, err := xproto.NewGcontextId(s.conn)
	if err != nil {
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	if err := xproto.CreateGCChecked(s.conn, gc, xproto.Drawable(s.win), 0, nil).Check(); err != nil {
		return fmt.Errorf("failed to create GC: %w", err)
	}
	s.gc = gc

	if err := xproto.MapWindowChecked(s.conn, s.win).Check(); err != nil {
		return fmt.Errorf("failed to map window: %w", err)
	}
	// Some window managers ignore the creation position for new windows
	xproto.ConfigureWindow(s.conn, s.win, xproto.ConfigWindowX|xproto.ConfigWindowY, []uint32{uint32(int32(x)), uint32(int32(y))})
	s.conn.Sync()
	return nil
}

func (s *X11Surface) setProperties(x, y int) error {
	atoms := map[string]xproto.Atom{}
	for _, name := range []string{
		"UTF8_STRING", "_NET_WM_NAME", "WM_PROTOCOLS", "WM_DELETE_WINDOW",
		"_NET_WM_STATE", "_NET_WM_STATE_ABOVE", "_NET_WM_PID",
		"_GTK_APPLICATION_ID", "_NET_ACTIVE_WINDOW",
	} {
		atom, err := internAtom(s.conn, name)
		if err != nil {
			return err
		}
		atoms[name] = atom
	}
	s.wmProtocols = atoms["WM_PROTOCOLS"]
	s.wmDeleteWindow = atoms["WM_DELETE_WINDOW"]
	s.netActive = atoms["_NET_ACTIVE_WINDOW"]

	replace := func(prop, typ xproto.Atom, format byte, data []byte) {
		n := uint32(len(data)) / uint32(format/8)
		xproto.ChangeProperty(s.conn, xproto.PropModeReplace, s.win, prop, typ, format, n, data)
	}

	replace(xproto.AtomWmName, xproto.AtomString, 8, []byte(s.title))
	replace(atoms["_NET_WM_NAME"], atoms["UTF8_STRING"], 8, []byte(s.title))
	replace(xproto.AtomWmClass, xproto.AtomString, 8, []byte("pipmirror\x00PiPMirror\x00"))
	replace(atoms["_GTK_APPLICATION_ID"], atoms["UTF8_STRING"], 8, []byte(AppID))
	replace(atoms["_NET_WM_PID"], xproto.AtomCardinal, 32, uint32s(uint32(os.Getpid())))
	replace(s.wmProtocols, xproto.AtomAtom, 32, uint32s(uint32(s.wmDeleteWindow)))
	replace(atoms["_NET_WM_STATE"], xproto.AtomAtom, 32, uint32s(uint32(atoms["_NET_WM_STATE_ABOVE"])))

	// WM_NORMAL_HINTS: program position and minimum size
	const (
		hintPPosition = 1 << 2
		hintPMinSize  = 1 << 4
	)
	hints := make([]uint32, 18)
	hints[0] = hintPPosition | hintPMinSize
	hints[1], hints[2] = uint32(int32(x)), uint32(int32(y))
	hints[5], hints[6] = MinWidth, MinHeight
	replace(xproto.AtomWmNormalHints, xproto.AtomWmSizeHints, 32, uint32s(hints...))
	return nil
}

func (s *X11Surface) eventLoop() {
	log := logger.WithComponent("x11-surface")
	for {
		ev, err := s.conn.WaitForEvent()
		if ev == nil && err == nil {
			// Connection closed
			s.markClosed()
			return
		}
		if err != nil {
			log.Debug().Err(err).Msg("X11 error")
			continue
		}

		switch e := ev.(type) {
		case xproto.ExposeEvent:
			if e.Count == 0 {
				s.redraw()
			}
		case xproto.ConfigureNotifyEvent:
			s.mu.Lock()
			resized := int(e.Width) != s.width || int(e.Height) != s.height
			s.width, s.height = int(e.Width), int(e.Height)
			s.mu.Unlock()
			if resized {
				s.redraw()
			}
		case xproto.DestroyNotifyEvent:
			s.markClosed()
			return
		case xproto.ClientMessageEvent:
			if e.Type == s.wmProtocols && e.Data.Data32[0] == uint32(s.wmDeleteWindow) {
				log.Info().Str("title", s.title).Msg("Viewer closed by user")
				s.Close()
				return
			}
		}
	}
}

func (s *X11Surface) Title() string { return s.title }

func (s *X11Surface) Closed() <-chan struct{} { return s.closed }

// Raise maps the window and asks the window manager to activate it
func (s *X11Surface) Raise() error {
	if s.isClosed() {
		return ErrSurfaceClosed
	}
	xproto.MapWindow(s.conn, s.win)
	xproto.ConfigureWindow(s.conn, s.win, xproto.ConfigWindowStackMode, []uint32{xproto.StackModeAbove})

	ev := xproto.ClientMessageEvent{
		Format: 32,
		Window: s.win,
		Type:   s.netActive,
		Data:   xproto.ClientMessageDataUnionData32New([]uint32{1, xproto.TimeCurrentTime, 0, 0, 0}),
	}
	mask := uint32(xproto.EventMaskSubstructureRedirect | xproto.EventMaskSubstructureNotify)
	return xproto.SendEventChecked(s.conn, false, s.screen.Root, mask, string(ev.Bytes())).Check()
}

// SetFrame stores img and draws it
func (s *X11Surface) SetFrame(img image.Image) error {
	if s.isClosed() {
		return ErrSurfaceClosed
	}
	s.mu.Lock()
	s.frame = img
	s.mu.Unlock()
	return s.redraw()
}

func (s *X11Surface) redraw() error {
	s.mu.Lock()
	frame, width, height := s.frame, s.width, s.height
	s.mu.Unlock()

	if s.isClosed() {
		return ErrSurfaceClosed
	}
	return s.putImage(Compose(frame, width, height))
}

// putImage uploads img in horizontal strips that fit in one X request
func (s *X11Surface) putImage(img *image.RGBA) error {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	stride := width * 4

	// MaximumRequestLength is in 4-byte units; leave room for the request header
	maxData := int(xproto.Setup(s.conn).MaximumRequestLength)*4 - 32
	rows := maxData / stride
	if rows < 1 {
		return fmt.Errorf("surface too wide for a single request (%d px)", width)
	}

	data := make([]byte, stride*min(rows, height))
	for y := 0; y < height; y += rows {
		n := min(rows, height-y)
		chunk := data[:n*stride]
		for row := 0; row < n; row++ {
			src := img.Pix[(y+row)*img.Stride : (y+row)*img.Stride+stride]
			dst := chunk[row*stride : (row+1)*stride]
			for i := 0; i < stride; i += 4 {
				dst[i] = src[i+2]
				dst[i+1] = src[i+1]
				dst[i+2] = src[i]
				dst[i+3] = src[i+3]
			}
		}
		err := xproto.PutImageChecked(
			s.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(s.win),
			s.gc,
			uint16(width), uint16(n),
			0, int16(y),
			0,
			s.screen.RootDepth,
			chunk,
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}
	return nil
}

func (s *X11Surface) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *X11Surface) markClosed() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// Close destroys the window and drops the connection; repeated calls are no-ops
func (s *X11Surface) Close() error {
	s.markClosed()

	var err error
	s.releaseOnce.Do(func() {
		if s.gc != 0 {
			xproto.FreeGC(s.conn, s.gc)
		}
		if derr := xproto.DestroyWindowChecked(s.conn, s.win).Check(); derr != nil {
			err = fmt.Errorf("failed to destroy window: %w", derr)
		}
		s.conn.Close()
		logger.WithComponent("x11-surface").Info().Str("title", s.title).Msg("Viewer surface closed")
	})
	return err
}

func internAtom(conn *xgb.Conn, name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, fmt.Errorf("intern %s: %w", name, err)
	}
	return reply.Atom, nil
}

func uint32s(values ...uint32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}
