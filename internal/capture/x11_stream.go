package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/PiPMirror/internal/logger"
	"github.com/bryanchriswhite/PiPMirror/internal/target"
)

// X11Opener opens polling capture streams for catalog windows
type X11Opener struct {
	Display string
}

// Open implements Opener
func (o X11Opener) Open(ctx context.Context, tgt target.Target, cfg StreamConfig) (Stream, error) {
	if tgt.Kind != target.KindWindow {
		return nil, fmt.Errorf("x11 capture only supports window targets, got %s", tgt.Kind)
	}

	var (
		conn *xgb.Conn
		err  error
	)
	if o.Display != "" {
		conn, err = xgb.NewConnDisplay(o.Display)
	} else {
		conn, err = xgb.NewConn()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	screen := xproto.Setup(conn).DefaultScreen(conn)
	if depth := screen.RootDepth; depth != 24 && depth != 32 {
		conn.Close()
		return nil, fmt.Errorf("unsupported root depth %d", depth)
	}

	return &X11Stream{
		conn:   conn,
		window: xproto.Window(tgt.Window.ID),
		cfg:    cfg,
	}, nil
}

// X11Stream polls a window's contents at a fixed rate. The Composite
// extension is used when present so obscured windows still capture.
// Frames are grabbed at the window's live size and scaled to fit the
// configured Width x Height.
type X11Stream struct {
	conn   *xgb.Conn
	window xproto.Window
	cfg    StreamConfig

	composite bool

	mu      sync.Mutex
	out     Output
	stop    chan struct{}
	done    chan struct{}
	stopped bool
}

// Start implements Stream
func (s *X11Stream) Start(ctx context.Context, out Output) error {
	log := logger.WithComponent("x11-stream")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return errors.New("stream already started")
	}

	if _, err := xproto.GetWindowAttributes(s.conn, s.window).Reply(); err != nil {
		return fmt.Errorf("window %d not available: %w", s.window, err)
	}

	if err := composite.Init(s.conn); err != nil {
		log.Warn().Err(err).Msg("Composite extension not available, obscured windows may capture blank")
	} else if err := composite.RedirectWindowChecked(s.conn, s.window, composite.RedirectAutomatic).Check(); err != nil {
		log.Warn().Err(err).Uint32("window_id", uint32(s.window)).Msg("Failed to redirect window via Composite")
	} else {
		s.composite = true
	}

	s.out = out
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	fps := s.cfg.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	go s.run(time.Second/time.Duration(fps), s.stop, s.done)

	log.Info().
		Uint32("window_id", uint32(s.window)).
		Int("fps", fps).
		Bool("composite", s.composite).
		Msg("X11 capture started")
	return nil
}

func (s *X11Stream) run(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	log := logger.WithComponent("x11-stream")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		buf, err := s.grab()
		select {
		case <-stop:
			return
		default:
		}

		out := s.output()
		if out == nil {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrStreamTerminated) {
				out.HandleError(err)
				return
			}
			log.Debug().Err(err).Msg("Frame grab failed")
			continue
		}
		out.HandleBuffer(buf)
	}
}

func (s *X11Stream) output() Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out
}

// grab reads the current window contents as a BGRx buffer
func (s *X11Stream) grab() (Buffer, error) {
	attrs, err := xproto.GetWindowAttributes(s.conn, s.window).Reply()
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: window %d is gone: %v", ErrStreamTerminated, s.window, err)
	}
	if attrs.MapState != xproto.MapStateViewable {
		return Buffer{}, fmt.Errorf("window %d is not viewable", s.window)
	}

	geom, err := xproto.GetGeometry(s.conn, xproto.Drawable(s.window)).Reply()
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: window %d geometry: %v", ErrStreamTerminated, s.window, err)
	}

	drawable := xproto.Drawable(s.window)
	if s.composite {
		// The named pixmap is invalidated on resize, so name a fresh one per frame
		if pixmap, err := xproto.NewPixmapId(s.conn); err == nil {
			if err := composite.NameWindowPixmapChecked(s.conn, s.window, pixmap).Check(); err == nil {
				drawable = xproto.Drawable(pixmap)
				defer xproto.FreePixmap(s.conn, pixmap)
			}
		}
	}

	reply, err := xproto.GetImage(
		s.conn,
		xproto.ImageFormatZPixmap,
		drawable,
		0, 0,
		geom.Width, geom.Height,
		0xffffffff,
	).Reply()
	if err != nil {
		return Buffer{}, fmt.Errorf("failed to get image: %w", err)
	}

	return Fit(Buffer{
		Width:  int(geom.Width),
		Height: int(geom.Height),
		Stride: int(geom.Width) * 4,
		Format: FormatBGRX,
		Pix:    reply.Data,
	}, s.cfg.Width, s.cfg.Height)
}

// Stop implements Stream
func (s *X11Stream) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	stop, done := s.stop, s.done
	s.mu.Unlock()

	var err error
	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	if s.composite {
		composite.UnredirectWindow(s.conn, s.window, composite.RedirectAutomatic)
	}
	s.conn.Close()

	logger.WithComponent("x11-stream").Info().Uint32("window_id", uint32(s.window)).Msg("X11 capture stopped")
	return err
}

// RemoveOutput implements Stream
func (s *X11Stream) RemoveOutput() {
	s.mu.Lock()
	s.out = nil
	s.mu.Unlock()
}
