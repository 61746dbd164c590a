package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/PiPMirror/internal/logger"
	"github.com/bryanchriswhite/PiPMirror/internal/target"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Session
type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the names produced by MarshalText
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateIdle, StateStarting, StateStreaming, StateStopping} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// StateChange is delivered to subscribers on every transition
type StateChange struct {
	From State
	To   State
	Err  error
}

// Stats counts frames seen by the producer side of a session
type Stats struct {
	FramesPublished uint64 `json:"frames_published"`
	FramesDropped   uint64 `json:"frames_dropped"`
}

// Options tune a Session
type Options struct {
	FPS         int
	SettleDelay time.Duration
	Name        string
}

// Session drives one capture stream through Idle, Starting, Streaming and
// Stopping. Start and Stop are serialized; frames arrive on the stream's
// producer goroutine and are only published while their generation is active.
type Session struct {
	opener Opener
	opts   Options
	log    zerolog.Logger

	opMu sync.Mutex

	mu     sync.Mutex
	state  State
	target *target.Target
	stream Stream
	gen    uint64
	active uint64
	frame  *image.RGBA

	published atomic.Uint64
	dropped   atomic.Uint64

	subMu sync.Mutex
	subs  map[chan StateChange]struct{}
}

// NewSession creates an idle session that opens streams through opener
func NewSession(opener Opener, opts Options) *Session {
	if opts.FPS <= 0 {
		opts.FPS = DefaultFPS
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	log := logger.WithComponent("capture-session")
	if opts.Name != "" {
		l := log.With().Str("session", opts.Name).Logger()
		log = &l
	}
	return &Session{
		opener: opener,
		opts:   opts,
		log:    *log,
		subs:   make(map[chan StateChange]struct{}),
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Target returns the bound target, nil when idle
func (s *Session) Target() *target.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		return nil
	}
	t := *s.target
	return &t
}

// LatestFrame returns the most recently published frame or nil.
// Published frames are never written to again.
func (s *Session) LatestFrame() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Stats returns producer-side frame counters
func (s *Session) Stats() Stats {
	return Stats{
		FramesPublished: s.published.Load(),
		FramesDropped:   s.dropped.Load(),
	}
}

// Subscribe returns a channel receiving state changes. Slow listeners miss events.
func (s *Session) Subscribe() <-chan StateChange {
	ch := make(chan StateChange, 16)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

// Unsubscribe stops delivery to a channel returned by Subscribe and closes it
func (s *Session) Unsubscribe(ch <-chan StateChange) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for c := range s.subs {
		if c == ch {
			delete(s.subs, c)
			close(c)
			return
		}
	}
}

func (s *Session) notify(change StateChange) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

// Start binds the session to tgt and opens a stream for it. A streaming
// session is stopped first and given the settle delay before reopening.
func (s *Session) Start(ctx context.Context, tgt target.Target) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() != StateIdle {
		s.teardownLocked(ctx, true, nil)
		if s.opts.SettleDelay > 0 {
			timer := time.NewTimer(s.opts.SettleDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w: %w", ErrStreamOpenFailed, ctx.Err())
			}
		}
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.state = StateStarting
	t := tgt
	s.target = &t
	s.frame = nil
	s.mu.Unlock()
	s.notify(StateChange{From: StateIdle, To: StateStarting})

	width, height := tgt.Size()
	s.log.Info().
		Str("target", tgt.Key()).
		Str("name", tgt.DisplayName).
		Int("width", width).
		Int("height", height).
		Msg("Starting capture stream")

	stream, err := s.open(ctx, tgt, gen)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.target = nil
		s.stream = nil
		s.active = 0
		s.frame = nil
		s.mu.Unlock()

		err = fmt.Errorf("%w: %w", ErrStreamOpenFailed, err)
		s.log.Warn().Err(err).Str("target", tgt.Key()).Msg("Failed to open capture stream")
		s.notify(StateChange{From: StateStarting, To: StateIdle, Err: err})
		return err
	}

	s.mu.Lock()
	s.stream = stream
	s.state = StateStreaming
	s.mu.Unlock()
	s.notify(StateChange{From: StateStarting, To: StateStreaming})

	s.log.Info().Str("target", tgt.Key()).Msg("Capture stream running")
	return nil
}

func (s *Session) open(ctx context.Context, tgt target.Target, gen uint64) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !tgt.Valid() {
		return nil, fmt.Errorf("invalid target %s", tgt)
	}
	width, height := tgt.Size()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("target has no usable size (%dx%d)", width, height)
	}

	stream, err := s.opener.Open(ctx, tgt, StreamConfig{
		Width:         width,
		Height:        height,
		FPS:           s.opts.FPS,
		ShowsCursor:   false,
		CapturesAudio: false,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.active = gen
	s.mu.Unlock()

	if err := stream.Start(ctx, &sessionOutput{session: s, gen: gen}); err != nil {
		s.mu.Lock()
		s.active = 0
		s.mu.Unlock()
		stream.RemoveOutput()
		if stopErr := stream.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			s.log.Debug().Err(stopErr).Msg("Stop after failed start")
		}
		return nil, err
	}
	return stream, nil
}

// Stop tears the stream down. It is a no-op when idle and always ends in
// Idle, even when the platform stop fails.
func (s *Session) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.teardownLocked(ctx, true, nil)
	return nil
}

// teardownLocked requires opMu
func (s *Session) teardownLocked(ctx context.Context, requested bool, cause error) {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.active = 0
	stream := s.stream
	if requested {
		s.state = StateStopping
	}
	s.mu.Unlock()

	if requested {
		s.notify(StateChange{From: from, To: StateStopping})
		from = StateStopping
	}

	if stream != nil {
		if err := stream.Stop(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Platform stream stop failed")
		}
		stream.RemoveOutput()
	}

	s.mu.Lock()
	s.state = StateIdle
	s.stream = nil
	s.target = nil
	s.frame = nil
	s.mu.Unlock()

	s.notify(StateChange{From: from, To: StateIdle, Err: cause})
	s.log.Info().Bool("requested", requested).Msg("Capture stream stopped")
}

func (s *Session) publish(gen uint64, img *image.RGBA) {
	s.mu.Lock()
	if gen == 0 || s.active != gen {
		s.mu.Unlock()
		s.dropped.Add(1)
		return
	}
	s.frame = img
	s.mu.Unlock()
	s.published.Add(1)
}

// terminate handles an error reported by the stream of generation gen
func (s *Session) terminate(gen uint64, err error) {
	s.mu.Lock()
	if s.active == gen {
		s.active = 0
	}
	s.mu.Unlock()

	go func() {
		s.opMu.Lock()
		defer s.opMu.Unlock()

		s.mu.Lock()
		current := s.gen == gen && s.state == StateStreaming
		s.mu.Unlock()
		if !current {
			return
		}

		if !errors.Is(err, ErrStreamTerminated) {
			err = fmt.Errorf("%w: %w", ErrStreamTerminated, err)
		}
		s.log.Error().Err(err).Msg("Capture stream ended unexpectedly")
		s.teardownLocked(context.Background(), false, err)
	}()
}

// sessionOutput ties a stream's callbacks to the generation that opened it
type sessionOutput struct {
	session *Session
	gen     uint64
}

func (o *sessionOutput) HandleBuffer(buf Buffer) {
	img, err := Decode(buf)
	if err != nil {
		o.session.dropped.Add(1)
		o.session.log.Debug().Err(err).Msg("Dropping undecodable buffer")
		return
	}
	o.session.publish(o.gen, img)
}

func (o *sessionOutput) HandleError(err error) {
	o.session.terminate(o.gen, err)
}
