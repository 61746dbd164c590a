package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/PiPMirror/internal/target"
	"github.com/bryanchriswhite/PiPMirror/internal/window"
)

type fakeStream struct {
	mu       sync.Mutex
	out      Output
	startErr error
	stopErr  error
	started  bool
	stopped  bool
	removed  bool
	stopAt   time.Time
}

func (f *fakeStream) Start(ctx context.Context, out Output) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.out = out
	f.started = true
	return nil
}

func (f *fakeStream) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.stopAt = time.Now()
	return f.stopErr
}

func (f *fakeStream) RemoveOutput() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
}

// output returns the registered output even after RemoveOutput, to simulate
// buffers already in flight on the producer goroutine
func (f *fakeStream) output() Output {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out
}

func (f *fakeStream) state() (stopped, removed bool, stopAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped, f.removed, f.stopAt
}

type fakeOpener struct {
	mu      sync.Mutex
	streams []*fakeStream
	configs []StreamConfig
	openAt  []time.Time
	openErr error
	next    *fakeStream
}

func (f *fakeOpener) Open(ctx context.Context, tgt target.Target, cfg StreamConfig) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := f.next
	if s == nil {
		s = &fakeStream{}
	}
	f.next = nil
	f.streams = append(f.streams, s)
	f.configs = append(f.configs, cfg)
	f.openAt = append(f.openAt, time.Now())
	return s, nil
}

func (f *fakeOpener) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

func windowTarget(id uint32, w, h int) target.Target {
	return target.FromWindow(window.Descriptor{
		ID:    id,
		Owner: &window.Application{BundleID: "com.example.app", Name: "App"},
		Title: "Window",
		Frame: window.Geometry{Width: w, Height: h},
	})
}

func rawFrame(w, h int) Buffer {
	return Buffer{Width: w, Height: h, Format: FormatBGRA, Pix: make([]byte, w*h*4)}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionStartFrameStop(t *testing.T) {
	opener := &fakeOpener{}
	s := NewSession(opener, Options{SettleDelay: time.Millisecond})
	ctx := context.Background()

	if err := s.Start(ctx, windowTarget(1, 800, 600)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateStreaming {
		t.Fatalf("State = %v, want streaming", s.State())
	}
	cfg := opener.configs[0]
	if cfg.Width != 800 || cfg.Height != 600 || cfg.ShowsCursor || cfg.CapturesAudio {
		t.Errorf("stream config = %+v", cfg)
	}

	opener.stream(0).output().HandleBuffer(rawFrame(800, 600))
	frame := s.LatestFrame()
	if frame == nil {
		t.Fatal("LatestFrame = nil after a buffer")
	}
	if b := frame.Bounds(); b.Dx() != 800 || b.Dy() != 600 {
		t.Errorf("frame size = %v", b)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.State() != StateIdle || s.LatestFrame() != nil || s.Target() != nil {
		t.Errorf("after Stop: state=%v frame=%v target=%v", s.State(), s.LatestFrame(), s.Target())
	}
	stopped, removed, _ := opener.stream(0).state()
	if !stopped || !removed {
		t.Errorf("stream stopped=%v removed=%v", stopped, removed)
	}
	if st := s.Stats(); st.FramesPublished != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestSessionStopOnIdleIsNoop(t *testing.T) {
	s := NewSession(&fakeOpener{}, Options{})
	events := s.Subscribe()

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.State() != StateIdle {
		t.Errorf("State = %v", s.State())
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected state change %+v", ev)
	default:
	}
}

func TestSessionRestartStopsFirstAndSettles(t *testing.T) {
	opener := &fakeOpener{}
	settle := 30 * time.Millisecond
	s := NewSession(opener, Options{SettleDelay: settle})
	ctx := context.Background()

	if err := s.Start(ctx, windowTarget(1, 800, 600)); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx, windowTarget(2, 640, 480)); err != nil {
		t.Fatal(err)
	}

	stopped, removed, stopAt := opener.stream(0).state()
	if !stopped || !removed {
		t.Fatal("first stream was not torn down before restart")
	}
	if gap := opener.openAt[1].Sub(stopAt); gap < settle {
		t.Errorf("reopened after %v, want at least %v", gap, settle)
	}
	if got := s.Target(); got == nil || got.Window.ID != 2 {
		t.Errorf("Target = %+v, want window 2", got)
	}

	// Frames still in flight from the first stream must not reach the slot
	opener.stream(0).output().HandleBuffer(rawFrame(800, 600))
	if s.LatestFrame() != nil {
		t.Error("frame from superseded stream was published")
	}
	opener.stream(1).output().HandleBuffer(rawFrame(640, 480))
	if f := s.LatestFrame(); f == nil || f.Bounds().Dx() != 640 {
		t.Errorf("LatestFrame = %v", f)
	}
}

func TestSessionLateFrameAfterStopIsDiscarded(t *testing.T) {
	opener := &fakeOpener{}
	s := NewSession(opener, Options{})
	ctx := context.Background()

	if err := s.Start(ctx, windowTarget(1, 800, 600)); err != nil {
		t.Fatal(err)
	}
	out := opener.stream(0).output()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	out.HandleBuffer(rawFrame(800, 600))
	if s.LatestFrame() != nil {
		t.Error("late frame published after Stop")
	}
	if st := s.Stats(); st.FramesDropped != 1 || st.FramesPublished != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestSessionOpenFailure(t *testing.T) {
	tests := []struct {
		name   string
		opener *fakeOpener
		target target.Target
	}{
		{"open error", &fakeOpener{openErr: errors.New("no such window")}, windowTarget(1, 800, 600)},
		{"start error", &fakeOpener{next: &fakeStream{startErr: errors.New("denied")}}, windowTarget(1, 800, 600)},
		{"zero size", &fakeOpener{}, windowTarget(1, 0, 600)},
		{"invalid target", &fakeOpener{}, target.Target{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession(tt.opener, Options{})
			err := s.Start(context.Background(), tt.target)
			if !errors.Is(err, ErrStreamOpenFailed) {
				t.Fatalf("Start error = %v, want ErrStreamOpenFailed", err)
			}
			if s.State() != StateIdle || s.Target() != nil {
				t.Errorf("state=%v target=%v after failed start", s.State(), s.Target())
			}
		})
	}
}

func TestSessionStopReachesIdleWhenPlatformStopFails(t *testing.T) {
	opener := &fakeOpener{next: &fakeStream{stopErr: errors.New("platform busy")}}
	s := NewSession(opener, Options{})
	ctx := context.Background()

	if err := s.Start(ctx, windowTarget(1, 800, 600)); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.State() != StateIdle || s.Target() != nil {
		t.Errorf("state=%v target=%v", s.State(), s.Target())
	}
}

func TestSessionTerminalErrorCleansUp(t *testing.T) {
	opener := &fakeOpener{}
	s := NewSession(opener, Options{})
	events := s.Subscribe()
	ctx := context.Background()

	if err := s.Start(ctx, windowTarget(1, 800, 600)); err != nil {
		t.Fatal(err)
	}
	out := opener.stream(0).output()
	out.HandleBuffer(rawFrame(800, 600))
	out.HandleError(errors.New("window closed"))

	waitFor(t, "idle after terminal error", func() bool { return s.State() == StateIdle })
	if s.LatestFrame() != nil || s.Target() != nil {
		t.Error("terminal error left frame or target behind")
	}
	stopped, removed, _ := opener.stream(0).state()
	if !stopped || !removed {
		t.Errorf("stream stopped=%v removed=%v", stopped, removed)
	}

	var last StateChange
	var sawStopping bool
	for done := false; !done; {
		select {
		case ev := <-events:
			last = ev
			if ev.To == StateStopping {
				sawStopping = true
			}
		default:
			done = true
		}
	}
	if sawStopping {
		t.Error("terminal error passed through Stopping")
	}
	if last.To != StateIdle || !errors.Is(last.Err, ErrStreamTerminated) {
		t.Errorf("last event = %+v, want Idle with ErrStreamTerminated", last)
	}
}

func TestSessionTerminalErrorFromOldStreamIgnored(t *testing.T) {
	opener := &fakeOpener{}
	s := NewSession(opener, Options{})
	ctx := context.Background()

	if err := s.Start(ctx, windowTarget(1, 800, 600)); err != nil {
		t.Fatal(err)
	}
	old := opener.stream(0).output()
	if err := s.Start(ctx, windowTarget(2, 800, 600)); err != nil {
		t.Fatal(err)
	}

	old.HandleError(errors.New("late failure"))
	time.Sleep(20 * time.Millisecond)
	if s.State() != StateStreaming {
		t.Errorf("State = %v, want streaming", s.State())
	}
}

func TestSessionStateSequence(t *testing.T) {
	opener := &fakeOpener{}
	s := NewSession(opener, Options{})
	events := s.Subscribe()
	defer s.Unsubscribe(events)
	ctx := context.Background()

	if err := s.Start(ctx, windowTarget(1, 800, 600)); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	want := []State{StateStarting, StateStreaming, StateStopping, StateIdle}
	for i, w := range want {
		select {
		case ev := <-events:
			if ev.To != w {
				t.Errorf("event %d = %v, want %v", i, ev.To, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d (%v)", i, w)
		}
	}
}
