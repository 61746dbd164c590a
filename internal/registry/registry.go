// Package registry keeps one mirror per capture target: a capture session,
// the viewer surface showing it, and the pump between the two.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/bryanchriswhite/PiPMirror/internal/capture"
	"github.com/bryanchriswhite/PiPMirror/internal/logger"
	"github.com/bryanchriswhite/PiPMirror/internal/target"
	"github.com/bryanchriswhite/PiPMirror/internal/viewer"
	"github.com/bryanchriswhite/PiPMirror/internal/window"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handle identifies a mirror
type Handle string

// fallbackArea is used when the display does not report a work area
var fallbackArea = window.Geometry{Width: 1920, Height: 1080}

const stopTimeout = 5 * time.Second

// Options configure a Registry
type Options struct {
	Layout      viewer.LayoutConfig
	FPS         int
	SettleDelay time.Duration
}

// Info is a snapshot of one live mirror
type Info struct {
	Handle  Handle          `json:"handle"`
	Key     string          `json:"key"`
	Name    string          `json:"name"`
	Title   string          `json:"title"`
	State   capture.State   `json:"state"`
	Stats   capture.Stats   `json:"stats"`
	Bounds  window.Geometry `json:"bounds"`
	Created time.Time       `json:"created"`
}

type entry struct {
	handle  Handle
	target  target.Target
	session *capture.Session
	surface viewer.Surface
	bounds  window.Geometry
	created time.Time
	seq     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	states  <-chan capture.StateChange
}

// Registry owns every live mirror. It is safe for concurrent use.
type Registry struct {
	opener  capture.Opener
	factory viewer.SurfaceFactory
	opts    Options
	log     *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	seq     uint64
	entries map[Handle]*entry
	byKey   map[string]Handle
	opening map[string]*opening

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// New creates an empty registry
func New(opener capture.Opener, factory viewer.SurfaceFactory, opts Options) *Registry {
	if opts.Layout == (viewer.LayoutConfig{}) {
		opts.Layout = viewer.DefaultLayout
	}
	if opts.FPS <= 0 {
		opts.FPS = capture.DefaultFPS
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opener:  opener,
		factory: factory,
		opts:    opts,
		log:     logger.WithComponent("registry"),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[Handle]*entry),
		byKey:   make(map[string]Handle),
		opening: make(map[string]*opening),
		subs:    make(map[chan Event]struct{}),
	}
}

// opening marks a key whose viewer is being created. Concurrent opens of
// the same key wait on done and then focus the result.
type opening struct {
	filter target.Filter
	done   chan struct{}
}

// OpenOrFocus raises the existing mirror for tgt or creates a new one.
// The capture session starts in the background; a failed start closes the mirror.
// The registry owns tgt.Filter from here on and releases it when no mirror keeps it.
func (r *Registry) OpenOrFocus(ctx context.Context, tgt target.Target) (Handle, error) {
	if !tgt.Valid() {
		r.release(tgt.Filter)
		return "", fmt.Errorf("invalid capture target %s", tgt)
	}
	key := tgt.Key()

	for {
		r.mu.Lock()
		if h, ok := r.byKey[key]; ok {
			e := r.entries[h]
			r.mu.Unlock()
			return r.focus(e, tgt), nil
		}
		if o, ok := r.opening[key]; ok {
			r.mu.Unlock()
			select {
			case <-o.done:
				continue
			case <-ctx.Done():
				if !sameFilter(tgt.Filter, o.filter) {
					r.release(tgt.Filter)
				}
				return "", ctx.Err()
			}
		}
		o := &opening{filter: tgt.Filter, done: make(chan struct{})}
		r.opening[key] = o
		r.mu.Unlock()

		e, err := r.create(tgt, o)
		if err != nil {
			r.release(tgt.Filter)
			return "", err
		}

		r.log.Info().
			Str("handle", string(e.handle)).
			Str("target", key).
			Str("title", e.surface.Title()).
			Str("bounds", e.bounds.String()).
			Msg("Opened mirror")
		r.emit(Event{Type: EventOpened, Handle: e.handle, Key: key, Name: tgt.DisplayName, State: capture.StateIdle})

		go r.run(e.ctx, e)
		return e.handle, nil
	}
}

func (r *Registry) focus(e *entry, tgt target.Target) Handle {
	if !sameFilter(tgt.Filter, e.target.Filter) {
		r.release(tgt.Filter)
	}
	if err := e.surface.Raise(); err != nil {
		r.log.Warn().Err(err).Str("handle", string(e.handle)).Msg("Failed to raise viewer")
	}
	r.log.Info().Str("handle", string(e.handle)).Str("target", tgt.Key()).Msg("Focused existing mirror")
	r.emit(Event{Type: EventFocused, Handle: e.handle, Key: tgt.Key(), Name: tgt.DisplayName, State: e.session.State()})
	return e.handle
}

// create builds the viewer without holding r.mu, then registers the entry
// and clears the opening marker for its key.
func (r *Registry) create(tgt target.Target, o *opening) (*entry, error) {
	key := tgt.Key()
	finish := func() {
		delete(r.opening, key)
		close(o.done)
	}

	area, err := r.factory.WorkArea()
	if err != nil || area.Area() == 0 {
		r.log.Warn().Err(err).Msg("No work area reported, using fallback")
		area = fallbackArea
	}
	width, height := tgt.Size()
	bounds := r.opts.Layout.Place(width, height, area)

	surface, err := r.factory.NewSurface(viewer.Options{
		Title:  "PiP: " + tgt.DisplayName,
		Bounds: bounds,
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	defer finish()
	if err != nil {
		return nil, fmt.Errorf("failed to create viewer: %w", err)
	}
	if r.ctx.Err() != nil {
		if cerr := surface.Close(); cerr != nil {
			r.log.Debug().Err(cerr).Msg("Failed to close viewer after shutdown")
		}
		return nil, errors.New("registry is shut down")
	}

	handle := Handle(uuid.NewString())
	session := capture.NewSession(r.opener, capture.Options{
		FPS:         r.opts.FPS,
		SettleDelay: r.opts.SettleDelay,
		Name:        string(handle),
	})

	ctx, cancel := context.WithCancel(r.ctx)
	r.seq++
	e := &entry{
		seq:     r.seq,
		handle:  handle,
		target:  tgt,
		session: session,
		surface: surface,
		bounds:  bounds,
		created: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		states:  session.Subscribe(),
	}
	r.entries[handle] = e
	r.byKey[key] = handle
	return e, nil
}

// run drives one mirror: forward state changes, start capture, pump frames
func (r *Registry) run(ctx context.Context, e *entry) {
	go func() {
		for change := range e.states {
			ev := Event{Type: EventState, Handle: e.handle, Key: e.target.Key(), Name: e.target.DisplayName, State: change.To}
			if change.Err != nil {
				ev.Error = change.Err.Error()
			}
			r.emit(ev)
		}
	}()

	if err := e.session.Start(ctx, e.target); err != nil {
		if !errors.Is(err, context.Canceled) {
			r.log.Error().Err(err).Str("handle", string(e.handle)).Msg("Capture failed to start, closing mirror")
			r.emit(Event{Type: EventFailed, Handle: e.handle, Key: e.target.Key(), Name: e.target.DisplayName, Error: err.Error()})
		}
		r.Close(e.handle)
		return
	}

	if viewer.Pump(ctx, e.surface, e.session, r.opts.FPS) {
		r.log.Info().Str("handle", string(e.handle)).Msg("Viewer closed, tearing mirror down")
		r.Close(e.handle)
	}
}

// Close stops the mirror's session and closes its surface. It reports
// whether a live mirror was closed; closing an unknown handle is a no-op.
func (r *Registry) Close(h Handle) bool {
	r.mu.Lock()
	e, ok := r.entries[h]
	if ok {
		delete(r.entries, h)
		if r.byKey[e.target.Key()] == h {
			delete(r.byKey, e.target.Key())
		}
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	e.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := e.session.Stop(ctx); err != nil {
		r.log.Warn().Err(err).Str("handle", string(h)).Msg("Session stop failed")
	}
	if err := e.surface.Close(); err != nil {
		r.log.Warn().Err(err).Str("handle", string(h)).Msg("Surface close failed")
	}
	r.release(e.target.Filter)
	e.session.Unsubscribe(e.states)

	r.log.Info().Str("handle", string(h)).Str("target", e.target.Key()).Msg("Closed mirror")
	r.emit(Event{Type: EventClosed, Handle: h, Key: e.target.Key(), Name: e.target.DisplayName, State: capture.StateIdle})
	return true
}

// CloseAll closes every live mirror
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.entries))
	for h := range r.entries {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	n := 0
	for _, h := range handles {
		if r.Close(h) {
			n++
		}
	}
	return n
}

// Shutdown stops background work and closes every mirror. Opens still
// creating their viewer fail once it exists.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	r.CloseAll()
}

// List returns snapshots of live mirrors, oldest first
func (r *Registry) List() []Info {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.info())
	}
	return infos
}

// Get returns the snapshot for one mirror
func (r *Registry) Get(h Handle) (Info, bool) {
	r.mu.Lock()
	e, ok := r.entries[h]
	r.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return e.info(), true
}

// Len returns the number of live mirrors
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// release closes a picker selection that holds platform resources
func (r *Registry) release(f target.Filter) {
	c, ok := f.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		r.log.Debug().Err(err).Msg("Failed to release picker selection")
	}
}

func sameFilter(a, b target.Filter) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	return va.Type() == vb.Type() && va.Comparable() && va.Equal(vb)
}

func (e *entry) info() Info {
	return Info{
		Handle:  e.handle,
		Key:     e.target.Key(),
		Name:    e.target.DisplayName,
		Title:   e.surface.Title(),
		State:   e.session.State(),
		Stats:   e.session.Stats(),
		Bounds:  e.bounds,
		Created: e.created,
	}
}
