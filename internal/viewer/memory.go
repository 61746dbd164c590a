package viewer

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/PiPMirror/internal/window"
)

// ErrSurfaceClosed is returned when drawing to a closed surface
var ErrSurfaceClosed = errors.New("surface closed")

// MemorySurface keeps the last frame in memory instead of on screen.
// It backs headless mode and tests.
type MemorySurface struct {
	title  string
	bounds window.Geometry

	mu      sync.Mutex
	frame   image.Image
	frames  int
	raised  int
	closed  chan struct{}
	once    sync.Once
	isClose atomic.Bool
}

// NewMemorySurface creates an open in-memory surface
func NewMemorySurface(opts Options) *MemorySurface {
	return &MemorySurface{
		title:  opts.Title,
		bounds: opts.Bounds,
		closed: make(chan struct{}),
	}
}

func (s *MemorySurface) Title() string { return s.title }

// Bounds returns the geometry the surface was created with
func (s *MemorySurface) Bounds() window.Geometry { return s.bounds }

func (s *MemorySurface) Raise() error {
	if s.isClose.Load() {
		return ErrSurfaceClosed
	}
	s.mu.Lock()
	s.raised++
	s.mu.Unlock()
	return nil
}

func (s *MemorySurface) SetFrame(img image.Image) error {
	if s.isClose.Load() {
		return ErrSurfaceClosed
	}
	s.mu.Lock()
	s.frame = img
	s.frames++
	s.mu.Unlock()
	return nil
}

// Frame returns the last frame set, nil while showing the placeholder
func (s *MemorySurface) Frame() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Counts returns how many frames were set and how often the surface was raised
func (s *MemorySurface) Counts() (frames, raised int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.raised
}

func (s *MemorySurface) Closed() <-chan struct{} { return s.closed }

// Close closes the surface; repeated calls are no-ops. It also stands in for
// the user closing the window.
func (s *MemorySurface) Close() error {
	s.once.Do(func() {
		s.isClose.Store(true)
		close(s.closed)
	})
	return nil
}

// MemoryFactory creates MemorySurfaces and remembers them
type MemoryFactory struct {
	Area window.Geometry

	mu       sync.Mutex
	surfaces []*MemorySurface
	err      error
}

// NewMemoryFactory creates a factory with a fixed work area
func NewMemoryFactory(area window.Geometry) *MemoryFactory {
	return &MemoryFactory{Area: area}
}

// FailWith makes subsequent NewSurface calls fail with err (nil resets)
func (f *MemoryFactory) FailWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *MemoryFactory) NewSurface(opts Options) (Surface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := NewMemorySurface(opts)
	f.surfaces = append(f.surfaces, s)
	return s, nil
}

func (f *MemoryFactory) WorkArea() (window.Geometry, error) {
	return f.Area, nil
}

// Surfaces returns every surface created so far
func (f *MemoryFactory) Surfaces() []*MemorySurface {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MemorySurface(nil), f.surfaces...)
}
