// Package viewer hosts the always-on-top windows that show mirrored frames.
package viewer

import (
	"image"

	"github.com/bryanchriswhite/PiPMirror/internal/window"
)

// AppID identifies PiPMirror's own windows to the window catalog
const AppID = "dev.pipmirror.PiPMirror"

// WaitingText is drawn while a surface has no frame
const WaitingText = "Waiting for stream..."

// Minimum size a user may shrink a surface to
const (
	MinWidth  = 200
	MinHeight = 150
)

// Surface is a floating window that displays frames
type Surface interface {
	Title() string

	// Raise brings the surface to the front
	Raise() error

	// SetFrame shows img scaled to fit; nil shows the waiting placeholder
	SetFrame(img image.Image) error

	// Closed is closed once the surface is gone, by Close or by the user
	Closed() <-chan struct{}

	Close() error
}

// Options describe a new surface
type Options struct {
	Title  string
	Bounds window.Geometry
}

// SurfaceFactory creates surfaces on one display
type SurfaceFactory interface {
	NewSurface(opts Options) (Surface, error)

	// WorkArea is the usable screen area, excluding panels and docks
	WorkArea() (window.Geometry, error)
}
