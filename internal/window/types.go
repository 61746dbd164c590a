package window

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied means the host has not granted screen-capture access.
	// Callers should offer a permission request and retry afterwards.
	ErrPermissionDenied = errors.New("screen capture permission denied")

	// ErrEnumeration wraps transient platform failures while listing windows.
	ErrEnumeration = errors.New("window enumeration failed")
)

// Application identifies the process owning a window
type Application struct {
	BundleID string `json:"bundle_id"`
	Name     string `json:"name"`
	PID      int    `json:"pid"`
}

// Geometry is an on-screen rectangle in root-window coordinates
type Geometry struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns width*height, or 0 for degenerate geometry
func (g Geometry) Area() int {
	if g.Width <= 0 || g.Height <= 0 {
		return 0
	}
	return g.Width * g.Height
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", g.Width, g.Height, g.X, g.Y)
}

// Descriptor is an immutable snapshot of one capturable window.
// It is re-fetched on every catalog refresh and never mutated in place.
type Descriptor struct {
	ID    uint32       `json:"id"`
	Owner *Application `json:"owner,omitempty"` // nil when no owning application is known
	Title string       `json:"title,omitempty"`
	Frame Geometry     `json:"frame"`
}

// BundleID returns the owner's bundle identifier, or "" without an owner
func (d Descriptor) BundleID() string {
	if d.Owner == nil {
		return ""
	}
	return d.Owner.BundleID
}

// AppName returns the owner's display name, or "" without an owner
func (d Descriptor) AppName() string {
	if d.Owner == nil {
		return ""
	}
	return d.Owner.Name
}

// DisplayName is the human-readable name used for viewer titles
func (d Descriptor) DisplayName() string {
	app := d.AppName()
	switch {
	case app != "" && d.Title != "":
		return app + " - " + d.Title
	case d.Title != "":
		return d.Title
	default:
		return "Unknown Window"
	}
}
