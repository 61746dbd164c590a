// Package target describes what a capture session mirrors: either a window
// from the catalog or an opaque selection returned by the interactive picker.
package target

import (
	"fmt"
	"strings"

	"github.com/bryanchriswhite/PiPMirror/internal/window"
	"github.com/google/uuid"
)

// Kind tags which variant of Target is populated
type Kind int

const (
	KindWindow Kind = iota + 1
	KindPicked
)

func (k Kind) String() string {
	switch k {
	case KindWindow:
		return "window"
	case KindPicked:
		return "picked"
	default:
		return "unknown"
	}
}

// Filter is the opaque handle the picker hands back for a selection.
// Identity must be stable for the lifetime of the selection.
type Filter interface {
	Identity() string
}

// Target is a tagged union: Window is set for KindWindow, Filter and
// ContentRect for KindPicked. SourceWindow is the catalog window a picked
// selection was matched to, 0 when none matched.
type Target struct {
	Kind         Kind
	Window       window.Descriptor
	Filter       Filter
	ContentRect  window.Geometry
	SourceWindow uint32
	DisplayName  string
}

// FromWindow creates a target bound to a catalog window
func FromWindow(d window.Descriptor) Target {
	return Target{
		Kind:        KindWindow,
		Window:      d,
		DisplayName: d.DisplayName(),
	}
}

// FromFilter creates a target bound to a picker selection. An empty name
// falls back to a generated placeholder.
func FromFilter(f Filter, rect window.Geometry, displayName string) Target {
	if displayName == "" {
		displayName = PlaceholderName()
	}
	return Target{
		Kind:        KindPicked,
		Filter:      f,
		ContentRect: rect,
		DisplayName: displayName,
	}
}

// FromSelection creates a picked target matched to catalog window src.
// The target then shares its identity with FromWindow(src).
func FromSelection(f Filter, rect window.Geometry, src window.Descriptor) Target {
	t := FromFilter(f, rect, src.DisplayName())
	t.SourceWindow = src.ID
	return t
}

// PlaceholderName returns "Window - <8 hex chars>" for unnamed selections
func PlaceholderName() string {
	id := strings.ToUpper(uuid.NewString())
	return "Window - " + id[:8]
}

// Key is the identity used to deduplicate mirrors of the same source.
// Picked targets matched to a catalog window use that window's key; the
// filter identity is the fallback.
func (t Target) Key() string {
	switch t.Kind {
	case KindWindow:
		return fmt.Sprintf("window:%d", t.Window.ID)
	case KindPicked:
		if t.SourceWindow != 0 {
			return fmt.Sprintf("window:%d", t.SourceWindow)
		}
		if t.Filter == nil {
			return "picked:"
		}
		return "picked:" + t.Filter.Identity()
	default:
		return ""
	}
}

// Size returns the pixel size the stream is opened at
func (t Target) Size() (width, height int) {
	switch t.Kind {
	case KindWindow:
		return t.Window.Frame.Width, t.Window.Frame.Height
	case KindPicked:
		return t.ContentRect.Width, t.ContentRect.Height
	default:
		return 0, 0
	}
}

// Valid reports whether the populated variant matches Kind
func (t Target) Valid() bool {
	switch t.Kind {
	case KindWindow:
		return t.Window.ID != 0
	case KindPicked:
		return t.Filter != nil
	default:
		return false
	}
}

func (t Target) String() string {
	w, h := t.Size()
	return fmt.Sprintf("%s %q (%s, %dx%d)", t.Kind, t.DisplayName, t.Key(), w, h)
}
