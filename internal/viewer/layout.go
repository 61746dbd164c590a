package viewer

import (
	"fmt"
	"strings"

	"github.com/bryanchriswhite/PiPMirror/internal/window"
)

// Corner is the screen corner new surfaces are placed in
type Corner string

const (
	BottomRight Corner = "bottom-right"
	BottomLeft  Corner = "bottom-left"
	TopRight    Corner = "top-right"
	TopLeft     Corner = "top-left"
)

// ParseCorner accepts the corner names used in configuration
func ParseCorner(s string) (Corner, error) {
	switch c := Corner(strings.ToLower(strings.TrimSpace(s))); c {
	case BottomRight, BottomLeft, TopRight, TopLeft:
		return c, nil
	case "":
		return BottomRight, nil
	default:
		return "", fmt.Errorf("unknown corner %q", s)
	}
}

// LayoutConfig controls initial surface geometry
type LayoutConfig struct {
	MaxWidth  int
	MaxHeight int
	Margin    int
	Corner    Corner
}

// DefaultLayout is half the source size, capped at 600x400, 20px from the
// bottom-right corner.
var DefaultLayout = LayoutConfig{
	MaxWidth:  600,
	MaxHeight: 400,
	Margin:    20,
	Corner:    BottomRight,
}

// Size returns half the source size, capped per axis and floored at 1px
func (c LayoutConfig) Size(srcWidth, srcHeight int) (int, int) {
	w := capDim(srcWidth/2, c.MaxWidth)
	h := capDim(srcHeight/2, c.MaxHeight)
	return w, h
}

func capDim(v, max int) int {
	if max > 0 && v > max {
		v = max
	}
	if v < 1 {
		v = 1
	}
	return v
}

// Place returns the initial bounds of a surface for a source of the given
// size inside area.
func (c LayoutConfig) Place(srcWidth, srcHeight int, area window.Geometry) window.Geometry {
	w, h := c.Size(srcWidth, srcHeight)
	m := c.Margin

	left := area.X + m
	right := area.X + area.Width - w - m
	top := area.Y + m
	bottom := area.Y + area.Height - h - m

	g := window.Geometry{Width: w, Height: h}
	switch c.Corner {
	case TopLeft:
		g.X, g.Y = left, top
	case TopRight:
		g.X, g.Y = right, top
	case BottomLeft:
		g.X, g.Y = left, bottom
	default:
		g.X, g.Y = right, bottom
	}

	// Keep the surface on screen when the area is smaller than the surface
	if g.X < area.X {
		g.X = area.X
	}
	if g.Y < area.Y {
		g.Y = area.Y
	}
	return g
}
