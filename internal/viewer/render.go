package viewer

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	background = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	textColor  = color.RGBA{R: 200, G: 200, B: 200, A: 255}
)

// Compose renders frame aspect-fit and centred into a width x height canvas.
// A nil frame renders the waiting placeholder.
func Compose(frame image.Image, width, height int) *image.RGBA {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(out, out.Bounds(), &image.Uniform{background}, image.Point{}, draw.Src)

	if frame == nil || frame.Bounds().Empty() {
		drawCentredText(out, WaitingText)
		return out
	}

	xdraw.ApproxBiLinear.Scale(out, FitRect(frame.Bounds(), out.Bounds()), frame, frame.Bounds(), xdraw.Src, nil)
	return out
}

// FitRect returns the largest rectangle with src's aspect ratio centred in dst
func FitRect(src, dst image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	dw, dh := dst.Dx(), dst.Dy()
	if sw <= 0 || sh <= 0 || dw <= 0 || dh <= 0 {
		return image.Rectangle{}
	}

	w, h := dw, sh*dw/sw
	if h > dh {
		w, h = sw*dh/sh, dh
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	x := dst.Min.X + (dw-w)/2
	y := dst.Min.Y + (dh-h)/2
	return image.Rect(x, y, x+w, y+h)
}

func drawCentredText(img *image.RGBA, text string) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(textColor),
		Face: face,
	}

	width := d.MeasureString(text).Ceil()
	b := img.Bounds()
	x := b.Min.X + (b.Dx()-width)/2
	y := b.Min.Y + (b.Dy()+face.Ascent)/2
	if x < b.Min.X {
		x = b.Min.X
	}
	d.Dot = fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)}
	d.DrawString(text)
}
