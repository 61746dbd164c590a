package capture

import (
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"
)

// PixelFormat is the byte layout of a raw buffer
type PixelFormat int

const (
	// FormatBGRA is 4 bytes per pixel, blue first, with alpha
	FormatBGRA PixelFormat = iota
	// FormatBGRX is BGRA with an ignored fourth byte (X11 ZPixmap, GStreamer BGRx)
	FormatBGRX
	// FormatRGBA is already in image.RGBA order
	FormatRGBA
)

func (f PixelFormat) String() string {
	switch f {
	case FormatBGRA:
		return "BGRA"
	case FormatBGRX:
		return "BGRx"
	case FormatRGBA:
		return "RGBA"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// Buffer is one raw frame as produced by a platform stream. Pix may be reused
// by the producer after HandleBuffer returns.
type Buffer struct {
	Width  int
	Height int
	Stride int
	Format PixelFormat
	Pix    []byte
}

// Decode converts a raw buffer into a freshly allocated RGBA image
func Decode(buf Buffer) (*image.RGBA, error) {
	if buf.Width <= 0 || buf.Height <= 0 {
		return nil, fmt.Errorf("invalid buffer size %dx%d", buf.Width, buf.Height)
	}
	stride := buf.Stride
	if stride == 0 {
		stride = buf.Width * 4
	}
	if stride < buf.Width*4 {
		return nil, fmt.Errorf("stride %d too small for width %d", stride, buf.Width)
	}
	if need := stride*(buf.Height-1) + buf.Width*4; len(buf.Pix) < need {
		return nil, fmt.Errorf("buffer too short: have %d bytes, need %d", len(buf.Pix), need)
	}

	img := image.NewRGBA(image.Rect(0, 0, buf.Width, buf.Height))
	rowBytes := buf.Width * 4

	for y := 0; y < buf.Height; y++ {
		src := buf.Pix[y*stride : y*stride+rowBytes]
		dst := img.Pix[y*img.Stride : y*img.Stride+rowBytes]

		switch buf.Format {
		case FormatRGBA:
			copy(dst, src)
		case FormatBGRA:
			for i := 0; i < rowBytes; i += 4 {
				dst[i+0] = src[i+2]
				dst[i+1] = src[i+1]
				dst[i+2] = src[i+0]
				dst[i+3] = src[i+3]
			}
		case FormatBGRX:
			for i := 0; i < rowBytes; i += 4 {
				dst[i+0] = src[i+2]
				dst[i+1] = src[i+1]
				dst[i+2] = src[i+0]
				dst[i+3] = 0xff
			}
		default:
			return nil, fmt.Errorf("unsupported pixel format %s", buf.Format)
		}
	}
	return img, nil
}

// Fit scales buf to the largest size within maxW x maxH that keeps its
// aspect ratio. A buffer that already has that size, or a non-positive
// bound, is returned unchanged; a scaled buffer is RGBA.
func Fit(buf Buffer, maxW, maxH int) (Buffer, error) {
	if maxW <= 0 || maxH <= 0 || buf.Width <= 0 || buf.Height <= 0 {
		return buf, nil
	}
	w, h := maxW, buf.Height*maxW/buf.Width
	if h > maxH {
		w, h = buf.Width*maxH/buf.Height, maxH
	}
	w, h = max(w, 1), max(h, 1)
	if w == buf.Width && h == buf.Height {
		return buf, nil
	}

	src, err := Decode(buf)
	if err != nil {
		return Buffer{}, err
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return Buffer{Width: w, Height: h, Stride: dst.Stride, Format: FormatRGBA, Pix: dst.Pix}, nil
}
