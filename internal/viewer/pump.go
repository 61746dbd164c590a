package viewer

import (
	"context"
	"image"
	"time"

	"github.com/bryanchriswhite/PiPMirror/internal/logger"
)

// FrameSource is polled for the most recent frame
type FrameSource interface {
	LatestFrame() *image.RGBA
}

// Pump copies frames from src into surface at fps until the surface closes
// or ctx is done. A frame is only pushed when it changes. Pump reports
// whether it stopped because the surface closed.
func Pump(ctx context.Context, surface Surface, src FrameSource, fps int) (surfaceClosed bool) {
	log := logger.WithComponent("viewer-pump")
	if fps <= 0 {
		fps = 30
	}

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	var (
		last   *image.RGBA
		primed bool
	)
	push := func() {
		frame := src.LatestFrame()
		if primed && frame == last {
			return
		}
		var img image.Image
		if frame != nil {
			img = frame
		}
		if err := surface.SetFrame(img); err != nil {
			log.Debug().Err(err).Str("surface", surface.Title()).Msg("Failed to push frame")
			return
		}
		last, primed = frame, true
	}

	push()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-surface.Closed():
			log.Debug().Str("surface", surface.Title()).Msg("Surface closed, pump exiting")
			return true
		case <-ticker.C:
			push()
		}
	}
}
