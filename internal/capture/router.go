package capture

import (
	"context"
	"fmt"

	"github.com/bryanchriswhite/PiPMirror/internal/logger"
	"github.com/bryanchriswhite/PiPMirror/internal/target"
)

// Router routes stream requests to the opener for the target's kind
type Router struct {
	windows Opener
	picked  Opener
}

// NewRouter creates a router. Either opener may be nil when unavailable.
func NewRouter(windows, picked Opener) *Router {
	return &Router{windows: windows, picked: picked}
}

// Open implements Opener
func (r *Router) Open(ctx context.Context, tgt target.Target, cfg StreamConfig) (Stream, error) {
	log := logger.WithComponent("capture-router")

	var opener Opener
	switch tgt.Kind {
	case target.KindWindow:
		opener = r.windows
	case target.KindPicked:
		opener = r.picked
	}
	if opener == nil {
		return nil, fmt.Errorf("no capture backend available for %s targets", tgt.Kind)
	}

	log.Debug().
		Str("kind", tgt.Kind.String()).
		Str("target", tgt.Key()).
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Msg("Routing capture stream")
	return opener.Open(ctx, tgt, cfg)
}
