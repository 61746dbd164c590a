// Package picker presents the system content picker and turns the user's
// selection into a capture target.
package picker

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/bryanchriswhite/PiPMirror/internal/logger"
	"github.com/bryanchriswhite/PiPMirror/internal/target"
	"github.com/bryanchriswhite/PiPMirror/internal/window"
	"github.com/rs/zerolog"
)

// Selection is what a dialog returns when the user picks a window
type Selection struct {
	Filter target.Filter
	Rect   window.Geometry
}

// DialogConfig is passed to every dialog invocation
type DialogConfig struct {
	// SingleWindow restricts the picker to exactly one window
	SingleWindow bool
	// Exclude lists applications the dialog should hide when it can
	Exclude window.Self
}

// Dialog is the platform content picker. Show blocks until the user picks,
// cancels (nil, nil), or ctx is done. A dialog must be gone once Show returns.
type Dialog interface {
	Show(ctx context.Context, cfg DialogConfig) (*Selection, error)
}

// Catalog is the subset of window.Catalog the picker needs
type Catalog interface {
	Self() window.Self
	Refresh(ctx context.Context, excluded []string) ([]window.Descriptor, error)
	OwnWindows(ctx context.Context) ([]window.Descriptor, error)
}

// Options configure a Picker
type Options struct {
	// Timeout bounds a single presentation; 0 waits indefinitely
	Timeout time.Duration
	// Excluded returns the current exclusion set used for name resolution
	Excluded func() []string
}

type request struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Picker owns a single pending-request slot: presenting again cancels the
// earlier request, which resolves to nil, and waits for its dialog to close.
type Picker struct {
	dialog  Dialog
	catalog Catalog
	opts    Options
	log     *zerolog.Logger

	mu      sync.Mutex
	pending *request
}

// New creates a picker
func New(dialog Dialog, catalog Catalog, opts Options) *Picker {
	if opts.Excluded == nil {
		opts.Excluded = func() []string { return window.DefaultExcludedBundleIDs }
	}
	p := &Picker{
		dialog:  dialog,
		catalog: catalog,
		opts:    opts,
		log:     logger.WithComponent("picker"),
	}
	return p
}

// Pending reports whether a presentation is in progress
func (p *Picker) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != nil
}

// Present shows the picker and returns the chosen target. Cancellation,
// supersession and failures all resolve to nil.
func (p *Picker) Present(ctx context.Context) *target.Target {
	reqCtx, cancel := context.WithCancel(ctx)
	if p.opts.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		reqCtx, cancelTimeout = context.WithTimeout(reqCtx, p.opts.Timeout)
		defer cancelTimeout()
	}
	req := &request{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	prev := p.pending
	p.pending = req
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		if p.pending == req {
			p.pending = nil
		}
		p.mu.Unlock()
		close(req.done)
	}()

	if prev != nil {
		p.log.Debug().Msg("Superseding pending picker request")
		prev.cancel()
		select {
		case <-prev.done:
		case <-reqCtx.Done():
			p.log.Info().Err(reqCtx.Err()).Msg("Picker cancelled while waiting for previous dialog")
			return nil
		}
	}
	if err := reqCtx.Err(); err != nil {
		p.log.Info().Err(err).Msg("Picker cancelled before presenting")
		return nil
	}

	sel, err := p.dialog.Show(reqCtx, DialogConfig{
		SingleWindow: true,
		Exclude:      p.catalog.Self(),
	})
	switch {
	case reqCtx.Err() != nil:
		p.log.Info().Err(reqCtx.Err()).Msg("Picker request cancelled or superseded")
		p.discard(sel)
		return nil
	case err != nil:
		p.log.Warn().Err(err).Msg("Picker failed")
		return nil
	case sel == nil || sel.Filter == nil:
		p.log.Info().Msg("Picker dismissed without a selection")
		return nil
	}

	if p.isOwnWindow(reqCtx, sel.Rect) {
		p.log.Info().Str("rect", sel.Rect.String()).Msg("Ignoring selection of our own window")
		p.discard(sel)
		return nil
	}

	var tgt target.Target
	if src, ok := p.resolveWindow(reqCtx, sel.Rect); ok {
		tgt = target.FromSelection(sel.Filter, sel.Rect, src)
	} else {
		tgt = target.FromFilter(sel.Filter, sel.Rect, "")
	}
	p.log.Info().Str("target", tgt.Key()).Str("name", tgt.DisplayName).Msg("Picker selection resolved")
	return &tgt
}

// discard releases a selection that will not become a target
func (p *Picker) discard(sel *Selection) {
	if sel == nil || sel.Filter == nil {
		return
	}
	if c, ok := sel.Filter.(io.Closer); ok {
		if err := c.Close(); err != nil {
			p.log.Debug().Err(err).Msg("Failed to release discarded selection")
		}
	}
}

// isOwnWindow post-filters dialogs that cannot hide our own windows
func (p *Picker) isOwnWindow(ctx context.Context, rect window.Geometry) bool {
	if rect.Area() == 0 {
		return false
	}
	own, err := p.catalog.OwnWindows(ctx)
	if err != nil {
		p.log.Debug().Err(err).Msg("Could not list own windows")
		return false
	}
	for _, w := range own {
		if w.Frame == rect {
			return true
		}
	}
	return false
}

// resolveWindow finds the catalog window with exactly the selected
// rectangle. Without a match the target gets a placeholder name.
func (p *Picker) resolveWindow(ctx context.Context, rect window.Geometry) (window.Descriptor, bool) {
	if rect.Area() == 0 {
		return window.Descriptor{}, false
	}
	windows, err := p.catalog.Refresh(ctx, p.opts.Excluded())
	if err != nil {
		p.log.Debug().Err(err).Msg("Name resolution refresh failed")
		return window.Descriptor{}, false
	}
	for _, w := range windows {
		if w.Frame == rect {
			return w, true
		}
	}
	return window.Descriptor{}, false
}
