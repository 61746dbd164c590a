package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/bryanchriswhite/PiPMirror/internal/capture"
	"github.com/bryanchriswhite/PiPMirror/internal/config"
	"github.com/bryanchriswhite/PiPMirror/internal/logger"
	"github.com/bryanchriswhite/PiPMirror/internal/picker"
	"github.com/bryanchriswhite/PiPMirror/internal/registry"
	"github.com/bryanchriswhite/PiPMirror/internal/viewer"
	"github.com/bryanchriswhite/PiPMirror/internal/window"
	"github.com/spf13/viper"
)

// app wires the platform pieces shared by every command
type app struct {
	cfg     *config.Manager
	display string
	backend window.Backend
	catalog *window.Catalog
	dialog  *picker.PortalDialog
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	display := viper.GetString("display")
	backend, err := selectBackend(viper.GetString("backend"), display, os.Getenv)
	if err != nil {
		return nil, err
	}
	self := window.Self{BundleID: viewer.AppID, PID: os.Getpid()}
	catalog := window.NewCatalog(backend, self,
		window.WithMinUntitledArea(cfg.Get().Filter.MinUntitledArea))

	return &app{cfg: cfg, display: display, backend: backend, catalog: catalog}, nil
}

// newPicker connects to the desktop portal. It returns nil when no portal is reachable.
func (a *app) newPicker() *picker.Picker {
	if a.dialog == nil {
		dialog, err := picker.NewPortalDialog()
		if err != nil {
			logger.WithComponent("cli").Warn().Err(err).Msg("Content picker unavailable")
			return nil
		}
		a.dialog = dialog
	}
	return picker.New(a.dialog, a.catalog, picker.Options{
		Timeout:  a.cfg.Get().Picker.Timeout,
		Excluded: a.cfg.ExcludedBundleIDs,
	})
}

// newRegistry builds a mirror registry drawing surfaces with factory
func (a *app) newRegistry(factory viewer.SurfaceFactory) *registry.Registry {
	cfg := a.cfg.Get()
	opener := capture.NewRouter(
		capture.X11Opener{Display: a.display},
		capture.PipeWireOpener{},
	)
	return registry.New(opener, factory, registry.Options{
		Layout:      cfg.Layout(),
		FPS:         cfg.Capture.FPS,
		SettleDelay: cfg.Capture.SettleDelay,
	})
}

func (a *app) close() {
	if a.dialog != nil {
		a.dialog.Close()
	}
	if err := a.backend.Close(); err != nil {
		logger.WithComponent("cli").Debug().Err(err).Msg("Backend close failed")
	}
}

// selectBackend resolves the --backend flag. "auto" picks KWin on KDE
// Wayland sessions and X11 everywhere else.
func selectBackend(name, display string, getenv func(string) string) (window.Backend, error) {
	switch strings.ToLower(name) {
	case "", "auto":
		wayland := strings.EqualFold(getenv("XDG_SESSION_TYPE"), "wayland")
		kde := strings.Contains(strings.ToUpper(getenv("XDG_CURRENT_DESKTOP")), "KDE")
		if wayland && kde {
			return window.NewKWinBackend(), nil
		}
		return window.NewX11Backend(display), nil
	case "x11":
		return window.NewX11Backend(display), nil
	case "kwin":
		return window.NewKWinBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use auto, x11 or kwin)", name)
	}
}

func findWindow(windows []window.Descriptor, id uint32) (window.Descriptor, error) {
	for _, d := range windows {
		if d.ID == id {
			return d, nil
		}
	}
	return window.Descriptor{}, fmt.Errorf("window %d is not available for capture (see 'pipmirror list')", id)
}
