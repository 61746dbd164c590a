package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bryanchriswhite/PiPMirror/internal/registry"
	"github.com/bryanchriswhite/PiPMirror/internal/target"
	"github.com/bryanchriswhite/PiPMirror/internal/viewer"
	"github.com/spf13/cobra"
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror WINDOW_ID",
	Short: "Mirror one window into a viewer",
	Long: `Open a picture-in-picture viewer for a window listed by 'pipmirror list'.
The command runs until the viewer is closed or it is interrupted.`,
	Example: `  # Mirror window 0x3a00007
  pipmirror mirror 0x3a00007

  # Decimal ids work too
  pipmirror mirror 60817415`,
	Args: cobra.ExactArgs(1),
	RunE: runMirror,
}

var pickCmd = &cobra.Command{
	Use:   "pick",
	Short: "Choose a window with the desktop picker and mirror it",
	Long: `Show the desktop content picker and mirror the chosen window. Cancelling
the picker exits without opening a viewer.`,
	RunE: runPick,
}

func init() {
	rootCmd.AddCommand(mirrorCmd)
	rootCmd.AddCommand(pickCmd)
}

func runMirror(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid window id %q: %w", args[0], err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	windows, err := a.catalog.Refresh(cmd.Context(), a.cfg.ExcludedBundleIDs())
	if err != nil {
		return fmt.Errorf("failed to list windows: %w", err)
	}
	d, err := findWindow(windows, uint32(id))
	if err != nil {
		return err
	}
	return mirrorUntilClosed(a, target.FromWindow(d))
}

func runPick(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	p := a.newPicker()
	if p == nil {
		return fmt.Errorf("no content picker available (is xdg-desktop-portal running?)")
	}
	tgt := p.Present(cmd.Context())
	if tgt == nil {
		fmt.Println("Nothing picked")
		return nil
	}
	return mirrorUntilClosed(a, *tgt)
}

// mirrorUntilClosed opens tgt and blocks until its viewer goes away
func mirrorUntilClosed(a *app, tgt target.Target) error {
	reg := a.newRegistry(viewer.X11Factory{Display: a.display})
	defer reg.Shutdown()

	events := reg.Subscribe()
	defer reg.Unsubscribe(events)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := reg.OpenOrFocus(ctx, tgt)
	if err != nil {
		return fmt.Errorf("failed to open mirror: %w", err)
	}
	fmt.Printf("Mirroring %s (Ctrl+C to stop)\n", tgt.DisplayName)
	return waitClosed(ctx, reg, h, events, mirrorPollInterval)
}

// mirrorPollInterval bounds how long a dropped close event can go unnoticed
const mirrorPollInterval = 500 * time.Millisecond

// waitClosed blocks until mirror h is gone or ctx is done. Subscriptions
// drop events when full, so the registry is also polled.
func waitClosed(ctx context.Context, reg *registry.Registry, h registry.Handle, events <-chan registry.Event, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			if ev.Handle != h {
				continue
			}
			switch ev.Type {
			case registry.EventFailed:
				return fmt.Errorf("capture failed: %s", ev.Error)
			case registry.EventClosed:
				return nil
			}
		case <-ticker.C:
			if _, ok := reg.Get(h); !ok {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}
