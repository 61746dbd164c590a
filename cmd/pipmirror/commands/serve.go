package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/PiPMirror/internal/api"
	"github.com/bryanchriswhite/PiPMirror/internal/logger"
	"github.com/bryanchriswhite/PiPMirror/internal/viewer"
	"github.com/bryanchriswhite/PiPMirror/internal/window"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mirror service with its control API",
	Long: `Run PiPMirror as a long-lived service. Mirrors are opened and closed
through the local control API; viewers appear on the X11 display.`,
	Example: `  # Start on the configured port
  pipmirror serve

  # Start on a custom port
  pipmirror serve --port 9090

  # Run without drawing viewers (surfaces kept in memory)
  pipmirror serve --headless`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "control API port (default from config)")
	serveCmd.Flags().Bool("headless", false, "keep viewer surfaces in memory instead of on screen")
	viper.BindPFlag("server_port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("headless", serveCmd.Flags().Lookup("headless"))
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("serve")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	port := a.cfg.GetPort()
	if p := viper.GetInt("server_port"); p > 0 {
		port = p
	}

	var factory viewer.SurfaceFactory = viewer.X11Factory{Display: a.display}
	if viper.GetBool("headless") {
		factory = viewer.NewMemoryFactory(window.Geometry{Width: 1920, Height: 1080})
	}
	reg := a.newRegistry(factory)
	defer reg.Shutdown()

	// A nil *picker.Picker must not become a non-nil interface
	var pick api.Picker
	if p := a.newPicker(); p != nil {
		pick = p
	}

	if err := a.catalog.CheckPermission(cmd.Context()); err != nil {
		log.Warn().Err(err).Msg("Screen capture is not permitted yet")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(a.catalog, reg, pick, a.cfg, api.WithAllowedOrigins(a.cfg.AllowedOrigins()...))

	log.Info().
		Str("config", a.cfg.GetConfigPath()).
		Int("port", port).
		Bool("headless", viper.GetBool("headless")).
		Msg("PiPMirror is running")
	fmt.Printf("PiPMirror control API: http://127.0.0.1:%d/api (Ctrl+C to stop)\n", port)

	if err := server.Start(ctx, port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Int("mirrors", reg.Len()).Msg("Shutting down")
	return nil
}
