package commands

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/PiPMirror/internal/window"
	"github.com/spf13/cobra"
)

var permissionCmd = &cobra.Command{
	Use:   "permission",
	Short: "Check screen capture permission",
	Long: `Report whether PiPMirror may capture window contents on this display.
With --request, ask the host for access first.`,
	RunE: runPermission,
}

var permissionRequest bool

func init() {
	rootCmd.AddCommand(permissionCmd)
	permissionCmd.Flags().BoolVarP(&permissionRequest, "request", "r", false, "request access before checking")
}

func runPermission(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	check := a.catalog.CheckPermission
	if permissionRequest {
		check = a.catalog.RequestPermission
	}

	err = check(cmd.Context())
	switch {
	case err == nil:
		fmt.Println("✅ Screen capture permitted")
		return nil
	case errors.Is(err, window.ErrPermissionDenied):
		fmt.Println("❌ Screen capture not permitted")
		return err
	default:
		return fmt.Errorf("failed to check permission: %w", err)
	}
}
