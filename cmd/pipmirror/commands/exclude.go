package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/bryanchriswhite/PiPMirror/internal/config"
	"github.com/bryanchriswhite/PiPMirror/internal/window"
	"github.com/spf13/cobra"
)

var excludeCmd = &cobra.Command{
	Use:   "exclude",
	Short: "Manage excluded application ids",
	Long: `Windows of excluded applications are never offered for mirroring.
Until the list is edited the built-in defaults apply (desktop shells, panels, docks).`,
}

var excludeListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the effective exclusion list",
	RunE:  runExcludeList,
}

var excludeAddCmd = &cobra.Command{
	Use:   "add APP_ID...",
	Short: "Exclude one or more applications",
	Example: `  # Hide Slack windows
  pipmirror exclude add slack`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExcludeAdd,
}

var excludeRemoveCmd = &cobra.Command{
	Use:   "remove APP_ID...",
	Short: "Stop excluding one or more applications",
	Example: `  # Allow mirroring the GNOME shell
  pipmirror exclude remove gnome-shell`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExcludeRemove,
}

var excludeAppsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List applications with open windows and whether they are excluded",
	Example: `  # Find the id to pass to 'exclude add'
  pipmirror exclude apps`,
	RunE: runExcludeApps,
}

var excludeResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the default exclusion list",
	RunE:  runExcludeReset,
}

func init() {
	rootCmd.AddCommand(excludeCmd)
	excludeCmd.AddCommand(excludeListCmd)
	excludeCmd.AddCommand(excludeAddCmd)
	excludeCmd.AddCommand(excludeRemoveCmd)
	excludeCmd.AddCommand(excludeResetCmd)
	excludeCmd.AddCommand(excludeAppsCmd)
}

func runExcludeList(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	ids := configMgr.ExcludedBundleIDs()
	source := "custom"
	if !configMgr.HasCustomExclusions() {
		source = "defaults"
	}
	fmt.Printf("Excluded application ids (%s, %d):\n", source, len(ids))
	for _, id := range ids {
		fmt.Printf("  • %s\n", id)
	}
	return nil
}

func runExcludeAdd(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	if err := addExclusions(configMgr, args); err != nil {
		return err
	}
	for _, id := range args {
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Excluded '%s'\n", id)
	}
	return nil
}

func runExcludeRemove(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	if err := removeExclusions(configMgr, args); err != nil {
		return err
	}
	for _, id := range args {
		fmt.Fprintf(cmd.OutOrStdout(), "✅ No longer excluding '%s'\n", id)
	}
	return nil
}

// addExclusions adds ids to the effective exclusion set and stores it
func addExclusions(mgr *config.Manager, ids []string) error {
	if err := mgr.SetExcludedBundleIDs(append(mgr.ExcludedBundleIDs(), ids...)); err != nil {
		return fmt.Errorf("failed to update exclusions: %w", err)
	}
	return nil
}

// removeExclusions drops ids from the effective exclusion set and stores
// the rest
func removeExclusions(mgr *config.Manager, ids []string) error {
	drop := window.ExclusionSet(ids)
	kept := []string{}
	for _, id := range mgr.ExcludedBundleIDs() {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
		}
	}
	if err := mgr.SetExcludedBundleIDs(kept); err != nil {
		return fmt.Errorf("failed to update exclusions: %w", err)
	}
	return nil
}

func runExcludeApps(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	apps, err := a.catalog.Applications(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list applications: %w", err)
	}
	return printApplications(cmd.OutOrStdout(), apps, a.cfg.ExcludedBundleIDs())
}

func printApplications(out io.Writer, apps []window.Application, excluded []string) error {
	if len(apps) == 0 {
		fmt.Fprintln(out, "No applications with open windows found")
		return nil
	}
	set := window.ExclusionSet(excluded)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "APP ID\tNAME\tEXCLUDED")
	for _, app := range apps {
		mark := ""
		if _, ok := set[app.BundleID]; ok {
			mark = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", app.BundleID, app.Name, mark)
	}
	return w.Flush()
}

func runExcludeReset(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	if err := configMgr.ResetExcludedBundleIDs(); err != nil {
		return fmt.Errorf("failed to reset exclusions: %w", err)
	}
	fmt.Println("✅ Restored the default exclusion list")
	return nil
}
