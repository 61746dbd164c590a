package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/bryanchriswhite/PiPMirror/internal/window"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List capturable windows",
	Long: `List the on-screen windows PiPMirror can mirror, front to back.

Shell surfaces, excluded applications, tiny untitled popups and PiPMirror's
own viewers are hidden. Use --all to see every window and why it is hidden.`,
	Example: `  # List windows in table format (default)
  pipmirror list

  # List windows as JSON
  pipmirror list --format json

  # Include filtered windows with the reason they are hidden
  pipmirror list --all`,
	RunE: runList,
}

var (
	listFormat string
	listAll    bool
)

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "output format (table or json)")
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "include filtered windows")
}

type listedWindow struct {
	window.Descriptor
	DisplayName string `json:"display_name"`
	Label       string `json:"label"`
	Hidden      string `json:"hidden,omitempty"`
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	rows, err := listRows(cmd.Context(), a.backend, a.catalog, a.cfg.ExcludedBundleIDs(), listAll)
	if err != nil {
		return fmt.Errorf("failed to list windows: %w", err)
	}

	switch listFormat {
	case "json":
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(rows)
	case "table":
		return printWindowTable(cmd.OutOrStdout(), rows, listAll)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", listFormat)
	}
}

// listRows returns the capturable windows, or with all every raw window
// annotated with the reason it is hidden
func listRows(ctx context.Context, backend window.Backend, catalog *window.Catalog, excluded []string, all bool) ([]listedWindow, error) {
	var rows []listedWindow
	if !all {
		windows, err := catalog.Refresh(ctx, excluded)
		if err != nil {
			return nil, err
		}
		labels := window.MenuLabels(windows)
		for i, d := range windows {
			rows = append(rows, listedWindow{Descriptor: d, DisplayName: d.DisplayName(), Label: labels[i]})
		}
		return rows, nil
	}

	raw, err := backend.ListWindows(ctx)
	if err != nil {
		return nil, err
	}
	policy := catalog.Policy(excluded)
	labels := window.MenuLabels(raw)
	for i, d := range raw {
		rows = append(rows, listedWindow{Descriptor: d, DisplayName: d.DisplayName(), Label: labels[i], Hidden: policy.Reason(d)})
	}
	return rows, nil
}

func printWindowTable(out io.Writer, rows []listedWindow, all bool) error {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No capturable windows found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if all {
		fmt.Fprintln(w, "ID\tAPP ID\tNAME\tSIZE\tHIDDEN")
	} else {
		fmt.Fprintln(w, "ID\tAPP ID\tNAME\tSIZE")
	}
	// --all shows full names so hidden windows can be told apart
	for _, r := range rows {
		size := fmt.Sprintf("%dx%d", r.Frame.Width, r.Frame.Height)
		if all {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.BundleID(), r.DisplayName, size, r.Hidden)
		} else {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.ID, r.BundleID(), r.Label, size)
		}
	}
	return w.Flush()
}
