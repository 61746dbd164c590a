package window

import "strings"

// MaxLabelLength is the longest menu label, in characters, before truncation
const MaxLabelLength = 30

// MenuLabels returns a short label per window for a selection list. An
// application with a single window in the list is shown by name alone;
// otherwise the label is "<app> - <title>", the title, the app name or
// "Unknown Window", whichever is first available. Long labels end in "…".
func MenuLabels(windows []Descriptor) []string {
	counts := make(map[string]int, len(windows))
	for _, d := range windows {
		counts[d.BundleID()]++
	}

	labels := make([]string, len(windows))
	for i, d := range windows {
		labels[i] = truncateLabel(menuLabel(d, counts[d.BundleID()]))
	}
	return labels
}

func menuLabel(d Descriptor, appWindows int) string {
	app := d.AppName()
	switch {
	case app != "" && appWindows <= 1:
		return app
	case app != "" && d.Title != "":
		return app + " - " + d.Title
	case d.Title != "":
		return d.Title
	case app != "":
		return app
	default:
		return "Unknown Window"
	}
}

func truncateLabel(s string) string {
	r := []rune(s)
	if len(r) <= MaxLabelLength {
		return s
	}
	return strings.TrimSpace(string(r[:MaxLabelLength])) + "…"
}
