package window

import (
	"sort"
	"strings"
)

// DefaultExcludedBundleIDs is the exclusion set used when the user has never
// edited it: OS shell surfaces that are never useful to mirror.
var DefaultExcludedBundleIDs = []string{
	// macOS shell
	"com.apple.controlcenter",
	"com.apple.notificationcenterui",
	"com.apple.systemuiserver",
	"com.apple.dock",
	"com.apple.WindowManager",
	"com.apple.screencaptureui",
	"com.apple.screenshot.window",
	"com.apple.TextInputMenuAgent",
	"com.apple.TextInputSwitcher",
	"com.apple.finder.Open-With-Pro",
	"com.apple.AirPlayUIAgent",
	"com.apple.WiFiAgent",
	"com.apple.BluetoothUIService",
	"com.apple.wallpaper.agent",
	"com.apple.AccessibilityUIServer",
	"com.apple.Spotlight",
	// X11 desktop shells and panels
	"gnome-shell",
	"org.gnome.Shell",
	"plasmashell",
	"org.kde.plasmashell",
	"xfce4-panel",
	"xfdesktop",
	"xfce4-notifyd",
	"lxpanel",
	"polybar",
	"tint2",
	"plank",
	"conky",
}

// DefaultNoiseTitles are title substrings that mark helper and status windows
// among windows that carry no bundle identifier.
var DefaultNoiseTitles = []string{
	"underbelly",
	"Backstop",
	"Menubar",
	"StatusIndicator",
	"Cursor",
	"System Status Item Clone",
	"Packages Display",
}

// DefaultMinUntitledArea is the smallest area (px²) an untitled window may have
// and still be listed. Smaller untitled windows are popups and tooltips.
const DefaultMinUntitledArea = 40_000

// Self identifies the running process so its own windows are never listed
type Self struct {
	BundleID string
	PID      int
}

// Owns reports whether a window belongs to this process
func (s Self) Owns(d Descriptor) bool {
	if d.Owner == nil {
		return false
	}
	if s.PID > 0 && d.Owner.PID == s.PID {
		return true
	}
	return s.BundleID != "" && d.Owner.BundleID == s.BundleID
}

// Policy decides which enumerated windows are offered for capture.
// It is a value: pass a fresh one (with the current exclusion set) to every refresh.
type Policy struct {
	Self            Self
	Excluded        map[string]struct{}
	NoiseTitles     []string
	MinUntitledArea int
}

// NewPolicy builds a policy with the default noise list and area threshold
func NewPolicy(self Self, excluded []string) Policy {
	return Policy{
		Self:            self,
		Excluded:        ExclusionSet(excluded),
		NoiseTitles:     DefaultNoiseTitles,
		MinUntitledArea: DefaultMinUntitledArea,
	}
}

// ExclusionSet converts an ordered id list into a lookup set
func ExclusionSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

// NormalizeBundleIDs trims, de-duplicates and sorts an id list for persistence
func NormalizeBundleIDs(ids []string) []string {
	set := ExclusionSet(ids)
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Include reports whether a window should be offered for capture
func (p Policy) Include(d Descriptor) bool {
	return p.Reason(d) == ""
}

// Reason returns why a window is filtered out, or "" when it is kept.
// Rules are applied in order; the first match wins.
func (p Policy) Reason(d Descriptor) string {
	if d.Owner == nil {
		return "no owning application"
	}
	if d.Title == "" && d.Owner.Name == "" {
		return "no title and no application name"
	}

	bundleID := d.Owner.BundleID
	if p.Self.Owns(d) {
		return "own process"
	}

	if _, excluded := p.Excluded[bundleID]; excluded && bundleID != "" {
		return "excluded bundle id"
	}

	if bundleID == "" {
		for _, noise := range p.NoiseTitles {
			if noise != "" && strings.Contains(d.Title, noise) {
				return "noise title"
			}
		}
	}

	if d.Title == "" && p.MinUntitledArea > 0 && d.Frame.Area() < p.MinUntitledArea {
		return "untitled and too small"
	}

	return ""
}

// Apply filters windows, preserving enumeration order
func (p Policy) Apply(windows []Descriptor) []Descriptor {
	out := make([]Descriptor, 0, len(windows))
	for _, w := range windows {
		if p.Include(w) {
			out = append(out, w)
		}
	}
	return out
}
