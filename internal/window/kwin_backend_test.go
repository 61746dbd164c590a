package window

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestParseKdotoolGeometry(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Geometry
	}{
		{"full", "Window {abc}\n  Position: 10,20\n  Geometry: 800x600\n", Geometry{X: 10, Y: 20, Width: 800, Height: 600}},
		{"negative position", "Position: -5, 8\nGeometry: 1x2", Geometry{X: -5, Y: 8, Width: 1, Height: 2}},
		{"empty", "", Geometry{}},
		{"garbage", "Position: nope\nGeometry: 12", Geometry{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseKdotoolGeometry(tt.in); got != tt.want {
				t.Errorf("parseKdotoolGeometry = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRunnerUUID(t *testing.T) {
	tests := map[string]string{
		"0_{dc80ff04-3245-4d9b-b9a8-1582640d39e1}": "{dc80ff04-3245-4d9b-b9a8-1582640d39e1}",
		"{a}":     "{a}",
		"no-uuid": "",
		"}{":      "",
	}
	for in, want := range tests {
		if got := runnerUUID(in); got != want {
			t.Errorf("runnerUUID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHashUUIDIsStable(t *testing.T) {
	a, b := hashUUID("{one}"), hashUUID("{two}")
	if a == b {
		t.Errorf("distinct uuids hashed to %d", a)
	}
	if hashUUID("{one}") != a {
		t.Error("hash changed between calls")
	}
}

func TestGeometryFromInfo(t *testing.T) {
	info := map[string]dbus.Variant{
		"x":      dbus.MakeVariant(float64(12)),
		"y":      dbus.MakeVariant(int32(34)),
		"width":  dbus.MakeVariant(int64(640)),
		"height": dbus.MakeVariant(uint32(480)),
	}
	want := Geometry{X: 12, Y: 34, Width: 640, Height: 480}
	if got := geometryFromInfo(info); got != want {
		t.Errorf("geometryFromInfo = %+v, want %+v", got, want)
	}
}

func TestKWinKdotoolEnumeration(t *testing.T) {
	replies := map[string]string{
		"search --name .":            "{w1}\n\n{w2}\n{empty}\n",
		"getwindowname {w1}":         "Docs - Firefox",
		"getwindowclassname {w1}":    "Firefox",
		"getwindowpid {w1}":          "4242",
		"getwindowgeometry {w1}":     "Window {w1}\n  Position: 0,0\n  Geometry: 1600x1000",
		"getwindowname {w2}":         "Untitled",
		"getwindowgeometry {w2}":     "Position: 5,5\nGeometry: 300x200",
		"getwindowclassname {w2}":    "",
		"getwindowpid {w2}":          "",
		"getwindowname {empty}":      "",
		"getwindowclassname {empty}": "",
		"getwindowpid {empty}":       "",
		"getwindowgeometry {empty}":  "",
	}
	b := &KWinBackend{
		useKdotool: true,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			out, ok := replies[strings.Join(args, " ")]
			if !ok {
				return nil, errors.New("unexpected command")
			}
			return []byte(out), nil
		},
	}

	windows, err := b.listKdotoolLocked(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(windows) != 2 {
		t.Fatalf("got %d windows, want 2: %+v", len(windows), windows)
	}
	first := windows[0]
	if first.ID != hashUUID("{w1}") || first.Title != "Docs - Firefox" {
		t.Errorf("first window = %+v", first)
	}
	if first.Owner == nil || first.Owner.BundleID != "firefox" || first.Owner.PID != 4242 {
		t.Errorf("first owner = %+v", first.Owner)
	}
	if first.Frame != (Geometry{Width: 1600, Height: 1000}) {
		t.Errorf("first frame = %+v", first.Frame)
	}
	if windows[1].Owner != nil || windows[1].Frame.Width != 300 {
		t.Errorf("second window = %+v", windows[1])
	}
}

func TestKWinKdotoolSearchFailure(t *testing.T) {
	b := &KWinBackend{
		useKdotool: true,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("exit status 1")
		},
	}
	if _, err := b.listKdotoolLocked(context.Background()); err == nil {
		t.Fatal("listKdotoolLocked succeeded after search failed")
	}
}
