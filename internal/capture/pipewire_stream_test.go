package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/bryanchriswhite/PiPMirror/internal/target"
	"github.com/bryanchriswhite/PiPMirror/internal/window"
)

type recordingOutput struct {
	buffers []Buffer
	errs    []error
}

func (r *recordingOutput) HandleBuffer(buf Buffer) {
	cp := buf
	cp.Pix = append([]byte(nil), buf.Pix...)
	r.buffers = append(r.buffers, cp)
}

func (r *recordingOutput) HandleError(err error) { r.errs = append(r.errs, err) }

func TestReadFramesSplitsStream(t *testing.T) {
	const w, h = 2, 2
	frame := w * h * 4
	data := make([]byte, frame*2+3) // two full frames and a truncated third
	for i := range data {
		data[i] = byte(i)
	}

	out := &recordingOutput{}
	err := readFrames(bytes.NewReader(data), w, h, func() Output { return out })

	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("readFrames error = %v, want ErrUnexpectedEOF", err)
	}
	if len(out.buffers) != 2 {
		t.Fatalf("got %d buffers, want 2", len(out.buffers))
	}
	if got := out.buffers[1].Pix[0]; got != byte(frame) {
		t.Errorf("second frame starts with %d, want %d", got, frame)
	}
	if out.buffers[0].Format != FormatBGRX || out.buffers[0].Stride != w*4 {
		t.Errorf("buffer = %+v", out.buffers[0])
	}
}

func TestReadFramesSkipsDetachedOutput(t *testing.T) {
	data := make([]byte, 4*3)
	err := readFrames(bytes.NewReader(data), 1, 1, func() Output { return nil })
	if !errors.Is(err, io.EOF) {
		t.Errorf("readFrames error = %v, want EOF", err)
	}
}

func TestPipelineArgs(t *testing.T) {
	args := pipelineArgs(42, StreamConfig{Width: 640, Height: 480, FPS: 15})
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-q",
		"pipewiresrc path=42",
		"video/x-raw,format=BGRx,width=640,height=480,framerate=15/1",
		"fdsink fd=1",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("pipeline %q missing %q", joined, want)
		}
	}
}

type stubNode uint32

func (n stubNode) Identity() string { return "node" }
func (n stubNode) NodeID() uint32   { return uint32(n) }

type plainFilter struct{}

func (plainFilter) Identity() string { return "plain" }

func TestPipeWireOpenerRejectsNonNodeTargets(t *testing.T) {
	o := PipeWireOpener{GstLaunch: "definitely-not-a-real-gst-binary"}

	tests := []struct {
		name string
		tgt  target.Target
	}{
		{"window target", target.FromWindow(window.Descriptor{ID: 1})},
		{"filter without node", target.FromFilter(plainFilter{}, window.Geometry{Width: 10, Height: 10}, "x")},
		{"missing binary", target.FromFilter(stubNode(3), window.Geometry{Width: 10, Height: 10}, "x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := o.Open(context.Background(), tt.tgt, StreamConfig{Width: 10, Height: 10}); err == nil {
				t.Error("Open succeeded, want error")
			}
		})
	}
}

func TestRouterRoutesByKind(t *testing.T) {
	windows := &fakeOpener{}
	picked := &fakeOpener{}
	r := NewRouter(windows, picked)
	ctx := context.Background()

	if _, err := r.Open(ctx, windowTarget(1, 10, 10), StreamConfig{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Open(ctx, target.FromFilter(stubNode(1), window.Geometry{Width: 10, Height: 10}, "p"), StreamConfig{}); err != nil {
		t.Fatal(err)
	}
	if len(windows.streams) != 1 || len(picked.streams) != 1 {
		t.Errorf("windows=%d picked=%d, want 1 each", len(windows.streams), len(picked.streams))
	}

	if _, err := NewRouter(nil, nil).Open(ctx, windowTarget(1, 10, 10), StreamConfig{}); err == nil {
		t.Error("router without backends opened a stream")
	}
}
