package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/bryanchriswhite/PiPMirror/internal/logger"
	"github.com/bryanchriswhite/PiPMirror/internal/target"
)

// PipeWireNode is implemented by picker selections backed by a PipeWire stream
type PipeWireNode interface {
	target.Filter
	NodeID() uint32
}

// PipeWireOpener opens gst-launch subprocess streams for picked targets
type PipeWireOpener struct {
	// GstLaunch is the gst-launch binary; defaults to gst-launch-1.0
	GstLaunch string
}

// Open implements Opener
func (o PipeWireOpener) Open(ctx context.Context, tgt target.Target, cfg StreamConfig) (Stream, error) {
	node, ok := tgt.Filter.(PipeWireNode)
	if tgt.Kind != target.KindPicked || !ok {
		return nil, fmt.Errorf("pipewire capture needs a picked PipeWire target, got %s", tgt.Kind)
	}

	bin := o.GstLaunch
	if bin == "" {
		bin = "gst-launch-1.0"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("%s not found: %w", bin, err)
	}

	return &PipeWireStream{
		bin:    bin,
		nodeID: node.NodeID(),
		cfg:    cfg,
	}, nil
}

// pipelineArgs builds the gst-launch argument list for a node
func pipelineArgs(nodeID uint32, cfg StreamConfig) []string {
	fps := cfg.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	pipeline := fmt.Sprintf(
		"pipewiresrc path=%d do-timestamp=true always-copy=true ! "+
			"videoconvert ! videoscale ! videorate ! "+
			"video/x-raw,format=BGRx,width=%d,height=%d,framerate=%d/1 ! "+
			"fdsink fd=1 sync=false",
		nodeID, cfg.Width, cfg.Height, fps,
	)
	return append([]string{"-q"}, strings.Fields(pipeline)...)
}

// PipeWireStream runs a GStreamer pipeline as a subprocess and reads raw
// BGRx frames of the configured size from its stdout.
type PipeWireStream struct {
	bin    string
	nodeID uint32
	cfg    StreamConfig

	mu       sync.Mutex
	cmd      *exec.Cmd
	out      Output
	done     chan struct{}
	stopping bool
}

// Start implements Stream
func (p *PipeWireStream) Start(ctx context.Context, out Output) error {
	log := logger.WithComponent("pipewire-stream")

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return errors.New("pipeline already running")
	}

	args := pipelineArgs(p.nodeID, p.cfg)
	cmd := exec.Command(p.bin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	log.Debug().Strs("args", args).Msg("Starting GStreamer subprocess")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.bin, err)
	}

	p.cmd = cmd
	p.out = out
	p.done = make(chan struct{})

	go logStderr(stderr)
	go func() {
		defer close(p.done)
		err := readFrames(stdout, p.cfg.Width, p.cfg.Height, p.output)
		_ = cmd.Wait()

		p.mu.Lock()
		stopping := p.stopping
		p.mu.Unlock()
		if stopping {
			return
		}
		if out := p.output(); out != nil {
			out.HandleError(fmt.Errorf("%w: pipewire node %d: %v", ErrStreamTerminated, p.nodeID, err))
		}
	}()

	log.Info().Uint32("node_id", p.nodeID).Int("pid", cmd.Process.Pid).Msg("GStreamer subprocess started")
	return nil
}

func (p *PipeWireStream) output() Output {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out
}

// readFrames delivers fixed-size BGRx frames from r until it fails. A clean
// EOF is reported as io.EOF.
func readFrames(r io.Reader, width, height int, output func() Output) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	frameSize := width * height * 4
	reader := bufio.NewReaderSize(r, frameSize)
	frame := make([]byte, frameSize)

	for {
		if _, err := io.ReadFull(reader, frame); err != nil {
			return err
		}
		if out := output(); out != nil {
			out.HandleBuffer(Buffer{
				Width:  width,
				Height: height,
				Stride: width * 4,
				Format: FormatBGRX,
				Pix:    frame,
			})
		}
	}
}

func logStderr(r io.Reader) {
	log := logger.WithComponent("pipewire-stream")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			log.Warn().Str("gst", line).Msg("GStreamer message")
		} else {
			log.Debug().Str("gst", line).Msg("GStreamer output")
		}
	}
}

// Stop implements Stream
func (p *PipeWireStream) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.cmd == nil || p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	cmd, done := p.cmd, p.done
	p.mu.Unlock()

	log := logger.WithComponent("pipewire-stream")
	if cmd.Process != nil {
		log.Debug().Int("pid", cmd.Process.Pid).Msg("Killing GStreamer subprocess")
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Debug().Err(err).Msg("Kill failed")
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Info().Uint32("node_id", p.nodeID).Msg("GStreamer subprocess stopped")
	return nil
}

// RemoveOutput implements Stream
func (p *PipeWireStream) RemoveOutput() {
	p.mu.Lock()
	p.out = nil
	p.mu.Unlock()
}
