// Package capture owns the per-target stream lifecycle: opening a platform
// stream for a target, decoding its raw buffers and publishing the most
// recent frame to whoever polls the session.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/bryanchriswhite/PiPMirror/internal/target"
)

var (
	// ErrStreamOpenFailed is returned by Session.Start when the platform stream cannot be opened
	ErrStreamOpenFailed = errors.New("capture stream open failed")

	// ErrStreamTerminated is reported when a running stream dies on its own
	ErrStreamTerminated = errors.New("capture stream terminated")
)

// StreamConfig describes how a platform stream is opened
type StreamConfig struct {
	Width         int
	Height        int
	FPS           int
	ShowsCursor   bool
	CapturesAudio bool
}

// Output receives buffers and terminal errors from a running stream.
// Both methods are called on the stream's producer goroutine.
type Output interface {
	HandleBuffer(buf Buffer)
	HandleError(err error)
}

// Stream is a platform capture stream bound to one target
type Stream interface {
	// Start begins delivering buffers to out
	Start(ctx context.Context, out Output) error

	// Stop asks the platform to stop producing buffers
	Stop(ctx context.Context) error

	// RemoveOutput detaches the output registered by Start
	RemoveOutput()
}

// Opener creates streams for targets
type Opener interface {
	Open(ctx context.Context, tgt target.Target, cfg StreamConfig) (Stream, error)
}

// OpenerFunc adapts a function to the Opener interface
type OpenerFunc func(ctx context.Context, tgt target.Target, cfg StreamConfig) (Stream, error)

// Open calls f
func (f OpenerFunc) Open(ctx context.Context, tgt target.Target, cfg StreamConfig) (Stream, error) {
	return f(ctx, tgt, cfg)
}

const (
	// DefaultFPS is the polling rate used when none is configured
	DefaultFPS = 30

	// DefaultSettleDelay is the pause between stopping and reopening a stream
	DefaultSettleDelay = 100 * time.Millisecond
)
