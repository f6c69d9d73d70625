package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/DoorGo/internal/debug"
)

var (
	ErrNoCommand = errors.New("camera: no capture command configured")
	ErrNotJPEG   = errors.New("camera: frame is not a JPEG image")
)

// FrameSource is the high-level interface used by the rest of the
// application. It represents an abstract camera, regardless of how frames
// are captured (CSI module, USB webcam, network camera).
type FrameSource interface {
	// NextFrame captures one JPEG frame.
	NextFrame(ctx context.Context) ([]byte, error)
}

// Runner executes a capture command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// CommandSource captures each frame by running an external command that
// writes one JPEG image to stdout (e.g. rpicam-jpeg -o -).
type CommandSource struct {
	argv []string
	run  Runner
}

// NewCommandSource creates a source for argv. run may be nil.
func NewCommandSource(argv []string, run Runner) (*CommandSource, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrNoCommand
	}
	if run == nil {
		run = execRunner
	}
	return &CommandSource{argv: append([]string(nil), argv...), run: run}, nil
}

// NextFrame runs the command once.
func (c *CommandSource) NextFrame(ctx context.Context) ([]byte, error) {
	out, err := c.run(ctx, c.argv[0], c.argv[1:]...)
	if err != nil {
		return nil, fmt.Errorf("camera: %s: %w", c.argv[0], err)
	}
	if !bytes.HasPrefix(out, []byte{0xFF, 0xD8}) {
		return nil, ErrNotJPEG
	}
	return out, nil
}

// Feed polls a FrameSource while enabled and shares the latest frame with
// any number of viewers.
type Feed struct {
	src      FrameSource
	interval time.Duration
	enabled  atomic.Bool
	wake     chan struct{}

	mu      sync.Mutex
	frame   []byte
	seq     uint64
	updated chan struct{}
}

// NewFeed creates a feed, initially enabled or not.
func NewFeed(src FrameSource, interval time.Duration, enabled bool) *Feed {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	f := &Feed{
		src:      src,
		interval: interval,
		wake:     make(chan struct{}, 1),
		updated:  make(chan struct{}),
	}
	f.enabled.Store(enabled)
	return f
}

// Enabled reports whether frames are being captured.
func (f *Feed) Enabled() bool { return f.enabled.Load() }

// SetEnabled starts or stops capturing.
func (f *Feed) SetEnabled(on bool) {
	if f.enabled.Swap(on) != on {
		debug.Info("Camera feed toggled", "enabled", on)
		select {
		case f.wake <- struct{}{}:
		default:
		}
	}
}

// Toggle flips capturing and returns the new state.
func (f *Feed) Toggle() bool {
	on := !f.enabled.Load()
	f.SetEnabled(on)
	return on
}

// Latest returns the last frame and its sequence number (0: none yet).
func (f *Feed) Latest() ([]byte, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame, f.seq
}

// Next waits for a frame newer than after.
func (f *Feed) Next(ctx context.Context, after uint64) ([]byte, uint64, error) {
	for {
		f.mu.Lock()
		frame, seq, updated := f.frame, f.seq, f.updated
		f.mu.Unlock()
		if seq > after {
			return frame, seq, nil
		}
		select {
		case <-ctx.Done():
			return nil, after, ctx.Err()
		case <-updated:
		}
	}
}

func (f *Feed) publish(frame []byte) {
	f.mu.Lock()
	f.frame = frame
	f.seq++
	close(f.updated)
	f.updated = make(chan struct{})
	f.mu.Unlock()
}

// Run captures frames every interval while enabled, until ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	failures := 0
	for {
		if f.enabled.Load() {
			frame, err := f.src.NextFrame(ctx)
			switch {
			case ctx.Err() != nil:
				return nil
			case err != nil:
				failures++
				if failures == 1 || failures%50 == 0 {
					debug.Warn("Camera capture failed", "err", err, "failures", failures)
				}
			default:
				failures = 0
				f.publish(frame)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-f.wake:
		}
	}
}
