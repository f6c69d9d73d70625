// Package supervisor owns the I/O port lifecycle. It opens the port, runs
// the door loops against it, and on any fault closes the port, waits a
// fixed backoff and starts over, forever.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/DoorGo/internal/config"
	dlog "github.com/cjeanneret/DoorGo/internal/debug"
	"github.com/cjeanneret/DoorGo/internal/hw/ioport"
	"golang.org/x/sync/errgroup"
)

// DefaultBackoff is used when Config.Backoff is not set.
const DefaultBackoff = 10 * time.Second

var errReopen = errors.New("re-open requested")

// Loop is one long-running worker of a cycle. Run must return nil only
// once ctx is done.
type Loop struct {
	Name string
	Run  func(ctx context.Context) error
}

// Opener acquires the I/O port for a pin assignment.
type Opener func(pins map[string]int) (*ioport.Port, error)

// Builder creates the loops of one cycle around a freshly opened port.
type Builder func(port *ioport.Port) ([]Loop, error)

// Config configures a Supervisor.
type Config struct {
	Backoff time.Duration
	Pins    map[string]int
	Open    Opener
	Build   Builder
	// Wait sleeps between cycles; nil uses a timer that an operator
	// re-open cuts short.
	Wait func(ctx context.Context, d time.Duration) error
}

// State is where the supervisor is in its cycle.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateBackoff  State = "backoff"
	StateStopped  State = "stopped"
)

// Status is a snapshot for the health endpoint.
type Status struct {
	State       State          `json:"state"`
	Cycles      int64          `json:"cycles"`
	Failures    int64          `json:"failures"`
	LastError   string         `json:"last_error,omitempty"`
	Pins        map[string]int `json:"pins"`
	PendingPins map[string]int `json:"pending_pins,omitempty"`
}

// Supervisor is the recovery loop.
type Supervisor struct {
	cfg    Config
	reopen chan struct{}

	cycles   atomic.Int64
	failures atomic.Int64

	mu      sync.Mutex
	state   State
	lastErr error
	pins    map[string]int
	pending map[string]int
}

// New creates a supervisor. Run starts it.
func New(cfg Config) *Supervisor {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	s := &Supervisor{
		cfg:    cfg,
		reopen: make(chan struct{}, 1),
		state:  StateStarting,
		pins:   maps.Clone(cfg.Pins),
	}
	if s.cfg.Wait == nil {
		s.cfg.Wait = s.wait
	}
	return s
}

// Run cycles until ctx is done. It only returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(StateStopped, nil)
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := s.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errReopen) {
			dlog.Info("Re-opening I/O port")
			continue
		}

		s.failures.Add(1)
		s.setState(StateBackoff, err)
		dlog.Error("Door runtime fault, restarting", "err", err, "backoff", s.cfg.Backoff, "failures", s.failures.Load())
		if err := s.cfg.Wait(ctx, s.cfg.Backoff); err != nil {
			return nil
		}
	}
}

func (s *Supervisor) cycle(ctx context.Context) (err error) {
	s.cycles.Add(1)
	s.setState(StateStarting, nil)
	pins := s.takePins()

	port, err := s.cfg.Open(pins)
	if err != nil {
		if !errors.Is(err, ioport.ErrHardwareUnavailable) {
			err = fmt.Errorf("%w: %w", ioport.ErrHardwareUnavailable, err)
		}
		return err
	}
	defer func() {
		// A failed release must not stop the next attempt.
		if cerr := port.Close(); cerr != nil {
			dlog.Warn("I/O port close reported errors", "err", cerr)
		}
	}()

	loops, err := s.cfg.Build(port)
	if err != nil {
		return fmt.Errorf("build loops: %w", err)
	}

	s.setState(StateRunning, nil)
	dlog.Info("Door runtime started", "cycle", s.cycles.Load(), "loops", len(loops))

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range loops {
		l := l
		g.Go(func() error { return runLoop(gctx, l) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-s.reopen:
			return errReopen
		}
	})
	return g.Wait()
}

// runLoop turns a panic or an unexpected return into an error.
func runLoop(ctx context.Context, l Loop) (err error) {
	defer func() {
		if r := recover(); r != nil {
			dlog.Error("Loop panicked", "loop", l.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("loop %s panicked: %v", l.Name, r)
		}
	}()
	err = l.Run(ctx)
	if err != nil {
		return fmt.Errorf("loop %s: %w", l.Name, err)
	}
	if ctx.Err() == nil {
		return fmt.Errorf("loop %s exited", l.Name)
	}
	return nil
}

func (s *Supervisor) wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	case <-s.reopen:
	}
	return nil
}

func (s *Supervisor) takePins() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		dlog.Info("Applying new pin assignment")
		s.pins, s.pending = s.pending, nil
	}
	return maps.Clone(s.pins)
}

func (s *Supervisor) setState(st State, err error) {
	s.mu.Lock()
	s.state = st
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}

// Reopen asks for the port to be released and acquired again without a
// backoff. Pending pins are applied.
func (s *Supervisor) Reopen() {
	select {
	case s.reopen <- struct{}{}:
	default:
	}
}

// SetPins validates and stores a pin assignment for the next open. The
// running port is not touched.
func (s *Supervisor) SetPins(pins map[string]int) error {
	merged := config.DefaultPins()
	s.mu.Lock()
	maps.Copy(merged, s.pins)
	s.mu.Unlock()
	maps.Copy(merged, pins)
	if err := config.ValidatePins(merged); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = merged
	s.mu.Unlock()
	dlog.Info("Pin assignment pending re-open", "pins", merged)
	return nil
}

// Healthy reports whether the loops are running on an open port.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}

// Status returns a snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:       s.state,
		Cycles:      s.cycles.Load(),
		Failures:    s.failures.Load(),
		Pins:        maps.Clone(s.pins),
		PendingPins: maps.Clone(s.pending),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
