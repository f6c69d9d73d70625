package stepper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/DoorGo/internal/debug"
	"github.com/cjeanneret/DoorGo/internal/door"
	"github.com/cjeanneret/DoorGo/internal/hw/ioport"
	"github.com/cjeanneret/DoorGo/internal/logic/interlock"
)

// Lines is the part of the I/O port the motor needs.
type Lines interface {
	Sample() (door.InputSnapshot, error)
	Write(l ioport.Line, v bool) (bool, error)
	Output(l ioport.Line) bool
}

// DecideFunc is the interlock policy consulted before and during motion.
type DecideFunc func(door.MotorState, door.Direction, door.InputSnapshot) door.Decision

// Config holds the driver-level settings of the motor.
type Config struct {
	Settle time.Duration       // wake-up delay after asserting enable
	Decide DecideFunc          // nil means interlock.Decide
	Sleep  func(time.Duration) // nil means time.Sleep
}

// Params are the per-rotation parameters. They are captured when a rotation
// starts and never change while it runs.
type Params struct {
	StepsPerRev int
	StepDelay   time.Duration // delay per half-cycle of STEP pulse. Total step = 2*StepDelay.
}

// Result tells how a rotation attempt ended.
type Result int

const (
	Completed Result = iota
	Aborted
	Blocked
)

func (r Result) String() string {
	switch r {
	case Aborted:
		return "aborted"
	case Blocked:
		return "blocked"
	default:
		return "completed"
	}
}

// Outcome describes a finished rotation attempt.
type Outcome struct {
	Result    Result
	Direction door.Direction
	Steps     int // step pulses actually emitted
	Requested int
}

// Motor is the door's stepper state machine: Idle, Rotating, then back to
// Idle, passing through Stopped when interlocked out. Holding torque (the
// enable line) is managed independently of motion.
type Motor struct {
	lines  Lines
	settle time.Duration
	decide DecideFunc
	sleep  func(time.Duration)

	mu    sync.Mutex
	state door.MotorState
}

// NewMotor creates a motor state machine in the Idle state.
func NewMotor(lines Lines, cfg Config) *Motor {
	m := &Motor{
		lines:  lines,
		settle: cfg.Settle,
		decide: cfg.Decide,
		sleep:  cfg.Sleep,
	}
	if m.decide == nil {
		m.decide = interlock.Decide
	}
	if m.sleep == nil {
		m.sleep = time.Sleep
	}
	return m
}

// State returns a snapshot of the state machine.
func (m *Motor) State() door.MotorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Motor) setState(s door.MotorState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Motor) setRemaining(n int) {
	m.mu.Lock()
	m.state.StepsRemaining = n
	m.mu.Unlock()
}

// HoldingTorque reports whether the enable line is asserted.
func (m *Motor) HoldingTorque() bool {
	return m.lines.Output(ioport.Enable)
}

// Hold asserts the enable line so the door cannot move under load.
func (m *Motor) Hold() error {
	return m.SetHoldingTorque(true)
}

// SetHoldingTorque drives the enable line. The next rotation asserts it
// again whatever it is set to here.
func (m *Motor) SetHoldingTorque(on bool) error {
	changed, err := m.lines.Write(ioport.Enable, on)
	if err != nil {
		return fmt.Errorf("holding torque: %w", err)
	}
	if changed {
		debug.Live("Holding torque changed", "on", on)
	}
	return nil
}

// Rotate turns the motor one revolution (p.StepsPerRev steps) in dir.
//
// The interlock is consulted once before anything moves and then before
// every step. cancel, when set by another goroutine, is seen as a pressed
// stop button on the next step. ctx cancellation also aborts. Whatever
// happens, holding torque is re-asserted before Rotate returns, even for a
// blocked attempt that never moved.
func (m *Motor) Rotate(ctx context.Context, dir door.Direction, p Params, cancel *atomic.Bool) (out Outcome, err error) {
	total := p.StepsPerRev
	delay := p.StepDelay
	if delay <= 0 {
		delay = 1 * time.Millisecond
	}
	out = Outcome{Direction: dir, Requested: total}

	rotating := false
	defer func() {
		if rotating && (err != nil || out.Result == Aborted) {
			out.Result = Aborted
			m.setState(door.MotorState{Phase: door.Stopped, Direction: dir, StepsRemaining: total - out.Steps})
		}
		if herr := m.Hold(); herr != nil {
			err = errors.Join(err, herr)
		}
		if rotating {
			m.setState(door.MotorState{Phase: door.Idle})
		}
	}()

	in, err := m.lines.Sample()
	if err != nil {
		return out, fmt.Errorf("sample inputs: %w", err)
	}
	if m.decide(m.State(), dir, in) == door.Block {
		debug.Info("Rotation blocked: lever engaged", "direction", dir.String())
		out.Result = Blocked
		return out, nil
	}

	state := door.MotorState{Phase: door.Rotating, Direction: dir, StepsRemaining: total}
	m.setState(state)
	rotating = true

	debug.Info("Rotation started", "direction", dir.String(), "steps", total, "step_delay", delay)

	changed, err := m.lines.Write(ioport.Enable, true)
	if err != nil {
		return out, fmt.Errorf("wake driver: %w", err)
	}
	if changed && m.settle > 0 {
		m.sleep(m.settle)
	}
	if _, err := m.lines.Write(ioport.Direction, dir == door.CW); err != nil {
		return out, fmt.Errorf("set direction: %w", err)
	}

	for out.Steps < total {
		if ctx.Err() != nil {
			out.Result = Aborted
			break
		}
		in, err := m.lines.Sample()
		if err != nil {
			return out, fmt.Errorf("sample inputs: %w", err)
		}
		if cancel != nil && cancel.Load() {
			in.BtnStop = true
		}
		if d := m.decide(state, dir, in); d != door.Allow {
			out.Result = Aborted
			break
		}
		if err := m.stepPulse(delay); err != nil {
			return out, err
		}
		out.Steps++
		m.setRemaining(total - out.Steps)
	}

	if out.Result == Aborted {
		debug.Info("Rotation aborted", "direction", dir.String(), "steps", out.Steps, "requested", total)
	} else {
		debug.Info("Rotation completed", "direction", dir.String(), "steps", out.Steps)
	}
	return out, nil
}

func (m *Motor) stepPulse(delay time.Duration) error {
	if _, err := m.lines.Write(ioport.Step, true); err != nil {
		return fmt.Errorf("step high: %w", err)
	}
	m.sleep(delay)
	if _, err := m.lines.Write(ioport.Step, false); err != nil {
		return fmt.Errorf("step low: %w", err)
	}
	m.sleep(delay)
	return nil
}
