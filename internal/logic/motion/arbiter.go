// Package motion serializes door commands from every producer (buttons,
// remote surfaces, scheduler) into the motor and the light.
//
// Busy policy: at most one actuation runs at a time. A rotation, light or
// holding-torque request arriving while another actuation holds the slot is
// rejected with Busy and never queued. Buttons retry on their next press,
// remote callers see the rejection, scheduler entries are dropped. Stop is
// never rejected: it raises a cancel flag that the running rotation checks
// before its next step.
package motion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/DoorGo/internal/config"
	"github.com/cjeanneret/DoorGo/internal/debug"
	"github.com/cjeanneret/DoorGo/internal/door"
	"github.com/cjeanneret/DoorGo/internal/hw/ioport"
	"github.com/cjeanneret/DoorGo/internal/hw/light"
	"github.com/cjeanneret/DoorGo/internal/hw/stepper"
	"github.com/cjeanneret/DoorGo/internal/logic/interlock"
	"golang.org/x/sync/semaphore"
)

// ErrUnavailable is returned while no hardware is bound, e.g. during a
// recovery backoff.
var ErrUnavailable = fmt.Errorf("door controller offline: %w", ioport.ErrHardwareUnavailable)

// Admission is the arbiter's answer to a submitted intent.
type Admission int

const (
	Accepted Admission = iota
	Busy
	Blocked
)

func (a Admission) String() string {
	switch a {
	case Busy:
		return "busy"
	case Blocked:
		return "blocked"
	default:
		return "accepted"
	}
}

// Result is returned by Submit.
type Result struct {
	Admission Admission
	Intent    Intent
	Light     bool                  // light state after a light intent
	Done      <-chan stepper.Outcome // accepted rotations only; receives once then closes
}

// Inputs is the sampling side of the I/O port.
type Inputs interface {
	Sample() (door.InputSnapshot, error)
	Snapshot() door.InputSnapshot
}

// Hardware is the set of actuators bound to the arbiter for one
// supervisor cycle.
type Hardware struct {
	Inputs Inputs
	Motor  *stepper.Motor
	Light  *light.Light
}

// Status is a read-only snapshot for the remote surfaces.
type Status struct {
	Online        bool
	Motor         door.MotorState
	HoldingTorque bool
	Light         bool
	LeverCW       bool
	LeverCCW      bool
	Params        stepper.Params
}

type job struct {
	intent Intent
	dir    door.Direction
	params stepper.Params
	done   chan stepper.Outcome
}

// Arbiter owns the single actuation slot.
type Arbiter struct {
	slot   *semaphore.Weighted
	cancel atomic.Bool
	stopMu sync.Mutex // orders a stop against a slot release
	jobs   chan job

	hwMu sync.RWMutex
	hw   *Hardware

	params    atomic.Pointer[stepper.Params]
	lastLight atomic.Bool
	events    fanout
}

// NewArbiter creates an arbiter with the initial rotation parameters.
func NewArbiter(params stepper.Params, notifiers ...Notifier) *Arbiter {
	a := &Arbiter{
		slot: semaphore.NewWeighted(1),
		jobs: make(chan job, 1),
	}
	a.params.Store(&params)
	for _, n := range notifiers {
		a.events.add(n)
	}
	return a
}

// AddNotifier registers n for every future event.
func (a *Arbiter) AddNotifier(n Notifier) {
	a.events.add(n)
}

// Submit hands an intent to the arbiter. Busy and Blocked are results,
// not errors; an error means the intent could not be evaluated at all.
func (a *Arbiter) Submit(i Intent) (Result, error) {
	debug.Live("Intent received", "id", i.ID, "kind", i.Kind.String(), "origin", string(i.Origin))
	switch i.Kind {
	case Stop:
		return a.stop(i), nil
	case RotateCW, RotateCCW:
		return a.submitRotation(i)
	case ToggleLight, SetLight:
		return a.submitLight(i)
	case SetTorque:
		return a.submitTorque(i)
	}
	return Result{Intent: i}, fmt.Errorf("%w: kind %d", ErrUnknownAction, int(i.Kind))
}

func (a *Arbiter) busy(i Intent) Result {
	debug.Verbose("Intent rejected: busy", "id", i.ID, "kind", i.Kind.String(), "origin", string(i.Origin))
	a.events.emit(newEvent(EventBusy, i))
	return Result{Admission: Busy, Intent: i}
}

func (a *Arbiter) submitRotation(i Intent) (Result, error) {
	dir, _ := i.Direction()
	if !a.slot.TryAcquire(1) {
		return a.busy(i), nil
	}

	a.hwMu.RLock()
	defer a.hwMu.RUnlock()
	hw := a.hw
	if hw == nil {
		a.release()
		return Result{Intent: i}, ErrUnavailable
	}

	in, err := hw.Inputs.Sample()
	if err != nil {
		a.release()
		return Result{Intent: i}, fmt.Errorf("sample inputs: %w", err)
	}
	if interlock.Decide(door.MotorState{Phase: door.Idle}, dir, in) == door.Block {
		debug.Info("Rotation blocked: lever engaged", "id", i.ID, "direction", dir.String(), "origin", string(i.Origin))
		if err := hw.Motor.Hold(); err != nil {
			debug.Error("Re-assert holding torque failed", "err", err)
		}
		a.release()
		ev := newEvent(EventRotationBlocked, i)
		ev.Torque = hw.Motor.HoldingTorque()
		a.events.emit(ev)
		return Result{Admission: Blocked, Intent: i}, nil
	}

	j := job{
		intent: i,
		dir:    dir,
		params: a.Params(),
		done:   make(chan stepper.Outcome, 1),
	}
	// The slot guarantees the buffer is empty.
	a.jobs <- j
	return Result{Admission: Accepted, Intent: i, Done: j.done}, nil
}

func (a *Arbiter) stop(i Intent) Result {
	a.stopMu.Lock()
	a.cancel.Store(true)
	idle := a.slot.TryAcquire(1)
	a.stopMu.Unlock()
	debug.Info("Stop requested", "id", i.ID, "origin", string(i.Origin), "idle", idle)

	ev := newEvent(EventStop, i)
	if idle {
		// Nothing in flight: make sure the door is held.
		a.hwMu.RLock()
		if hw := a.hw; hw != nil {
			if err := hw.Motor.Hold(); err != nil {
				debug.Error("Re-assert holding torque failed", "err", err)
			}
			ev.Torque = hw.Motor.HoldingTorque()
		}
		a.hwMu.RUnlock()
		a.release()
	}
	a.events.emit(ev)
	return Result{Admission: Accepted, Intent: i}
}

// release frees the actuation slot. A stop raised while the slot was held
// applied to that actuation and is cleared here.
func (a *Arbiter) release() {
	a.stopMu.Lock()
	a.cancel.Store(false)
	a.slot.Release(1)
	a.stopMu.Unlock()
}

func (a *Arbiter) submitLight(i Intent) (Result, error) {
	if !a.slot.TryAcquire(1) {
		return a.busy(i), nil
	}
	defer a.release()

	a.hwMu.RLock()
	defer a.hwMu.RUnlock()
	hw := a.hw
	if hw == nil {
		return Result{Intent: i}, ErrUnavailable
	}

	var (
		on      bool
		changed = true
		err     error
	)
	if i.Kind == ToggleLight {
		on, err = hw.Light.Toggle()
	} else {
		on = i.On
		changed, err = hw.Light.Set(on)
	}
	if err != nil {
		return Result{Intent: i}, err
	}
	a.lastLight.Store(on)
	if changed {
		ev := newEvent(EventLight, i)
		ev.Light = on
		a.events.emit(ev)
	}
	return Result{Admission: Accepted, Intent: i, Light: on}, nil
}

// submitTorque engages or releases the motor driver while idle. It is Busy
// during a rotation; the next rotation asserts torque again anyway.
func (a *Arbiter) submitTorque(i Intent) (Result, error) {
	if !a.slot.TryAcquire(1) {
		return a.busy(i), nil
	}
	defer a.release()

	a.hwMu.RLock()
	defer a.hwMu.RUnlock()
	if a.hw == nil {
		return Result{Intent: i}, ErrUnavailable
	}
	if err := a.hw.Motor.SetHoldingTorque(i.On); err != nil {
		return Result{Intent: i}, err
	}
	ev := newEvent(EventHoldingTorque, i)
	ev.Torque = i.On
	a.events.emit(ev)
	return Result{Admission: Accepted, Intent: i}, nil
}

// UpdateParameters validates and stores new rotation parameters. A rotation
// already admitted keeps the parameters it was admitted with.
func (a *Arbiter) UpdateParameters(stepsPerRev int, stepDelay time.Duration) error {
	if err := config.ValidateParameters(stepsPerRev, stepDelay); err != nil {
		return err
	}
	a.params.Store(&stepper.Params{StepsPerRev: stepsPerRev, StepDelay: stepDelay})
	debug.Verbose("Rotation parameters updated", "steps_per_rev", stepsPerRev, "step_delay", stepDelay)
	return nil
}

// Params returns the parameters the next rotation will use.
func (a *Arbiter) Params() stepper.Params {
	return *a.params.Load()
}

// LastLight returns the last light state set through the arbiter. The
// supervisor restores it after a restart.
func (a *Arbiter) LastLight() bool {
	return a.lastLight.Load()
}

// SeedLight records the light state without touching the hardware.
func (a *Arbiter) SeedLight(on bool) {
	a.lastLight.Store(on)
}

// Online reports whether hardware is bound.
func (a *Arbiter) Online() bool {
	a.hwMu.RLock()
	defer a.hwMu.RUnlock()
	return a.hw != nil
}

// Status returns a snapshot of the door.
func (a *Arbiter) Status() Status {
	st := Status{Params: a.Params(), Light: a.LastLight()}
	a.hwMu.RLock()
	defer a.hwMu.RUnlock()
	if a.hw == nil {
		return st
	}
	in := a.hw.Inputs.Snapshot()
	st.Online = true
	st.Motor = a.hw.Motor.State()
	st.HoldingTorque = a.hw.Motor.HoldingTorque()
	st.Light = a.hw.Light.On()
	st.LeverCW = in.LeverCW
	st.LeverCCW = in.LeverCCW
	return st
}

// Run binds hw and executes admitted rotations until ctx is done or a
// rotation fails. On return hw is unbound and any rotation still queued is
// reported as aborted without moving.
func (a *Arbiter) Run(ctx context.Context, hw *Hardware) error {
	a.hwMu.Lock()
	a.hw = hw
	a.hwMu.Unlock()
	defer a.unbind()

	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-a.jobs:
			if err := a.execute(ctx, hw, j); err != nil {
				return fmt.Errorf("rotation %s: %w", j.intent.ID, err)
			}
		}
	}
}

func (a *Arbiter) execute(ctx context.Context, hw *Hardware, j job) error {
	defer a.release()

	a.events.emit(newEvent(EventRotationStarted, j.intent))
	out, err := hw.Motor.Rotate(ctx, j.dir, j.params, &a.cancel)
	j.done <- out
	close(j.done)

	var t EventType
	switch out.Result {
	case stepper.Aborted:
		t = EventRotationAborted
	case stepper.Blocked:
		t = EventRotationBlocked
	default:
		t = EventRotationCompleted
	}
	ev := newEvent(t, j.intent)
	ev.Steps = out.Steps
	ev.Torque = hw.Motor.HoldingTorque()
	a.events.emit(ev)
	return err
}

func (a *Arbiter) unbind() {
	a.hwMu.Lock()
	defer a.hwMu.Unlock()
	a.hw = nil
	for {
		select {
		case j := <-a.jobs:
			j.done <- stepper.Outcome{Result: stepper.Aborted, Direction: j.dir, Requested: j.params.StepsPerRev}
			close(j.done)
			a.release()
		default:
			return
		}
	}
}
