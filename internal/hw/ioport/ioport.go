// Package ioport owns the door controller's digital lines: it acquires them
// all at once, debounces the inputs and guards the outputs.
package ioport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/DoorGo/internal/debug"
	"github.com/cjeanneret/DoorGo/internal/door"
	"github.com/cjeanneret/DoorGo/internal/hw/gpio"
)

var (
	// ErrHardwareUnavailable means a line could not be acquired.
	ErrHardwareUnavailable = errors.New("hardware unavailable")
	// ErrClosed is returned by operations on a closed port.
	ErrClosed = errors.New("io port closed")
)

// Line is a logical line name.
type Line string

// Output lines.
const (
	Direction Line = "direction"
	Step      Line = "step"
	Enable    Line = "enable"
	Light     Line = "light"
)

// Input lines.
const (
	BtnCW    Line = "btn_cw"
	BtnCCW   Line = "btn_ccw"
	BtnStop  Line = "btn_stop"
	BtnLight Line = "btn_light"
	LeverCW  Line = "lever_cw"
	LeverCCW Line = "lever_ccw"
)

var (
	Outputs = []Line{Direction, Step, Enable, Light}
	Inputs  = []Line{BtnCW, BtnCCW, BtnStop, BtnLight, LeverCW, LeverCCW}
)

func isLever(l Line) bool {
	return l == LeverCW || l == LeverCCW
}

// isSafety reports lines that must halt the motor on the very next step:
// they engage on the first pressed sample and only their release is
// debounced.
func isSafety(l Line) bool {
	return l == BtnStop || isLever(l)
}

// PinAssignment maps each logical line to a physical pin. It is copied on
// Open and never changes for the lifetime of a Port.
type PinAssignment map[Line]int

// Assignment converts a name-keyed pin table.
func Assignment(pins map[string]int) PinAssignment {
	pa := make(PinAssignment, len(pins))
	for name, pin := range pins {
		pa[Line(name)] = pin
	}
	return pa
}

// Options tune the electrical conventions and the debouncer.
type Options struct {
	EnableActiveLow bool // enable asserted means the pin is driven low
	InputsActiveLow bool // pressed means the pin reads low; inputs get a pull-up
	ButtonSamples   int  // identical consecutive samples before a button changes state
	LeverSamples    int  // samples before an engaged lever counts as released
	InitialLight    bool // light level driven right after acquisition
}

// Port is the exclusive owner of every door line.
type Port struct {
	mu       sync.Mutex
	drv      gpio.Driver
	pins     PinAssignment
	opts     Options
	acquired []Line
	outputs  map[Line]bool
	filters  map[Line]*debouncer
	snapshot door.InputSnapshot
	closed   bool
}

// Open acquires every line in pins. It takes ownership of drv: on failure
// the partially acquired lines are released, drv is closed and the error
// wraps ErrHardwareUnavailable.
func Open(drv gpio.Driver, pins PinAssignment, opts Options) (*Port, error) {
	if opts.ButtonSamples < 1 {
		opts.ButtonSamples = 1
	}
	if opts.LeverSamples < 1 {
		opts.LeverSamples = 1
	}

	p := &Port{
		drv:     drv,
		pins:    make(PinAssignment, len(pins)),
		opts:    opts,
		outputs: make(map[Line]bool, len(Outputs)),
		filters: make(map[Line]*debouncer, len(Inputs)),
	}
	for l, pin := range pins {
		p.pins[l] = pin
	}

	if err := p.acquire(); err != nil {
		if rerr := p.releaseAll(); rerr != nil {
			debug.Warn("release after failed open", "err", rerr)
		}
		if cerr := drv.Close(); cerr != nil {
			debug.Warn("close driver after failed open", "err", cerr)
		}
		return nil, err
	}

	debug.Verbose("io port open", "lines", len(p.acquired))
	return p, nil
}

func (p *Port) acquire() error {
	for _, l := range append(append([]Line{}, Outputs...), Inputs...) {
		if _, ok := p.pins[l]; !ok {
			return fmt.Errorf("%w: no pin assigned to %s", ErrHardwareUnavailable, l)
		}
	}

	initial := map[Line]bool{Light: p.opts.InitialLight}
	for _, l := range Outputs {
		pin := p.pins[l]
		// Request the line at its initial level so an active-low enable
		// never wakes the driver during acquisition.
		mode := gpio.Output
		if p.electrical(l, initial[l]) == gpio.High {
			mode = gpio.OutputHigh
		}
		if err := p.drv.SetupPin(pin, mode); err != nil {
			return fmt.Errorf("%w: %s (pin %d): %w", ErrHardwareUnavailable, l, pin, err)
		}
		p.acquired = append(p.acquired, l)
		if err := p.drv.WritePin(pin, p.electrical(l, initial[l])); err != nil {
			return fmt.Errorf("%w: %s (pin %d): %w", ErrHardwareUnavailable, l, pin, err)
		}
		p.outputs[l] = initial[l]
	}

	mode := gpio.Input
	if p.opts.InputsActiveLow {
		mode = gpio.InputPullUp
	}
	for _, l := range Inputs {
		pin := p.pins[l]
		if err := p.drv.SetupPin(pin, mode); err != nil {
			return fmt.Errorf("%w: %s (pin %d): %w", ErrHardwareUnavailable, l, pin, err)
		}
		p.acquired = append(p.acquired, l)

		// Seed the filter with the current level so a switch already held
		// at startup is seen at once.
		pressed, err := p.rawPressed(l)
		if err != nil {
			return fmt.Errorf("%w: %s (pin %d): %w", ErrHardwareUnavailable, l, pin, err)
		}
		samples := p.opts.ButtonSamples
		if isLever(l) {
			samples = p.opts.LeverSamples
		}
		p.filters[l] = &debouncer{need: samples, latch: isSafety(l), stable: pressed, candidate: pressed}
	}
	p.snapshot = p.snapshotLocked()
	return nil
}

func (p *Port) electrical(l Line, v bool) gpio.Level {
	if l == Enable && p.opts.EnableActiveLow {
		return gpio.Level(!v)
	}
	return gpio.Level(v)
}

func (p *Port) rawPressed(l Line) (bool, error) {
	lvl, err := p.drv.ReadPin(p.pins[l])
	if err != nil {
		return false, err
	}
	if p.opts.InputsActiveLow {
		return lvl == gpio.Low, nil
	}
	return lvl == gpio.High, nil
}

// Sample reads every input once, feeds the debouncers and returns the new
// debounced snapshot.
func (p *Port) Sample() (door.InputSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return door.InputSnapshot{}, ErrClosed
	}
	for _, l := range Inputs {
		pressed, err := p.rawPressed(l)
		if err != nil {
			return p.snapshot, fmt.Errorf("read %s: %w", l, err)
		}
		f := p.filters[l]
		before := f.stable
		if after := f.update(pressed); after != before {
			debug.Verbose("input changed", "line", string(l), "pressed", after)
		}
	}
	p.snapshot = p.snapshotLocked()
	return p.snapshot, nil
}

func (p *Port) snapshotLocked() door.InputSnapshot {
	get := func(l Line) bool {
		if f, ok := p.filters[l]; ok {
			return f.stable
		}
		return false
	}
	return door.InputSnapshot{
		BtnCW:    get(BtnCW),
		BtnCCW:   get(BtnCCW),
		BtnStop:  get(BtnStop),
		BtnLight: get(BtnLight),
		LeverCW:  get(LeverCW),
		LeverCCW: get(LeverCCW),
	}
}

// Snapshot returns the last debounced snapshot without touching the lines.
func (p *Port) Snapshot() door.InputSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}

// Read returns the debounced state of one input line.
func (p *Port) Read(l Line) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, ErrClosed
	}
	f, ok := p.filters[l]
	if !ok {
		return false, fmt.Errorf("%s is not an input line", l)
	}
	return f.stable, nil
}

// Write sets an output line. Writing the value the line already has is a
// no-op and reports changed=false.
func (p *Port) Write(l Line, v bool) (changed bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, ErrClosed
	}
	cur, ok := p.outputs[l]
	if !ok {
		return false, fmt.Errorf("%s is not an output line", l)
	}
	if cur == v {
		return false, nil
	}
	if err := p.drv.WritePin(p.pins[l], p.electrical(l, v)); err != nil {
		return false, fmt.Errorf("write %s: %w", l, err)
	}
	p.outputs[l] = v
	return true, nil
}

// Output returns the logical value last written to an output line.
func (p *Port) Output(l Line) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outputs[l]
}

// Pins returns a copy of the assignment the port was opened with.
func (p *Port) Pins() PinAssignment {
	out := make(PinAssignment, len(p.pins))
	for l, pin := range p.pins {
		out[l] = pin
	}
	return out
}

// Close drives enable and step low, leaves the light as is, releases every
// line and closes the driver. Release keeps going past failures; all of
// them are returned joined. Calling Close again is a no-op.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for _, l := range []Line{Enable, Step} {
		if _, ok := p.outputs[l]; !ok {
			continue
		}
		if err := p.drv.WritePin(p.pins[l], p.electrical(l, false)); err != nil {
			errs = append(errs, fmt.Errorf("safe %s: %w", l, err))
			continue
		}
		p.outputs[l] = false
	}
	if err := p.releaseAll(); err != nil {
		errs = append(errs, err)
	}
	if err := p.drv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close driver: %w", err))
	}
	debug.Verbose("io port closed")
	return errors.Join(errs...)
}

func (p *Port) releaseAll() error {
	var errs []error
	for i := len(p.acquired) - 1; i >= 0; i-- {
		l := p.acquired[i]
		if err := p.drv.ReleasePin(p.pins[l]); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", l, err))
		}
	}
	p.acquired = nil
	return errors.Join(errs...)
}

// debouncer is an integrating filter: the stable state only changes after
// need identical consecutive samples of the opposite value. A latching
// filter goes to pressed on the first pressed sample.
type debouncer struct {
	need      int
	latch     bool
	stable    bool
	candidate bool
	count     int
}

func (d *debouncer) update(raw bool) bool {
	if raw == d.stable {
		d.candidate = raw
		d.count = 0
		return d.stable
	}
	if raw && d.latch {
		d.stable, d.candidate, d.count = true, true, 0
		return true
	}
	if raw != d.candidate {
		d.candidate = raw
		d.count = 0
	}
	d.count++
	if d.count >= d.need {
		d.stable = raw
		d.count = 0
	}
	return d.stable
}
