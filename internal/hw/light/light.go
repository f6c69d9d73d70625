// Package light drives the coop light through a single compare-and-set setter.
package light

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/DoorGo/internal/debug"
	"github.com/cjeanneret/DoorGo/internal/hw/ioport"
)

// Writer is the output side of the I/O port.
type Writer interface {
	Write(l ioport.Line, v bool) (bool, error)
}

// Light owns LightState.
type Light struct {
	mu  sync.Mutex
	out Writer
	on  bool
}

// New returns a Light whose state starts at initial. The caller is expected
// to have driven the line to the same level (see ioport.Options.InitialLight).
func New(out Writer, initial bool) *Light {
	return &Light{out: out, on: initial}
}

// Set switches the light. It only writes the line, and only logs, when the
// state changes. changed reports whether it did.
func (l *Light) Set(on bool) (changed bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.on == on {
		return false, nil
	}
	if _, err := l.out.Write(ioport.Light, on); err != nil {
		return false, fmt.Errorf("set light: %w", err)
	}
	l.on = on
	debug.Live("Light changed", "on", on)
	return true, nil
}

// Toggle inverts the light and returns the new state.
func (l *Light) Toggle() (bool, error) {
	l.mu.Lock()
	target := !l.on
	l.mu.Unlock()
	if _, err := l.Set(target); err != nil {
		return !target, err
	}
	return target, nil
}

// On reports the current state.
func (l *Light) On() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}
