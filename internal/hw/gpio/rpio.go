package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/DoorGo/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver is the memory-mapped implementation for Raspberry Pi using go-rpio.
// It only works on boards up to the Pi 4; the Pi 5 needs the cdev driver.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	r.mu.Lock()
	defer r.mu.Unlock()

	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
		p.PullOff()
	case InputPullUp:
		p.Input()
		p.PullUp()
	case Output:
		p.Low()
		p.Output()
	case OutputHigh:
		// The output latch is set before the pin switches direction.
		p.High()
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	r.pins[pin] = p
	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		return fmt.Errorf("pin %d is not set up", pin)
	}
	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		return Low, fmt.Errorf("pin %d is not set up", pin)
	}
	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

// ReleasePin returns the pin to a floating input, which is the reset state.
func (r *RPiDriver) ReleasePin(pin int) error {
	debug.GPIO("ReleasePin", pin, nil)
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		return nil
	}
	p.Input()
	p.PullOff()
	delete(r.pins, pin)
	return nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (rpio driver)")
	r.mu.Lock()
	defer r.mu.Unlock()

	// Reset all pins to input (safe state)
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin to input", "pin", pin)
		p.Input()
	}
	r.pins = make(map[int]rpio.Pin)

	return rpio.Close()
}
