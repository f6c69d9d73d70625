package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/DoorGo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
	InputPullUp // input with the internal pull-up bias enabled
	OutputHigh  // output driven high from the moment it is requested
)

// IsOutput reports whether the mode drives the pin.
func (m PinMode) IsOutput() bool {
	return m == Output || m == OutputHigh
}

func (m PinMode) String() string {
	switch m {
	case Output:
		return "output"
	case OutputHigh:
		return "output-high"
	case InputPullUp:
		return "input-pullup"
	default:
		return "input"
	}
}

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in the Linux character device, the memory-mapped
// Raspberry Pi implementation or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	// ReleasePin gives the line back to the system. Releasing a pin that
	// was never set up is not an error.
	ReleasePin(pin int) error
	Close() error
}

// NewDriver creates a GPIO driver by name: "cdev", "rpio" or "mock".
// chip and consumer are only used by the cdev driver.
func NewDriver(kind, chip, consumer string) (Driver, error) {
	switch kind {
	case "mock":
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	case "rpio":
		return NewRPiRealDriver()
	case "cdev", "":
		return NewCdevDriver(chip, consumer)
	default:
		return nil, fmt.Errorf("unknown gpio driver %q", kind)
	}
}

// MockDriver is an in-memory implementation used for development on PC
// and in tests. Inputs can be driven with SetInput; outputs are recorded.
// The zero value is ready to use.
type MockDriver struct {
	mu        sync.Mutex
	modes     map[int]PinMode
	levels    map[int]Level
	writes    map[int]int
	released  map[int]int
	failSetup map[int]error
	failClose map[int]error
	closed    bool
}

// NewMockDriver returns an empty mock driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{}
}

func (m *MockDriver) init() {
	if m.modes == nil {
		m.modes = make(map[int]PinMode)
		m.levels = make(map[int]Level)
		m.writes = make(map[int]int)
		m.released = make(map[int]int)
		m.failSetup = make(map[int]error)
		m.failClose = make(map[int]error)
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if err := m.failSetup[pin]; err != nil {
		return err
	}
	m.modes[pin] = mode
	if mode.IsOutput() {
		m.levels[pin] = Level(mode == OutputHigh)
	} else if _, ok := m.levels[pin]; !ok {
		// A pulled-up input floats high until something grounds it.
		m.levels[pin] = Level(mode == InputPullUp)
	}
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if mode, ok := m.modes[pin]; !ok || !mode.IsOutput() {
		return fmt.Errorf("pin %d is not set up as output", pin)
	}
	m.levels[pin] = level
	m.writes[pin]++
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if _, ok := m.modes[pin]; !ok {
		return Low, fmt.Errorf("pin %d is not set up", pin)
	}
	return m.levels[pin], nil
}

func (m *MockDriver) ReleasePin(pin int) error {
	debug.GPIO("ReleasePin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if _, ok := m.modes[pin]; !ok {
		return nil
	}
	delete(m.modes, pin)
	m.released[pin]++
	return m.failClose[pin]
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SetInput drives the electrical level seen on an input pin.
func (m *MockDriver) SetInput(pin int, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.levels[pin] = level
}

// Level returns the last level written to or driven on pin.
func (m *MockDriver) Level(pin int) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return m.levels[pin]
}

// Writes returns how many times pin was written.
func (m *MockDriver) Writes(pin int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return m.writes[pin]
}

// Acquired reports whether pin is currently set up.
func (m *MockDriver) Acquired(pin int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	_, ok := m.modes[pin]
	return ok
}

// AcquiredCount returns the number of pins currently set up.
func (m *MockDriver) AcquiredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.modes)
}

// Released returns how many times pin was released.
func (m *MockDriver) Released(pin int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return m.released[pin]
}

// Closed reports whether Close was called.
func (m *MockDriver) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// FailSetup makes SetupPin(pin) return err. A nil err clears the failure.
func (m *MockDriver) FailSetup(pin int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.failSetup[pin] = err
}

// FailRelease makes ReleasePin(pin) return err after releasing the line.
func (m *MockDriver) FailRelease(pin int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.failClose[pin] = err
}
