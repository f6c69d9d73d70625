package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/DoorGo/internal/debug"
	"github.com/warthog618/go-gpiocdev"
)

// CdevDriver uses the Linux GPIO character device (/dev/gpiochipN).
// Each pin is requested as its own line so it can be released on its own.
type CdevDriver struct {
	mu       sync.Mutex
	chip     string
	consumer string
	lines    map[int]*gpiocdev.Line
}

// NewCdevDriver checks that chip exists and returns a driver for it.
func NewCdevDriver(chip, consumer string) (*CdevDriver, error) {
	debug.Info("Initializing real GPIO driver (gpiocdev)", "chip", chip)

	c, err := gpiocdev.NewChip(chip, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", chip, err)
	}
	debug.Verbose("GPIO chip opened", "chip", c.Name, "lines", c.Lines())
	if err := c.Close(); err != nil {
		return nil, fmt.Errorf("close %s: %w", chip, err)
	}

	return &CdevDriver{
		chip:     chip,
		consumer: consumer,
		lines:    make(map[int]*gpiocdev.Line),
	}, nil
}

func (d *CdevDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.lines[pin]; ok {
		if err := l.Close(); err != nil {
			return fmt.Errorf("release line %d before reconfigure: %w", pin, err)
		}
		delete(d.lines, pin)
	}

	opts := []gpiocdev.LineReqOption{gpiocdev.WithConsumer(d.consumer)}
	switch mode {
	case Input:
		opts = append(opts, gpiocdev.AsInput)
	case InputPullUp:
		opts = append(opts, gpiocdev.AsInput, gpiocdev.WithPullUp)
	case Output:
		opts = append(opts, gpiocdev.AsOutput(0))
	case OutputHigh:
		opts = append(opts, gpiocdev.AsOutput(1))
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	l, err := gpiocdev.RequestLine(d.chip, pin, opts...)
	if err != nil {
		return fmt.Errorf("request line %d on %s: %w", pin, d.chip, err)
	}
	d.lines[pin] = l
	return nil
}

func (d *CdevDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.lines[pin]
	if !ok {
		return fmt.Errorf("pin %d is not set up", pin)
	}
	v := 0
	if level == High {
		v = 1
	}
	return l.SetValue(v)
}

func (d *CdevDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.lines[pin]
	if !ok {
		return Low, fmt.Errorf("pin %d is not set up", pin)
	}
	v, err := l.Value()
	if err != nil {
		return Low, fmt.Errorf("read line %d: %w", pin, err)
	}
	return Level(v != 0), nil
}

func (d *CdevDriver) ReleasePin(pin int) error {
	debug.GPIO("ReleasePin", pin, nil)
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.lines[pin]
	if !ok {
		return nil
	}
	// Forget the handle even if the kernel refuses the close, so a retry
	// requests a fresh line instead of reusing a broken one.
	delete(d.lines, pin)
	return l.Close()
}

func (d *CdevDriver) Close() error {
	debug.Trace("GPIO Close (cdev driver)")
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for pin, l := range d.lines {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", pin, err))
		}
	}
	d.lines = make(map[int]*gpiocdev.Line)
	return errors.Join(errs...)
}
