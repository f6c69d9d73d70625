package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/DoorGo/internal/debug"
	"github.com/cjeanneret/DoorGo/internal/hw/gpio"
	"github.com/cjeanneret/DoorGo/internal/hw/ioport"
	"github.com/cjeanneret/DoorGo/internal/hw/light"
	"github.com/cjeanneret/DoorGo/internal/hw/stepper"
	"github.com/cjeanneret/DoorGo/internal/logic/motion"
	"github.com/cjeanneret/DoorGo/internal/logic/panel"
)

// DriverFactory creates a fresh GPIO driver for one open attempt.
type DriverFactory func() (gpio.Driver, error)

// PortOpener returns an Opener that builds a new driver per attempt and
// opens the port with the light at lastLight().
func PortOpener(newDriver DriverFactory, opts ioport.Options, lastLight func() bool) Opener {
	return func(pins map[string]int) (*ioport.Port, error) {
		drv, err := newDriver()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ioport.ErrHardwareUnavailable, err)
		}
		o := opts
		if lastLight != nil {
			o.InitialLight = lastLight()
		}
		return ioport.Open(drv, ioport.Assignment(pins), o)
	}
}

// Scheduler is the loop side of the astronomical scheduler.
type Scheduler interface {
	Run(ctx context.Context) error
}

// DoorConfig describes the loops of a door cycle.
type DoorConfig struct {
	Arbiter      *motion.Arbiter
	Motor        stepper.Config
	PollInterval time.Duration
	Scheduler    Scheduler // nil disables the scheduler loop
}

// DoorBuilder returns a Builder that resets the door to its safe state on
// the new port (motor idle, holding torque on, light as last set) and runs
// the arbiter, the button panel and the scheduler.
func DoorBuilder(cfg DoorConfig) Builder {
	return func(port *ioport.Port) ([]Loop, error) {
		motor := stepper.NewMotor(port, cfg.Motor)
		if err := motor.Hold(); err != nil {
			return nil, err
		}
		lt := light.New(port, port.Output(ioport.Light))
		cfg.Arbiter.SeedLight(lt.On())

		hw := &motion.Hardware{Inputs: port, Motor: motor, Light: lt}
		buttons := panel.New(port, cfg.Arbiter, cfg.PollInterval)

		loops := []Loop{
			{Name: "arbiter", Run: func(ctx context.Context) error { return cfg.Arbiter.Run(ctx, hw) }},
			{Name: "panel", Run: buttons.Run},
		}
		if cfg.Scheduler != nil {
			loops = append(loops, Loop{Name: "scheduler", Run: cfg.Scheduler.Run})
		}
		debug.Verbose("Door loops built", "count", len(loops), "light", lt.On())
		return loops, nil
	}
}
