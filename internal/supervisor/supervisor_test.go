package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/DoorGo/internal/config"
	"github.com/cjeanneret/DoorGo/internal/hw/gpio"
	"github.com/cjeanneret/DoorGo/internal/hw/ioport"
	"github.com/cjeanneret/DoorGo/internal/hw/stepper"
	"github.com/cjeanneret/DoorGo/internal/logic/motion"
)

var testOpts = ioport.Options{InputsActiveLow: true, ButtonSamples: 3, LeverSamples: 1}

// rig records every driver it hands out and every backoff wait.
type rig struct {
	mu       sync.Mutex
	drivers  []*gpio.MockDriver
	pins     []map[string]int
	failOpen int
	waits    []time.Duration
	prepare  func(*gpio.MockDriver)
}

func (r *rig) open(pins map[string]int) (*ioport.Port, error) {
	r.mu.Lock()
	r.pins = append(r.pins, pins)
	if r.failOpen > 0 {
		r.failOpen--
		r.mu.Unlock()
		return nil, ioport.ErrHardwareUnavailable
	}
	drv := gpio.NewMockDriver()
	if r.prepare != nil {
		r.prepare(drv)
	}
	r.drivers = append(r.drivers, drv)
	r.mu.Unlock()
	return ioport.Open(drv, ioport.Assignment(pins), testOpts)
}

func (r *rig) wait(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *rig) snapshot() (drivers []*gpio.MockDriver, waits []time.Duration, pins []map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*gpio.MockDriver(nil), r.drivers...), append([]time.Duration(nil), r.waits...), append([]map[string]int(nil), r.pins...)
}

// blockingLoop runs until ctx is done and reports each start.
func blockingLoop(started chan<- struct{}) Loop {
	return Loop{Name: "block", Run: func(ctx context.Context) error {
		started <- struct{}{}
		<-ctx.Done()
		return nil
	}}
}

func runSupervisor(t *testing.T, s *Supervisor) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run = %v, want nil", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("supervisor did not stop")
		}
	}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestRun_RetriesOpenWithFixedBackoff(t *testing.T) {
	r := &rig{failOpen: 3}
	started := make(chan struct{}, 4)
	s := New(Config{
		Backoff: 10 * time.Second,
		Pins:    config.DefaultPins(),
		Open:    r.open,
		Build:   func(*ioport.Port) ([]Loop, error) { return []Loop{blockingLoop(started)}, nil },
		Wait:    r.wait,
	})
	stop := runSupervisor(t, s)
	waitFor(t, started)

	if !s.Healthy() {
		t.Error("supervisor should be healthy once loops run")
	}
	_, waits, pins := r.snapshot()
	if len(waits) != 3 {
		t.Fatalf("waits = %v, want 3", waits)
	}
	for _, d := range waits {
		if d != 10*time.Second {
			t.Errorf("backoff = %v, want a fixed 10s", d)
		}
	}
	if len(pins) != 4 {
		t.Errorf("open attempts = %d, want 4", len(pins))
	}
	st := s.Status()
	if st.Failures != 3 || st.Cycles != 4 || st.State != StateRunning {
		t.Errorf("status = %+v", st)
	}
	stop()
	if s.Healthy() {
		t.Error("supervisor should not be healthy after stop")
	}
}

func TestRun_LoopFaultReleasesAndRestarts(t *testing.T) {
	r := &rig{}
	started := make(chan struct{}, 4)
	var builds int
	s := New(Config{
		Pins: config.DefaultPins(),
		Open: r.open,
		Build: func(*ioport.Port) ([]Loop, error) {
			builds++
			if builds == 1 {
				return []Loop{
					{Name: "faulty", Run: func(context.Context) error { return errors.New("bus error") }},
					blockingLoop(make(chan struct{}, 1)),
				}, nil
			}
			return []Loop{blockingLoop(started)}, nil
		},
		Wait: r.wait,
	})
	stop := runSupervisor(t, s)
	waitFor(t, started)
	defer stop()

	drivers, waits, _ := r.snapshot()
	if len(drivers) != 2 {
		t.Fatalf("drivers = %d, want 2", len(drivers))
	}
	first := drivers[0]
	if !first.Closed() || first.AcquiredCount() != 0 {
		t.Error("first cycle must release every line before the restart")
	}
	if len(waits) != 1 {
		t.Errorf("waits = %d, want 1", len(waits))
	}
	if st := s.Status(); st.LastError == "" {
		t.Error("status should carry the last fault")
	}
}

func TestRun_PanicIsAFault(t *testing.T) {
	r := &rig{}
	started := make(chan struct{}, 4)
	var builds int
	s := New(Config{
		Pins: config.DefaultPins(),
		Open: r.open,
		Build: func(*ioport.Port) ([]Loop, error) {
			builds++
			if builds == 1 {
				return []Loop{{Name: "panicky", Run: func(context.Context) error { panic("nil map") }}}, nil
			}
			return []Loop{blockingLoop(started)}, nil
		},
		Wait: r.wait,
	})
	stop := runSupervisor(t, s)
	waitFor(t, started)
	stop()

	if s.Status().Failures != 1 {
		t.Errorf("failures = %d, want 1", s.Status().Failures)
	}
}

func TestRun_CloseFailureDoesNotStopRetry(t *testing.T) {
	pins := config.DefaultPins()
	r := &rig{}
	r.prepare = func(d *gpio.MockDriver) {
		d.FailRelease(pins[config.PinLight], errors.New("release failed"))
	}
	started := make(chan struct{}, 4)
	var builds int
	s := New(Config{
		Pins: pins,
		Open: r.open,
		Build: func(*ioport.Port) ([]Loop, error) {
			builds++
			if builds == 1 {
				return []Loop{{Name: "faulty", Run: func(context.Context) error { return errors.New("fault") }}}, nil
			}
			return []Loop{blockingLoop(started)}, nil
		},
		Wait: r.wait,
	})
	stop := runSupervisor(t, s)
	waitFor(t, started)
	stop()

	drivers, _, _ := r.snapshot()
	if len(drivers) < 2 {
		t.Fatalf("drivers = %d, want a second open after a failed release", len(drivers))
	}
	if !drivers[0].Closed() {
		t.Error("driver must be closed even when a release fails")
	}
}

func TestReopen_AppliesPendingPinsWithoutBackoff(t *testing.T) {
	r := &rig{}
	started := make(chan struct{}, 4)
	s := New(Config{
		Pins:  config.DefaultPins(),
		Open:  r.open,
		Build: func(*ioport.Port) ([]Loop, error) { return []Loop{blockingLoop(started)}, nil },
		Wait:  r.wait,
	})
	stop := runSupervisor(t, s)
	defer stop()
	waitFor(t, started)

	if err := s.SetPins(map[string]int{config.PinLight: 25}); err != nil {
		t.Fatal(err)
	}
	if st := s.Status(); st.PendingPins[config.PinLight] != 25 || st.Pins[config.PinLight] == 25 {
		t.Errorf("pins must stay pending until re-open: %+v", st)
	}
	s.Reopen()
	waitFor(t, started)

	drivers, waits, pins := r.snapshot()
	if len(waits) != 0 {
		t.Errorf("operator re-open waited %v", waits)
	}
	if len(pins) != 2 || pins[1][config.PinLight] != 25 {
		t.Errorf("second open pins = %v", pins)
	}
	if !drivers[0].Closed() {
		t.Error("old port must be closed before the re-open")
	}
	if st := s.Status(); st.PendingPins != nil || st.Pins[config.PinLight] != 25 {
		t.Errorf("status after re-open = %+v", st)
	}
}

func TestSetPins_Invalid(t *testing.T) {
	s := New(Config{Pins: config.DefaultPins()})
	cases := map[string]map[string]int{
		"out of range": {config.PinStep: 28},
		"duplicate":    {config.PinStep: 20},
		"unknown":      {"door_bell": 3},
	}
	for name, pins := range cases {
		t.Run(name, func(t *testing.T) {
			if err := s.SetPins(pins); !errors.Is(err, config.ErrInvalid) {
				t.Errorf("err = %v, want config.ErrInvalid", err)
			}
			if s.Status().PendingPins != nil {
				t.Error("invalid pins must not be stored")
			}
		})
	}
}

func TestDoorBuilder_SafeStateAndLightRestore(t *testing.T) {
	arb := motion.NewArbiter(stepper.Params{StepsPerRev: 20, StepDelay: time.Microsecond})
	arb.SeedLight(true)

	var drv *gpio.MockDriver
	open := PortOpener(func() (gpio.Driver, error) {
		drv = gpio.NewMockDriver()
		return drv, nil
	}, testOpts, arb.LastLight)

	s := New(Config{
		Pins: config.DefaultPins(),
		Open: open,
		Build: DoorBuilder(DoorConfig{
			Arbiter:      arb,
			Motor:        stepper.Config{Sleep: func(time.Duration) {}},
			PollInterval: time.Millisecond,
		}),
		Wait: func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	stop := runSupervisor(t, s)
	defer stop()

	deadline := time.Now().Add(5 * time.Second)
	for !arb.Online() {
		if time.Now().After(deadline) {
			t.Fatal("arbiter never came online")
		}
		time.Sleep(time.Millisecond)
	}

	st := arb.Status()
	if !st.HoldingTorque {
		t.Error("holding torque must be on after a (re)start")
	}
	if !st.Light {
		t.Error("light should be restored to its last state")
	}
	pins := config.DefaultPins()
	if drv.Level(pins[config.PinLight]) != gpio.High {
		t.Error("light line should be driven high")
	}

	res, err := arb.Submit(motion.NewIntent(motion.RotateCW, motion.OriginRemote))
	if err != nil || res.Admission != motion.Accepted {
		t.Fatalf("rotation: %+v %v", res, err)
	}
	select {
	case out := <-res.Done:
		if out.Result != stepper.Completed {
			t.Errorf("result = %v", out.Result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("rotation did not finish")
	}
}

func TestPortOpener_DriverFailure(t *testing.T) {
	open := PortOpener(func() (gpio.Driver, error) { return nil, errors.New("no /dev/gpiochip4") }, testOpts, nil)
	if _, err := open(config.DefaultPins()); !errors.Is(err, ioport.ErrHardwareUnavailable) {
		t.Errorf("err = %v, want ErrHardwareUnavailable", err)
	}
}
