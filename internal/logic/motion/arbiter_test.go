package motion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/DoorGo/internal/config"
	"github.com/cjeanneret/DoorGo/internal/door"
	"github.com/cjeanneret/DoorGo/internal/hw/gpio"
	"github.com/cjeanneret/DoorGo/internal/hw/ioport"
	"github.com/cjeanneret/DoorGo/internal/hw/light"
	"github.com/cjeanneret/DoorGo/internal/hw/stepper"
)

var testParams = stepper.Params{StepsPerRev: 200, StepDelay: time.Microsecond}

// rig wires an arbiter to a mock-driven I/O port.
type rig struct {
	arb    *Arbiter
	drv    *gpio.MockDriver
	pins   ioport.PinAssignment
	port   *ioport.Port
	hw     *Hardware
	events *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Notify(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func newHardware(t *testing.T, sleep func(time.Duration)) (*Hardware, *gpio.MockDriver, ioport.PinAssignment, *ioport.Port) {
	t.Helper()
	drv := gpio.NewMockDriver()
	pins := ioport.Assignment(config.DefaultPins())
	port, err := ioport.Open(drv, pins, ioport.Options{InputsActiveLow: true, ButtonSamples: 3, LeverSamples: 1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = port.Close() })
	if sleep == nil {
		sleep = func(time.Duration) {}
	}
	hw := &Hardware{
		Inputs: port,
		Motor:  stepper.NewMotor(port, stepper.Config{Sleep: sleep}),
		Light:  light.New(port, false),
	}
	return hw, drv, pins, port
}

// newRig starts the arbiter worker; it stops when the test ends.
func newRig(t *testing.T, sleep func(time.Duration)) *rig {
	t.Helper()
	hw, drv, pins, port := newHardware(t, sleep)
	events := &eventLog{}
	arb := NewArbiter(testParams, events)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- arb.Run(ctx, hw) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for !arb.Online() {
		if time.Now().After(deadline) {
			t.Fatal("arbiter never came online")
		}
		time.Sleep(time.Millisecond)
	}
	return &rig{arb: arb, drv: drv, pins: pins, port: port, hw: hw, events: events}
}

// gate blocks the first motor sleep until opened, so a test can act while
// a rotation is in flight.
type gate struct {
	once    sync.Once
	started chan struct{}
	open    chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), open: make(chan struct{})}
}

func (g *gate) sleep(time.Duration) {
	g.once.Do(func() {
		close(g.started)
		<-g.open
	})
}

func waitOutcome(t *testing.T, ch <-chan stepper.Outcome) stepper.Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("rotation did not finish")
	}
	return stepper.Outcome{}
}

func waitStarted(t *testing.T, g *gate) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatal("rotation did not start")
	}
}

func TestSubmit_RotationCompletes(t *testing.T) {
	r := newRig(t, nil)

	res, err := r.arb.Submit(NewIntent(RotateCW, OriginRemote))
	if err != nil {
		t.Fatal(err)
	}
	if res.Admission != Accepted || res.Done == nil {
		t.Fatalf("admission = %v, want accepted with a Done channel", res.Admission)
	}
	out := waitOutcome(t, res.Done)
	if out.Result != stepper.Completed || out.Steps != testParams.StepsPerRev {
		t.Errorf("outcome = %+v", out)
	}
	if !r.hw.Motor.HoldingTorque() {
		t.Error("holding torque must be asserted after the rotation")
	}
	// The worker releases the slot right after reporting.
	deadline := time.Now().Add(time.Second)
	for r.events.count(EventRotationCompleted) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if r.events.count(EventRotationStarted) != 1 || r.events.count(EventRotationCompleted) != 1 {
		t.Error("expected one started and one completed event")
	}
}

func TestSubmit_BlockedByLever(t *testing.T) {
	r := newRig(t, nil)
	r.drv.SetInput(r.pins[ioport.LeverCW], gpio.Low)
	stepWrites := r.drv.Writes(r.pins[ioport.Step])

	res, err := r.arb.Submit(NewIntent(RotateCW, OriginButton))
	if err != nil {
		t.Fatal(err)
	}
	if res.Admission != Blocked {
		t.Fatalf("admission = %v, want blocked", res.Admission)
	}
	if got := r.drv.Writes(r.pins[ioport.Step]); got != stepWrites {
		t.Errorf("step pin written %d times, want 0", got-stepWrites)
	}
	if !r.hw.Motor.State().IsIdle() {
		t.Error("motor must stay idle")
	}
	if !r.hw.Motor.HoldingTorque() {
		t.Error("a blocked request still re-asserts holding torque")
	}

	// The other direction is free.
	res, _ = r.arb.Submit(NewIntent(RotateCCW, OriginButton))
	if res.Admission != Accepted {
		t.Errorf("ccw admission = %v, want accepted", res.Admission)
	}
	waitOutcome(t, res.Done)
}

func TestSubmit_StopWinsAndOthersBusy(t *testing.T) {
	g := newGate()
	r := newRig(t, g.sleep)

	res, err := r.arb.Submit(NewIntent(RotateCW, OriginRemote))
	if err != nil || res.Admission != Accepted {
		t.Fatalf("first rotation: %v %v", res.Admission, err)
	}
	waitStarted(t, g)

	var wg sync.WaitGroup
	results := make(chan Result, 3)
	for _, i := range []Intent{
		NewIntent(RotateCCW, OriginButton),
		NewIntent(RotateCW, OriginScheduler),
		NewIntent(Stop, OriginRemote),
	} {
		wg.Add(1)
		go func(i Intent) {
			defer wg.Done()
			res, err := r.arb.Submit(i)
			if err != nil {
				t.Errorf("Submit(%v): %v", i.Kind, err)
			}
			results <- res
		}(i)
	}
	wg.Wait()
	close(results)

	for res := range results {
		switch res.Intent.Kind {
		case Stop:
			if res.Admission != Accepted {
				t.Errorf("stop admission = %v, want accepted", res.Admission)
			}
		default:
			if res.Admission != Busy {
				t.Errorf("%v admission = %v, want busy", res.Intent.Kind, res.Admission)
			}
		}
	}

	close(g.open)
	out := waitOutcome(t, res.Done)
	if out.Result != stepper.Aborted {
		t.Errorf("result = %v, want aborted", out.Result)
	}
	if out.Steps > 1 {
		t.Errorf("steps = %d, stop must take effect on the next step", out.Steps)
	}
	if !r.hw.Motor.HoldingTorque() {
		t.Error("holding torque must be asserted after the stop")
	}
}

func TestSubmit_ConcurrentRotationsOnlyOneRuns(t *testing.T) {
	g := newGate()
	r := newRig(t, g.sleep)

	const n = 20
	start := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	var accepted []Result
	for k := 0; k < n; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			kind := RotateCW
			if k%2 == 1 {
				kind = RotateCCW
			}
			<-start
			res, err := r.arb.Submit(NewIntent(kind, OriginRemote))
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			if res.Admission == Accepted {
				mu.Lock()
				accepted = append(accepted, res)
				mu.Unlock()
			}
		}(k)
	}
	close(start)
	wg.Wait()

	if len(accepted) != 1 {
		t.Fatalf("accepted = %d, want exactly 1", len(accepted))
	}
	waitStarted(t, g)
	close(g.open)
	waitOutcome(t, accepted[0].Done)

	if got := r.events.count(EventRotationStarted); got != 1 {
		t.Errorf("rotations started = %d, want 1", got)
	}
	if got := r.events.count(EventBusy); got != n-1 {
		t.Errorf("busy events = %d, want %d", got, n-1)
	}
}

func TestSubmit_LightBusyDuringRotation(t *testing.T) {
	g := newGate()
	r := newRig(t, g.sleep)

	res, _ := r.arb.Submit(NewIntent(RotateCCW, OriginRemote))
	waitStarted(t, g)

	lres, err := r.arb.Submit(NewIntent(ToggleLight, OriginButton))
	if err != nil {
		t.Fatal(err)
	}
	if lres.Admission != Busy {
		t.Errorf("light admission = %v, want busy", lres.Admission)
	}
	tres, _ := r.arb.Submit(NewSetTorque(false, OriginRemote))
	if tres.Admission != Busy {
		t.Errorf("torque admission = %v, want busy", tres.Admission)
	}
	close(g.open)
	waitOutcome(t, res.Done)
}

func TestSubmit_SetLightIdempotent(t *testing.T) {
	r := newRig(t, nil)
	before := r.drv.Writes(r.pins[ioport.Light])

	for k := 0; k < 2; k++ {
		res, err := r.arb.Submit(NewSetLight(true, OriginScheduler))
		if err != nil || res.Admission != Accepted || !res.Light {
			t.Fatalf("SetLight(true): %+v %v", res, err)
		}
	}
	if got := r.drv.Writes(r.pins[ioport.Light]) - before; got != 1 {
		t.Errorf("physical light writes = %d, want 1", got)
	}
	if r.events.count(EventLight) != 1 {
		t.Errorf("light events = %d, want 1", r.events.count(EventLight))
	}
	if !r.arb.LastLight() {
		t.Error("LastLight should follow the light")
	}

	res, _ := r.arb.Submit(NewIntent(ToggleLight, OriginButton))
	if res.Light {
		t.Error("toggle should switch the light off")
	}
}

func TestStop_IdleReassertsTorque(t *testing.T) {
	r := newRig(t, nil)

	if res, err := r.arb.Submit(NewSetTorque(false, OriginRemote)); err != nil || res.Admission != Accepted {
		t.Fatalf("release torque: %+v %v", res, err)
	}
	if r.hw.Motor.HoldingTorque() {
		t.Fatal("torque should be released")
	}

	res, err := r.arb.Submit(NewIntent(Stop, OriginButton))
	if err != nil || res.Admission != Accepted {
		t.Fatalf("stop: %+v %v", res, err)
	}
	if !r.hw.Motor.HoldingTorque() {
		t.Error("an idle stop re-asserts holding torque")
	}

	// The stop does not leak into the next rotation.
	rot, _ := r.arb.Submit(NewIntent(RotateCW, OriginRemote))
	if out := waitOutcome(t, rot.Done); out.Result != stepper.Completed {
		t.Errorf("rotation after idle stop = %v, want completed", out.Result)
	}
}

func TestUpdateParameters_AppliesToNextRotation(t *testing.T) {
	g := newGate()
	r := newRig(t, g.sleep)

	first, _ := r.arb.Submit(NewIntent(RotateCW, OriginRemote))
	waitStarted(t, g)

	if err := r.arb.UpdateParameters(50, 2*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	close(g.open)
	out := waitOutcome(t, first.Done)
	if out.Requested != testParams.StepsPerRev || out.Steps != testParams.StepsPerRev {
		t.Errorf("in-flight rotation used %d/%d steps, want the initial %d", out.Steps, out.Requested, testParams.StepsPerRev)
	}

	var second Result
	deadline := time.Now().Add(2 * time.Second)
	for {
		second, _ = r.arb.Submit(NewIntent(RotateCCW, OriginRemote))
		if second.Admission == Accepted || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if second.Admission != Accepted {
		t.Fatalf("second rotation admission = %v", second.Admission)
	}
	if out := waitOutcome(t, second.Done); out.Requested != 50 {
		t.Errorf("next rotation requested %d steps, want 50", out.Requested)
	}
}

func TestUpdateParameters_Invalid(t *testing.T) {
	arb := NewArbiter(testParams)
	err := arb.UpdateParameters(0, time.Millisecond)
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("err = %v, want config.ErrInvalid", err)
	}
	if arb.Params() != testParams {
		t.Error("rejected update must not change the parameters")
	}
}

func TestSubmit_Unavailable(t *testing.T) {
	arb := NewArbiter(testParams)
	for _, i := range []Intent{
		NewIntent(RotateCW, OriginRemote),
		NewIntent(ToggleLight, OriginRemote),
		NewSetTorque(true, OriginRemote),
	} {
		_, err := arb.Submit(i)
		if !errors.Is(err, ioport.ErrHardwareUnavailable) {
			t.Errorf("%v: err = %v, want hardware unavailable", i.Kind, err)
		}
	}
	// Stop is always accepted.
	if res, err := arb.Submit(NewIntent(Stop, OriginRemote)); err != nil || res.Admission != Accepted {
		t.Errorf("stop while offline: %+v %v", res, err)
	}
	if st := arb.Status(); st.Online {
		t.Error("status should report offline")
	}
}

func TestUnbind_DrainsQueuedRotation(t *testing.T) {
	hw, _, _, _ := newHardware(t, nil)
	arb := NewArbiter(testParams)
	arb.hw = hw

	res, err := arb.Submit(NewIntent(RotateCW, OriginScheduler))
	if err != nil || res.Admission != Accepted {
		t.Fatalf("admission: %+v %v", res, err)
	}
	arb.unbind()

	out := waitOutcome(t, res.Done)
	if out.Result != stepper.Aborted || out.Steps != 0 {
		t.Errorf("drained outcome = %+v, want aborted/0", out)
	}
	if !arb.slot.TryAcquire(1) {
		t.Error("slot must be free after the drain")
	}
}

func TestStatus(t *testing.T) {
	r := newRig(t, nil)
	r.drv.SetInput(r.pins[ioport.LeverCCW], gpio.Low)
	if _, err := r.port.Sample(); err != nil {
		t.Fatal(err)
	}
	_, _ = r.arb.Submit(NewSetLight(true, OriginRemote))

	st := r.arb.Status()
	if !st.Online || !st.Light || !st.LeverCCW || st.LeverCW {
		t.Errorf("status = %+v", st)
	}
	if st.Motor.Phase != door.Idle || st.Params != testParams {
		t.Errorf("status motor/params = %+v", st)
	}
}

func TestRun_ReturnsOnCancel(t *testing.T) {
	hw, _, _, _ := newHardware(t, nil)
	arb := NewArbiter(testParams)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- arb.Run(ctx, hw) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run on cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if arb.Online() {
		t.Error("hardware must be unbound after Run returns")
	}
}
