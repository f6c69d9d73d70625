// Package panel polls the physical buttons and turns presses into intents.
package panel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/DoorGo/internal/debug"
	"github.com/cjeanneret/DoorGo/internal/door"
	"github.com/cjeanneret/DoorGo/internal/logic/motion"
)

// DefaultInterval is the polling tick used when none is configured.
const DefaultInterval = 100 * time.Millisecond

// Submitter accepts intents. *motion.Arbiter implements it.
type Submitter interface {
	Submit(motion.Intent) (motion.Result, error)
}

// Panel is the button polling loop. A press is acted on once, on the
// sample where the debounced button goes from released to pressed; a press
// rejected as busy is dropped, the user presses again.
type Panel struct {
	in       motion.Inputs
	arb      Submitter
	interval time.Duration
	prev     door.InputSnapshot
}

// New creates a panel. Buttons already held when it starts do not fire.
func New(in motion.Inputs, arb Submitter, interval time.Duration) *Panel {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Panel{in: in, arb: arb, interval: interval, prev: in.Snapshot()}
}

// Run polls until ctx is done. A sampling failure is returned as a fault.
func (p *Panel) Run(ctx context.Context) error {
	debug.Verbose("Button panel started", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Poll(); err != nil {
				return err
			}
		}
	}
}

// Poll runs one tick: sample, detect presses, submit.
func (p *Panel) Poll() error {
	in, err := p.in.Sample()
	if err != nil {
		return fmt.Errorf("poll buttons: %w", err)
	}
	prev := p.prev
	p.prev = in

	// Stop goes first so a stop and a direction pressed on the same tick
	// never start the motor.
	if in.BtnStop && !prev.BtnStop {
		p.submit(motion.NewIntent(motion.Stop, motion.OriginButton))
	}
	if in.BtnCW && !prev.BtnCW {
		p.submit(motion.NewIntent(motion.RotateCW, motion.OriginButton))
	}
	if in.BtnCCW && !prev.BtnCCW {
		p.submit(motion.NewIntent(motion.RotateCCW, motion.OriginButton))
	}
	if in.BtnLight && !prev.BtnLight {
		p.submit(motion.NewIntent(motion.ToggleLight, motion.OriginButton))
	}
	return nil
}

func (p *Panel) submit(i motion.Intent) {
	res, err := p.arb.Submit(i)
	switch {
	case errors.Is(err, motion.ErrUnavailable):
		debug.Verbose("Button press ignored: controller offline", "kind", i.Kind.String())
	case err != nil:
		debug.Error("Button press failed", "kind", i.Kind.String(), "err", err)
	case res.Admission == motion.Busy:
		debug.Verbose("Button press dropped: busy", "kind", i.Kind.String())
	case res.Admission == motion.Blocked:
		debug.Info("Button press blocked by lever", "kind", i.Kind.String())
	default:
		debug.Live("Button press accepted", "kind", i.Kind.String(), "id", i.ID)
	}
}
