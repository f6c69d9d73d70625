package interlock

import (
	"testing"

	"github.com/cjeanneret/DoorGo/internal/door"
)

// allSnapshots enumerates every combination of the six inputs.
func allSnapshots() []door.InputSnapshot {
	var out []door.InputSnapshot
	for mask := 0; mask < 64; mask++ {
		out = append(out, door.InputSnapshot{
			BtnCW:    mask&1 != 0,
			BtnCCW:   mask&2 != 0,
			BtnStop:  mask&4 != 0,
			BtnLight: mask&8 != 0,
			LeverCW:  mask&16 != 0,
			LeverCCW: mask&32 != 0,
		})
	}
	return out
}

func TestDecide_EngagedLeverAlwaysBlocksAtIdle(t *testing.T) {
	idle := door.MotorState{Phase: door.Idle}
	for _, dir := range []door.Direction{door.CW, door.CCW} {
		for _, in := range allSnapshots() {
			got := Decide(idle, dir, in)
			if in.Lever(dir) && got != door.Block {
				t.Errorf("dir=%v in=%+v: got %v, want block", dir, in, got)
			}
			if !in.Lever(dir) && got != door.Allow {
				t.Errorf("dir=%v in=%+v: got %v, want allow", dir, in, got)
			}
		}
	}
}

func TestDecide_StoppedBehavesLikeIdle(t *testing.T) {
	stopped := door.MotorState{Phase: door.Stopped}
	if got := Decide(stopped, door.CW, door.InputSnapshot{LeverCW: true}); got != door.Block {
		t.Errorf("got %v, want block", got)
	}
	// Stop button only matters during motion.
	if got := Decide(stopped, door.CW, door.InputSnapshot{BtnStop: true}); got != door.Allow {
		t.Errorf("got %v, want allow", got)
	}
}

func TestDecide_Rotating(t *testing.T) {
	cases := []struct {
		name string
		dir  door.Direction
		in   door.InputSnapshot
		want door.Decision
	}{
		{"clear", door.CW, door.InputSnapshot{}, door.Allow},
		{"stop_button", door.CW, door.InputSnapshot{BtnStop: true}, door.Abort},
		{"own_lever", door.CW, door.InputSnapshot{LeverCW: true}, door.Abort},
		{"other_lever", door.CW, door.InputSnapshot{LeverCCW: true}, door.Allow},
		{"ccw_own_lever", door.CCW, door.InputSnapshot{LeverCCW: true}, door.Abort},
		{"ccw_other_lever", door.CCW, door.InputSnapshot{LeverCW: true}, door.Allow},
		{"other_buttons", door.CW, door.InputSnapshot{BtnCW: true, BtnCCW: true, BtnLight: true}, door.Allow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state := door.MotorState{Phase: door.Rotating, Direction: tc.dir, StepsRemaining: 100}
			if got := Decide(state, tc.dir, tc.in); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDecide_UsesRotatingDirection(t *testing.T) {
	// The lever checked mid-rotation is the one for the direction being
	// driven, whatever direction the caller passes.
	state := door.MotorState{Phase: door.Rotating, Direction: door.CCW}
	if got := Decide(state, door.CW, door.InputSnapshot{LeverCCW: true}); got != door.Abort {
		t.Errorf("got %v, want abort", got)
	}
}
