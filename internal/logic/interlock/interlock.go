// Package interlock decides whether the door motor may move.
package interlock

import "github.com/cjeanneret/DoorGo/internal/door"

// Decide returns the interlock verdict for a rotation in dir.
//
// Before motion starts (state not Rotating) the only reason to refuse is
// the lever for dir already being engaged: the door is at the end of travel
// and no partial motion is allowed, so the result is Block.
//
// During a rotation the verdict is Abort as soon as the stop button is
// pressed or the lever of the direction being driven engages. The caller
// re-evaluates on every step.
func Decide(state door.MotorState, dir door.Direction, in door.InputSnapshot) door.Decision {
	if state.Phase != door.Rotating {
		if in.Lever(dir) {
			return door.Block
		}
		return door.Allow
	}
	if in.BtnStop || in.Lever(state.Direction) {
		return door.Abort
	}
	return door.Allow
}
