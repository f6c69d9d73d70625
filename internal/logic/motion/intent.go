package motion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cjeanneret/DoorGo/internal/door"
	"github.com/google/uuid"
)

// ErrUnknownAction is returned for an action name no intent maps to.
var ErrUnknownAction = errors.New("unknown action")

// Kind is the command carried by an Intent.
type Kind int

const (
	RotateCW Kind = iota
	RotateCCW
	Stop
	ToggleLight
	SetLight
	SetTorque
)

func (k Kind) String() string {
	switch k {
	case RotateCW:
		return "rotate_cw"
	case RotateCCW:
		return "rotate_ccw"
	case Stop:
		return "stop"
	case ToggleLight:
		return "toggle_light"
	case SetLight:
		return "set_light"
	case SetTorque:
		return "set_holding_torque"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Origin tags where an intent came from. It is only used for logs and
// events; arbitration treats every origin the same.
type Origin string

const (
	OriginButton    Origin = "button"
	OriginRemote    Origin = "remote"
	OriginScheduler Origin = "scheduler"
)

// Intent is a request submitted to the Arbiter.
type Intent struct {
	ID     string
	Kind   Kind
	On     bool // SetLight and SetTorque only
	Origin Origin
}

// NewIntent returns an intent with a fresh correlation ID.
func NewIntent(kind Kind, origin Origin) Intent {
	return Intent{ID: uuid.NewString(), Kind: kind, Origin: origin}
}

// NewSetLight returns a SetLight intent.
func NewSetLight(on bool, origin Origin) Intent {
	i := NewIntent(SetLight, origin)
	i.On = on
	return i
}

// NewSetTorque returns a SetTorque intent.
func NewSetTorque(on bool, origin Origin) Intent {
	i := NewIntent(SetTorque, origin)
	i.On = on
	return i
}

// Rotate returns the rotation intent for dir.
func Rotate(dir door.Direction, origin Origin) Intent {
	if dir == door.CCW {
		return NewIntent(RotateCCW, origin)
	}
	return NewIntent(RotateCW, origin)
}

// DoorIntent maps opening or closing the door onto a rotation, given the
// direction that opens it.
func DoorIntent(open bool, openDir door.Direction, origin Origin) Intent {
	if open {
		return Rotate(openDir, origin)
	}
	return Rotate(openDir.Opposite(), origin)
}

// Direction returns the rotation direction of a rotate intent.
func (i Intent) Direction() (door.Direction, bool) {
	switch i.Kind {
	case RotateCW:
		return door.CW, true
	case RotateCCW:
		return door.CCW, true
	}
	return door.CW, false
}

// IntentForAction maps a remote action name onto an intent.
// Accepted names: cw, ccw, open, close, stop, toggle_light, light_on,
// light_off, torque_on, torque_off.
func IntentForAction(action string, origin Origin, openDir door.Direction) (Intent, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "cw":
		return NewIntent(RotateCW, origin), nil
	case "ccw":
		return NewIntent(RotateCCW, origin), nil
	case "open":
		return DoorIntent(true, openDir, origin), nil
	case "close":
		return DoorIntent(false, openDir, origin), nil
	case "stop":
		return NewIntent(Stop, origin), nil
	case "toggle_light":
		return NewIntent(ToggleLight, origin), nil
	case "light_on":
		return NewSetLight(true, origin), nil
	case "light_off":
		return NewSetLight(false, origin), nil
	case "torque_on":
		return NewSetTorque(true, origin), nil
	case "torque_off":
		return NewSetTorque(false, origin), nil
	}
	return Intent{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
}
