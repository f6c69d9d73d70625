// Package door holds the data model shared by the door controller packages.
package door

import (
	"fmt"
	"strings"
)

// Direction is a rotation direction of the door motor.
type Direction int

const (
	CW Direction = iota
	CCW
)

func (d Direction) String() string {
	if d == CCW {
		return "ccw"
	}
	return "cw"
}

// Opposite returns the other rotation direction.
func (d Direction) Opposite() Direction {
	if d == CW {
		return CCW
	}
	return CW
}

// ParseDirection accepts "cw" or "ccw" in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cw":
		return CW, nil
	case "ccw":
		return CCW, nil
	}
	return CW, fmt.Errorf("unknown direction %q", s)
}

// MotorPhase is the coarse state of the motor state machine.
type MotorPhase int

const (
	Idle MotorPhase = iota
	Rotating
	Stopped // an interlocked abort is unwinding
)

func (p MotorPhase) String() string {
	switch p {
	case Rotating:
		return "rotating"
	case Stopped:
		return "stopped"
	default:
		return "idle"
	}
}

// MotorState is an immutable snapshot of the motor state machine.
// Direction and StepsRemaining are only meaningful while Rotating.
type MotorState struct {
	Phase          MotorPhase
	Direction      Direction
	StepsRemaining int
}

// IsIdle reports whether no rotation is in flight.
func (s MotorState) IsIdle() bool {
	return s.Phase == Idle
}

// InputSnapshot is the debounced state of every input line.
// true always means pressed or engaged.
type InputSnapshot struct {
	BtnCW    bool
	BtnCCW   bool
	BtnStop  bool
	BtnLight bool
	LeverCW  bool
	LeverCCW bool
}

// Lever returns the limit switch guarding rotation in dir.
func (in InputSnapshot) Lever(dir Direction) bool {
	if dir == CCW {
		return in.LeverCCW
	}
	return in.LeverCW
}

// Decision is the verdict of the interlock policy.
type Decision int

const (
	Allow Decision = iota
	Block
	Abort
)

func (d Decision) String() string {
	switch d {
	case Block:
		return "block"
	case Abort:
		return "abort"
	default:
		return "allow"
	}
}
