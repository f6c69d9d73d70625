package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/DoorGo/internal/debug"
	"github.com/cjeanneret/DoorGo/internal/door"
	"github.com/cjeanneret/DoorGo/internal/logic/motion"
)

const eventBuffer = 64

// Publisher sends one message. *Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Controller is the arbiter side used by the bridge.
type Controller interface {
	Submit(motion.Intent) (motion.Result, error)
	Status() motion.Status
}

// Command is the payload of the command topic.
type Command struct {
	Action string `json:"action"`
}

// CommandResult is published on the result topic for every command.
type CommandResult struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`
	Result string `json:"result"`
	Light  *bool  `json:"light,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StatusPayload is the retained status document.
type StatusPayload struct {
	Online        bool   `json:"online"`
	Motor         string `json:"motor"`
	Direction     string `json:"direction,omitempty"`
	HoldingTorque bool   `json:"holding_torque"`
	Light         bool   `json:"light"`
	LeverCW       bool   `json:"lever_cw"`
	LeverCCW      bool   `json:"lever_ccw"`
	StepsPerRev   int    `json:"steps_per_rev"`
	StepDelayUs   int64  `json:"step_delay_us"`
	Time          string `json:"time"`
}

// NewStatusPayload converts an arbiter status.
func NewStatusPayload(st motion.Status, now time.Time) StatusPayload {
	p := StatusPayload{
		Online:        st.Online,
		Motor:         st.Motor.Phase.String(),
		HoldingTorque: st.HoldingTorque,
		Light:         st.Light,
		LeverCW:       st.LeverCW,
		LeverCCW:      st.LeverCCW,
		StepsPerRev:   st.Params.StepsPerRev,
		StepDelayUs:   st.Params.StepDelay.Microseconds(),
		Time:          now.UTC().Format(time.RFC3339),
	}
	if st.Motor.Phase != door.Idle {
		p.Direction = st.Motor.Direction.String()
	}
	return p
}

// Bridge connects the arbiter to MQTT topics.
type Bridge struct {
	pub     Publisher
	ctl     Controller
	topics  Topics
	qos     byte
	openDir door.Direction
	events  chan motion.Event
}

// NewBridge creates a bridge. Register it as an arbiter notifier and run it.
func NewBridge(pub Publisher, ctl Controller, topics Topics, qos byte, openDir door.Direction) *Bridge {
	return &Bridge{
		pub:     pub,
		ctl:     ctl,
		topics:  topics,
		qos:     qos,
		openDir: openDir,
		events:  make(chan motion.Event, eventBuffer),
	}
}

// HandleCommand is the command topic handler.
func (b *Bridge) HandleCommand(_ string, payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return b.publishResult(CommandResult{Result: "error", Error: "malformed command"},
			fmt.Errorf("%w: %w", ErrBadCommand, err))
	}

	i, err := motion.IntentForAction(cmd.Action, motion.OriginRemote, b.openDir)
	if err != nil {
		return b.publishResult(CommandResult{Action: cmd.Action, Result: "error", Error: err.Error()}, err)
	}

	res, err := b.ctl.Submit(i)
	out := CommandResult{ID: i.ID, Action: cmd.Action}
	switch {
	case errors.Is(err, motion.ErrUnavailable):
		out.Result, out.Error = "unavailable", err.Error()
	case err != nil:
		out.Result, out.Error = "error", err.Error()
	default:
		out.Result = res.Admission.String()
		if i.Kind == motion.ToggleLight || i.Kind == motion.SetLight {
			light := res.Light
			out.Light = &light
		}
	}
	debug.Live("MQTT command", "action", cmd.Action, "result", out.Result, "id", i.ID)
	return b.publishResult(out, err)
}

func (b *Bridge) publishResult(r CommandResult, cause error) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if perr := b.pub.Publish(b.topics.Result(), data, b.qos, false); perr != nil {
		return errors.Join(cause, perr)
	}
	return cause
}

// Notify queues ev for publication; it never blocks the arbiter.
func (b *Bridge) Notify(ev motion.Event) {
	select {
	case b.events <- ev:
	default:
		debug.Verbose("MQTT event queue full, event dropped", "type", string(ev.Type))
	}
}

// PublishStatus publishes the retained status document.
func (b *Bridge) PublishStatus() error {
	data, err := json.Marshal(NewStatusPayload(b.ctl.Status(), time.Now()))
	if err != nil {
		return err
	}
	return b.pub.Publish(b.topics.Status(), data, b.qos, true)
}

// Run publishes queued events, each followed by a fresh status, until ctx
// is done.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.PublishStatus(); err != nil {
		debug.Warn("MQTT status publish failed", "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-b.events:
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if err := b.pub.Publish(b.topics.Event(), data, b.qos, false); err != nil {
				debug.Warn("MQTT event publish failed", "type", string(ev.Type), "err", err)
				continue
			}
			if err := b.PublishStatus(); err != nil {
				debug.Warn("MQTT status publish failed", "err", err)
			}
		}
	}
}
