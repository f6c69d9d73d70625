package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/cjeanneret/DoorGo/internal/config"
	"github.com/cjeanneret/DoorGo/internal/door"
	"github.com/cjeanneret/DoorGo/internal/logic/motion"
)

type recordingWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushed int
}

func (w *recordingWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	w.points = append(w.points, p)
	w.mu.Unlock()
}

func (w *recordingWriter) Flush() {
	w.mu.Lock()
	w.flushed++
	w.mu.Unlock()
}

func (w *recordingWriter) lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.points))
	for k, p := range w.points {
		out[k] = write.PointToLineProtocol(p, time.Nanosecond)
	}
	return out
}

func TestNotify(t *testing.T) {
	w := &recordingWriter{}
	r := newRecorder(w)
	at := time.Date(2026, time.May, 10, 20, 0, 0, 0, time.UTC)

	r.Notify(motion.Event{
		Type:      motion.EventRotationCompleted,
		Origin:    motion.OriginScheduler,
		Direction: "cw",
		Steps:     6000,
		Torque:    true,
		Time:      at,
	})

	lines := w.lines()
	if len(lines) != 1 {
		t.Fatalf("points = %d, want 1", len(lines))
	}
	line := lines[0]
	for _, want := range []string{
		"door_events,",
		"direction=cw",
		"origin=scheduler",
		"type=rotation_completed",
		"steps=6000i",
		"holding_torque=true",
		"light=false",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	if r.Written() != 1 {
		t.Errorf("Written() = %d", r.Written())
	}
}

func TestRecordStatus(t *testing.T) {
	w := &recordingWriter{}
	r := newRecorder(w)
	r.RecordStatus(motion.Status{
		Online:        true,
		Motor:         door.MotorState{Phase: door.Rotating, Direction: door.CCW},
		HoldingTorque: true,
		LeverCW:       true,
	}, time.Now())

	line := w.lines()[0]
	for _, want := range []string{"door_state ", "online=true", "rotating=true", "lever_cw=true", "lever_ccw=false"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestRun_RecordsUntilCancel(t *testing.T) {
	w := &recordingWriter{}
	r := newRecorder(w)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, time.Millisecond, func() motion.Status { return motion.Status{Online: true} })
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(w.lines()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
	if len(w.lines()) < 2 {
		t.Error("expected periodic status points")
	}
}

func TestClose_Flushes(t *testing.T) {
	w := &recordingWriter{}
	r := newRecorder(w)
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if w.flushed != 1 {
		t.Errorf("flushed = %d, want 1", w.flushed)
	}
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Notify(motion.Event{Type: motion.EventStop})
	r.RecordStatus(motion.Status{}, time.Now())
	if r.Written() != 0 || r.Close() != nil {
		t.Error("nil recorder should be inert")
	}
}
