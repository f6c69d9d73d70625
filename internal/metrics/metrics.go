// Package metrics sends door events to InfluxDB as time-series points.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/cjeanneret/DoorGo/internal/config"
	"github.com/cjeanneret/DoorGo/internal/debug"
	"github.com/cjeanneret/DoorGo/internal/logic/motion"
)

const (
	connectTimeout = 10 * time.Second
	batchSize      = 50
	flushInterval  = 5000 // ms

	measurementEvents = "door_events"
	measurementState  = "door_state"
)

var (
	ErrDisabled         = errors.New("influxdb: disabled in configuration")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// pointWriter is the subset of api.WriteAPI the recorder needs.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Recorder is a motion.Notifier that turns events into points. Writes are
// batched and never block the caller.
type Recorder struct {
	w       pointWriter
	client  influxdb2.Client
	written atomic.Int64
}

// Connect opens the InfluxDB client described by cfg and checks the server
// is up.
func Connect(cfg config.InfluxDBConfig) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(flushInterval))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			debug.Warn("InfluxDB write failed", "err", err)
		}
	}()

	r := newRecorder(writeAPI)
	r.client = client
	debug.Info("InfluxDB telemetry enabled", "url", cfg.URL, "bucket", cfg.Bucket)
	return r, nil
}

func newRecorder(w pointWriter) *Recorder {
	return &Recorder{w: w}
}

// Notify records ev.
func (r *Recorder) Notify(ev motion.Event) {
	if r == nil {
		return
	}
	tags := map[string]string{"type": string(ev.Type)}
	if ev.Origin != "" {
		tags["origin"] = string(ev.Origin)
	}
	if ev.Direction != "" {
		tags["direction"] = ev.Direction
	}
	fields := map[string]any{
		"count":          1,
		"steps":          ev.Steps,
		"light":          ev.Light,
		"holding_torque": ev.Torque,
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	r.w.WritePoint(write.NewPoint(measurementEvents, tags, fields, at))
	r.written.Add(1)
}

// RecordStatus writes a snapshot of the door.
func (r *Recorder) RecordStatus(st motion.Status, at time.Time) {
	if r == nil {
		return
	}
	fields := map[string]any{
		"online":         st.Online,
		"rotating":       !st.Motor.IsIdle(),
		"holding_torque": st.HoldingTorque,
		"light":          st.Light,
		"lever_cw":       st.LeverCW,
		"lever_ccw":      st.LeverCCW,
	}
	r.w.WritePoint(write.NewPoint(measurementState, nil, fields, at))
	r.written.Add(1)
}

// Run records status() every interval until ctx is done.
func (r *Recorder) Run(ctx context.Context, interval time.Duration, status func() motion.Status) error {
	if r == nil {
		return ErrDisabled
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.RecordStatus(status(), now)
		}
	}
}

// Written returns the number of points handed to the writer.
func (r *Recorder) Written() int64 {
	if r == nil {
		return 0
	}
	return r.written.Load()
}

// Close flushes pending points and closes the client.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.w.Flush()
	if r.client != nil {
		r.client.Close()
	}
	return nil
}
