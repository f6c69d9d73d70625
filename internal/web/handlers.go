package web

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cjeanneret/DoorGo/internal/config"
	"github.com/cjeanneret/DoorGo/internal/debug"
	"github.com/cjeanneret/DoorGo/internal/door"
	"github.com/cjeanneret/DoorGo/internal/journal"
	"github.com/cjeanneret/DoorGo/internal/logic/motion"
	"github.com/cjeanneret/DoorGo/internal/logic/schedule"
	"github.com/cjeanneret/DoorGo/internal/supervisor"
)

const maxBodyBytes = 16 << 10

// Controller is the arbiter side of the remote surface.
type Controller interface {
	Submit(motion.Intent) (motion.Result, error)
	Status() motion.Status
	UpdateParameters(stepsPerRev int, stepDelay time.Duration) error
}

// Recovery is the supervisor side of the remote surface.
type Recovery interface {
	Healthy() bool
	Status() supervisor.Status
	SetPins(map[string]int) error
	Reopen()
}

// Schedule exposes the day's plan.
type Schedule interface {
	Plan() schedule.Plan
	Upcoming() []schedule.Entry
}

// History lists journalled events.
type History interface {
	List(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Frames is the camera feed.
type Frames interface {
	Enabled() bool
	Toggle() bool
	Next(ctx context.Context, after uint64) ([]byte, uint64, error)
}

// Deps holds what the handlers talk to. Schedule, History and Camera may
// be nil when the feature is disabled.
type Deps struct {
	Controller    Controller
	Recovery      Recovery
	Schedule      Schedule
	History       History
	Camera        Frames
	Logs          *LogBroadcaster
	Hub           *Hub
	OpenDirection door.Direction
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Deps
	staticFS fs.FS
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(deps Deps, staticFS fs.FS) *Handlers {
	if deps.Logs == nil {
		deps.Logs = NewLogBroadcaster()
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	return &Handlers{Deps: deps, staticFS: staticFS}
}

// ServeIndex serves the control page.
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// ControlResponse answers every actuation request.
type ControlResponse struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`
	Result string `json:"result"`
	Light  *bool  `json:"light,omitempty"`
}

// HandleControl handles POST /control/{action}.
func (h *Handlers) HandleControl(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	intent, err := motion.IntentForAction(action, motion.OriginRemote, h.OpenDirection)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	h.submit(w, action, intent)
}

// HandleHoldingTorque handles POST /holding_torque {"on": bool}.
func (h *Handlers) HandleHoldingTorque(w http.ResponseWriter, r *http.Request) {
	var req struct {
		On *bool `json:"on"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.On == nil {
		writeBadRequest(w, `body must be {"on": true|false}`)
		return
	}
	action := "torque_off"
	if *req.On {
		action = "torque_on"
	}
	h.submit(w, action, motion.NewSetTorque(*req.On, motion.OriginRemote))
}

// submit maps the arbiter's answer onto a status code: 202 accepted,
// 409 busy, 200 blocked (a result, not a failure), 503 offline.
func (h *Handlers) submit(w http.ResponseWriter, action string, intent motion.Intent) {
	res, err := h.Controller.Submit(intent)
	switch {
	case errors.Is(err, motion.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
		return
	case err != nil:
		debug.Error("Remote intent failed", "action", action, "id", intent.ID, "err", err)
		writeInternalError(w, err.Error())
		return
	}

	out := ControlResponse{ID: intent.ID, Action: action, Result: res.Admission.String()}
	if intent.Kind == motion.ToggleLight || intent.Kind == motion.SetLight {
		light := res.Light
		out.Light = &light
	}
	status := http.StatusAccepted
	switch res.Admission {
	case motion.Busy:
		status = http.StatusConflict
	case motion.Blocked:
		status = http.StatusOK
	}
	debug.Live("Remote intent", "action", action, "result", out.Result, "id", intent.ID)
	writeJSON(w, status, out)
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Online        bool              `json:"online"`
	Motor         string            `json:"motor"`
	Direction     string            `json:"direction,omitempty"`
	StepsLeft     int               `json:"steps_left,omitempty"`
	HoldingTorque bool              `json:"holding_torque"`
	Light         bool              `json:"light"`
	LeverCW       bool              `json:"lever_cw"`
	LeverCCW      bool              `json:"lever_ccw"`
	StepsPerRev   int               `json:"steps_per_rev"`
	StepDelayUs   int64             `json:"step_delay_us"`
	OpenDirection string            `json:"open_direction"`
	Supervisor    supervisor.Status `json:"supervisor"`
	Upcoming      []schedule.Entry  `json:"upcoming,omitempty"`
	Camera        bool              `json:"camera"`
}

func (h *Handlers) status() StatusResponse {
	st := h.Controller.Status()
	out := StatusResponse{
		Online:        st.Online,
		Motor:         st.Motor.Phase.String(),
		HoldingTorque: st.HoldingTorque,
		Light:         st.Light,
		LeverCW:       st.LeverCW,
		LeverCCW:      st.LeverCCW,
		StepsPerRev:   st.Params.StepsPerRev,
		StepDelayUs:   st.Params.StepDelay.Microseconds(),
		OpenDirection: h.OpenDirection.String(),
		Supervisor:    h.Recovery.Status(),
	}
	if st.Motor.Phase != door.Idle {
		out.Direction = st.Motor.Direction.String()
		out.StepsLeft = st.Motor.StepsRemaining
	}
	if h.Schedule != nil {
		out.Upcoming = h.Schedule.Upcoming()
	}
	if h.Camera != nil {
		out.Camera = h.Camera.Enabled()
	}
	return out
}

// HandleStatus handles GET /status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

// ParametersRequest is the body of POST /parameters.
type ParametersRequest struct {
	StepsPerRev int   `json:"steps_per_rev"`
	StepDelayUs int64 `json:"step_delay_us"`
}

// HandleParameters handles POST /parameters. The new values apply from the
// next admitted rotation.
func (h *Handlers) HandleParameters(w http.ResponseWriter, r *http.Request) {
	var req ParametersRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, "invalid JSON")
		return
	}
	err := h.Controller.UpdateParameters(req.StepsPerRev, time.Duration(req.StepDelayUs)*time.Microsecond)
	if errors.Is(err, config.ErrInvalid) {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	debug.Info("Rotation parameters changed", "steps_per_rev", req.StepsPerRev, "step_delay_us", req.StepDelayUs)
	writeJSON(w, http.StatusOK, req)
}

// PinsResponse is the body of GET and POST /pins.
type PinsResponse struct {
	Pins    map[string]int `json:"pins"`
	Pending map[string]int `json:"pending,omitempty"`
}

// HandleGetPins handles GET /pins.
func (h *Handlers) HandleGetPins(w http.ResponseWriter, _ *http.Request) {
	st := h.Recovery.Status()
	writeJSON(w, http.StatusOK, PinsResponse{Pins: st.Pins, Pending: st.PendingPins})
}

// HandleSetPins handles POST /pins. The assignment is validated and kept
// pending until the next re-open.
func (h *Handlers) HandleSetPins(w http.ResponseWriter, r *http.Request) {
	var pins map[string]int
	if err := decodeBody(w, r, &pins); err != nil || len(pins) == 0 {
		writeBadRequest(w, "body must be a non-empty object of pin name to BCM number")
		return
	}
	if err := h.Recovery.SetPins(pins); err != nil {
		if errors.Is(err, config.ErrInvalid) {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		writeInternalError(w, err.Error())
		return
	}
	st := h.Recovery.Status()
	writeJSON(w, http.StatusAccepted, PinsResponse{Pins: st.Pins, Pending: st.PendingPins})
}

// HandleReopen handles POST /reopen.
func (h *Handlers) HandleReopen(w http.ResponseWriter, _ *http.Request) {
	h.Recovery.Reopen()
	debug.Info("Re-open requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reopening"})
}

// HandleSchedule handles GET /schedule.
func (h *Handlers) HandleSchedule(w http.ResponseWriter, _ *http.Request) {
	if h.Schedule == nil {
		writeNotFound(w, "scheduler disabled")
		return
	}
	writeJSON(w, http.StatusOK, h.Schedule.Plan())
}

// HandleEvents handles GET /events?limit=N.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer (0 means the default)")
			return
		}
		limit = n
	}
	if h.History == nil {
		writeNotFound(w, journal.ErrDisabled.Error())
		return
	}
	entries, err := h.History.List(r.Context(), limit)
	if errors.Is(err, journal.ErrDisabled) {
		writeNotFound(w, err.Error())
		return
	}
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleHealth handles GET /health: 200 while the loops run on an open
// port, 503 otherwise.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	st := h.Recovery.Status()
	if !h.Recovery.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "supervisor": st})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "supervisor": st})
}

// HandleWebSocket handles GET /ws. The first message is the current status.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.Hub.Serve(w, r, h.status())
}

// HandleLogStream handles GET /logs/stream for SSE.
func (h *Handlers) HandleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Logs.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// HandleVideoFeed handles GET /video_feed as multipart MJPEG.
func (h *Handlers) HandleVideoFeed(w http.ResponseWriter, r *http.Request) {
	if h.Camera == nil {
		writeNotFound(w, "camera disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-cache")

	var seq uint64
	for {
		frame, next, err := h.Camera.Next(r.Context(), seq)
		if err != nil {
			return
		}
		seq = next
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(frame))},
		})
		if err != nil {
			return
		}
		if _, err := part.Write(frame); err != nil {
			return
		}
		flusher.Flush()
	}
}

// HandleCameraToggle handles POST /camera/toggle.
func (h *Handlers) HandleCameraToggle(w http.ResponseWriter, _ *http.Request) {
	if h.Camera == nil {
		writeNotFound(w, "camera disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.Camera.Toggle()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
