// Package web is the HTTP control surface of the door: actuation,
// parameters, pins, schedule and journal over JSON, arbiter events over
// WebSocket, the log stream over SSE and the camera as MJPEG.
package web

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cjeanneret/DoorGo/internal/debug"
)

const shutdownTimeout = 5 * time.Second

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server for addr.
func NewServer(addr string, deps Deps) (*Server, error) {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, err
	}
	return &Server{addr: addr, handlers: NewHandlers(deps, subFS)}, nil
}

// Handlers returns the server's handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Router returns an http.Handler with all routes registered.
func (s *Server) Router() http.Handler {
	h := s.handlers
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/", h.ServeIndex)
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))

	r.Post("/control/{action}", h.HandleControl)
	r.Post("/holding_torque", h.HandleHoldingTorque)
	r.Get("/status", h.HandleStatus)
	r.Post("/parameters", h.HandleParameters)

	r.Get("/pins", h.HandleGetPins)
	r.Post("/pins", h.HandleSetPins)
	r.Post("/reopen", h.HandleReopen)

	r.Get("/schedule", h.HandleSchedule)
	r.Get("/events", h.HandleEvents)
	r.Get("/health", h.HandleHealth)

	r.Get("/ws", h.HandleWebSocket)
	r.Get("/logs/stream", h.HandleLogStream)
	r.Get("/video_feed", h.HandleVideoFeed)
	r.Post("/camera/toggle", h.HandleCameraToggle)

	return r
}

// requestLogger logs every request at verbose level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		debug.Verbose("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully. WebSocket clients are closed through the hub.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end with ctx so Shutdown does not wait on them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		s.handlers.Hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
