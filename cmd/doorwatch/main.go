// Command doorwatch probes the controller's /health endpoint and restarts
// its systemd unit after repeated failures. It is the coarse recovery tier
// above the in-process supervisor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/cjeanneret/DoorGo/internal/debug"
)

func main() {
	url := flag.String("url", "http://127.0.0.1:5000/health", "health endpoint to probe")
	interval := flag.Duration("interval", 60*time.Second, "probe interval")
	timeout := flag.Duration("timeout", 10*time.Second, "probe timeout")
	failures := flag.Int("failures", 3, "consecutive failures before a restart")
	unit := flag.String("unit", "doorgo.service", "systemd unit to restart")
	debugLevel := flag.Int("debug", debug.LevelInfo, "debug level (0-4)")
	flag.Parse()

	debug.Init(*debugLevel, "text")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w := &Watcher{
		Probe:     HTTPProbe(&http.Client{}, *url),
		Restart:   SystemctlRestart(*unit),
		Interval:  *interval,
		Timeout:   *timeout,
		Threshold: *failures,
	}
	debug.Info("doorwatch started", "url", *url, "unit", *unit, "interval", *interval, "failures", *failures)
	if err := w.Run(ctx); err != nil {
		log.Fatalf("doorwatch: %v", err)
	}
}

// ErrUnhealthy is returned by a probe that got an answer other than 200.
var ErrUnhealthy = errors.New("controller unhealthy")

// HTTPProbe returns a probe that GETs url and expects 200.
func HTTPProbe(client *http.Client, url string) func(context.Context) error {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: HTTP %d", ErrUnhealthy, resp.StatusCode)
		}
		return nil
	}
}

// SystemctlRestart returns a restart action for unit.
func SystemctlRestart(unit string) func(context.Context) error {
	return func(ctx context.Context) error {
		out, err := exec.CommandContext(ctx, "systemctl", "restart", unit).CombinedOutput()
		if err != nil {
			return fmt.Errorf("systemctl restart %s: %w: %s", unit, err, out)
		}
		return nil
	}
}

// Watcher probes periodically and restarts after Threshold consecutive
// failures. The counter starts over after a restart.
type Watcher struct {
	Probe     func(context.Context) error
	Restart   func(context.Context) error
	Interval  time.Duration
	Timeout   time.Duration
	Threshold int

	failures int
	restarts int
}

// Check runs one probe and restarts when the threshold is reached. It
// reports whether a restart was attempted.
func (w *Watcher) Check(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, w.Timeout)
	err := w.Probe(checkCtx)
	cancel()

	if err == nil {
		if w.failures > 0 {
			debug.Info("Health check recovered", "previous_failures", w.failures)
		}
		w.failures = 0
		return false
	}

	w.failures++
	debug.Warn("Health check failed", "err", err, "consecutive_failures", w.failures)
	if w.failures < w.Threshold {
		return false
	}

	debug.Error("Health check failed repeatedly, restarting", "failures", w.failures)
	w.failures = 0
	w.restarts++
	if err := w.Restart(ctx); err != nil {
		debug.Error("Restart failed", "err", err)
	}
	return true
}

// Restarts returns how many restarts were attempted.
func (w *Watcher) Restarts() int { return w.restarts }

// Run checks every Interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Threshold < 1 {
		w.Threshold = 1
	}
	if w.Timeout <= 0 {
		w.Timeout = w.Interval
	}
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}
