package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// LogLine is one log record pushed to /logs/stream clients.
type LogLine struct {
	Time string `json:"t"`
	Msg  string `json:"msg"`
}

// LogBroadcaster distributes log lines to any number of SSE clients.
type LogBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewLogBroadcaster creates a broadcaster with no clients.
func NewLogBroadcaster() *LogBroadcaster {
	return &LogBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel of JSON-encoded LogLine values and a cleanup
// function. The cleanup must be called when the client goes away; calling
// it twice is harmless.
func (b *LogBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of subscribers.
func (b *LogBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish sends msg to every subscriber. A slow client misses lines rather
// than stalling the logger.
func (b *LogBroadcaster) Publish(msg string) {
	data, err := json.Marshal(LogLine{Time: time.Now().Format(time.RFC3339), Msg: msg})
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Writer returns an io.Writer that publishes every non-empty line written
// to it. Pass it to debug.SetOutput next to stdout.
func (b *LogBroadcaster) Writer() *LogWriter {
	return &LogWriter{b: b}
}

// LogWriter adapts LogBroadcaster to io.Writer.
type LogWriter struct {
	b *LogBroadcaster
}

func (w *LogWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			w.b.Publish(line)
		}
	}
	return len(p), nil
}
