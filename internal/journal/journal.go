// Package journal keeps a history of door events in SQLite.
//
// The journal is write-behind: events are queued by Notify and inserted by
// a single writer goroutine, so an actuation never waits on the disk. Rows
// are history only and are never read back as door state.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/DoorGo/internal/debug"
	"github.com/cjeanneret/DoorGo/internal/logic/motion"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	dirPermissions = 0750
	busyTimeoutMs  = 5000
	writeTimeout   = 5 * time.Second

	// DefaultBuffer is the queue length between Notify and the writer.
	DefaultBuffer = 256

	defaultLimit = 50
	maxLimit     = 500

	// Fixed width so that text order is time order.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// ErrDisabled is returned by a nil journal.
var ErrDisabled = errors.New("journal disabled")

//go:embed schema.sql
var schema string

// Entry is one journalled event.
type Entry struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	IntentID  string    `json:"intent_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	Direction string    `json:"direction,omitempty"`
	Steps     int       `json:"steps"`
	Light     bool      `json:"light"`
	Torque    bool      `json:"holding_torque"`
	CreatedAt time.Time `json:"created_at"`
}

// Journal is an event sink backed by SQLite.
type Journal struct {
	db      *sql.DB
	queue   chan motion.Event
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// Open creates the database file if needed, applies the schema and starts
// the writer.
func Open(path string, buffer int) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // error path
		return nil, fmt.Errorf("applying journal schema: %w", err)
	}

	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	j := &Journal{
		db:    db,
		queue: make(chan motion.Event, buffer),
		done:  make(chan struct{}),
	}
	go j.writer()
	debug.Verbose("Journal opened", "path", path)
	return j, nil
}

// Notify queues ev. It never blocks: when the queue is full the event is
// dropped and counted.
func (j *Journal) Notify(ev motion.Event) {
	if j == nil {
		return
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- ev:
	default:
		n := j.dropped.Add(1)
		debug.Warn("Journal queue full, event dropped", "type", string(ev.Type), "dropped", n)
	}
}

// Dropped returns how many events were lost to a full queue.
func (j *Journal) Dropped() int64 {
	if j == nil {
		return 0
	}
	return j.dropped.Load()
}

func (j *Journal) writer() {
	defer close(j.done)
	for ev := range j.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := j.Record(ctx, ev); err != nil {
			debug.Error("Journal write failed", "type", string(ev.Type), "err", err)
		}
		cancel()
	}
}

// Record inserts ev synchronously.
func (j *Journal) Record(ctx context.Context, ev motion.Event) error {
	if j == nil {
		return ErrDisabled
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO door_events (id, type, intent_id, kind, origin, direction, steps, light, torque, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"evt-"+uuid.NewString()[:8], string(ev.Type),
		nullable(ev.IntentID), nullable(ev.Kind), nullable(string(ev.Origin)), nullable(ev.Direction),
		ev.Steps, ev.Light, ev.Torque,
		at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting door event: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns the most recent entries, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	if j == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, type, intent_id, kind, origin, direction, steps, light, torque, created_at
		 FROM door_events ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying door events: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e                                  Entry
			intentID, kind, origin, direction sql.NullString
			createdAt                          string
		)
		if err := rows.Scan(&e.ID, &e.Type, &intentID, &kind, &origin, &direction,
			&e.Steps, &e.Light, &e.Torque, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning door event: %w", err)
		}
		e.IntentID, e.Kind, e.Origin, e.Direction = intentID.String, kind.String, origin.String, direction.String
		if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing door event timestamp %q: %w", createdAt, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating door events: %w", err)
	}
	return entries, nil
}

// Close drains the queue and closes the database. It is safe to call more
// than once.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("closing journal: %w", err)
	}
	return nil
}
