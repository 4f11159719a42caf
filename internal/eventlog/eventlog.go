// Package eventlog keeps the last few operator-facing status lines and
// fans each one out to the structured log, the event bus, and the
// broker's lastLogMessage topic.
package eventlog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/fingerprint-doorbell/internal/events"
	"github.com/nugget/fingerprint-doorbell/internal/timing"
)

// DefaultCapacity is the number of lines retained.
const DefaultCapacity = 5

// TopicLastMessage is the telemetry suffix every line is published to.
const TopicLastMessage = "lastLogMessage"

// timestampLayout prefixes each retained line.
const timestampLayout = "2006-01-02 15:04:05 MST"

// Publisher is the telemetry side of the connectivity supervisor.
type Publisher interface {
	Publish(ctx context.Context, suffix, payload string) error
}

// Log is a fixed-capacity ring of status lines. It is written by the
// scheduler loop and by admin handlers, so access is serialized.
type Log struct {
	mu       sync.Mutex
	lines    []string
	capacity int

	clock     timing.Clock
	bus       *events.Bus
	publisher Publisher
	logger    *slog.Logger
	onLine    func(security bool)
}

// Option configures a Log.
type Option func(*Log)

// WithCapacity overrides DefaultCapacity. Values below one are ignored.
func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithClock sets the clock used for line timestamps.
func WithClock(c timing.Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithBus sets the bus lines are broadcast on.
func WithBus(b *events.Bus) Option {
	return func(l *Log) { l.bus = b }
}

// WithObserver registers a callback run for every line, after fan-out.
// The metrics recorder uses it to count security events.
func WithObserver(fn func(security bool)) Option {
	return func(l *Log) { l.onLine = fn }
}

// New returns an empty Log.
func New(logger *slog.Logger, opts ...Option) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{
		capacity: DefaultCapacity,
		clock:    timing.Real(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetPublisher attaches the telemetry sink. The supervisor is built
// after the log (it logs through it), so the link is made late.
func (l *Log) SetPublisher(p Publisher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publisher = p
}

// Notify records an ordinary status line.
func (l *Log) Notify(msg string) {
	l.logger.Info(msg, "component", "eventlog")
	l.record(msg, events.KindMessage)
}

// Security records a security status line. It is retained and
// published like any other line but is emitted at Warn level and on a
// distinct bus kind so observers can tell it apart.
func (l *Log) Security(msg string) {
	l.logger.Warn(msg, "component", "eventlog", "security", true)
	l.record(msg, events.KindSecurity)
}

func (l *Log) record(msg, kind string) {
	now := l.clock.Now()
	line := "[" + now.Format(timestampLayout) + "]: " + msg

	l.mu.Lock()
	l.lines = append(l.lines, line)
	if over := len(l.lines) - l.capacity; over > 0 {
		l.lines = append(l.lines[:0:0], l.lines[over:]...)
	}
	snapshot := append([]string(nil), l.lines...)
	pub := l.publisher
	l.mu.Unlock()

	l.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceLog,
		Kind:      kind,
		Data:      map[string]any{"message": msg, "lines": snapshot},
	})

	if pub != nil {
		if err := pub.Publish(context.Background(), TopicLastMessage, msg); err != nil {
			l.logger.Debug("last log message not published", "error", err)
		}
	}

	if l.onLine != nil {
		l.onLine(kind == events.KindSecurity)
	}
}

// Lines returns the retained lines, oldest first.
func (l *Log) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// Last returns the newest retained line, or "" when empty.
func (l *Log) Last() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) == 0 {
		return ""
	}
	return l.lines[len(l.lines)-1]
}
