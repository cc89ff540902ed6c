// internal/events/bus.go
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names an event emitted by the core components.
type Type string

const (
	CaptureStarted      Type = "capture.started"
	CaptureCompleted    Type = "capture.completed"
	CaptureDomainFailed Type = "capture.domain_failed"

	RestoreStarted       Type = "restore.started"
	RestoreStepCompleted Type = "restore.step_completed"
	RestoreCompleted     Type = "restore.completed"

	ReplayStarted         Type = "replay.started"
	ReplayActionCompleted Type = "replay.action_completed"
	ReplayRecovery        Type = "replay.recovery"
	ReplayRegression      Type = "replay.regression"
	ReplayHeartbeat       Type = "replay.heartbeat"
	ReplayCompleted       Type = "replay.completed"

	Error Type = "error"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	// Source is the id of the snapshot, plan or replay run that produced the event.
	Source   string
	Attrs    map[string]string
	Success  bool
	Duration time.Duration
	Err      string
}

// New builds an event with a fresh id and timestamp.
func New(t Type, source string) Event {
	return Event{ID: uuid.NewString(), Type: t, Timestamp: time.Now().UTC(), Source: source}
}

// With returns a copy of e carrying an extra attribute.
func (e Event) With(key, value string) Event {
	attrs := make(map[string]string, len(e.Attrs)+1)
	for k, v := range e.Attrs {
		attrs[k] = v
	}
	attrs[key] = value
	e.Attrs = attrs
	return e
}

// Publisher is what the core components depend on. Publishing never blocks and never fails.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// OrDiscard returns p, or Discard when p is nil.
func OrDiscard(p Publisher) Publisher {
	if p == nil {
		return Discard
	}
	return p
}

// Bus fans events out to subscribers. A subscriber whose buffer is full misses the
// event; the core's control flow never waits on observers.
type Bus struct {
	logger     *zap.Logger
	bufferSize int

	mu sync.RWMutex
	// subscribers maps a type to its channels. The empty type holds wildcard subscribers.
	subscribers map[Type][]chan Event
	closed      bool

	dropped atomic.Uint64
}

var _ Publisher = (*Bus)(nil)

// NewBus creates a bus whose subscriber channels hold bufferSize events.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		logger:      logger.Named("event_bus"),
		bufferSize:  bufferSize,
		subscribers: make(map[Type][]chan Event),
	}
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	deliver := func(subs []chan Event) {
		for _, ch := range subs {
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
				b.logger.Debug("Subscriber buffer full, dropping event", zap.String("type", string(e.Type)), zap.String("id", e.ID))
			}
		}
	}
	deliver(b.subscribers[e.Type])
	deliver(b.subscribers[""])
}

// Subscribe returns a channel receiving the given event types, or every event when no
// type is given, and a cancel handle that detaches and closes the channel.
func (b *Bus) Subscribe(types ...Type) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	keys := append([]Type(nil), types...)
	if len(keys) == 0 {
		keys = []Type{""}
	}
	for _, t := range keys {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				// Shutdown already closed the channel.
				return
			}
			for _, t := range keys {
				b.subscribers[t] = removeChan(b.subscribers[t], ch)
				if len(b.subscribers[t]) == 0 {
					delete(b.subscribers, t)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

func removeChan(subs []chan Event, ch chan Event) []chan Event {
	for i, c := range subs {
		if c == ch {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Dropped reports how many deliveries were skipped because a buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Shutdown closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	unique := make(map[chan Event]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			unique[ch] = struct{}{}
		}
	}
	for ch := range unique {
		close(ch)
	}
	b.subscribers = make(map[Type][]chan Event)
	b.logger.Debug("Event bus shut down.", zap.Int("subscribers", len(unique)), zap.Uint64("dropped", b.dropped.Load()))
}
