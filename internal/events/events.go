// Package events records the vault's audit trail. Every registry mutation, deposit,
// withdrawal, harvest and contained backend failure produces an Event.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/yieldvault/internal/domain"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

// EventType classifies an audit record.
type EventType string

const (
	// Registry
	EventProtocolRegistered EventType = "protocol.registered"
	EventAdapterRegistered  EventType = "adapter.registered"
	EventAdapterRemoved     EventType = "adapter.removed"
	EventProtocolAdded      EventType = "protocol.added"
	EventProtocolRemoved    EventType = "protocol.removed"
	EventProtocolReplaced   EventType = "protocol.replaced"

	// Deposit queue
	EventDepositQueued    EventType = "deposit.queued"
	EventDepositProcessed EventType = "deposit.processed"
	EventDepositFailed    EventType = "deposit.failed"
	EventDepositRetried   EventType = "deposit.retried"

	// Ledger
	EventDepositCompleted    EventType = "deposit.completed"
	EventWithdrawalCompleted EventType = "withdrawal.completed"
	EventHarvestCompleted    EventType = "harvest.completed"

	// Backends and rebalancing
	EventBackendFailed    EventType = "backend.failed"
	EventOptimizerSkipped EventType = "optimizer.skipped"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one audit record.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	Component  string            `json:"component,omitempty"` // registry|distribution|harvest|queue|optimizer|vault
	ProtocolID domain.ProtocolID `json:"protocol_id,omitempty"`
	Account    domain.Address    `json:"account,omitempty"`

	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	RequestID string `json:"request_id,omitempty"`
}

// String returns the JSON form.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Recorder accepts audit records.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// Sink persists audit records. Implemented by the storage package.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Handler processes events as they are recorded.
type Handler func(Event)

// Filter decides whether a handler sees an event.
type Filter func(Event) bool

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID attaches a request id that Record copies onto events.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the request id on ctx.
func RequestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Log is a bounded in-memory audit log with subscribers and an optional sink.
type Log struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64

	sink Sink
	log  *logger.Logger
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

var _ Recorder = (*Log)(nil)

// NewLog creates a log retaining the most recent size events.
func NewLog(size int, log *logger.Logger) *Log {
	if size <= 0 {
		size = 1000
	}
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Log{
		events: make([]Event, size),
		size:   size,
		log:    log,
	}
}

// SetSink attaches a persistence sink. Sink failures are logged, not returned.
func (l *Log) SetSink(sink Sink) {
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
}

// Record implements Recorder.
func (l *Log) Record(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFrom(ctx)
	}

	l.mu.Lock()
	l.events[l.head] = event
	l.head = (l.head + 1) % l.size
	if l.count < l.size {
		l.count++
	}
	handlers := make([]handlerEntry, len(l.handlers))
	copy(handlers, l.handlers)
	sink := l.sink
	l.mu.Unlock()

	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}

	if sink != nil {
		if err := sink.Append(ctx, event); err != nil {
			l.log.WithError(err).WithField("event_type", event.Type).Warn("persist audit event")
		}
	}
}

// Subscribe registers a handler for all events and returns its cancel func.
func (l *Log) Subscribe(handler Handler) func() {
	return l.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler that only sees events passing filter.
func (l *Log) SubscribeFiltered(filter Filter, handler Handler) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.handlers = append(l.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, h := range l.handlers {
			if h.id == id {
				l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns up to n events, newest first.
func (l *Log) Recent(n int) []Event {
	return l.collect(n, nil)
}

// RecentByType returns up to n events of the given type, newest first.
func (l *Log) RecentByType(eventType EventType, n int) []Event {
	return l.collect(n, func(e Event) bool { return e.Type == eventType })
}

// Count returns the number of retained events.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

func (l *Log) collect(n int, keep Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || l.count == 0 {
		return nil
	}
	var out []Event
	for i := 0; i < l.count && len(out) < n; i++ {
		idx := (l.head - 1 - i + l.size) % l.size
		if keep == nil || keep(l.events[idx]) {
			out = append(out, l.events[idx])
		}
	}
	return out
}

// Nop discards events.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Event) {}
