package core

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/guardianmesh/logging"
)

// EventType names a notification emitted by a component.
//
// Notifications are advisory. A budget crossing, for example, is reported as
// an event and never as an error; callers decide whether to stop spending.
type EventType string

const (
	// EventAny subscribes a listener to every event type.
	EventAny EventType = "*"

	// EventUsageRecorded fires after every RecordUsage call.
	EventUsageRecorded EventType = "usage-recorded"

	// EventBudgetWarning fires once when usage first crosses the warning ratio.
	EventBudgetWarning EventType = "budget-warning"

	// EventBudgetCritical fires once when usage first crosses the critical ratio.
	EventBudgetCritical EventType = "budget-critical"

	// EventMemoryStored fires after an entry has been persisted.
	EventMemoryStored EventType = "memory-stored"

	// EventMemoryExpired fires when a ttl entry is removed lazily or by a prune.
	EventMemoryExpired EventType = "memory-expired"

	// EventNamespaceCleared fires after ClearNamespace.
	EventNamespaceCleared EventType = "namespace-cleared"

	// EventSessionClosed fires after CloseSession.
	EventSessionClosed EventType = "session-closed"

	// EventGuardianRouted fires after every routing decision.
	EventGuardianRouted EventType = "guardian-routed"

	// EventOutcomeRecorded fires after an outcome has been appended.
	EventOutcomeRecorded EventType = "outcome-recorded"

	// EventContextAnomaly fires when a compact context would have cost more
	// tokens than its baseline.
	EventContextAnomaly EventType = "context-anomaly"
)

// Event is the payload delivered to listeners.
type Event struct {
	Type      EventType
	AgentID   string
	Namespace string
	Time      time.Time
	Data      map[string]any
}

// Listener receives events. Handle runs synchronously on the emitting
// goroutine and must not block.
type Listener interface {
	Handle(ctx context.Context, ev Event)
}

// ListenerFunc adapts a plain function to the Listener interface.
//
// Example:
//
//	d.Subscribe(core.EventBudgetWarning, core.ListenerFunc(func(ctx context.Context, ev core.Event) {
//	    log.Printf("budget warning at %.2f", ev.Data["ratio"])
//	}))
type ListenerFunc func(ctx context.Context, ev Event)

// Handle calls f.
func (f ListenerFunc) Handle(ctx context.Context, ev Event) { f(ctx, ev) }

// Dispatcher is a registry of listeners keyed by event type.
//
// Listeners run in registration order, specific listeners first and then
// EventAny listeners. A panicking listener is recovered and logged so one
// faulty observer can't break the emitting component. Components never
// call Emit while holding their own locks, so listeners may call back into
// them.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[EventType][]Listener
	logger    logging.Logger
}

// NewDispatcher creates an empty dispatcher. A nil logger discards output.
func NewDispatcher(logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Dispatcher{
		listeners: make(map[EventType][]Listener),
		logger:    logger,
	}
}

// Subscribe registers l for events of type t.
func (d *Dispatcher) Subscribe(t EventType, l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[t] = append(d.listeners[t], l)
}

// On registers fn for events of type t.
func (d *Dispatcher) On(t EventType, fn func(ctx context.Context, ev Event)) {
	d.Subscribe(t, ListenerFunc(fn))
}

// Emit delivers ev to its listeners. A nil dispatcher is a no-op, which lets
// components treat the dispatcher as optional.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	d.mu.RLock()
	targets := make([]Listener, 0, len(d.listeners[ev.Type])+len(d.listeners[EventAny]))
	targets = append(targets, d.listeners[ev.Type]...)
	targets = append(targets, d.listeners[EventAny]...)
	d.mu.RUnlock()

	for _, l := range targets {
		d.deliver(ctx, l, ev)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("listener panicked", "event", string(ev.Type), "panic", r)
		}
	}()
	l.Handle(ctx, ev)
}
