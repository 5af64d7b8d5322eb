// Package progress fans structured lifecycle events out to subscribers
// without applying back-pressure to the producer.
package progress

import (
	"fmt"
	"sync"
	"time"
)

// EventType enumerates the kinds of progress events the engine emits.
type EventType string

const (
	EventScanStart      EventType = "scan_start"
	EventScanProgress   EventType = "scan_progress"
	EventScanComplete   EventType = "scan_complete"
	EventPlanStart      EventType = "plan_start"
	EventPlanProgress   EventType = "plan_progress"
	EventPlanComplete   EventType = "plan_complete"
	EventBackupStart    EventType = "backup_start"
	EventBackupProgress EventType = "backup_progress"
	EventBackupComplete EventType = "backup_complete"
	EventError          EventType = "error"
	EventInfo           EventType = "info"
)

// Event is one structured progress notification.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message"`
	Progress  float64                `json:"progress"`
	Current   int64                  `json:"current"`
	Total     int64                  `json:"total"`
	Speed     float64                `json:"speed"`
	ETA       time.Duration          `json:"eta"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Handler consumes a single event. A handler must not block the
// producer; the Broadcaster dispatches to each handler on its own
// bounded queue.
type Handler func(event Event)

// handlerQueueSize bounds the per-handler event backlog. Once a
// handler's queue is full, further events for that handler are
// dropped rather than blocking the producer or growing without bound.
const handlerQueueSize = 64

type subscriber struct {
	handler Handler
	queue   chan Event
}

// Broadcaster dispatches events to every registered handler, each on an
// independent goroutine with a bounded queue, so delivery order is
// preserved per handler and a slow handler cannot stall the backup.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers []*subscriber
}

// New creates an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{}
}

// AddHandler registers handler and starts its dispatch goroutine.
func (b *Broadcaster) AddHandler(handler Handler) {
	sub := &subscriber{
		handler: handler,
		queue:   make(chan Event, handlerQueueSize),
	}

	go func() {
		for event := range sub.queue {
			dispatch(sub.handler, event)
		}
	}()

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
}

// dispatch invokes handler, recovering a panic so one misbehaving
// subscriber can never propagate a failure back to the engine.
func dispatch(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("progress: handler panic recovered: %v\n", r)
		}
	}()
	handler(event)
}

// Close stops every handler's dispatch goroutine. It is safe to call
// once after an engine operation is done broadcasting.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		close(sub.queue)
	}
	b.subscribers = nil
}

// Broadcast delivers event to every registered handler's queue. If a
// handler's queue is full, that handler's event is dropped; delivery to
// a given handler otherwise preserves broadcast order.
func (b *Broadcaster) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub.queue <- event:
		default:
			// Queue full: drop for this handler rather than block the
			// producer or grow memory without bound.
		}
	}
}

// EmitEvent builds and broadcasts a lifecycle/progress event, computing
// an ETA estimate when progress is underway.
func (b *Broadcaster) EmitEvent(eventType EventType, message string, progress float64, current, total int64) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Message:   message,
		Progress:  progress,
		Current:   current,
		Total:     total,
	}
	if progress > 0 && progress < 1.0 {
		elapsed := time.Since(event.Timestamp)
		event.ETA = time.Duration(float64(elapsed)/progress) - elapsed
	}
	b.Broadcast(event)
}

// EmitInfo emits an info event with progress fields left at zero.
func (b *Broadcaster) EmitInfo(message string) {
	b.Broadcast(Event{Type: EventInfo, Timestamp: time.Now(), Message: message})
}

// EmitError emits an error event with progress fields left at zero.
func (b *Broadcaster) EmitError(err error) {
	b.Broadcast(Event{Type: EventError, Timestamp: time.Now(), Message: err.Error()})
}

// Tracker accumulates progress for one long-running operation and emits
// events of a fixed type as it advances.
type Tracker struct {
	broadcaster *Broadcaster
	eventType   EventType
	total       int64

	mu         sync.Mutex
	current    int64
	startTime  time.Time
	lastSample time.Time
	lastCount  int64
	speed      float64
}

// NewTracker creates a Tracker that emits eventType events via b,
// against a known total (file count or byte size).
func NewTracker(b *Broadcaster, eventType EventType, total int64) *Tracker {
	now := time.Now()
	return &Tracker{
		broadcaster: b,
		eventType:   eventType,
		total:       total,
		startTime:   now,
		lastSample:  now,
	}
}

// Update advances the tracker to current and emits a progress event.
// Speed is a simple running average since the last sample taken at
// least a second ago.
func (t *Tracker) Update(current int64, message string) {
	t.mu.Lock()
	now := time.Now()
	t.current = current
	if elapsedSinceSample := now.Sub(t.lastSample); elapsedSinceSample >= time.Second {
		delta := current - t.lastCount
		t.speed = float64(delta) / elapsedSinceSample.Seconds()
		t.lastSample = now
		t.lastCount = current
	}
	speed := t.speed
	t.mu.Unlock()

	var fraction float64
	if t.total > 0 {
		fraction = float64(current) / float64(t.total)
	}

	event := Event{
		Type:      t.eventType,
		Timestamp: now,
		Message:   message,
		Progress:  fraction,
		Current:   current,
		Total:     t.total,
		Speed:     speed,
	}
	if fraction > 0 && fraction < 1.0 && speed > 0 {
		remaining := float64(t.total - current)
		event.ETA = time.Duration(remaining/speed) * time.Second
	}
	t.broadcaster.Broadcast(event)
}

// Complete emits a final event reporting the tracker as finished.
func (t *Tracker) Complete(message string) {
	t.broadcaster.Broadcast(Event{
		Type:      t.eventType,
		Timestamp: time.Now(),
		Message:   message,
		Progress:  1.0,
		Current:   t.total,
		Total:     t.total,
	})
}

// ConsoleHandler prints events to standard output. It is registered by
// default on every new Engine.
func ConsoleHandler(event Event) {
	switch event.Type {
	case EventError:
		fmt.Printf("ERROR: %s\n", event.Message)
	case EventInfo:
		fmt.Printf("INFO: %s\n", event.Message)
	default:
		if event.Total > 0 {
			fmt.Printf("[%s] %s - %d/%d (%.1f%%) speed: %.0f B/s\n",
				event.Type, event.Message, event.Current, event.Total, event.Progress*100, event.Speed)
		} else {
			fmt.Printf("[%s] %s\n", event.Type, event.Message)
		}
	}
}
