package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle or progress notification.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	SessionID string                 `json:"session_id,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeProgressStart    = "progress.start"
	EventTypeProgressUpdate   = "progress.update"
	EventTypeProgressStop     = "progress.stop"
	EventTypeSessionLaunched  = "session.launched"
	EventTypeSessionStopped   = "session.stopped"
	EventTypeConnectionOpened = "connection.opened"
	EventTypeConnectionClosed = "connection.closed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers from a single goroutine, so
// each subscriber observes events in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	sendMu      sync.RWMutex
	closed      bool
	done        chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	go ep.processEvents()
	return ep, nil
}

// Publish enqueues an event. It never blocks; a full buffer drops the event.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.sendMu.RLock()
	defer ep.sendMu.RUnlock()
	if ep.closed {
		return fmt.Errorf("event publisher stopped")
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// PublishSessionLaunched announces a new engine session.
func (ep *EventPublisher) PublishSessionLaunched(sessionID, endpoint, launcher string) error {
	return ep.Publish(Event{
		Type:      EventTypeSessionLaunched,
		Source:    "engine",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Engine session %s listening on %s", sessionID, endpoint),
		Data: map[string]interface{}{
			"endpoint": endpoint,
			"launcher": launcher,
		},
	})
}

// PublishSessionStopped announces the end of an engine session.
func (ep *EventPublisher) PublishSessionStopped(sessionID string, err error) error {
	evt := Event{
		Type:      EventTypeSessionStopped,
		Source:    "engine",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Engine session %s stopped", sessionID),
	}
	if err != nil {
		evt.Level = EventLevelError
		evt.Data = map[string]interface{}{"error": err.Error()}
	}
	return ep.Publish(evt)
}

// Subscribe adds a subscriber. A nil filter receives everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (ep *EventPublisher) processEvents() {
	for event := range ep.buffer {
		ep.deliverEvent(event)
	}
	close(ep.done)
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.sendMu.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.buffer)
	}
	ep.sendMu.Unlock()

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}
