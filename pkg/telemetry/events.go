package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notification about a transaction, a phase or a profile.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the component that published the event.
	Source string `json:"source"`

	// TransactionID is the associated transaction, if any.
	TransactionID string `json:"transaction_id,omitempty"`

	// ProfileID is the associated profile, if any.
	ProfileID string `json:"profile_id,omitempty"`

	// Phase is the associated phase id, if any.
	Phase string `json:"phase,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeTransactionStarted    = "transaction.started"
	EventTypeTransactionCommitted  = "transaction.committed"
	EventTypeTransactionRolledBack = "transaction.rolled_back"
	EventTypePhaseStarted          = "phase.started"
	EventTypePhaseCompleted        = "phase.completed"
	EventTypeProfileAdded          = "profile.added"
	EventTypeProfileChanged        = "profile.changed"
	EventTypeProfileRemoved        = "profile.removed"
	EventTypeUnitInstall           = "unit.install"
	EventTypeUnitUninstall         = "unit.uninstall"
	EventTypeUnitConfigure         = "unit.configure"
	EventTypeUnitUnconfigure       = "unit.unconfigure"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles delivered events.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers, either inline or from a
// background goroutine when async delivery is enabled. A nil or disabled
// publisher accepts and drops every event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates an event publisher.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive for async delivery")
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep, nil
}

func (ep *EventPublisher) enabled() bool {
	return ep != nil && ep.config.Enabled
}

// Publish delivers an event to every matching subscriber.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled() {
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

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}
	select {
	case ep.buffer <- event:
		return nil
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
		return fmt.Errorf("event buffer full, %s event dropped", event.Type)
	}
}

// PublishTransactionStarted announces a transaction.
func (ep *EventPublisher) PublishTransactionStarted(txID, profileID string, operands int) error {
	return ep.Publish(Event{
		Type:          EventTypeTransactionStarted,
		Source:        "engine",
		TransactionID: txID,
		ProfileID:     profileID,
		Message:       fmt.Sprintf("Transaction started with %d operands", operands),
		Data:          map[string]interface{}{"operands": operands},
	})
}

// PublishTransactionCommitted announces a committed transaction.
func (ep *EventPublisher) PublishTransactionCommitted(txID, profileID string, timestamp int64) error {
	return ep.Publish(Event{
		Type:          EventTypeTransactionCommitted,
		Source:        "engine",
		TransactionID: txID,
		ProfileID:     profileID,
		Message:       "Transaction committed",
		Data:          map[string]interface{}{"timestamp": timestamp},
	})
}

// PublishTransactionRolledBack announces a rolled back transaction.
func (ep *EventPublisher) PublishTransactionRolledBack(txID, profileID, reason string) error {
	return ep.Publish(Event{
		Type:          EventTypeTransactionRolledBack,
		Source:        "engine",
		TransactionID: txID,
		ProfileID:     profileID,
		Level:         EventLevelWarning,
		Message:       "Transaction rolled back",
		Data:          map[string]interface{}{"reason": reason},
	})
}

// PublishPhaseStarted announces the start of a phase.
func (ep *EventPublisher) PublishPhaseStarted(txID, profileID, phase string) error {
	return ep.Publish(Event{
		Type:          EventTypePhaseStarted,
		Source:        "engine",
		TransactionID: txID,
		ProfileID:     profileID,
		Phase:         phase,
		Message:       "Phase " + phase + " started",
	})
}

// PublishPhaseCompleted announces the end of a phase.
func (ep *EventPublisher) PublishPhaseCompleted(txID, profileID, phase string) error {
	return ep.Publish(Event{
		Type:          EventTypePhaseCompleted,
		Source:        "engine",
		TransactionID: txID,
		ProfileID:     profileID,
		Phase:         phase,
		Message:       "Phase " + phase + " completed",
	})
}

// PublishProfileEvent announces a registry change. kind is one of the
// EventTypeProfile* constants.
func (ep *EventPublisher) PublishProfileEvent(kind, profileID string, timestamp int64) error {
	return ep.Publish(Event{
		Type:      kind,
		Source:    "registry",
		ProfileID: profileID,
		Message:   kind + " " + profileID,
		Data:      map[string]interface{}{"timestamp": timestamp},
	})
}

// PublishUnitEvent announces that a unit is about to be (pre) or has been
// processed by a phase. kind is one of the EventTypeUnit* constants.
func (ep *EventPublisher) PublishUnitEvent(kind, profileID, phase, unit string, pre bool) error {
	stage := "after"
	if pre {
		stage = "before"
	}
	return ep.Publish(Event{
		Type:      kind,
		Source:    "phase",
		ProfileID: profileID,
		Phase:     phase,
		Message:   stage + " " + kind + " " + unit,
		Data:      map[string]interface{}{"unit": unit, "pre": pre},
	})
}

// Subscribe registers a subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// AddFilter adds a filter applied to every published event.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	subs := append([]subscriberEntry(nil), ep.subscribers...)
	ep.mu.RUnlock()

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops async delivery after draining buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() {
		return nil
	}
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel allows events at or above minLevel.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	min := levels[minLevel]
	return func(event Event) bool {
		return levels[event.Level] >= min
	}
}

// FilterByType allows events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool {
		return set[event.Type]
	}
}

// FilterByTransactionID allows events of one transaction.
func FilterByTransactionID(txID string) EventFilter {
	return func(event Event) bool {
		return event.TransactionID == txID
	}
}

// FilterByProfileID allows events of one profile.
func FilterByProfileID(profileID string) EventFilter {
	return func(event Event) bool {
		return event.ProfileID == profileID
	}
}
