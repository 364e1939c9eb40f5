package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle notification published by the control plane.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`

	// DatabaseID is the affected database record, if any.
	DatabaseID string `json:"database_id,omitempty"`

	// Instance is the environment/name key of the affected database, if any.
	Instance string `json:"instance,omitempty"`

	// InfraID is the affected infra record, if any.
	InfraID string `json:"infra_id,omitempty"`

	Message string                 `json:"message"`
	Level   string                 `json:"level"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeStateChanged      = "database.state_changed"
	EventTypeProvisionFailed   = "database.provision_failed"
	EventTypeDatabaseImported  = "database.imported"
	EventTypeBindCreated       = "bind.created"
	EventTypeBindRemoved       = "bind.removed"
	EventTypeCredentialSuspect = "infra.credential_suspect"
	EventTypeCredentialRotated = "infra.credential_rotated"
	EventTypePolicyViolation   = "policy.violation"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles a delivered event.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans lifecycle events out to subscribers, either inline or
// in batches from a background goroutine.
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

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers. A full async buffer drops
// the event and returns an error.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Source == "" {
		event.Source = "orchestrator"
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, %s event dropped", event.Type)
		}
	}

	ep.deliver(event)
	return nil
}

// PublishStateChanged publishes a database state transition.
func (ep *EventPublisher) PublishStateChanged(databaseID, instance, from, to string) error {
	return ep.Publish(Event{
		Type:       EventTypeStateChanged,
		DatabaseID: databaseID,
		Instance:   instance,
		Message:    fmt.Sprintf("database %s moved from %s to %s", instance, from, to),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishProvisionFailed publishes a provisioning failure that marked the record FAILED.
func (ep *EventPublisher) PublishProvisionFailed(databaseID, instance, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeProvisionFailed,
		DatabaseID: databaseID,
		Instance:   instance,
		Message:    fmt.Sprintf("provisioning of %s failed: %s", instance, reason),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishDatabaseImported publishes an externally created database adopted into the inventory.
func (ep *EventPublisher) PublishDatabaseImported(infraID, name string) error {
	return ep.Publish(Event{
		Type:     EventTypeDatabaseImported,
		InfraID:  infraID,
		Instance: name,
		Message:  fmt.Sprintf("database %s imported from infra %s", name, infraID),
		Level:    EventLevelInfo,
	})
}

// PublishBind publishes a bind or unbind of an application unit.
func (ep *EventPublisher) PublishBind(databaseID, instance, host string, created bool) error {
	eventType, verb := EventTypeBindCreated, "bound to"
	if !created {
		eventType, verb = EventTypeBindRemoved, "unbound from"
	}
	return ep.Publish(Event{
		Type:       eventType,
		DatabaseID: databaseID,
		Instance:   instance,
		Message:    fmt.Sprintf("unit %s %s %s", host, verb, instance),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"host": host,
		},
	})
}

// PublishCredentialSuspect publishes an administrative credential rejected by the engine.
func (ep *EventPublisher) PublishCredentialSuspect(infraID, infraName string) error {
	return ep.Publish(Event{
		Type:    EventTypeCredentialSuspect,
		InfraID: infraID,
		Message: fmt.Sprintf("administrative credential of infra %s was rejected", infraName),
		Level:   EventLevelWarning,
	})
}

// PublishCredentialRotated publishes a successful administrative credential rotation.
func (ep *EventPublisher) PublishCredentialRotated(infraID, infraName string) error {
	return ep.Publish(Event{
		Type:    EventTypeCredentialRotated,
		InfraID: infraID,
		Message: fmt.Sprintf("administrative credential of infra %s rotated", infraName),
		Level:   EventLevelInfo,
	})
}

// PublishPolicyViolation publishes a request rejected by an admission policy.
func (ep *EventPublisher) PublishPolicyViolation(instance, policyName, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypePolicyViolation,
		Source:   "policy_engine",
		Instance: instance,
		Message:  fmt.Sprintf("request for %s violates %s: %s", instance, policyName, reason),
		Level:    EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents batches buffered events, delivering when a batch fills or
// the flush interval elapses.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliver(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliver hands an event to every matching subscriber in order.
func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled || ep.cancel == nil {
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

// FilterByLevel allows events of minLevel or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType allows events of the given types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByDatabase allows events for one database record.
func FilterByDatabase(databaseID string) EventFilter {
	return func(event Event) bool {
		return event.DatabaseID == databaseID
	}
}
