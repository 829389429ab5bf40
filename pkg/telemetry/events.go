package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable step of a sync node, such as a state change or a key
// that failed to reconcile.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	DeviceID  string         `json:"device_id,omitempty"`
	Key       string         `json:"key,omitempty"`
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	Data      map[string]any `json:"data,omitempty"`
}

const (
	EventTypeSyncStateChanged    = "sync.state_changed"
	EventTypeSyncProgress        = "sync.progress"
	EventTypeActionStarted       = "sync.action_started"
	EventTypeKeySynced           = "sync.key_synced"
	EventTypeKeyFailed           = "sync.key_failed"
	EventTypeConnectivityChanged = "remote.connectivity_changed"
	EventTypePolicyReloaded      = "policy.reloaded"
	EventTypeError               = "error"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var (
	errPublisherStopped = errors.New("event publisher stopped")
	errBufferFull       = errors.New("event buffer full, event dropped")
)

// EventSubscriber receives events. It runs on the delivering goroutine and
// must not block.
type EventSubscriber func(event Event)

// EventFilter reports whether a subscriber wants an event.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers, either inline or from a
// buffered background queue.
type EventPublisher struct {
	config EventsConfig
	queue  chan Event
	done   chan struct{}
	stop   context.CancelFunc
	ctx    context.Context

	mu   sync.RWMutex
	subs []subscription
}

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// NewEventPublisher returns a publisher for cfg. A disabled publisher accepts
// and drops every event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got %d", cfg.BufferSize)
	}

	ep.ctx, ep.stop = context.WithCancel(context.Background())
	ep.queue = make(chan Event, cfg.BufferSize)
	ep.done = make(chan struct{})
	go ep.drain()

	return ep, nil
}

// Subscribe registers fn for the events filter accepts. A nil filter accepts
// everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// Publish stamps event with an ID and time when missing and hands it to the
// subscribers. In async mode a full queue drops the event.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}

	select {
	case <-ep.ctx.Done():
		return errPublisherStopped
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return errBufferFull
	}
}

func (ep *EventPublisher) publish(typ, source, deviceID, key, level, msg string, data map[string]any) error {
	return ep.Publish(Event{
		Type:     typ,
		Source:   source,
		DeviceID: deviceID,
		Key:      key,
		Level:    level,
		Message:  msg,
		Data:     data,
	})
}

func (ep *EventPublisher) PublishSyncStateChanged(deviceID, oldState, newState string) error {
	return ep.publish(EventTypeSyncStateChanged, "engine", deviceID, "", EventLevelInfo,
		fmt.Sprintf("Sync state changed from %s to %s", oldState, newState),
		map[string]any{"old_state": oldState, "new_state": newState})
}

// PublishProgress reports how many keys are left to reconcile.
func (ep *EventPublisher) PublishProgress(deviceID string, outstanding int) error {
	return ep.publish(EventTypeSyncProgress, "engine", deviceID, "", EventLevelInfo,
		fmt.Sprintf("%d keys outstanding", outstanding),
		map[string]any{"outstanding": outstanding})
}

func (ep *EventPublisher) PublishActionStarted(deviceID, key, action string) error {
	return ep.publish(EventTypeActionStarted, "engine", deviceID, key, EventLevelInfo,
		fmt.Sprintf("Beginning %s for %s", action, key),
		map[string]any{"action": action})
}

func (ep *EventPublisher) PublishKeySynced(deviceID, key, action string, duration time.Duration) error {
	return ep.publish(EventTypeKeySynced, "engine", deviceID, key, EventLevelInfo,
		fmt.Sprintf("Synced %s", key),
		map[string]any{"action": action, "duration": duration.Seconds()})
}

func (ep *EventPublisher) PublishKeyFailed(deviceID, key, action, reason string) error {
	return ep.publish(EventTypeKeyFailed, "engine", deviceID, key, EventLevelError,
		fmt.Sprintf("Failed to sync %s: %s", key, reason),
		map[string]any{"action": action, "reason": reason})
}

func (ep *EventPublisher) PublishConnectivityChanged(deviceID, state string) error {
	return ep.publish(EventTypeConnectivityChanged, "remote", deviceID, "", EventLevelInfo,
		fmt.Sprintf("Remote is %s", state),
		map[string]any{"state": state})
}

func (ep *EventPublisher) PublishPolicyReloaded(deviceID, mergePolicy, syncPolicy string) error {
	return ep.publish(EventTypePolicyReloaded, "config", deviceID, "", EventLevelInfo,
		fmt.Sprintf("Policy reloaded: merge=%s sync=%s", mergePolicy, syncPolicy),
		map[string]any{"merge_policy": mergePolicy, "sync_policy": syncPolicy})
}

// drain delivers queued events until the publisher is shut down, then
// delivers whatever is still queued.
func (ep *EventPublisher) drain() {
	defer close(ep.done)
	for {
		select {
		case event := <-ep.queue:
			ep.deliver(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.queue:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown stops the background queue and waits for it to drain, or for ctx
// to end.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep.queue == nil {
		return nil
	}
	ep.stop()
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

var levelRank = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

// FilterByLevel accepts events at minLevel or more severe.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(event Event) bool {
		return levelRank[event.Level] >= floor
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := set[event.Type]
		return ok
	}
}

// FilterByKey accepts events about a single object key.
func FilterByKey(key string) EventFilter {
	return func(event Event) bool {
		return event.Key == key
	}
}
