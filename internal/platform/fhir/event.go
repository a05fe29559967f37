package fhir

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Resource change actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// ResourceEvent describes one committed resource mutation. Resource holds the
// post-mutation snapshot; for deletes it holds the last stored version.
type ResourceEvent struct {
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId"`
	VersionID    int             `json:"versionId,omitempty"`
	Action       string          `json:"action"`
	Resource     json.RawMessage `json:"resource,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Origin       string          `json:"origin,omitempty"`
}

// Reference returns the relative reference "Type/id" of the changed resource.
func (e ResourceEvent) Reference() string {
	return e.ResourceType + "/" + e.ResourceID
}

// ResourceEventListener receives resource change events. Implementations must
// not block the caller for longer than it takes to enqueue the event.
type ResourceEventListener interface {
	OnResourceEvent(ctx context.Context, event ResourceEvent)
}

// ListenerFunc adapts a function to ResourceEventListener.
type ListenerFunc func(ctx context.Context, event ResourceEvent)

func (f ListenerFunc) OnResourceEvent(ctx context.Context, event ResourceEvent) {
	f(ctx, event)
}

// EventBus fans resource events out to every registered listener in
// registration order.
type EventBus struct {
	mu        sync.RWMutex
	listeners []ResourceEventListener
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// AddListener registers l for all subsequent events.
func (b *EventBus) AddListener(l ResourceEventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish delivers event to every listener.
func (b *EventBus) Publish(ctx context.Context, event ResourceEvent) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for _, l := range listeners {
		l.OnResourceEvent(ctx, event)
	}
}
