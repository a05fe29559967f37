// Package notify matches resource change events against active subscriptions
// and hands each match to the delivery channel of its subscription.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Channel types understood by the dispatcher.
const (
	ChannelWebsocket = "websocket"
	ChannelRestHook  = "rest-hook"
)

// Delivery results recorded for each attempt.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultDropped   = "dropped"
)

// ErrDeliveryFailed is returned when a notification could not be written to
// its channel. Failed notifications are not retried.
var ErrDeliveryFailed = errors.New("delivery failed")

// SubscriptionInfo holds the data the dispatcher needs from an active subscription.
type SubscriptionInfo struct {
	ID              uuid.UUID
	FHIRID          string
	Criteria        string
	ChannelType     string
	ChannelEndpoint string
	ChannelPayload  string
	ChannelHeaders  []string
}

// Snapshot is an immutable view of the active subscriptions. Version changes
// whenever the set or any member changes.
type Snapshot struct {
	Version       uint64
	Subscriptions []SubscriptionInfo
}

// Registry supplies the current active-subscription snapshot.
type Registry interface {
	Snapshot() Snapshot
}

// Notification is the minimal payload announcing that a resource matching a
// subscription changed. It never carries the resource body.
type Notification struct {
	SubscriptionID string
	EventNumber    uint64
	ResourceType   string
	ResourceID     string
	Action         string
	Timestamp      time.Time
}

// Focus returns the relative reference of the changed resource.
func (n Notification) Focus() string {
	return n.ResourceType + "/" + n.ResourceID
}

// Deliverer writes a notification to the channel of sub.
type Deliverer interface {
	Deliver(ctx context.Context, sub SubscriptionInfo, n Notification) error
}

// LocalDeliverer is a Deliverer whose channels live on a single instance,
// such as websocket connections.
type LocalDeliverer interface {
	Deliverer
	HasChannel(subscriptionID string) bool
}

// DeliveryRecord describes one delivery attempt.
type DeliveryRecord struct {
	SubscriptionID uuid.UUID
	EventNumber    uint64
	ResourceType   string
	ResourceID     string
	Action         string
	ChannelType    string
	Status         string
	Error          string
	AttemptedAt    time.Time
	Duration       time.Duration
}

// NotificationRecorder persists delivery attempts.
type NotificationRecorder interface {
	RecordDelivery(ctx context.Context, rec DeliveryRecord) error
}
