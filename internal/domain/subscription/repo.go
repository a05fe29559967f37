package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubscriptionRepository defines the data access interface for subscriptions.
// Lookups of unknown ids return ErrNotFound.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	GetByFHIRID(ctx context.Context, fhirID string) (*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id uuid.UUID) error
	// Search filters by status, type, criteria, url and _id. A zero limit
	// returns only the total.
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Subscription, int, error)
	ListByStatus(ctx context.Context, status string) ([]*Subscription, error)
	ListExpired(ctx context.Context, now time.Time) ([]*Subscription, error)

	// Delivery log
	CreateNotification(ctx context.Context, n *SubscriptionNotification) error
	ListNotificationsBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit, offset int) ([]*SubscriptionNotification, int, error)
	DeleteOldNotifications(ctx context.Context, before time.Time) (int64, error)
}
