package subscription

import (
	"context"
	"errors"

	"github.com/ehr/fhirsub/internal/platform/notify"
)

// NotifyRecorderAdapter adapts SubscriptionRepository to
// notify.NotificationRecorder, writing the delivery log.
type NotifyRecorderAdapter struct {
	repo SubscriptionRepository
}

// NewNotifyRecorderAdapter creates a new adapter.
func NewNotifyRecorderAdapter(repo SubscriptionRepository) *NotifyRecorderAdapter {
	return &NotifyRecorderAdapter{repo: repo}
}

// RecordDelivery stores one delivery attempt. Attempts for subscriptions
// deleted while the delivery was in flight are discarded.
func (a *NotifyRecorderAdapter) RecordDelivery(ctx context.Context, rec notify.DeliveryRecord) error {
	n := &SubscriptionNotification{
		SubscriptionID: rec.SubscriptionID,
		EventNumber:    int64(rec.EventNumber),
		ResourceType:   rec.ResourceType,
		ResourceID:     rec.ResourceID,
		EventType:      rec.Action,
		ChannelType:    rec.ChannelType,
		Status:         rec.Status,
		DurationMS:     rec.Duration.Milliseconds(),
		CreatedAt:      rec.AttemptedAt,
	}
	if rec.Error != "" {
		e := rec.Error
		n.LastError = &e
	}
	err := a.repo.CreateNotification(ctx, n)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

var (
	_ notify.Registry             = (*Service)(nil)
	_ notify.NotificationRecorder = (*NotifyRecorderAdapter)(nil)
)
