package subscription

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type subscriptionRepoMemory struct {
	mu            sync.RWMutex
	byID          map[uuid.UUID]*Subscription
	byFHIRID      map[string]uuid.UUID
	notifications map[uuid.UUID][]*SubscriptionNotification
}

// NewSubscriptionRepoMemory creates an in-memory subscription repository.
// Stored records are copied on the way in and out.
func NewSubscriptionRepoMemory() SubscriptionRepository {
	return &subscriptionRepoMemory{
		byID:          make(map[uuid.UUID]*Subscription),
		byFHIRID:      make(map[string]uuid.UUID),
		notifications: make(map[uuid.UUID][]*SubscriptionNotification),
	}
}

func (r *subscriptionRepoMemory) Create(_ context.Context, sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub.ID = uuid.New()
	if sub.FHIRID == "" {
		sub.FHIRID = sub.ID.String()
	}
	if _, exists := r.byFHIRID[sub.FHIRID]; exists {
		return fmt.Errorf("subscription %s already exists", sub.FHIRID)
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if sub.VersionID == 0 {
		sub.VersionID = 1
	}
	r.byID[sub.ID] = sub.clone()
	r.byFHIRID[sub.FHIRID] = sub.ID
	return nil
}

func (r *subscriptionRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

func (r *subscriptionRepoMemory) GetByFHIRID(_ context.Context, fhirID string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byFHIRID[fhirID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.byID[id].clone(), nil
}

func (r *subscriptionRepoMemory) Update(_ context.Context, sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.byID[sub.ID]
	if !ok {
		return ErrNotFound
	}
	sub.FHIRID = existing.FHIRID
	sub.CreatedAt = existing.CreatedAt
	sub.UpdatedAt = time.Now().UTC()
	r.byID[sub.ID] = sub.clone()
	return nil
}

func (r *subscriptionRepoMemory) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.byID, id)
	delete(r.byFHIRID, s.FHIRID)
	delete(r.notifications, id)
	return nil
}

func (r *subscriptionRepoMemory) Search(_ context.Context, params map[string]string, limit, offset int) ([]*Subscription, int, error) {
	r.mu.RLock()
	var matched []*Subscription
	for _, s := range r.byID {
		if matchesSearch(s, params) {
			matched = append(matched, s.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].FHIRID < matched[j].FHIRID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total || limit <= 0 {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// matchesSearch applies the subscription search parameters. Comma separated
// values are OR-ed.
func matchesSearch(s *Subscription, params map[string]string) bool {
	for name, value := range params {
		var field string
		switch name {
		case "status":
			field = s.Status
		case "type":
			field = s.ChannelType
		case "criteria":
			if !strings.Contains(s.Criteria, value) {
				return false
			}
			continue
		case "url":
			field = s.ChannelEndpoint
		case "_id":
			field = s.FHIRID
		default:
			continue
		}
		if !containsValue(strings.Split(value, ","), field) {
			return false
		}
	}
	return true
}

func containsValue(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func (r *subscriptionRepoMemory) ListByStatus(_ context.Context, status string) ([]*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, s := range r.byID {
		if s.Status == status {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *subscriptionRepoMemory) ListExpired(_ context.Context, now time.Time) ([]*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, s := range r.byID {
		if s.Status == StatusActive && s.EndTime != nil && s.EndTime.Before(now) {
			out = append(out, s.clone())
		}
	}
	return out, nil
}

func (r *subscriptionRepoMemory) CreateNotification(_ context.Context, n *SubscriptionNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[n.SubscriptionID]; !ok {
		// The subscription was deleted while the delivery was in flight.
		return ErrNotFound
	}
	n.ID = uuid.New()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	cp := *n
	r.notifications[n.SubscriptionID] = append(r.notifications[n.SubscriptionID], &cp)
	return nil
}

func (r *subscriptionRepoMemory) ListNotificationsBySubscription(_ context.Context, subscriptionID uuid.UUID, limit, offset int) ([]*SubscriptionNotification, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.notifications[subscriptionID]
	total := len(all)

	// Newest first.
	var out []*SubscriptionNotification
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, total, nil
}

func (r *subscriptionRepoMemory) DeleteOldNotifications(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for id, list := range r.notifications {
		kept := list[:0]
		for _, n := range list {
			if n.CreatedAt.Before(before) {
				removed++
				continue
			}
			kept = append(kept, n)
		}
		r.notifications[id] = kept
	}
	return removed, nil
}
