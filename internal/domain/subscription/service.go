package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/internal/platform/notify"
	"github.com/ehr/fhirsub/internal/platform/telemetry"
	"github.com/rs/zerolog"
)

// Default registry timings.
const (
	DefaultActivationTimeout     = 10 * time.Second
	DefaultExpiryInterval        = time.Minute
	DefaultNotificationRetention = 7 * 24 * time.Hour
	DefaultActivationQueueSize   = 256
	DefaultActivationWorkers     = 4
	DefaultRefreshInterval       = 30 * time.Second
)

// rebuildRetryInterval is how soon a failed snapshot rebuild is retried.
var rebuildRetryInterval = time.Second

// CriteriaCompiler is the subset of fhir.Matcher the registry needs.
type CriteriaCompiler interface {
	Compile(expr string) (*fhir.Criteria, error)
	Validate(c *fhir.Criteria) error
}

// Options tunes the registry. Zero values select the defaults; a negative
// NotificationRetention keeps the delivery log forever. RefreshInterval
// reloads the active snapshot from storage so writes made by other instances
// sharing the repository become visible.
type Options struct {
	ActivationTimeout     time.Duration
	ExpiryInterval        time.Duration
	NotificationRetention time.Duration
	RefreshInterval       time.Duration
	ActivationQueueSize   int
	ActivationWorkers     int
	AllowPrivateEndpoints bool
	RequireHTTPS          bool
}

func (o Options) withDefaults() Options {
	if o.ActivationTimeout <= 0 {
		o.ActivationTimeout = DefaultActivationTimeout
	}
	if o.ExpiryInterval <= 0 {
		o.ExpiryInterval = DefaultExpiryInterval
	}
	if o.NotificationRetention == 0 {
		o.NotificationRetention = DefaultNotificationRetention
	}
	if o.ActivationQueueSize <= 0 {
		o.ActivationQueueSize = DefaultActivationQueueSize
	}
	if o.ActivationWorkers <= 0 {
		o.ActivationWorkers = DefaultActivationWorkers
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	return o
}

// activeSet is an immutable view published after every committed write.
type activeSet struct {
	subs     []*Subscription
	snapshot notify.Snapshot
}

// Service is the subscription registry. Writes are serialised by writeMu and
// each one that can change the active set publishes a new snapshot; readers
// load the snapshot without locking.
type Service struct {
	repo    SubscriptionRepository
	matcher CriteriaCompiler
	logger  zerolog.Logger
	opts    Options

	writeMu sync.Mutex
	version uint64 // guarded by writeMu
	active  atomic.Pointer[activeSet]
	stale   atomic.Bool

	activations chan string
	overflowed  atomic.Bool

	mu                  sync.RWMutex
	verifiers           map[string]ChannelVerifier
	deleteListeners     []func(fhirID string)
	deactivateListeners []func(fhirID string)
	events              fhir.ResourceEventListener
}

// NewService creates a subscription registry backed by repo.
func NewService(repo SubscriptionRepository, matcher CriteriaCompiler, logger zerolog.Logger, opts Options) *Service {
	opts = opts.withDefaults()
	s := &Service{
		repo:        repo,
		matcher:     matcher,
		logger:      logger.With().Str("component", "subscriptions").Logger(),
		opts:        opts,
		activations: make(chan string, opts.ActivationQueueSize),
		verifiers: map[string]ChannelVerifier{
			ChannelWebsocket: websocketVerifier,
		},
	}
	s.active.Store(&activeSet{})
	return s
}

// SetVerifier installs the reachability check for a channel type.
func (s *Service) SetVerifier(channelType string, v ChannelVerifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifiers[channelType] = v
}

// OnDelete registers fn to be called with the id of every deleted subscription.
func (s *Service) OnDelete(fn func(fhirID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteListeners = append(s.deleteListeners, fn)
}

// OnDeactivate registers fn to be called with the id of every subscription
// that moves to error or off.
func (s *Service) OnDeactivate(fn func(fhirID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivateListeners = append(s.deactivateListeners, fn)
}

// SetEventListener makes the registry publish its own changes as Subscription
// resource events, so criteria on Subscription can match them.
func (s *Service) SetEventListener(l fhir.ResourceEventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = l
}

func (s *Service) notifyDeleted(id string) {
	s.mu.RLock()
	listeners := append([]func(string){}, s.deleteListeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(id)
	}
}

func (s *Service) notifyDeactivated(id string) {
	s.mu.RLock()
	listeners := append([]func(string){}, s.deactivateListeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(id)
	}
}

// publishLocked emits a change event for sub. Callers hold writeMu, which
// keeps events in version order.
func (s *Service) publishLocked(ctx context.Context, action string, sub *Subscription) {
	s.mu.RLock()
	l := s.events
	s.mu.RUnlock()
	if l == nil {
		return
	}
	r := sub.ToFHIR()
	// Channel headers may carry credentials for the endpoint.
	delete(r["channel"].(map[string]interface{}), "header")
	body, err := json.Marshal(r)
	if err != nil {
		s.logger.Error().Err(err).Str("subscription", sub.FHIRID).Msg("failed to encode subscription event")
		return
	}
	l.OnResourceEvent(ctx, fhir.ResourceEvent{
		ResourceType: ResourceType,
		ResourceID:   sub.FHIRID,
		VersionID:    sub.VersionID,
		Action:       action,
		Resource:     body,
		Timestamp:    sub.UpdatedAt,
	})
}

var validStatuses = map[string]bool{
	StatusRequested: true, StatusActive: true, StatusError: true, StatusOff: true,
}

// validate checks everything that can be rejected synchronously and fills
// in channel defaults.
func (s *Service) validate(sub *Subscription) error {
	if sub.Status != "" && !validStatuses[sub.Status] {
		return fmt.Errorf("%w: invalid status %q", ErrInvalidSubscription, sub.Status)
	}
	if _, err := s.matcher.Compile(sub.Criteria); err != nil {
		return err
	}

	switch sub.ChannelType {
	case ChannelWebsocket:
		if sub.ChannelPayload == "" {
			sub.ChannelPayload = DefaultWebsocketPayload
		}
	case ChannelRestHook:
		if sub.ChannelEndpoint == "" {
			return fmt.Errorf("%w: rest-hook channel requires an endpoint", ErrInvalidChannel)
		}
		if err := validateEndpointURL(sub.ChannelEndpoint, s.opts.AllowPrivateEndpoints, s.opts.RequireHTTPS); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidChannel, err)
		}
		if sub.ChannelPayload != "" && !strings.Contains(sub.ChannelPayload, "json") {
			return fmt.Errorf("%w: unsupported payload %q", ErrInvalidChannel, sub.ChannelPayload)
		}
	case "":
		return fmt.Errorf("%w: channel type is required", ErrInvalidChannel)
	default:
		return fmt.Errorf("%w: unsupported channel type %q (supported: websocket, rest-hook)", ErrInvalidChannel, sub.ChannelType)
	}
	return nil
}

// Register validates and stores a new subscription in status requested (or
// off, when asked for) and schedules its activation.
func (s *Service) Register(ctx context.Context, sub *Subscription) (*Subscription, error) {
	if err := s.validate(sub); err != nil {
		return nil, err
	}
	if sub.Status != StatusOff {
		sub.Status = StatusRequested
	}
	sub.ErrorText = nil
	sub.VersionID = 1

	s.writeMu.Lock()
	if err := s.repo.Create(ctx, sub); err != nil {
		s.writeMu.Unlock()
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	s.publishLocked(ctx, fhir.ActionCreate, sub)
	s.writeMu.Unlock()

	s.logger.Info().Str("subscription", sub.FHIRID).Str("criteria", sub.Criteria).
		Str("channel", sub.ChannelType).Msg("subscription registered")
	if sub.Status == StatusRequested {
		s.scheduleActivation(sub.FHIRID)
	}
	return sub.clone(), nil
}

// Update replaces a subscription's definition. The subscription returns to
// requested and is activated again.
func (s *Service) Update(ctx context.Context, sub *Subscription) (*Subscription, error) {
	if err := s.validate(sub); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	existing, err := s.repo.GetByFHIRID(ctx, sub.FHIRID)
	if err != nil {
		s.writeMu.Unlock()
		return nil, err
	}
	if sub.VersionID != 0 && sub.VersionID != existing.VersionID {
		s.writeMu.Unlock()
		return nil, fmt.Errorf("%w: expected version %d, current is %d", ErrVersionConflict, sub.VersionID, existing.VersionID)
	}
	sub.ID = existing.ID
	sub.VersionID = existing.VersionID + 1
	if sub.Status != StatusOff {
		sub.Status = StatusRequested
	}
	sub.ErrorText = nil
	if err := s.repo.Update(ctx, sub); err != nil {
		s.writeMu.Unlock()
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	if existing.Status == StatusActive {
		s.rebuildLocked(ctx)
	}
	s.publishLocked(ctx, fhir.ActionUpdate, sub)
	s.writeMu.Unlock()

	switch {
	case sub.Status == StatusRequested:
		s.scheduleActivation(sub.FHIRID)
	case existing.Status != StatusOff:
		s.notifyDeactivated(sub.FHIRID)
	}
	return sub.clone(), nil
}

// Activate moves a requested subscription to active when its criteria and
// channel check out, or to error otherwise. Active subscriptions are left
// alone; error and off subscriptions are never activated.
func (s *Service) Activate(ctx context.Context, id string) error {
	sub, err := s.repo.GetByFHIRID(ctx, id)
	if err != nil {
		return err
	}
	switch sub.Status {
	case StatusActive:
		return nil
	case StatusRequested:
	default:
		return fmt.Errorf("%w: subscription %s is %s", ErrActivationFailed, id, sub.Status)
	}

	// The channel check may be slow, so it runs outside the write lock and the
	// result is applied only if the subscription did not change meanwhile.
	cause := s.check(ctx, sub)

	s.writeMu.Lock()
	current, err := s.repo.GetByID(ctx, sub.ID)
	if err != nil {
		s.writeMu.Unlock()
		return err
	}
	if current.VersionID != sub.VersionID || current.Status != StatusRequested {
		s.writeMu.Unlock()
		s.logger.Debug().Str("subscription", id).Msg("subscription changed during activation")
		return nil
	}

	current.VersionID++
	if cause != nil {
		text := cause.Error()
		current.Status = StatusError
		current.ErrorText = &text
	} else {
		current.Status = StatusActive
		current.ErrorText = nil
	}
	if err := s.repo.Update(ctx, current); err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("update subscription: %w", err)
	}
	if cause == nil {
		s.rebuildLocked(ctx)
	}
	s.publishLocked(ctx, fhir.ActionUpdate, current)
	s.writeMu.Unlock()

	if cause != nil {
		telemetry.ActivationsTotal.With(StatusError).Inc()
		s.logger.Warn().Err(cause).Str("subscription", id).Msg("subscription activation failed")
		s.notifyDeactivated(id)
		return fmt.Errorf("%w: %v", ErrActivationFailed, cause)
	}

	telemetry.ActivationsTotal.With(StatusActive).Inc()
	s.logger.Info().Str("subscription", id).Msg("subscription activated")
	return nil
}

func (s *Service) check(ctx context.Context, sub *Subscription) error {
	c, err := s.matcher.Compile(sub.Criteria)
	if err != nil {
		return err
	}
	if err := s.matcher.Validate(c); err != nil {
		return err
	}

	s.mu.RLock()
	v, ok := s.verifiers[sub.ChannelType]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.ActivationTimeout)
	defer cancel()
	return v.Verify(ctx, sub)
}

// Delete removes a subscription and tells the delete listeners, which close
// any open channel.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	sub, err := s.repo.GetByFHIRID(ctx, id)
	if err != nil {
		s.writeMu.Unlock()
		return err
	}
	if err := s.repo.Delete(ctx, sub.ID); err != nil {
		s.writeMu.Unlock()
		return err
	}
	if sub.Status == StatusActive {
		s.rebuildLocked(ctx)
	}
	s.publishLocked(ctx, fhir.ActionDelete, sub)
	s.writeMu.Unlock()

	s.notifyDeleted(id)
	s.logger.Info().Str("subscription", id).Msg("subscription deleted")
	return nil
}

// Get returns a subscription by its FHIR id.
func (s *Service) Get(ctx context.Context, id string) (*Subscription, error) {
	return s.repo.GetByFHIRID(ctx, id)
}

// Search returns subscriptions filtered by status, type, criteria, url and _id.
func (s *Service) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Subscription, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}

// Count returns the number of stored subscriptions in status, or all of
// them when status is empty.
func (s *Service) Count(ctx context.Context, status string) (int, error) {
	params := map[string]string{}
	if status != "" {
		params["status"] = status
	}
	_, total, err := s.repo.Search(ctx, params, 0, 0)
	return total, err
}

// Snapshot returns the current active-subscription snapshot.
func (s *Service) Snapshot() notify.Snapshot {
	return s.active.Load().snapshot
}

// ListActive returns copies of the active subscriptions.
func (s *Service) ListActive() []*Subscription {
	set := s.active.Load()
	out := make([]*Subscription, 0, len(set.subs))
	for _, sub := range set.subs {
		out = append(out, sub.clone())
	}
	return out
}

// LookupChannel resolves a websocket bind request to the channel's payload
// encoding. Requested subscriptions can be bound so clients may connect
// before activation completes.
func (s *Service) LookupChannel(ctx context.Context, id string) (string, error) {
	sub, err := s.repo.GetByFHIRID(ctx, id)
	if err != nil {
		return "", err
	}
	if sub.ChannelType != ChannelWebsocket {
		return "", fmt.Errorf("%w: subscription %s uses channel %s", ErrNotBindable, id, sub.ChannelType)
	}
	if sub.Status != StatusActive && sub.Status != StatusRequested {
		return "", fmt.Errorf("%w: subscription %s is %s", ErrNotBindable, id, sub.Status)
	}
	return sub.ChannelPayload, nil
}

// ListNotifications returns a page of a subscription's delivery log.
func (s *Service) ListNotifications(ctx context.Context, id string, limit, offset int) ([]*SubscriptionNotification, int, error) {
	sub, err := s.repo.GetByFHIRID(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return s.repo.ListNotificationsBySubscription(ctx, sub.ID, limit, offset)
}

// Rebuild reloads the active snapshot from storage.
func (s *Service) Rebuild(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.rebuildLocked(ctx)
}

// Refresh reloads the active snapshot and closes the channels of
// subscriptions another instance deleted or deactivated.
func (s *Service) Refresh(ctx context.Context) error {
	s.writeMu.Lock()
	before := s.active.Load().subs
	if err := s.rebuildLocked(ctx); err != nil {
		s.writeMu.Unlock()
		return err
	}
	after := s.active.Load().subs
	s.writeMu.Unlock()

	still := make(map[string]bool, len(after))
	for _, sub := range after {
		still[sub.FHIRID] = true
	}
	for _, sub := range before {
		if still[sub.FHIRID] {
			continue
		}
		current, err := s.repo.GetByFHIRID(ctx, sub.FHIRID)
		switch {
		case errors.Is(err, ErrNotFound):
			s.notifyDeleted(sub.FHIRID)
		case err != nil:
			s.logger.Warn().Err(err).Str("subscription", sub.FHIRID).Msg("failed to look up departed subscription")
		case current.Status == StatusError || current.Status == StatusOff:
			s.notifyDeactivated(sub.FHIRID)
		}
	}
	return nil
}

// rebuildLocked publishes a new snapshot. A failure marks the snapshot stale
// and the Start loop retries until a rebuild succeeds.
func (s *Service) rebuildLocked(ctx context.Context) error {
	subs, err := s.repo.ListByStatus(ctx, StatusActive)
	if err != nil {
		s.stale.Store(true)
		s.logger.Error().Err(err).Msg("failed to load active subscriptions")
		return err
	}
	s.stale.Store(false)
	s.version++
	infos := make([]notify.SubscriptionInfo, 0, len(subs))
	for _, sub := range subs {
		infos = append(infos, sub.Info())
	}
	s.active.Store(&activeSet{
		subs:     subs,
		snapshot: notify.Snapshot{Version: s.version, Subscriptions: infos},
	})
	telemetry.ActiveSubscriptions.Set(float64(len(subs)))
	return nil
}

func (s *Service) scheduleActivation(id string) {
	select {
	case s.activations <- id:
	default:
		s.overflowed.Store(true)
		s.logger.Warn().Str("subscription", id).Msg("activation queue full, retrying on next sweep")
	}
}

// ExpireSubscriptions turns off active subscriptions whose end time passed.
func (s *Service) ExpireSubscriptions(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	expired, err := s.repo.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		s.writeMu.Unlock()
		return 0, err
	}
	var (
		off     []string
		lastErr error
	)
	for _, sub := range expired {
		sub.Status = StatusOff
		sub.VersionID++
		if err := s.repo.Update(ctx, sub); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			lastErr = err
			break
		}
		off = append(off, sub.FHIRID)
		s.publishLocked(ctx, fhir.ActionUpdate, sub)
		s.logger.Info().Str("subscription", sub.FHIRID).Msg("subscription expired")
	}
	if len(off) > 0 {
		s.rebuildLocked(ctx)
	}
	s.writeMu.Unlock()

	for _, id := range off {
		s.notifyDeactivated(id)
	}
	return len(off), lastErr
}

// CleanupNotifications removes delivery log entries older than the retention.
func (s *Service) CleanupNotifications(ctx context.Context) (int64, error) {
	if s.opts.NotificationRetention < 0 {
		return 0, nil
	}
	return s.repo.DeleteOldNotifications(ctx, time.Now().UTC().Add(-s.opts.NotificationRetention))
}

func (s *Service) requeueRequested(ctx context.Context) {
	pending, err := s.repo.ListByStatus(ctx, StatusRequested)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list requested subscriptions")
		return
	}
	for _, sub := range pending {
		s.scheduleActivation(sub.FHIRID)
	}
}

// Start loads the active snapshot, requeues pending activations and runs the
// activation workers and the expiry, refresh and cleanup loops until ctx is
// cancelled.
func (s *Service) Start(ctx context.Context) {
	s.Rebuild(ctx)
	s.requeueRequested(ctx)

	var wg sync.WaitGroup
	for i := 0; i < s.opts.ActivationWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runActivations(ctx)
		}()
	}
	defer wg.Wait()

	expiry := time.NewTicker(s.opts.ExpiryInterval)
	defer expiry.Stop()
	refresh := time.NewTicker(s.opts.RefreshInterval)
	defer refresh.Stop()
	retry := time.NewTicker(rebuildRetryInterval)
	defer retry.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("subscription refresh failed")
			}
		case <-retry.C:
			if s.stale.Load() {
				s.Rebuild(ctx)
			}
		case <-expiry.C:
			if _, err := s.ExpireSubscriptions(ctx); err != nil {
				s.logger.Error().Err(err).Msg("subscription expiry sweep failed")
			}
			if s.overflowed.Swap(false) {
				s.requeueRequested(ctx)
			}
		case <-cleanup.C:
			n, err := s.CleanupNotifications(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("notification cleanup failed")
			} else if n > 0 {
				s.logger.Info().Int64("removed", n).Msg("notification log cleaned up")
			}
		}
	}
}

// runActivations processes queued activations. Several run at once so a slow
// rest-hook handshake does not hold up the rest of the queue.
func (s *Service) runActivations(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.activations:
			if err := s.Activate(ctx, id); err != nil && !errors.Is(err, ErrActivationFailed) && !errors.Is(err, ErrNotFound) {
				s.logger.Error().Err(err).Str("subscription", id).Msg("activation error")
			}
		}
	}
}
