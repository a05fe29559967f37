package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/internal/platform/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Default dispatcher limits.
const (
	DefaultQueueSize       = 1024
	DefaultWorkerQueueSize = 64
	DefaultDeliveryTimeout = 5 * time.Second
)

// CriteriaMatcher is the subset of fhir.Matcher the dispatcher needs.
type CriteriaMatcher interface {
	Compile(expr string) (*fhir.Criteria, error)
	MatchResource(resourceType string, body map[string]interface{}, c *fhir.Criteria) bool
}

// Options tunes queue sizes and timeouts. Zero values select the defaults.
//
// Clustered is set when several instances share the registry and exchange
// resource events. Each event then reaches every instance, so rest-hooks are
// delivered only by the instance where the change happened and local
// channels only by the instance holding them.
type Options struct {
	QueueSize       int
	WorkerQueueSize int
	DeliveryTimeout time.Duration
	Clustered       bool
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.WorkerQueueSize <= 0 {
		o.WorkerQueueSize = DefaultWorkerQueueSize
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = DefaultDeliveryTimeout
	}
	return o
}

// Dispatcher receives resource events, evaluates them against the registry's
// active subscriptions and delivers matches. A single loop goroutine owns
// matching; each subscription has its own FIFO delivery worker so one slow
// channel cannot delay another.
type Dispatcher struct {
	registry Registry
	matcher  CriteriaMatcher
	logger   zerolog.Logger
	opts     Options
	events   chan fhir.ResourceEvent

	mu         sync.RWMutex
	deliverers map[string]Deliverer
	recorder   NotificationRecorder

	// Owned by the loop goroutine.
	version  uint64
	compiled []compiledSubscription
	workers  map[uuid.UUID]*worker
	wg       sync.WaitGroup
}

type compiledSubscription struct {
	info     SubscriptionInfo
	criteria *fhir.Criteria
}

type job struct {
	sub          SubscriptionInfo
	notification Notification
}

type worker struct {
	queue   chan job
	retired atomic.Bool
	events  uint64
}

// NewDispatcher creates a Dispatcher. Call Start to begin processing.
func NewDispatcher(registry Registry, matcher CriteriaMatcher, logger zerolog.Logger, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		registry:   registry,
		matcher:    matcher,
		logger:     logger.With().Str("component", "dispatcher").Logger(),
		opts:       opts,
		events:     make(chan fhir.ResourceEvent, opts.QueueSize),
		deliverers: make(map[string]Deliverer),
		workers:    make(map[uuid.UUID]*worker),
	}
}

// RegisterDeliverer sets the Deliverer used for channelType.
func (d *Dispatcher) RegisterDeliverer(channelType string, dl Deliverer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliverers[channelType] = dl
}

// SetRecorder attaches an optional delivery log.
func (d *Dispatcher) SetRecorder(r NotificationRecorder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recorder = r
}

// OnResourceEvent implements fhir.ResourceEventListener. It never blocks: when
// the queue is full the event is dropped and counted.
func (d *Dispatcher) OnResourceEvent(_ context.Context, event fhir.ResourceEvent) {
	select {
	case d.events <- event:
		telemetry.EventsReceived.Inc()
	default:
		telemetry.EventsDropped.Inc()
		d.logger.Warn().
			Str("resource", event.Reference()).
			Str("action", event.Action).
			Msg("dispatch queue full, dropping resource event")
	}
}

// Start runs the dispatch loop until ctx is cancelled, then stops all
// delivery workers and waits for them to exit.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info().Msg("event dispatcher started")
	defer func() {
		for id, w := range d.workers {
			d.retire(id, w)
		}
		d.wg.Wait()
		d.logger.Info().Msg("event dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.events:
			d.dispatch(ctx, event)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, event fhir.ResourceEvent) {
	d.reconcile()

	var (
		body    map[string]interface{}
		decoded bool
	)
	for _, cs := range d.compiled {
		if cs.criteria.ResourceType != event.ResourceType {
			continue
		}
		if len(cs.criteria.Params) > 0 && !decoded {
			decoded = true
			if err := json.Unmarshal(event.Resource, &body); err != nil {
				d.logger.Debug().Err(err).Str("resource", event.Reference()).Msg("resource body is not a JSON object")
				body = nil
			}
		}
		if !d.owns(cs.info, event) || !d.match(cs, event.ResourceType, body) {
			continue
		}
		d.enqueue(ctx, cs.info, event)
	}
}

// owns reports whether this instance delivers event to sub. Events forwarded
// from other instances carry their origin.
func (d *Dispatcher) owns(sub SubscriptionInfo, event fhir.ResourceEvent) bool {
	if !d.opts.Clustered {
		return true
	}
	d.mu.RLock()
	dl := d.deliverers[sub.ChannelType]
	d.mu.RUnlock()
	if local, ok := dl.(LocalDeliverer); ok {
		return local.HasChannel(sub.FHIRID)
	}
	return event.Origin == ""
}

// match evaluates one subscription, containing any panic to that subscription.
func (d *Dispatcher) match(cs compiledSubscription, resourceType string, body map[string]interface{}) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.MatchPanics.Inc()
			d.logger.Error().
				Str("subscription", cs.info.FHIRID).
				Str("criteria", cs.info.Criteria).
				Interface("panic", r).
				Msg("criteria evaluation panicked")
			ok = false
		}
	}()
	return d.matcher.MatchResource(resourceType, body, cs.criteria)
}

// reconcile refreshes the compiled subscription list when the registry
// snapshot changed and retires workers of subscriptions that left it.
func (d *Dispatcher) reconcile() {
	snap := d.registry.Snapshot()
	if snap.Version == d.version && d.compiled != nil {
		return
	}
	d.version = snap.Version

	compiled := make([]compiledSubscription, 0, len(snap.Subscriptions))
	live := make(map[uuid.UUID]bool, len(snap.Subscriptions))
	for _, info := range snap.Subscriptions {
		c, err := d.matcher.Compile(info.Criteria)
		if err != nil {
			d.logger.Warn().Err(err).Str("subscription", info.FHIRID).Msg("skipping subscription with invalid criteria")
			continue
		}
		compiled = append(compiled, compiledSubscription{info: info, criteria: c})
		live[info.ID] = true
	}
	d.compiled = compiled

	for id, w := range d.workers {
		if !live[id] {
			d.retire(id, w)
		}
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, sub SubscriptionInfo, event fhir.ResourceEvent) {
	w, ok := d.workers[sub.ID]
	if !ok {
		w = &worker{queue: make(chan job, d.opts.WorkerQueueSize)}
		d.workers[sub.ID] = w
		telemetry.DispatchWorkers.Inc()
		d.wg.Add(1)
		go d.runWorker(ctx, w)
	}

	w.events++
	j := job{
		sub: sub,
		notification: Notification{
			SubscriptionID: sub.FHIRID,
			EventNumber:    w.events,
			ResourceType:   event.ResourceType,
			ResourceID:     event.ResourceID,
			Action:         event.Action,
			Timestamp:      event.Timestamp,
		},
	}
	if j.notification.Timestamp.IsZero() {
		j.notification.Timestamp = time.Now().UTC()
	}

	select {
	case w.queue <- j:
	default:
		telemetry.NotificationsTotal.With(sub.ChannelType, ResultDropped).Inc()
		d.logger.Warn().
			Str("subscription", sub.FHIRID).
			Uint64("event", j.notification.EventNumber).
			Msg("subscription delivery queue full, dropping notification")
		d.record(ctx, j, ResultDropped, "delivery queue full", 0)
	}
}

func (d *Dispatcher) retire(id uuid.UUID, w *worker) {
	w.retired.Store(true)
	close(w.queue)
	delete(d.workers, id)
	telemetry.DispatchWorkers.Dec()
}

func (d *Dispatcher) runWorker(ctx context.Context, w *worker) {
	defer d.wg.Done()
	for j := range w.queue {
		// Jobs queued before retirement belong to a removed subscription.
		if w.retired.Load() {
			continue
		}
		d.deliver(ctx, j)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	d.mu.RLock()
	dl := d.deliverers[j.sub.ChannelType]
	d.mu.RUnlock()

	start := time.Now()
	var err error
	if dl == nil {
		err = fmt.Errorf("%w: no deliverer for channel type %q", ErrDeliveryFailed, j.sub.ChannelType)
	} else {
		dctx, cancel := context.WithTimeout(ctx, d.opts.DeliveryTimeout)
		err = dl.Deliver(dctx, j.sub, j.notification)
		cancel()
	}
	elapsed := time.Since(start)
	telemetry.DeliveryDuration.With(j.sub.ChannelType).Observe(elapsed.Seconds())

	if err != nil {
		telemetry.NotificationsTotal.With(j.sub.ChannelType, ResultFailed).Inc()
		d.logger.Warn().Err(err).
			Str("subscription", j.sub.FHIRID).
			Str("focus", j.notification.Focus()).
			Uint64("event", j.notification.EventNumber).
			Msg("notification delivery failed")
		d.record(ctx, j, ResultFailed, err.Error(), elapsed)
		return
	}

	telemetry.NotificationsTotal.With(j.sub.ChannelType, ResultDelivered).Inc()
	d.logger.Debug().
		Str("subscription", j.sub.FHIRID).
		Str("focus", j.notification.Focus()).
		Uint64("event", j.notification.EventNumber).
		Msg("notification delivered")
	d.record(ctx, j, ResultDelivered, "", elapsed)
}

func (d *Dispatcher) record(ctx context.Context, j job, status, errText string, elapsed time.Duration) {
	d.mu.RLock()
	r := d.recorder
	d.mu.RUnlock()
	if r == nil {
		return
	}
	rec := DeliveryRecord{
		SubscriptionID: j.sub.ID,
		EventNumber:    j.notification.EventNumber,
		ResourceType:   j.notification.ResourceType,
		ResourceID:     j.notification.ResourceID,
		Action:         j.notification.Action,
		ChannelType:    j.sub.ChannelType,
		Status:         status,
		Error:          errText,
		AttemptedAt:    time.Now().UTC(),
		Duration:       elapsed,
	}
	if err := r.RecordDelivery(ctx, rec); err != nil {
		d.logger.Error().Err(err).Str("subscription", j.sub.FHIRID).Msg("failed to record delivery")
	}
}
