package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type fakeRegistry struct {
	mu   sync.Mutex
	snap Snapshot
}

func (r *fakeRegistry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

func (r *fakeRegistry) set(subs ...SubscriptionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap = Snapshot{Version: r.snap.Version + 1, Subscriptions: subs}
}

type recordingDeliverer struct {
	mu    sync.Mutex
	got   []Notification
	err   error
	delay time.Duration
}

func (d *recordingDeliverer) Deliver(ctx context.Context, _ SubscriptionInfo, n Notification) error {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.got = append(d.got, n)
	return nil
}

func (d *recordingDeliverer) notifications() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Notification, len(d.got))
	copy(out, d.got)
	return out
}

func (d *recordingDeliverer) count() int {
	return len(d.notifications())
}

type memRecorder struct {
	mu   sync.Mutex
	recs []DeliveryRecord
}

func (r *memRecorder) RecordDelivery(_ context.Context, rec DeliveryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *memRecorder) records() []DeliveryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeliveryRecord, len(r.recs))
	copy(out, r.recs)
	return out
}

type panickyMatcher struct {
	*fhir.Matcher
	panicOn string
}

func (m panickyMatcher) MatchResource(rt string, body map[string]interface{}, c *fhir.Criteria) bool {
	if c.Expression == m.panicOn {
		panic("boom")
	}
	return m.Matcher.MatchResource(rt, body, c)
}

func websocketSub(criteria string) SubscriptionInfo {
	id := uuid.New()
	return SubscriptionInfo{
		ID:             id,
		FHIRID:         id.String(),
		Criteria:       criteria,
		ChannelType:    ChannelWebsocket,
		ChannelPayload: "application/json",
	}
}

func observation(id, status string) fhir.ResourceEvent {
	return fhir.ResourceEvent{
		ResourceType: "Observation",
		ResourceID:   id,
		Action:       fhir.ActionCreate,
		Resource:     json.RawMessage(fmt.Sprintf(`{"resourceType":"Observation","id":%q,"status":%q}`, id, status)),
		Timestamp:    time.Now().UTC(),
	}
}

func startDispatcher(t *testing.T, reg Registry, m CriteriaMatcher, opts Options) (*Dispatcher, *recordingDeliverer, func()) {
	t.Helper()
	d := NewDispatcher(reg, m, zerolog.Nop(), opts)
	dl := &recordingDeliverer{}
	d.RegisterDeliverer(ChannelWebsocket, dl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()
	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("dispatcher did not stop")
		}
	}
	return d, dl, stop
}

// ---------------------------------------------------------------------------
// Dispatcher tests
// ---------------------------------------------------------------------------

func TestDispatcher_DeliversOnlyMatches(t *testing.T) {
	reg := &fakeRegistry{}
	sub := websocketSub("Observation?status=final")
	reg.set(sub)

	d, dl, stop := startDispatcher(t, reg, fhir.NewMatcher(nil, 0), Options{})
	defer stop()

	d.OnResourceEvent(context.Background(), observation("o1", "preliminary"))
	d.OnResourceEvent(context.Background(), observation("o2", "final"))

	require.Eventually(t, func() bool { return dl.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Give a wrongly queued preliminary event time to show up.
	time.Sleep(50 * time.Millisecond)
	got := dl.notifications()
	if len(got) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(got))
	}
	if got[0].Focus() != "Observation/o2" {
		t.Errorf("expected focus Observation/o2, got %q", got[0].Focus())
	}
	if got[0].SubscriptionID != sub.FHIRID {
		t.Errorf("expected subscription %s, got %s", sub.FHIRID, got[0].SubscriptionID)
	}
	if got[0].EventNumber != 1 {
		t.Errorf("expected event number 1, got %d", got[0].EventNumber)
	}
}

func TestDispatcher_PerSubscriptionFIFO(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(websocketSub("Observation"))

	d, dl, stop := startDispatcher(t, reg, fhir.NewMatcher(nil, 0), Options{WorkerQueueSize: 256})
	defer stop()

	const n = 100
	for i := 0; i < n; i++ {
		d.OnResourceEvent(context.Background(), observation(fmt.Sprintf("o%d", i), "final"))
	}

	require.Eventually(t, func() bool { return dl.count() == n }, 5*time.Second, 10*time.Millisecond)

	for i, got := range dl.notifications() {
		if want := fmt.Sprintf("o%d", i); got.ResourceID != want {
			t.Fatalf("index %d: expected %s, got %s", i, want, got.ResourceID)
		}
		if got.EventNumber != uint64(i+1) {
			t.Fatalf("index %d: expected event number %d, got %d", i, i+1, got.EventNumber)
		}
	}
}

func TestDispatcher_FanOutToMultipleSubscriptions(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(websocketSub("Observation?status=final"), websocketSub("Observation"), websocketSub("Patient"))

	d, dl, stop := startDispatcher(t, reg, fhir.NewMatcher(nil, 0), Options{})
	defer stop()

	d.OnResourceEvent(context.Background(), observation("o1", "final"))

	require.Eventually(t, func() bool { return dl.count() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_RemovedSubscriptionGetsNothing(t *testing.T) {
	reg := &fakeRegistry{}
	sub := websocketSub("Observation?status=final")
	reg.set(sub)

	d, dl, stop := startDispatcher(t, reg, fhir.NewMatcher(nil, 0), Options{})
	defer stop()

	d.OnResourceEvent(context.Background(), observation("o1", "final"))
	require.Eventually(t, func() bool { return dl.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	reg.set()
	d.OnResourceEvent(context.Background(), observation("o2", "final"))
	time.Sleep(100 * time.Millisecond)

	if dl.count() != 1 {
		t.Fatalf("expected no delivery after removal, got %d notifications", dl.count())
	}
}

func TestDispatcher_PanicIsContainedPerSubscription(t *testing.T) {
	reg := &fakeRegistry{}
	bad := websocketSub("Observation?status=final")
	good := websocketSub("Observation")
	reg.set(bad, good)

	m := panickyMatcher{Matcher: fhir.NewMatcher(nil, 0), panicOn: bad.Criteria}
	d, dl, stop := startDispatcher(t, reg, m, Options{})
	defer stop()

	d.OnResourceEvent(context.Background(), observation("o1", "final"))

	require.Eventually(t, func() bool { return dl.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	if got := dl.notifications()[0].SubscriptionID; got != good.FHIRID {
		t.Errorf("expected delivery to healthy subscription, got %s", got)
	}
}

func TestDispatcher_InvalidCriteriaSkipped(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(SubscriptionInfo{ID: uuid.New(), FHIRID: "bad", Criteria: "not valid?", ChannelType: ChannelWebsocket},
		websocketSub("Observation"))

	d, dl, stop := startDispatcher(t, reg, fhir.NewMatcher(nil, 0), Options{})
	defer stop()

	d.OnResourceEvent(context.Background(), observation("o1", "final"))
	require.Eventually(t, func() bool { return dl.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_QueueFullDoesNotBlock(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(websocketSub("Observation"))
	d := NewDispatcher(reg, fhir.NewMatcher(nil, 0), zerolog.Nop(), Options{QueueSize: 1})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.OnResourceEvent(context.Background(), observation(fmt.Sprintf("o%d", i), "final"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnResourceEvent blocked on a full queue")
	}
	if len(d.events) != 1 {
		t.Errorf("expected 1 queued event, got %d", len(d.events))
	}
}

func TestDispatcher_RecordsDeliveries(t *testing.T) {
	reg := &fakeRegistry{}
	ok := websocketSub("Observation")
	failing := websocketSub("Observation")
	failing.ChannelType = ChannelRestHook
	reg.set(ok, failing)

	d := NewDispatcher(reg, fhir.NewMatcher(nil, 0), zerolog.Nop(), Options{})
	d.RegisterDeliverer(ChannelWebsocket, &recordingDeliverer{})
	d.RegisterDeliverer(ChannelRestHook, &recordingDeliverer{err: fmt.Errorf("%w: refused", ErrDeliveryFailed)})
	rec := &memRecorder{}
	d.SetRecorder(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	d.OnResourceEvent(ctx, observation("o1", "final"))

	require.Eventually(t, func() bool { return len(rec.records()) == 2 }, 2*time.Second, 10*time.Millisecond)

	byID := map[uuid.UUID]DeliveryRecord{}
	for _, r := range rec.records() {
		byID[r.SubscriptionID] = r
	}
	if byID[ok.ID].Status != ResultDelivered {
		t.Errorf("expected delivered, got %q", byID[ok.ID].Status)
	}
	if byID[failing.ID].Status != ResultFailed || byID[failing.ID].Error == "" {
		t.Errorf("expected failed record with error, got %+v", byID[failing.ID])
	}
	if byID[ok.ID].ResourceID != "o1" || byID[ok.ID].Action != fhir.ActionCreate {
		t.Errorf("unexpected record %+v", byID[ok.ID])
	}
}

func TestDispatcher_MissingDelivererFails(t *testing.T) {
	reg := &fakeRegistry{}
	sub := websocketSub("Observation")
	sub.ChannelType = "email"
	reg.set(sub)

	d := NewDispatcher(reg, fhir.NewMatcher(nil, 0), zerolog.Nop(), Options{})
	rec := &memRecorder{}
	d.SetRecorder(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	d.OnResourceEvent(ctx, observation("o1", "final"))
	require.Eventually(t, func() bool { return len(rec.records()) == 1 }, 2*time.Second, 10*time.Millisecond)
	if rec.records()[0].Status != ResultFailed {
		t.Errorf("expected failed, got %q", rec.records()[0].Status)
	}
}

func TestDispatcher_DeliveryTimeout(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(websocketSub("Observation"))

	d := NewDispatcher(reg, fhir.NewMatcher(nil, 0), zerolog.Nop(), Options{DeliveryTimeout: 20 * time.Millisecond})
	d.RegisterDeliverer(ChannelWebsocket, blockingDeliverer{})
	rec := &memRecorder{}
	d.SetRecorder(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	d.OnResourceEvent(ctx, observation("o1", "final"))
	require.Eventually(t, func() bool { return len(rec.records()) == 1 }, 2*time.Second, 10*time.Millisecond)
	if rec.records()[0].Status != ResultFailed {
		t.Errorf("expected timed out delivery to fail, got %q", rec.records()[0].Status)
	}
}

type blockingDeliverer struct{}

func (blockingDeliverer) Deliver(ctx context.Context, _ SubscriptionInfo, _ Notification) error {
	<-ctx.Done()
	return fmt.Errorf("%w: %v", ErrDeliveryFailed, ctx.Err())
}

func TestDispatcher_SlowSubscriptionDoesNotDelayOthers(t *testing.T) {
	reg := &fakeRegistry{}
	slow := websocketSub("Observation")
	slow.ChannelType = ChannelRestHook
	fast := websocketSub("Observation")
	reg.set(slow, fast)

	d := NewDispatcher(reg, fhir.NewMatcher(nil, 0), zerolog.Nop(), Options{})
	slowDl := &recordingDeliverer{delay: 300 * time.Millisecond}
	fastDl := &recordingDeliverer{}
	d.RegisterDeliverer(ChannelRestHook, slowDl)
	d.RegisterDeliverer(ChannelWebsocket, fastDl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	for i := 0; i < 3; i++ {
		d.OnResourceEvent(ctx, observation(fmt.Sprintf("o%d", i), "final"))
	}

	require.Eventually(t, func() bool { return fastDl.count() == 3 }, 250*time.Millisecond, 5*time.Millisecond)
	if slowDl.count() == 3 {
		t.Error("expected slow channel to still be delivering")
	}
}

func TestDispatcher_StopWaitsForWorkers(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(websocketSub("Observation"))

	_, _, stop := startDispatcher(t, reg, fhir.NewMatcher(nil, 0), Options{})
	stop()
}

func TestNotification_Focus(t *testing.T) {
	n := Notification{ResourceType: "Observation", ResourceID: "abc"}
	if n.Focus() != "Observation/abc" {
		t.Errorf("expected Observation/abc, got %q", n.Focus())
	}
}

func TestErrDeliveryFailedWrapping(t *testing.T) {
	err := fmt.Errorf("%w: closed", ErrDeliveryFailed)
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Error("expected wrapped error to match ErrDeliveryFailed")
	}
}

type boundDeliverer struct {
	recordingDeliverer
	bound map[string]bool
}

func (d *boundDeliverer) HasChannel(subscriptionID string) bool { return d.bound[subscriptionID] }

func TestDispatcher_ClusteredOwnership(t *testing.T) {
	reg := &fakeRegistry{}
	here := websocketSub("Observation")
	elsewhere := websocketSub("Observation")
	hook := websocketSub("Observation")
	hook.ChannelType = ChannelRestHook
	reg.set(here, elsewhere, hook)

	d := NewDispatcher(reg, fhir.NewMatcher(nil, 0), zerolog.Nop(), Options{Clustered: true})
	ws := &boundDeliverer{bound: map[string]bool{here.FHIRID: true}}
	rh := &recordingDeliverer{}
	d.RegisterDeliverer(ChannelWebsocket, ws)
	d.RegisterDeliverer(ChannelRestHook, rh)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	remote := observation("o1", "final")
	remote.Origin = "other-instance"
	d.OnResourceEvent(ctx, remote)
	d.OnResourceEvent(ctx, observation("o2", "final"))

	require.Eventually(t, func() bool { return ws.count() == 2 && rh.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	for _, n := range ws.notifications() {
		if n.SubscriptionID != here.FHIRID {
			t.Errorf("unbound channel %s must be left to the instance holding it", n.SubscriptionID)
		}
	}
	got := rh.notifications()
	if len(got) != 1 || got[0].ResourceID != "o2" {
		t.Errorf("rest-hook must only receive locally originated events, got %+v", got)
	}
}
