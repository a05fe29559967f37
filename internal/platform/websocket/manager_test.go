package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ehr/fhirsub/internal/platform/notify"
	"github.com/rs/zerolog"
)

// mockConn records written frames and can be told to fail writes.
type mockConn struct {
	mu        sync.Mutex
	written   [][]byte
	failWrite bool
	closed    bool
	deadline  time.Time
}

func (c *mockConn) ReadMessage() (int, []byte, error) { return 0, nil, io.EOF }

func (c *mockConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite || c.closed {
		return errors.New("broken pipe")
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *mockConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}
	return out
}

func (c *mockConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func testNotification(subID string) notify.Notification {
	return notify.Notification{
		SubscriptionID: subID,
		EventNumber:    1,
		ResourceType:   "Observation",
		ResourceID:     "o1",
		Action:         "create",
		Timestamp:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestManager_OpenAndSend(t *testing.T) {
	m := NewManager(time.Second, zerolog.Nop())
	conn := &mockConn{}
	if _, err := m.Open("sub-1", conn, "text/plain"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Send(context.Background(), "sub-1", testNotification("sub-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frames := conn.frames()
	if len(frames) != 1 || frames[0] != "ping sub-1" {
		t.Fatalf("expected [ping sub-1], got %v", frames)
	}
	if m.PingCount("sub-1") != 1 {
		t.Errorf("expected ping count 1, got %d", m.PingCount("sub-1"))
	}
	if conn.deadline.IsZero() {
		t.Error("expected a write deadline to be set")
	}
}

func TestManager_SendJSONFrame(t *testing.T) {
	m := NewManager(time.Second, zerolog.Nop())
	conn := &mockConn{}
	if _, err := m.Open("sub-1", conn, "application/json"); err != nil {
		t.Fatal(err)
	}
	if err := m.Send(context.Background(), "sub-1", testNotification("sub-1")); err != nil {
		t.Fatal(err)
	}

	var frame map[string]interface{}
	if err := json.Unmarshal([]byte(conn.frames()[0]), &frame); err != nil {
		t.Fatalf("expected JSON frame: %v", err)
	}
	if frame["type"] != "ping" || frame["subscriptionId"] != "sub-1" || frame["focus"] != "Observation/o1" {
		t.Errorf("unexpected frame %v", frame)
	}
	if _, ok := frame["resource"]; ok {
		t.Error("frame must not carry the resource body")
	}
}

func TestManager_OpenConflict(t *testing.T) {
	m := NewManager(time.Second, zerolog.Nop())
	if _, err := m.Open("sub-1", &mockConn{}, "application/json"); err != nil {
		t.Fatal(err)
	}
	_, err := m.Open("sub-1", &mockConn{}, "application/json")
	if !errors.Is(err, ErrChannelConflict) {
		t.Fatalf("expected ErrChannelConflict, got %v", err)
	}
	if m.Count() != 1 {
		t.Errorf("expected 1 channel, got %d", m.Count())
	}
}

func TestManager_ConcurrentOpenAllowsOne(t *testing.T) {
	m := NewManager(time.Second, zerolog.Nop())
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Open("sub-1", &mockConn{}, "text/plain"); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if success != 1 {
		t.Fatalf("expected exactly 1 successful open, got %d", success)
	}
}

func TestManager_SendUnknownChannel(t *testing.T) {
	m := NewManager(time.Second, zerolog.Nop())
	err := m.Send(context.Background(), "missing", testNotification("missing"))
	if !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}
	if !errors.Is(err, notify.ErrDeliveryFailed) {
		t.Errorf("expected ErrDeliveryFailed, got %v", err)
	}
}

func TestManager_FailedWriteClosesChannel(t *testing.T) {
	m := NewManager(time.Second, zerolog.Nop())
	conn := &mockConn{failWrite: true}
	if _, err := m.Open("sub-1", conn, "text/plain"); err != nil {
		t.Fatal(err)
	}

	err := m.Send(context.Background(), "sub-1", testNotification("sub-1"))
	if !errors.Is(err, notify.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if !conn.isClosed() {
		t.Error("expected transport to be closed")
	}
	if m.Count() != 0 {
		t.Errorf("expected channel to be removed, got %d", m.Count())
	}

	// Reconnect re-opens without conflict.
	if _, err := m.Open("sub-1", &mockConn{}, "text/plain"); err != nil {
		t.Errorf("expected reopen to succeed, got %v", err)
	}
}

func TestManager_CloseIdempotent(t *testing.T) {
	m := NewManager(time.Second, zerolog.Nop())
	conn := &mockConn{}
	if _, err := m.Open("sub-1", conn, "text/plain"); err != nil {
		t.Fatal(err)
	}
	if !m.HasChannel("sub-1") {
		t.Fatal("expected sub-1 to be bound")
	}
	m.Close("sub-1")
	m.Close("sub-1")
	m.Close("never-opened")

	if m.HasChannel("sub-1") {
		t.Error("expected sub-1 to be unbound after close")
	}

	if !conn.isClosed() {
		t.Error("expected transport to be closed")
	}
	if err := m.Send(context.Background(), "sub-1", testNotification("sub-1")); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound after close, got %v", err)
	}
}

func TestManager_ReleaseOnlyBoundConn(t *testing.T) {
	m := NewManager(time.Second, zerolog.Nop())
	old := &mockConn{}
	if _, err := m.Open("sub-1", old, "text/plain"); err != nil {
		t.Fatal(err)
	}
	m.Close("sub-1")

	current := &mockConn{}
	if _, err := m.Open("sub-1", current, "text/plain"); err != nil {
		t.Fatal(err)
	}

	m.Release("sub-1", old)
	if m.Count() != 1 || current.isClosed() {
		t.Fatal("stale release must not close the current channel")
	}

	m.Release("sub-1", current)
	if m.Count() != 0 || !current.isClosed() {
		t.Fatal("expected release of current transport to close the channel")
	}
}

func TestManager_Stats(t *testing.T) {
	m := NewManager(time.Second, zerolog.Nop())
	if _, ok := m.Stats("sub-1"); ok {
		t.Fatal("expected no stats for unbound subscription")
	}
	if _, err := m.Open("sub-1", &mockConn{}, "application/json"); err != nil {
		t.Fatal(err)
	}
	_ = m.Send(context.Background(), "sub-1", testNotification("sub-1"))
	_ = m.Send(context.Background(), "sub-1", testNotification("sub-1"))

	s, ok := m.Stats("sub-1")
	if !ok {
		t.Fatal("expected stats")
	}
	if s.Pings != 2 || s.LastPingAt == nil || s.Encoding != "application/json" {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestManager_DeliverUsesFHIRID(t *testing.T) {
	m := NewManager(time.Second, zerolog.Nop())
	conn := &mockConn{}
	if _, err := m.Open("sub-1", conn, "text/plain"); err != nil {
		t.Fatal(err)
	}
	sub := notify.SubscriptionInfo{FHIRID: "sub-1", ChannelType: notify.ChannelWebsocket}
	if err := m.Deliver(context.Background(), sub, testNotification("sub-1")); err != nil {
		t.Fatal(err)
	}
	if len(conn.frames()) != 1 {
		t.Errorf("expected 1 frame, got %d", len(conn.frames()))
	}
}

func TestManager_CloseAll(t *testing.T) {
	m := NewManager(time.Second, zerolog.Nop())
	a, b := &mockConn{}, &mockConn{}
	_, _ = m.Open("a", a, "")
	_, _ = m.Open("b", b, "")
	m.CloseAll()
	if m.Count() != 0 || !a.isClosed() || !b.isClosed() {
		t.Error("expected all channels closed")
	}
}

func TestManager_SerialisedWrites(t *testing.T) {
	m := NewManager(time.Second, zerolog.Nop())
	conn := &mockConn{}
	if _, err := m.Open("sub-1", conn, "text/plain"); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Send(context.Background(), "sub-1", testNotification("sub-1"))
		}()
	}
	wg.Wait()
	if m.PingCount("sub-1") != 100 || len(conn.frames()) != 100 {
		t.Errorf("expected 100 frames, got %d (count %d)", len(conn.frames()), m.PingCount("sub-1"))
	}
}
