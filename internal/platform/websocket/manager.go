// Package websocket delivers subscription notifications over websocket
// channels. Each subscription has at most one bound channel, and every write
// to a channel is serialised by that channel's lock.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehr/fhirsub/internal/platform/notify"
	"github.com/ehr/fhirsub/internal/platform/telemetry"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

var (
	// ErrChannelConflict is returned when a subscription already has an open channel.
	ErrChannelConflict = errors.New("channel conflict")
	// ErrChannelNotFound is returned when a subscription has no open channel.
	ErrChannelNotFound = errors.New("channel not found")
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 5 * time.Second

// Conn abstracts a websocket connection for testability. *websocket.Conn
// from gorilla satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Channel is the open transport bound to one subscription.
type Channel struct {
	SubscriptionID string
	Encoding       string
	OpenedAt       time.Time

	conn     Conn
	mu       sync.Mutex
	closed   bool
	pings    atomic.Uint64
	lastPing atomic.Int64
}

// ChannelStats is a point-in-time view of a channel's counters.
type ChannelStats struct {
	SubscriptionID string     `json:"subscriptionId"`
	Encoding       string     `json:"encoding"`
	OpenedAt       time.Time  `json:"openedAt"`
	Pings          uint64     `json:"pings"`
	LastPingAt     *time.Time `json:"lastPingAt,omitempty"`
}

func (ch *Channel) write(ctx context.Context, timeout time.Duration, data []byte) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return ErrChannelNotFound
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ch.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return ch.conn.WriteMessage(gorillawebsocket.TextMessage, data)
}

func (ch *Channel) close() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	ch.conn.Close()
}

func (ch *Channel) stats() ChannelStats {
	s := ChannelStats{
		SubscriptionID: ch.SubscriptionID,
		Encoding:       ch.Encoding,
		OpenedAt:       ch.OpenedAt,
		Pings:          ch.pings.Load(),
	}
	if ns := ch.lastPing.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.LastPingAt = &t
	}
	return s
}

// Manager owns the table of open channels.
type Manager struct {
	channels     *xsync.MapOf[string, *Channel]
	writeTimeout time.Duration
	logger       zerolog.Logger
}

// NewManager creates a Manager. A non-positive writeTimeout selects DefaultWriteTimeout.
func NewManager(writeTimeout time.Duration, logger zerolog.Logger) *Manager {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Manager{
		channels:     xsync.NewMapOf[string, *Channel](),
		writeTimeout: writeTimeout,
		logger:       logger.With().Str("component", "channels").Logger(),
	}
}

// Open binds conn to subscriptionID. It fails with ErrChannelConflict when
// the subscription already has an open channel.
func (m *Manager) Open(subscriptionID string, conn Conn, encoding string) (*Channel, error) {
	return m.open(subscriptionID, conn, encoding, nil)
}

// open stores the channel and, when greeting is set, writes it before any
// notification can reach the transport.
func (m *Manager) open(subscriptionID string, conn Conn, encoding string, greeting []byte) (*Channel, error) {
	ch := &Channel{
		SubscriptionID: subscriptionID,
		Encoding:       encoding,
		OpenedAt:       time.Now().UTC(),
		conn:           conn,
	}
	ch.mu.Lock()
	if _, loaded := m.channels.LoadOrStore(subscriptionID, ch); loaded {
		ch.mu.Unlock()
		telemetry.ChannelBindsTotal.With("conflict").Inc()
		return nil, fmt.Errorf("%w: subscription %s is already bound", ErrChannelConflict, subscriptionID)
	}
	telemetry.OpenChannels.Inc()

	if greeting != nil {
		err := ch.conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
		if err == nil {
			err = ch.conn.WriteMessage(gorillawebsocket.TextMessage, greeting)
		}
		if err != nil {
			ch.mu.Unlock()
			m.remove(subscriptionID, ch)
			ch.close()
			return nil, fmt.Errorf("write bind reply: %w", err)
		}
	}
	ch.mu.Unlock()

	telemetry.ChannelBindsTotal.With("bound").Inc()
	m.logger.Info().Str("subscription", subscriptionID).Str("encoding", encoding).Msg("channel bound")
	return ch, nil
}

// Send writes a ping frame for n to the subscription's channel. A failed
// write closes and removes the channel.
func (m *Manager) Send(ctx context.Context, subscriptionID string, n notify.Notification) error {
	ch, ok := m.channels.Load(subscriptionID)
	if !ok {
		return fmt.Errorf("%w: %w: subscription %s", notify.ErrDeliveryFailed, ErrChannelNotFound, subscriptionID)
	}

	frame, err := EncodeFrame(ch.Encoding, n)
	if err != nil {
		return fmt.Errorf("%w: encode frame: %v", notify.ErrDeliveryFailed, err)
	}

	if err := ch.write(ctx, m.writeTimeout, frame); err != nil {
		if m.remove(subscriptionID, ch) {
			m.logger.Warn().Err(err).Str("subscription", subscriptionID).Msg("channel write failed, closing channel")
		}
		ch.close()
		return fmt.Errorf("%w: %v", notify.ErrDeliveryFailed, err)
	}

	ch.pings.Add(1)
	ch.lastPing.Store(time.Now().UnixNano())
	return nil
}

// Deliver implements notify.Deliverer.
func (m *Manager) Deliver(ctx context.Context, sub notify.SubscriptionInfo, n notify.Notification) error {
	return m.Send(ctx, sub.FHIRID, n)
}

// Close closes the subscription's channel if one is open. It is safe to call
// repeatedly.
func (m *Manager) Close(subscriptionID string) {
	ch, ok := m.channels.LoadAndDelete(subscriptionID)
	if !ok {
		return
	}
	telemetry.OpenChannels.Dec()
	ch.close()
	m.logger.Info().Str("subscription", subscriptionID).Msg("channel closed")
}

// Release closes the subscription's channel only if conn is still the bound
// transport, so a stale disconnect cannot close a newer channel.
func (m *Manager) Release(subscriptionID string, conn Conn) {
	var released *Channel
	m.channels.Compute(subscriptionID, func(old *Channel, loaded bool) (*Channel, bool) {
		if !loaded {
			return nil, true
		}
		if old.conn != conn {
			return old, false
		}
		released = old
		return nil, true
	})
	if released == nil {
		return
	}
	telemetry.OpenChannels.Dec()
	released.close()
	m.logger.Info().Str("subscription", subscriptionID).Msg("channel released")
}

// remove deletes ch from the table if it is still the bound channel.
func (m *Manager) remove(subscriptionID string, ch *Channel) bool {
	removed := false
	m.channels.Compute(subscriptionID, func(old *Channel, loaded bool) (*Channel, bool) {
		if !loaded {
			return nil, true
		}
		if old != ch {
			return old, false
		}
		removed = true
		return nil, true
	})
	if removed {
		telemetry.OpenChannels.Dec()
	}
	return removed
}

// PingCount returns the number of pings written to the subscription's current
// channel, or 0 when none is open.
func (m *Manager) PingCount(subscriptionID string) uint64 {
	ch, ok := m.channels.Load(subscriptionID)
	if !ok {
		return 0
	}
	return ch.pings.Load()
}

// Stats returns the counters of the subscription's open channel.
func (m *Manager) Stats(subscriptionID string) (ChannelStats, bool) {
	ch, ok := m.channels.Load(subscriptionID)
	if !ok {
		return ChannelStats{}, false
	}
	return ch.stats(), true
}

// HasChannel reports whether the subscription is bound on this instance.
func (m *Manager) HasChannel(subscriptionID string) bool {
	_, ok := m.channels.Load(subscriptionID)
	return ok
}

// Count returns the number of open channels.
func (m *Manager) Count() int {
	return m.channels.Size()
}

// CloseAll closes every open channel.
func (m *Manager) CloseAll() {
	m.channels.Range(func(id string, _ *Channel) bool {
		m.Close(id)
		return true
	})
}

// pingFrame is the JSON notification frame. It names the changed resource but
// never includes it.
type pingFrame struct {
	Type           string    `json:"type"`
	SubscriptionID string    `json:"subscriptionId"`
	EventNumber    uint64    `json:"eventNumber"`
	Focus          string    `json:"focus"`
	Action         string    `json:"action,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// EncodeFrame serialises n for a channel with the given payload encoding.
// JSON encodings get a pingFrame; anything else gets "ping <id>".
func EncodeFrame(encoding string, n notify.Notification) ([]byte, error) {
	if strings.Contains(strings.ToLower(encoding), "json") {
		return json.Marshal(pingFrame{
			Type:           "ping",
			SubscriptionID: n.SubscriptionID,
			EventNumber:    n.EventNumber,
			Focus:          n.Focus(),
			Action:         n.Action,
			Timestamp:      n.Timestamp,
		})
	}
	return []byte("ping " + n.SubscriptionID), nil
}
