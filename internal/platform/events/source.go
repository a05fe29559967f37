package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Source subscribes to resource events published by other instances and
// forwards them to a listener, normally the notification dispatcher.
type Source struct {
	conn     *nats.Conn
	subject  string
	origin   string
	listener fhir.ResourceEventListener
	logger   zerolog.Logger
	sub      *nats.Subscription
}

func NewSource(conn *nats.Conn, subject, origin string, listener fhir.ResourceEventListener, logger zerolog.Logger) *Source {
	return &Source{conn: conn, subject: subject, origin: origin, listener: listener, logger: logger}
}

// Start subscribes to every resource type under the subject prefix. The
// subscription is drained when ctx is cancelled.
func (s *Source) Start(ctx context.Context) error {
	sub, err := s.conn.Subscribe(subjectFor(s.subject, ">"), func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("drain nats subscription")
		}
	}()
	s.logger.Info().Str("subject", s.subject).Msg("listening for remote resource events")
	return nil
}

func (s *Source) handle(ctx context.Context, msg *nats.Msg) {
	if msg.Header != nil && msg.Header.Get(OriginHeader) == s.origin {
		return
	}
	var event fhir.ResourceEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("discarding malformed resource event")
		return
	}
	if event.Origin == s.origin || event.ResourceType == "" || event.ResourceID == "" {
		return
	}
	s.listener.OnResourceEvent(ctx, event)
}
