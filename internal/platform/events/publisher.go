package events

import (
	"context"
	"encoding/json"

	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// MsgPublisher is the subset of *nats.Conn used by Publisher.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Publisher mirrors locally committed resource events to NATS. It is an
// fhir.ResourceEventListener; publishing is asynchronous in the client so it
// never blocks the writer.
type Publisher struct {
	conn    MsgPublisher
	subject string
	origin  string
	logger  zerolog.Logger
}

func NewPublisher(conn MsgPublisher, subject, origin string, logger zerolog.Logger) *Publisher {
	return &Publisher{conn: conn, subject: subject, origin: origin, logger: logger}
}

func (p *Publisher) OnResourceEvent(_ context.Context, event fhir.ResourceEvent) {
	if event.Origin != "" && event.Origin != p.origin {
		// Received from another instance; do not echo it back.
		return
	}
	event.Origin = p.origin
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("resource", event.Reference()).Msg("encode resource event")
		return
	}
	msg := &nats.Msg{
		Subject: subjectFor(p.subject, event.ResourceType),
		Data:    data,
		Header:  nats.Header{OriginHeader: []string{p.origin}},
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		p.logger.Warn().Err(err).Str("resource", event.Reference()).Msg("publish resource event")
	}
}
