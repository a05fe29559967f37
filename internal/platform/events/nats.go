// Package events carries resource change events between server instances
// over NATS. Events are JSON-encoded fhir.ResourceEvent values published on
// "<subject>.<ResourceType>".
package events

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// OriginHeader names the instance that published an event so that instances
// can skip their own messages.
const OriginHeader = "Fhir-Origin"

// Connect dials NATS, retrying in the background until the server is reachable.
func Connect(url, name string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

func subjectFor(prefix, resourceType string) string {
	return prefix + "." + resourceType
}
