package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/internal/platform/telemetry"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ChannelLookup resolves a subscription id to the payload encoding of its
// websocket channel, or fails when the subscription cannot be bound.
type ChannelLookup interface {
	LookupChannel(ctx context.Context, subscriptionID string) (encoding string, err error)
}

const (
	maxCommandSize = 4096
	lookupTimeout  = 5 * time.Second
)

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Clients are not browsers; bind is authorised by subscription id.
	},
}

// Handler speaks the text bind protocol over a websocket:
//
//	client: bind <subscription id>
//	server: bound <subscription id> | error <reason>
//
// After binding the server writes one ping frame per matching event.
type Handler struct {
	manager *Manager
	lookup  ChannelLookup
	logger  zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(manager *Manager, lookup ChannelLookup, logger zerolog.Logger) *Handler {
	return &Handler{
		manager: manager,
		lookup:  lookup,
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

// RegisterRoutes registers the websocket endpoint at path.
func (h *Handler) RegisterRoutes(e *echo.Echo, path string) {
	e.GET(path, h.HandleConnect)
}

// RegisterAdminRoutes registers channel introspection on the admin API group.
func (h *Handler) RegisterAdminRoutes(g *echo.Group) {
	g.GET("/subscriptions/:id/channel", h.GetChannel)
}

// HandleConnect upgrades the request and serves the bind protocol.
func (h *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	go h.serve(ws)
	return nil
}

// GetChannel reports the counters of a subscription's open channel.
func (h *Handler) GetChannel(c echo.Context) error {
	id := c.Param("id")
	stats, ok := h.manager.Stats(id)
	if !ok {
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeNotFound, "no open channel for subscription "+id))
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) serve(conn Conn) {
	var bound *Channel
	defer func() {
		if bound != nil {
			h.manager.Release(bound.SubscriptionID, conn)
		}
		conn.Close()
	}()

	if ws, ok := conn.(*gorillawebsocket.Conn); ok {
		ws.SetReadLimit(maxCommandSize)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		command, arg, _ := strings.Cut(strings.TrimSpace(string(msg)), " ")
		switch command {
		case "bind":
			if bound != nil {
				h.reply(conn, bound, "error already bound to "+bound.SubscriptionID)
				continue
			}
			ch, err := h.bind(conn, arg)
			if err != nil {
				h.reply(conn, nil, "error "+err.Error())
				continue
			}
			bound = ch
		default:
			h.reply(conn, bound, "error unknown command "+command)
		}
	}
}

func (h *Handler) bind(conn Conn, arg string) (*Channel, error) {
	id := strings.TrimPrefix(strings.TrimSpace(arg), "Subscription/")
	if id == "" {
		telemetry.ChannelBindsTotal.With("rejected").Inc()
		return nil, errors.New("missing subscription id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	encoding, err := h.lookup.LookupChannel(ctx, id)
	if err != nil {
		telemetry.ChannelBindsTotal.With("rejected").Inc()
		h.logger.Debug().Err(err).Str("subscription", id).Msg("bind rejected")
		return nil, err
	}

	return h.manager.open(id, conn, encoding, []byte("bound "+id))
}

// reply writes a protocol message. Once bound, writes go through the
// channel lock so they never interleave with notification frames.
func (h *Handler) reply(conn Conn, ch *Channel, text string) {
	var err error
	if ch != nil {
		err = ch.write(context.Background(), h.manager.writeTimeout, []byte(text))
	} else if err = conn.SetWriteDeadline(time.Now().Add(h.manager.writeTimeout)); err == nil {
		err = conn.WriteMessage(gorillawebsocket.TextMessage, []byte(text))
	}
	if err != nil {
		h.logger.Debug().Err(err).Msg("failed to write protocol reply")
	}
}
