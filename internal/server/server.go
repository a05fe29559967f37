// Package server assembles the subscription notification service: HTTP API,
// websocket channels, the event dispatcher and the optional PostgreSQL and
// NATS backends.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsub/internal/config"
	"github.com/ehr/fhirsub/internal/domain/resource"
	"github.com/ehr/fhirsub/internal/domain/subscription"
	"github.com/ehr/fhirsub/internal/platform/auth"
	"github.com/ehr/fhirsub/internal/platform/db"
	"github.com/ehr/fhirsub/internal/platform/events"
	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/internal/platform/middleware"
	"github.com/ehr/fhirsub/internal/platform/notify"
	"github.com/ehr/fhirsub/internal/platform/telemetry"
	"github.com/ehr/fhirsub/internal/platform/websocket"
)

const Version = "0.1.0"

type Server struct {
	Echo          *echo.Echo
	Subscriptions *subscription.Service
	Dispatcher    *notify.Dispatcher
	Channels      *websocket.Manager
	Resources     *resource.Store

	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	nc     *nats.Conn
	source *events.Source

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the server from cfg. It connects to PostgreSQL and NATS when
// they are configured; nothing runs until Start is called.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	telemetry.Init(cfg.MetricsEnabled, logger)

	var repo subscription.SubscriptionRepository
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, err
		}
		s.pool = pool
		repo = subscription.NewSubscriptionRepoPG(pool)
		logger.Info().Msg("connected to database")
	default:
		repo = subscription.NewSubscriptionRepoMemory()
		logger.Warn().Msg("using in-memory subscription store; subscriptions are lost on restart")
	}

	matcher := fhir.NewMatcher(nil, 0)

	// Subscription registry
	s.Subscriptions = subscription.NewService(repo, matcher, logger, subscription.Options{
		ActivationTimeout:     cfg.ActivationTimeout,
		ActivationWorkers:     cfg.ActivationWorkers,
		ExpiryInterval:        cfg.ExpiryInterval,
		RefreshInterval:       cfg.RefreshInterval,
		NotificationRetention: cfg.NotificationRetention,
		RequireHTTPS:          cfg.IsProduction(),
		AllowPrivateEndpoints: cfg.IsDev(),
	})
	restHooks := notify.NewRestHookClient(cfg.DeliveryTimeout)
	s.Subscriptions.SetVerifier(subscription.ChannelRestHook, subscription.NewRestHookVerifier(restHooks))

	// Channels and dispatcher
	s.Channels = websocket.NewManager(cfg.DeliveryTimeout, logger)
	s.Subscriptions.OnDelete(s.Channels.Close)
	s.Subscriptions.OnDeactivate(s.Channels.Close)

	s.Dispatcher = notify.NewDispatcher(s.Subscriptions, matcher, logger, notify.Options{
		QueueSize:       cfg.DispatchQueueSize,
		WorkerQueueSize: cfg.ChannelQueueSize,
		DeliveryTimeout: cfg.DeliveryTimeout,
		Clustered:       cfg.NATSURL != "",
	})
	s.Dispatcher.RegisterDeliverer(notify.ChannelWebsocket, s.Channels)
	s.Dispatcher.RegisterDeliverer(notify.ChannelRestHook, restHooks)
	s.Dispatcher.SetRecorder(subscription.NewNotifyRecorderAdapter(repo))

	// Change source
	bus := fhir.NewEventBus()
	bus.AddListener(s.Dispatcher)
	s.Resources = resource.NewStore(bus, matcher)
	s.Subscriptions.SetEventListener(fhir.ListenerFunc(bus.Publish))

	if cfg.NATSURL != "" {
		origin, _ := os.Hostname()
		origin += "-" + cfg.Port
		nc, err := events.Connect(cfg.NATSURL, "fhirsub-"+origin, logger)
		if err != nil {
			s.closeBackends()
			return nil, err
		}
		s.nc = nc
		bus.AddListener(events.NewPublisher(nc, cfg.NATSSubject, origin, logger))
		s.source = events.NewSource(nc, cfg.NATSSubject, origin, s.Dispatcher, logger)
	}

	s.Echo = s.routes()
	return s, nil
}

func (s *Server) routes() *echo.Echo {
	cfg := s.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(s.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	var authMW echo.MiddlewareFunc
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}

	// API groups
	apiV1 := e.Group("/api/v1", authMW)
	fhirGroup := e.Group("/fhir", authMW, middleware.BodyLimit(cfg.BodyLimit))

	subscription.NewHandler(s.Subscriptions).RegisterRoutes(apiV1, fhirGroup)
	resource.NewHandler(s.Resources).RegisterRoutes(fhirGroup)

	wsHandler := websocket.NewHandler(s.Channels, s.Subscriptions, s.logger)
	wsHandler.RegisterRoutes(e, cfg.WebsocketPath)
	wsHandler.RegisterAdminRoutes(apiV1.Group("", auth.RequireRole(auth.RoleAdmin)))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"version":  Version,
			"channels": s.Channels.Count(),
		})
	})
	if s.pool != nil {
		e.GET("/health/db", db.HealthHandler(s.pool))
	}
	if h := telemetry.Handler(); h != nil {
		e.GET("/metrics", echo.WrapHandler(h))
	}

	return e
}

// Start launches the registry, dispatcher and NATS source. They stop when
// ctx is cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.source != nil {
		if err := s.source.Start(ctx); err != nil {
			s.cancel()
			return err
		}
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.Subscriptions.Start(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.Dispatcher.Start(ctx)
	}()
	return nil
}

// ListenAndServe serves HTTP on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting server")
	if err := s.Echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes every websocket channel, stops
// the background loops and releases the backends.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Echo.Shutdown(ctx)
	s.Channels.CloseAll()
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("background workers did not stop before the shutdown deadline")
	}

	s.closeBackends()
	return err
}

func (s *Server) closeBackends() {
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
		s.nc = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

// ShutdownTimeout bounds graceful shutdown in the server command.
const ShutdownTimeout = 10 * time.Second
