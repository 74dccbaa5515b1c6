// Package web exposes the call-control HTTP API and the live event
// websocket. The telephony media path does not go through here; this
// is the operator surface for dispatching, inspecting, and ending
// calls.
package web

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/voxbotics/go-callbot/pkg/conversation"
	"github.com/voxbotics/go-callbot/pkg/hub"
	"github.com/voxbotics/go-callbot/pkg/router"
	"github.com/voxbotics/go-callbot/pkg/scenario"
)

// Controller is the call-control surface the API wraps.
// *router.Router satisfies it.
type Controller interface {
	HandleIncomingCall(ctx context.Context, instanceID, sessionID, callerID, entryPoint string) error
	HandleOutboundCall(ctx context.Context, instanceID, callee, scenarioID string) (string, error)
	EndCall(sessionID string) error
	SessionStatus(sessionID string) (conversation.Status, error)
	ActiveSessions() []conversation.Status
	Instances() []router.InstanceStatus
}

// FailureReporter exposes the current failure counts for health
// reporting. *breaker.Memory satisfies it.
type FailureReporter interface {
	Snapshot() map[string]int
}

// ScenarioLister lists configured scenarios. *scenario.FileStore
// satisfies it.
type ScenarioLister interface {
	All() []*scenario.Scenario
}

// Config holds web server settings.
type Config struct {
	ListenAddr string
	Logger     *slog.Logger
}

// Server is the control API server.
type Server struct {
	app    *fiber.App
	events *hub.Hub
	logger *slog.Logger
	addr   string

	ctrl      Controller
	failures  FailureReporter
	scenarios ScenarioLister
}

// NewServer creates the control server. failures and scenarios may be
// nil; the corresponding endpoints then report empty data.
func NewServer(cfg Config, ctrl Controller, failures FailureReporter, scenarios ScenarioLister) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		events:    hub.New("events", cfg.Logger),
		logger:    cfg.Logger.With("component", "web"),
		addr:      cfg.ListenAddr,
		ctrl:      ctrl,
		failures:  failures,
		scenarios: scenarios,
	}

	app := fiber.New(fiber.Config{
		AppName:               "callbot",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/health", s.handleHealth)
	api.Get("/instances", s.handleInstances)
	api.Get("/sessions", s.handleSessions)
	api.Get("/scenarios", s.handleScenarios)
	api.Post("/call/start", s.handleCallStart)
	api.Post("/call/outbound", s.handleCallOutbound)
	api.Post("/call/end/:session_id", s.handleCallEnd)
	api.Get("/call/status/:session_id", s.handleCallStatus)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s
}

// EventSink returns a sink that broadcasts router events to all
// connected websocket clients.
func (s *Server) EventSink() router.EventSink {
	return router.EventSinkFunc(func(ev router.Event) {
		if err := s.events.BroadcastJSON(ev); err != nil {
			s.logger.Warn("event broadcast failed", "error", err)
		}
	})
}

// Start runs the event hub and listens for HTTP connections. Blocks
// until the server shuts down.
func (s *Server) Start() error {
	go s.events.Run()
	s.logger.Info("control api listening", "addr", s.addr)
	return s.app.Listen(s.addr)
}

// Shutdown stops the server and disconnects event subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.events.Stop()
	return s.app.ShutdownWithContext(ctx)
}

// handleEventsWS attaches one subscriber to the event hub.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	client := hub.NewClient(s.events, c)
	client.Run()
}
