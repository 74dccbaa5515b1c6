package web

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/voxbotics/go-callbot/pkg/router"
	"github.com/voxbotics/go-callbot/pkg/scenario"
)

// handleHealth reports instance connectivity, active call count, and
// the shared failure counters.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	instances := s.ctrl.Instances()
	connected := 0
	for _, inst := range instances {
		if inst.Connected {
			connected++
		}
	}

	failures := map[string]int{}
	if s.failures != nil {
		failures = s.failures.Snapshot()
	}

	status := "ok"
	if connected == 0 && len(instances) > 0 {
		status = "degraded"
	}
	return c.JSON(fiber.Map{
		"status":              status,
		"instances":           len(instances),
		"instances_connected": connected,
		"active_sessions":     len(s.ctrl.ActiveSessions()),
		"failures":            failures,
	})
}

func (s *Server) handleInstances(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.Instances())
}

func (s *Server) handleSessions(c *fiber.Ctx) error {
	sessions := s.ctrl.ActiveSessions()
	return c.JSON(fiber.Map{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) handleScenarios(c *fiber.Ctx) error {
	var all []*scenario.Scenario
	if s.scenarios != nil {
		all = s.scenarios.All()
	}
	return c.JSON(fiber.Map{
		"count":     len(all),
		"scenarios": all,
	})
}

// CallStartRequest dispatches an already-ringing inbound call, for
// switch event socket bridges that signal call arrival over HTTP.
type CallStartRequest struct {
	InstanceID string `json:"instance_id"`
	SessionID  string `json:"session_id"`
	CallerID   string `json:"caller_id"`
	EntryPoint string `json:"entry_point"`
}

func (s *Server) handleCallStart(c *fiber.Ctx) error {
	var req CallStartRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.InstanceID == "" || req.SessionID == "" {
		return badRequest(c, "instance_id and session_id are required")
	}

	err := s.ctrl.HandleIncomingCall(c.Context(), req.InstanceID, req.SessionID, req.CallerID, req.EntryPoint)
	if err != nil {
		return dispatchError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"session_id": req.SessionID,
	})
}

// CallOutboundRequest places a new outbound call.
type CallOutboundRequest struct {
	InstanceID string `json:"instance_id"`
	Callee     string `json:"callee"`
	ScenarioID string `json:"scenario_id"`
}

func (s *Server) handleCallOutbound(c *fiber.Ctx) error {
	var req CallOutboundRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.InstanceID == "" || req.Callee == "" {
		return badRequest(c, "instance_id and callee are required")
	}

	sessionID, err := s.ctrl.HandleOutboundCall(c.Context(), req.InstanceID, req.Callee, req.ScenarioID)
	if err != nil {
		return dispatchError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"session_id": sessionID,
	})
}

func (s *Server) handleCallEnd(c *fiber.Ctx) error {
	sessionID := c.Params("session_id")
	if err := s.ctrl.EndCall(sessionID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"session_id": sessionID, "ended": true})
}

func (s *Server) handleCallStatus(c *fiber.Ctx) error {
	sessionID := c.Params("session_id")
	status, err := s.ctrl.SessionStatus(sessionID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(status)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

// dispatchError maps router dispatch failures to HTTP statuses.
func dispatchError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, router.ErrUnknownInstance):
		code = fiber.StatusNotFound
	case errors.Is(err, router.ErrDuplicateSession):
		code = fiber.StatusConflict
	case errors.Is(err, router.ErrInstanceDown), errors.Is(err, router.ErrShuttingDown):
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
