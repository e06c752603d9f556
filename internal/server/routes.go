package server

import (
	"context"
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"screenrec/internal/bus"
	"screenrec/internal/coordinator"
	"screenrec/internal/grant"
	"screenrec/internal/session"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api")
	api.Get("/session", s.getSession)
	api.Post("/session/start", s.startSession)
	api.Post("/session/stop", s.stopSession)
	api.Get("/recordings", s.listRecordings)
	api.Get("/grants", s.listGrantPrompts)
	api.Post("/grants/:id", s.answerGrantPrompt)

	// Out-of-process stop trigger, e.g. a notification action link.
	s.App.Post("/events/recording", ActionMiddleware(s.deps.Actions), s.recordingEvent)

	if s.deps.WebSocket != nil {
		s.App.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				c.Locals("allowed", true)
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		s.App.Get("/ws", websocket.New(s.deps.WebSocket.ServeWS))
	}
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status":  "ok",
		"session": s.deps.Session.Snapshot().Status,
	}
	if s.deps.DB == nil {
		resp["database"] = map[string]string{"message": "Session state kept in memory"}
		return c.JSON(resp)
	}

	health := s.deps.DB.Health()
	resp["database"] = health
	if _, failed := health["error"]; failed {
		resp["status"] = "degraded"
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.JSON(resp)
}

func (s *FiberServer) getSession(c *fiber.Ctx) error {
	snap := s.deps.Session.Snapshot()
	return c.JSON(fiber.Map{
		"session":   snap,
		"recording": snap.Status == session.StatusActive,
		"controls":  s.deps.Coordinator.Controls(),
	})
}

func (s *FiberServer) startSession(c *fiber.Ctx) error {
	ctx := c.UserContext()
	if timeout := s.cfg.Security.StartTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := s.deps.Coordinator.RequestStart(ctx, "")
	if err != nil {
		status, message := startErrorStatus(err)
		if status == fiber.StatusInternalServerError {
			log.Printf("Server: start request failed: %v", err)
		}
		return c.Status(status).JSON(fiber.Map{
			"error":    message,
			"controls": s.deps.Coordinator.Controls(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":  "Recording started",
		"session":  s.deps.Session.Snapshot(),
		"controls": s.deps.Coordinator.Controls(),
	})
}

func startErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, coordinator.ErrStartUnavailable), errors.Is(err, session.ErrBusy):
		return fiber.StatusConflict, "A recording is already in progress"
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusRequestTimeout, "Screen capture permission was not answered in time"
	case errors.Is(err, grant.ErrDenied):
		return fiber.StatusForbidden, "Screen capture permission denied"
	case errors.Is(err, grant.ErrConsumed), errors.Is(err, grant.ErrInvalid):
		return fiber.StatusUnauthorized, "Capture grant rejected"
	case errors.Is(err, session.ErrStorageUnavailable):
		return fiber.StatusInternalServerError, "Recording storage unavailable"
	case errors.Is(err, session.ErrRecorderInit):
		return fiber.StatusInternalServerError, "Recorder failed to start"
	default:
		return fiber.StatusInternalServerError, "Failed to start recording"
	}
}

func (s *FiberServer) stopSession(c *fiber.Ctx) error {
	path := s.deps.Coordinator.RequestStop(c.UserContext())
	if path == "" {
		return c.JSON(fiber.Map{
			"message": "No recording in progress",
			"path":    "",
		})
	}
	return c.JSON(fiber.Map{
		"message": "Recording saved",
		"path":    path,
	})
}

func (s *FiberServer) listRecordings(c *fiber.Ctx) error {
	recordings, err := s.deps.Coordinator.Recordings(c.UserContext())
	if err != nil {
		log.Printf("Server: failed to list recordings: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list recordings",
		})
	}
	return c.JSON(fiber.Map{
		"recordings": recordings,
		"count":      len(recordings),
	})
}

func (s *FiberServer) listGrantPrompts(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"prompts": s.deps.Prompts.Pending(),
	})
}

type grantAnswer struct {
	Approved *bool `json:"approved"`
}

func (s *FiberServer) answerGrantPrompt(c *fiber.Ctx) error {
	var req grantAnswer
	if err := c.BodyParser(&req); err != nil || req.Approved == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Request body must include approved",
		})
	}

	if err := s.deps.Prompts.Resolve(c.Params("id"), *req.Approved); err != nil {
		if errors.Is(err, grant.ErrUnknownPrompt) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Grant prompt not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to answer grant prompt",
		})
	}

	return c.JSON(fiber.Map{
		"message":  "Grant prompt answered",
		"approved": *req.Approved,
	})
}

func (s *FiberServer) recordingEvent(c *fiber.Ctx) error {
	action, _ := c.Locals("action").(string)
	if action != bus.ActionStop {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unsupported action",
		})
	}

	delivered := s.deps.Signals.Publish(bus.Stop())
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message":   "Stop requested",
		"delivered": delivered,
	})
}
