package handler

import (
	"context"
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/hottake/studio/internal/service"
	ws "github.com/hottake/studio/internal/websocket"
	"github.com/hottake/studio/pkg/response"
)

// ProgressHandler streams job progress over websockets.
type ProgressHandler struct {
	jobs *service.JobService
	hub  *ws.Hub
}

func NewProgressHandler(jobs *service.JobService, hub *ws.Hub) *ProgressHandler {
	return &ProgressHandler{jobs: jobs, hub: hub}
}

// Upgrade rejects plain HTTP requests and unknown jobs before the
// websocket handshake.
func (h *ProgressHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	if _, err := h.jobs.Get(c.Context(), c.Params("jobId")); err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return c.Next()
}

// Stream handles GET /ws/jobs/:jobId. The current job state is sent first.
func (h *ProgressHandler) Stream() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")

		var snapshot []byte
		if job, err := h.jobs.Get(context.Background(), jobID); err == nil {
			snapshot = ws.Snapshot(job)
		}
		h.hub.HandleConnection(c, jobID, snapshot)
	})
}
