package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/hottake/studio/internal/jobstore"
)

// HealthHandler reports which collaborators are configured. Missing
// credentials are warnings, not failures.
type HealthHandler struct {
	jobs     jobstore.Store
	services map[string]bool
}

func NewHealthHandler(jobs jobstore.Store, services map[string]bool) *HealthHandler {
	return &HealthHandler{jobs: jobs, services: services}
}

// Root handles GET /
func (h *HealthHandler) Root(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"timestamp": time.Now().Unix(),
	})
}

// Health handles GET /health
// @Summary      Service health
// @Tags         Health
// @Produce      json
// @Success      200 {object} map[string]interface{}
// @Router       /health [get]
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	var warnings []string
	for name, ok := range h.services {
		if !ok {
			warnings = append(warnings, name+" is not configured")
		}
	}

	return c.JSON(fiber.Map{
		"status":      "ok",
		"job_storage": string(h.jobs.Backend()),
		"services":    h.services,
		"warnings":    warnings,
	})
}
