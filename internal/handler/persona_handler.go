package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/hottake/studio/internal/model"
	"github.com/hottake/studio/internal/persona"
	"github.com/hottake/studio/pkg/response"
)

type PersonaHandler struct {
	store     *persona.Store
	validator *validator.Validate
}

func NewPersonaHandler(store *persona.Store, v *validator.Validate) *PersonaHandler {
	return &PersonaHandler{
		store:     store,
		validator: v,
	}
}

// List handles GET /api/personas
// @Summary      List personas
// @Tags         Personas
// @Produce      json
// @Success      200 {array} model.PersonaSummary
// @Security     BearerAuth
// @Router       /api/personas [get]
func (h *PersonaHandler) List(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{
		"personas":   h.store.List(),
		"default_id": h.store.DefaultID(),
	})
}

// Get handles GET /api/personas/:personaId
// @Summary      Persona detail
// @Tags         Personas
// @Produce      json
// @Param        personaId path string true "Persona ID"
// @Success      200 {object} model.PersonaDetailResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/personas/{personaId} [get]
func (h *PersonaHandler) Get(c *fiber.Ctx) error {
	id := c.Params("personaId")
	p, ok := h.store.Get(id)
	if !ok {
		return response.NotFound(c, "Persona not found")
	}

	return response.OK(c, model.PersonaDetailResponse{
		ID:         id,
		Persona:    p,
		Validation: h.store.Validate(id),
	})
}

// Create handles POST /api/personas
// @Summary      Add or replace a persona
// @Tags         Personas
// @Accept       json
// @Produce      json
// @Param        request body model.CreatePersonaRequest true "Persona"
// @Success      201 {object} model.PersonaDetailResponse
// @Failure      400 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/personas [post]
func (h *PersonaHandler) Create(c *fiber.Ctx) error {
	var req model.CreatePersonaRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if err := h.store.Add(req.ID, req.Persona); err != nil {
		return h.writeError(c, err)
	}

	return response.Created(c, model.PersonaDetailResponse{
		ID:         req.ID,
		Persona:    req.Persona,
		Validation: h.store.Validate(req.ID),
	})
}

// Update handles PATCH /api/personas/:personaId
// @Summary      Update persona fields
// @Tags         Personas
// @Accept       json
// @Produce      json
// @Param        personaId path string             true "Persona ID"
// @Param        request   body model.PersonaPatch true "Fields to change"
// @Success      200 {object} model.PersonaDetailResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/personas/{personaId} [patch]
func (h *PersonaHandler) Update(c *fiber.Ctx) error {
	id := c.Params("personaId")

	var patch model.PersonaPatch
	if err := c.BodyParser(&patch); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&patch); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}
	if patch.IsEmpty() {
		return response.ValidationError(c, "No fields to update", nil)
	}

	ok, err := h.store.Update(id, patch)
	if err != nil {
		return h.writeError(c, err)
	}
	if !ok {
		return response.NotFound(c, "Persona not found")
	}

	p, _ := h.store.Get(id)
	return response.OK(c, model.PersonaDetailResponse{
		ID:         id,
		Persona:    p,
		Validation: h.store.Validate(id),
	})
}

// Delete handles DELETE /api/personas/:personaId
// @Summary      Delete a persona
// @Tags         Personas
// @Param        personaId path string true "Persona ID"
// @Success      204 "No Content"
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/personas/{personaId} [delete]
func (h *PersonaHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("personaId")
	if id == h.store.DefaultID() {
		return response.ValidationError(c, "The default persona cannot be deleted", nil)
	}

	ok, err := h.store.Delete(id)
	if err != nil {
		return h.writeError(c, err)
	}
	if !ok {
		return response.NotFound(c, "Persona not found")
	}

	return response.NoContent(c)
}

// Validate handles GET /api/personas/:personaId/validate
// @Summary      Check persona files and identifiers
// @Tags         Personas
// @Produce      json
// @Param        personaId path string true "Persona ID"
// @Success      200 {object} model.PersonaValidation
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/personas/{personaId}/validate [get]
func (h *PersonaHandler) Validate(c *fiber.Ctx) error {
	id := c.Params("personaId")
	if _, ok := h.store.Get(id); !ok {
		return response.NotFound(c, "Persona not found")
	}
	return response.OK(c, h.store.Validate(id))
}

// Reload handles POST /api/personas/reload
// @Summary      Re-read the persona file
// @Tags         Personas
// @Produce      json
// @Success      200 {object} map[string]interface{}
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/personas/reload [post]
func (h *PersonaHandler) Reload(c *fiber.Ctx) error {
	if err := h.store.Reload(); err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, fiber.Map{
		"count": len(h.store.List()),
	})
}

func (h *PersonaHandler) writeError(c *fiber.Ctx, err error) error {
	if errors.Is(err, persona.ErrInvalidID) || errors.Is(err, persona.ErrInvalidPersona) {
		return response.ValidationError(c, err.Error(), nil)
	}
	return response.ServiceError(c, err.Error())
}
